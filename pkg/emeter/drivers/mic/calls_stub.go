// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !linux || !cgo

package mic

import "github.com/antimetal/emeter/pkg/emerr"

// On non-Linux builds, or builds without cgo, the MIC driver can never
// resolve libmicmgmt; every Init reports LibraryUnavailable immediately.

type library struct{}

func openLibraryOrUnavailable(name string) (*library, error) {
	return nil, emerr.New(emerr.KindLibraryUnavailable, "mic.Init", "MIC driver requires linux+cgo")
}

func micDeviceCount(lib *library) (int, error) { return 0, nil }

func micGetPower(lib *library, device int32) (uint64, error) { return 0, nil }

func (l *library) close() error { return nil }
