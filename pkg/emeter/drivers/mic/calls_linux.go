// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux && cgo

package mic

/*
#include <stdlib.h>

// Prototypes for the two libmicmgmt entry points this driver calls,
// resolved at runtime via dlsym and invoked through these typedefs
// rather than linking against the library at build time.
typedef int (*mic_get_num_devices_fn)(int *count);
typedef int (*mic_get_power_fn)(int device, double *watts);

static int call_get_num_devices(void *fn, int *count) {
	return ((mic_get_num_devices_fn)fn)(count);
}

static int call_get_power(void *fn, int device, double *watts) {
	return ((mic_get_power_fn)fn)(device, watts);
}
*/
import "C"

import (
	"fmt"

	"github.com/antimetal/emeter/pkg/emerr"
)

func openLibraryOrUnavailable(name string) (*library, error) {
	lib, err := openLibrary(name)
	if err != nil {
		return nil, emerr.New(emerr.KindLibraryUnavailable, "mic.Init", err.Error())
	}
	return lib, nil
}

func micDeviceCount(lib *library) (int, error) {
	sym, err := lib.symbol("MicGetNumDevices")
	if err != nil {
		return 0, emerr.New(emerr.KindSymbolUnavailable, "mic.micDeviceCount", err.Error())
	}
	var count C.int
	if rc := C.call_get_num_devices(sym, &count); rc != 0 {
		return 0, fmt.Errorf("mic: MicGetNumDevices returned %d", int(rc))
	}
	return int(count), nil
}

func micGetPower(lib *library, device int32) (uint64, error) {
	sym, err := lib.symbol("MicGetPower")
	if err != nil {
		return 0, emerr.New(emerr.KindSymbolUnavailable, "mic.micGetPower", err.Error())
	}
	var watts C.double
	if rc := C.call_get_power(sym, C.int(device), &watts); rc != 0 {
		return 0, fmt.Errorf("mic: MicGetPower(%d) returned %d", device, int(rc))
	}
	return uint64(watts), nil
}
