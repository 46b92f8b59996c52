// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mic

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

// Xeon Phi hardware is long discontinued; every build/test host is
// expected to lack libmicmgmt, so Init must fail softly with
// LibraryUnavailable or UnsupportedHardware rather than panicking.
func TestInitFailsSoftlyWithoutHardware(t *testing.T) {
	d := New(logr.Discard())
	err := d.Init(context.Background(), config.DriverConfig{})
	if err == nil {
		t.Skip("MIC hardware present in this environment; nothing to assert")
	}
	kind := emerr.Of(err)
	assert.Contains(t, []emerr.Kind{emerr.KindLibraryUnavailable, emerr.KindUnsupportedHardware}, kind)
}

func TestMeasureRejectsOutOfRangeIndex(t *testing.T) {
	d := New(logr.Discard())
	out := make([]uint64, 1)
	err := d.Measure(context.Background(), 0, out)
	assert.Error(t, err)
}
