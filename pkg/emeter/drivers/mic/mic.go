// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mic measures power draw on Intel Xeon Phi (MIC) coprocessor
// cards through the vendor's libmicmgmt, loaded dynamically since the
// hardware is long discontinued and no modern host is expected to carry
// the library. Absence of libmicmgmt is the overwhelmingly common case
// and is reported as LibraryUnavailable, never a build failure.
package mic

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

func init() {
	emeter.Register(emeter.DeviceMIC, func(logger logr.Logger) emeter.Driver {
		return New(logger)
	})
}

const libmicmgmtName = "libmicmgmt.so.0"

// Driver reads card power through libmicmgmt's MicGetPower symbol.
type Driver struct {
	emeter.BaseDriver

	lib     *library
	devices []int32 // MPSS device ids, one per registered emeter Device
}

var _ emeter.Driver = (*Driver)(nil)

// New constructs an uninitialized MIC driver.
func New(logger logr.Logger) *Driver {
	props := emeter.DataProperties{
		TimeFactor:   emeter.FactorNano,
		EnergyFactor: emeter.FactorNone,
		PowerFactor:  emeter.FactorNone,
		PowerField:   1,
	}
	return &Driver{
		BaseDriver: emeter.NewBaseDriver("mic", emeter.DeviceMIC, props, logger),
	}
}

// Init resolves libmicmgmt and enumerates cards. Resolution failure
// (the normal case on non-MIC hosts) reports LibraryUnavailable.
func (d *Driver) Init(ctx context.Context, cfg config.DriverConfig) error {
	lib, err := openLibraryOrUnavailable(libmicmgmtName)
	if err != nil {
		return err
	}
	d.lib = lib

	count, err := micDeviceCount(lib)
	if err != nil {
		lib.close()
		return emerr.Wrap(emerr.KindUnsupportedHardware, "mic.Init", err)
	}
	if count == 0 {
		lib.close()
		return emerr.New(emerr.KindUnsupportedHardware, "mic.Init", "no MIC cards present")
	}

	props := d.DefaultProperties()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = config.DefaultSamplingInterval
	}
	props.SamplingInterval = cfg.SamplingInterval.Nanoseconds()
	d.SetProperties(props)

	for i := 0; i < count; i++ {
		d.devices = append(d.devices, int32(i))
		d.AddDevice()
	}
	return nil
}

// Shutdown releases the library handle.
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.lib == nil {
		return nil
	}
	return d.lib.close()
}

// Measure reads instantaneous power, in whole watts, for one card.
func (d *Driver) Measure(ctx context.Context, deviceIndex int, out []uint64) error {
	if deviceIndex < 0 || deviceIndex >= len(d.devices) {
		return emerr.New(emerr.KindInvalidParameter, "mic.Measure", "device index out of range")
	}
	watts, err := micGetPower(d.lib, d.devices[deviceIndex])
	if err != nil {
		return emerr.Wrap(emerr.KindSensorMeasurement, "mic.Measure", err)
	}
	out[0] = watts
	return nil
}
