// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package dummy implements a driver that measures nothing: it reports a
// single device whose samples carry only a timestamp. It is always
// available and is used for calibration and for exercising the Monitor/
// Dataset/Registry layers without real hardware.
package dummy

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
)

func init() {
	emeter.Register(emeter.DeviceDummy, func(logger logr.Logger) emeter.Driver {
		return New(logger)
	})
}

// Driver is the dummy device family: exactly one device, always present.
type Driver struct {
	emeter.BaseDriver
}

var _ emeter.Driver = (*Driver)(nil)

// New constructs an uninitialized dummy driver.
func New(logger logr.Logger) *Driver {
	props := emeter.DataProperties{
		TimeFactor: emeter.FactorNano,
	}
	return &Driver{
		BaseDriver: emeter.NewBaseDriver("dummy", emeter.DeviceDummy, props, logger),
	}
}

// Init registers the single dummy device. It never fails.
func (d *Driver) Init(ctx context.Context, cfg config.DriverConfig) error {
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = config.DefaultSamplingInterval
	}
	props := d.DefaultProperties()
	props.SamplingInterval = cfg.SamplingInterval.Nanoseconds()
	d.SetProperties(props)
	d.AddDevice()
	return nil
}

// Shutdown is a no-op: the dummy driver holds no resources.
func (d *Driver) Shutdown(ctx context.Context) error { return nil }

// Measure writes nothing beyond the timestamp Monitor already fills in;
// out is empty since DefaultProperties declares no energy/power fields.
func (d *Driver) Measure(ctx context.Context, deviceIndex int, out []uint64) error {
	return nil
}
