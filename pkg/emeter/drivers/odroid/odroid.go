// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package odroid measures power draw from the on-board INA231 current
// sensors exposed by Hardkernel Odroid boards via sysfs.
package odroid

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

func init() {
	emeter.Register(emeter.DeviceOdroid, func(logger logr.Logger) emeter.Driver {
		return New(logger, "/sys/bus/i2c/drivers/INA231")
	})
}

var sensorDirPattern = regexp.MustCompile(`^\d+-`)

// Driver sums every INA231 sensor's sensor_W reading into a single
// board-wide instantaneous power device.
type Driver struct {
	emeter.BaseDriver

	sysfsRoot string
	sensors   []string // one sensor_W path per discovered sensor
}

var _ emeter.Driver = (*Driver)(nil)

// New constructs an uninitialized odroid driver. sysfsRoot is injectable
// for hermetic tests.
func New(logger logr.Logger, sysfsRoot string) *Driver {
	props := emeter.DataProperties{
		TimeFactor:   emeter.FactorNano,
		EnergyFactor: emeter.FactorMicro,
		PowerFactor:  emeter.FactorMicro,
		PowerField:   1,
	}
	return &Driver{
		BaseDriver: emeter.NewBaseDriver("odroid", emeter.DeviceOdroid, props, logger),
		sysfsRoot:  sysfsRoot,
	}
}

// Init discovers every "<bus>-<addr>" sensor directory under sysfsRoot
// and records its sensor_W file, filtering the directory-name pattern
// the same way other sysfs-driven collectors in this corpus filter
// device directories.
func (d *Driver) Init(ctx context.Context, cfg config.DriverConfig) error {
	entries, err := os.ReadDir(d.sysfsRoot)
	if err != nil {
		return emerr.Wrap(emerr.KindUnsupportedHardware, "odroid.Init", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !sensorDirPattern.MatchString(e.Name()) {
			continue
		}
		path := filepath.Join(d.sysfsRoot, e.Name(), "sensor_W")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		enabled, err := d.sensorEnabled(e.Name())
		if err != nil {
			d.Logger().Error(err, "failed to read sensor enable file, skipping", "sensor", e.Name())
			continue
		}
		if !enabled {
			d.Logger().Info("INA231 sensor found but not enabled, skipping", "sensor", e.Name())
			continue
		}
		d.sensors = append(d.sensors, path)
	}

	if len(d.sensors) == 0 {
		return emerr.New(emerr.KindUnsupportedHardware, "odroid.Init", "no INA231 sensors found")
	}

	props := d.DefaultProperties()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = config.DefaultSamplingInterval
	}
	props.SamplingInterval = cfg.SamplingInterval.Nanoseconds()
	d.SetProperties(props)

	d.AddDevice() // one board-wide summed device
	return nil
}

// sensorEnabled reads the sibling "enable" file for a sensor directory
// and reports whether it holds 1, matching the original driver's
// measurement_enabled/atoi check.
func (d *Driver) sensorEnabled(sensorDir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(d.sysfsRoot, sensorDir, "enable"))
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Shutdown is a no-op: sysfs files are opened and closed per read.
func (d *Driver) Shutdown(ctx context.Context) error { return nil }

// Measure sums every sensor's instantaneous watt reading, scaled to
// microwatts to stay in integer units.
func (d *Driver) Measure(ctx context.Context, deviceIndex int, out []uint64) error {
	if deviceIndex != 0 {
		return emerr.New(emerr.KindInvalidParameter, "odroid.Measure", "device index out of range")
	}
	var totalMicrowatts uint64
	for _, path := range d.sensors {
		data, err := os.ReadFile(path)
		if err != nil {
			return emerr.Wrap(emerr.KindSensorMeasurement, "odroid.Measure", err)
		}
		watts, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			return emerr.Wrap(emerr.KindParseError, "odroid.Measure", err)
		}
		totalMicrowatts += uint64(watts * 1e6)
	}
	out[0] = totalMicrowatts
	return nil
}
