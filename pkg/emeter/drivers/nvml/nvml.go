// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package nvml measures GPU power draw via NVIDIA's management library.
// It uses the official Go binding, which itself resolves and loads
// libnvidia-ml.so at runtime (dlopen under the hood) -- the same
// "capability object behind an interface, instantiated only on
// successful resolution" shape the MIC and legacy vendor-library drivers
// need to hand-roll themselves.
package nvml

import (
	"context"

	gonvml "github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

func init() {
	emeter.Register(emeter.DeviceNVML, func(logger logr.Logger) emeter.Driver {
		return New(logger)
	})
}

// Driver reads instantaneous power draw from every NVML-visible GPU that
// supports power management.
type Driver struct {
	emeter.BaseDriver

	handles []gonvml.Device
	initOK  bool
}

var _ emeter.Driver = (*Driver)(nil)

// New constructs an uninitialized NVML driver.
func New(logger logr.Logger) *Driver {
	props := emeter.DataProperties{
		TimeFactor:   emeter.FactorNano,
		EnergyFactor: emeter.FactorMilli,
		PowerFactor:  emeter.FactorMilli,
		PowerField:   1,
	}
	return &Driver{
		BaseDriver: emeter.NewBaseDriver("nvml", emeter.DeviceNVML, props, logger),
	}
}

// Init loads libnvidia-ml.so and enumerates power-management-capable
// GPUs. If the library cannot be resolved (no NVIDIA driver installed)
// this reports LibraryUnavailable rather than failing the process.
func (d *Driver) Init(ctx context.Context, cfg config.DriverConfig) error {
	if ret := gonvml.Init(); ret != gonvml.SUCCESS {
		return emerr.New(emerr.KindLibraryUnavailable, "nvml.Init", gonvml.ErrorString(ret))
	}
	d.initOK = true

	props := d.DefaultProperties()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = config.DefaultSamplingInterval
	}
	props.SamplingInterval = cfg.SamplingInterval.Nanoseconds()
	d.SetProperties(props)

	count, ret := gonvml.DeviceGetCount()
	if ret != gonvml.SUCCESS {
		return emerr.New(emerr.KindUnsupportedHardware, "nvml.Init", gonvml.ErrorString(ret))
	}

	for i := 0; i < count; i++ {
		handle, ret := gonvml.DeviceGetHandleByIndex(i)
		if ret != gonvml.SUCCESS {
			d.Logger().Error(deviceError(ret), "failed to get device handle, skipping", "index", i)
			continue
		}
		if _, ret := handle.GetPowerUsage(); ret != gonvml.SUCCESS {
			d.Logger().Info("GPU does not support power management, skipping", "index", i)
			continue
		}
		d.handles = append(d.handles, handle)
		d.AddDevice()
	}

	if len(d.handles) == 0 {
		return emerr.New(emerr.KindUnsupportedHardware, "nvml.Init", "no power-management-capable GPUs found")
	}
	return nil
}

// Shutdown unloads libnvidia-ml.so.
func (d *Driver) Shutdown(ctx context.Context) error {
	if !d.initOK {
		return nil
	}
	if ret := gonvml.Shutdown(); ret != gonvml.SUCCESS {
		return emerr.New(emerr.KindUnknown, "nvml.Shutdown", gonvml.ErrorString(ret))
	}
	return nil
}

// Measure reads instantaneous power draw, in milliwatts, for one GPU.
func (d *Driver) Measure(ctx context.Context, deviceIndex int, out []uint64) error {
	if deviceIndex < 0 || deviceIndex >= len(d.handles) {
		return emerr.New(emerr.KindInvalidParameter, "nvml.Measure", "device index out of range")
	}
	mw, ret := d.handles[deviceIndex].GetPowerUsage()
	if ret != gonvml.SUCCESS {
		return emerr.New(emerr.KindSensorMeasurement, "nvml.Measure", gonvml.ErrorString(ret))
	}
	out[0] = uint64(mw)
	return nil
}

func deviceError(ret gonvml.Return) error {
	return emerr.New(emerr.KindUnsupportedHardware, "nvml", gonvml.ErrorString(ret))
}
