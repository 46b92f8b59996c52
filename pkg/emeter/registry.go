// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package emeter

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

// DriverFactory builds an uninitialized Driver. Concrete driver packages
// register one via Register in an init() func, the same shape as the
// teacher's collectors/*.go files registering themselves against its
// performance registry.
type DriverFactory func(logger logr.Logger) Driver

var (
	registryMu sync.Mutex
	factories  = map[DeviceType]DriverFactory{}
)

// Register adds a driver factory for typ. Calling Register twice for the
// same DeviceType is a programming error and panics, mirroring the
// teacher's CollectorRegistry duplicate-registration guard (there it
// returns an error from a method call; here, since registration only
// ever happens at package-init time before any Library exists, a panic
// surfaces the mistake immediately rather than silently swallowing it).
func Register(typ DeviceType, factory DriverFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[typ]; exists {
		panic(fmt.Sprintf("emeter: driver factory for %s already registered", typ))
	}
	factories[typ] = factory
}

// Library is the process-wide entry point: it brings up every registered
// driver, owns the resulting device list, and dispatches Begin/End calls
// to the right device's Monitor. Renamed from the teacher's Manager,
// since this is a library embedded in a host program rather than a
// continuously running node agent.
type Library struct {
	logger  logr.Logger
	cfg     config.Config
	drivers map[DeviceType]Driver
	devices []*Device
	byName  map[string]*Device
}

func driverConfigFor(cfg config.Config, typ DeviceType) config.DriverConfig {
	switch typ {
	case DeviceDummy:
		return cfg.Dummy
	case DeviceRAPL:
		return cfg.RAPL
	case DeviceNVML:
		return cfg.NVML
	case DeviceMIC:
		return cfg.MIC
	case DeviceOdroid:
		return cfg.Odroid
	case DeviceSBPDU:
		return cfg.SBPDU
	case DeviceLabee:
		return cfg.Labee
	case DevicePMLib:
		return cfg.PMLib
	default:
		return config.DriverConfig{}
	}
}

// NewLibrary brings up every registered driver concurrently and lists
// the resulting devices driver by driver in AllDeviceTypes order,
// whichever Init finishes first (device indices within each driver are
// assigned deterministically since each driver only ever discovers its
// own devices single-threaded inside its own Init). A driver whose
// section is Disabled, or whose Init fails, is
// skipped; its failure is logged and recorded on the Driver itself, and
// does not prevent the other drivers from coming up, per the registry's
// fault-isolation requirement.
func NewLibrary(ctx context.Context, logger logr.Logger, cfg config.Config) (*Library, error) {
	cfg.ApplyDefaults()

	lib := &Library{
		logger:  logger.WithName("emeter"),
		cfg:     cfg,
		drivers: make(map[DeviceType]Driver),
		byName:  make(map[string]*Device),
	}

	registryMu.Lock()
	snapshot := make(map[DeviceType]DriverFactory, len(factories))
	for k, v := range factories {
		snapshot[k] = v
	}
	registryMu.Unlock()

	// One slot per AllDeviceTypes entry, so devices are listed in that
	// order whichever Init finishes first.
	results := make([]Driver, len(AllDeviceTypes))

	g, gctx := errgroup.WithContext(ctx)
	for i, typ := range AllDeviceTypes {
		factory, ok := snapshot[typ]
		if !ok {
			continue
		}
		dcfg := driverConfigFor(cfg, typ)
		if dcfg.Disabled {
			continue
		}

		i, typ, factory, dcfg := i, typ, factory, dcfg
		g.Go(func() error {
			driver := factory(lib.logger)
			if err := driver.Init(gctx, dcfg); err != nil {
				lib.logger.Error(err, "driver init failed, continuing without it", "type", typ)
				if bd, ok := driver.(interface{ SetFailedReason(error) }); ok {
					bd.SetFailedReason(err)
				}
				return nil
			}
			results[i] = driver
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, emerr.Wrap(emerr.KindUnknown, "NewLibrary", err)
	}

	for i, driver := range results {
		if driver == nil {
			continue
		}
		lib.drivers[AllDeviceTypes[i]] = driver
		for _, dev := range driver.Devices() {
			dev.monitor = NewMonitor(driver, dev, lib.logger, cfg.StackMax)
			lib.devices = append(lib.devices, dev)
			lib.byName[dev.Name()] = dev
		}
	}

	return lib, nil
}

// DeviceCount returns the total number of devices across every
// successfully initialized driver.
func (l *Library) DeviceCount() int { return len(l.devices) }

// DeviceByIndex returns the device at the given global index, or nil if
// out of range.
func (l *Library) DeviceByIndex(i int) *Device {
	if i < 0 || i >= len(l.devices) {
		return nil
	}
	return l.devices[i]
}

// DeviceByName looks up a device by its stable name.
func (l *Library) DeviceByName(name string) *Device { return l.byName[name] }

// Devices returns every device, in the fixed registration order.
func (l *Library) Devices() []*Device { return l.devices }

// TypeStatus reports whether typ is available, not compiled, or compiled
// but not usable at runtime.
func (l *Library) TypeStatus(typ DeviceType) TypeStatus {
	if _, ok := l.drivers[typ]; ok {
		return StatusAvailable
	}
	registryMu.Lock()
	_, compiled := factories[typ]
	registryMu.Unlock()
	if !compiled {
		return StatusNotCompiled
	}
	return StatusNotRuntime
}

// Begin opens a measurement interval on one device.
func (l *Library) Begin(ctx context.Context, dev *Device) error {
	return dev.monitor.Start(ctx)
}

// End closes the innermost open interval on one device and returns the
// resulting Dataset. The caller owns the returned Dataset and must
// Release it.
func (l *Library) End(ctx context.Context, dev *Device) (*Dataset, error) {
	return dev.monitor.Stop(ctx)
}

// BeginAll opens a measurement interval on every device.
func (l *Library) BeginAll(ctx context.Context) error {
	for _, dev := range l.devices {
		if err := l.Begin(ctx, dev); err != nil {
			return emerr.Wrap(emerr.KindUnknown, "BeginAll:"+dev.Name(), err)
		}
	}
	return nil
}

// EndAll closes the innermost open interval on every device, returning
// one Dataset per device in the same order as Devices().
func (l *Library) EndAll(ctx context.Context) ([]*Dataset, error) {
	out := make([]*Dataset, 0, len(l.devices))
	for _, dev := range l.devices {
		ds, err := l.End(ctx, dev)
		if err != nil {
			return out, emerr.Wrap(emerr.KindUnknown, "EndAll:"+dev.Name(), err)
		}
		out = append(out, ds)
	}
	return out, nil
}

// Shutdown tears down every driver. Safe to call once, after all
// Datasets of interest have been retrieved.
func (l *Library) Shutdown(ctx context.Context) error {
	var firstErr error
	for typ, driver := range l.drivers {
		if err := driver.Shutdown(ctx); err != nil {
			l.logger.Error(err, "driver shutdown failed", "type", typ)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
