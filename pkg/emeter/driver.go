// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package emeter

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter/config"
)

// Driver measures one family of devices. Every driver is inherently
// continuous: the Monitor samples it on a timer, so unlike the teacher's
// Collector/PointCollector split there is no one-shot variant here.
type Driver interface {
	// Name is the driver's short identifier, used as the first component
	// of every device name it owns (e.g. "rapl", "sbpdu").
	Name() string

	// Type returns this driver's DeviceType.
	Type() DeviceType

	// DefaultProperties returns the DataProperties every device created
	// by this driver reports samples under.
	DefaultProperties() DataProperties

	// Init brings the driver up: opens devices, dials connections,
	// resolves vendor libraries. A failure here is recorded by the
	// registry as this driver's FailedReason and does not abort bringing
	// up the other drivers.
	Init(ctx context.Context, cfg config.DriverConfig) error

	// Shutdown releases everything Init acquired. Library.Shutdown calls
	// it once for each driver whose Init succeeded; a driver whose Init
	// failed is dropped by NewLibrary without a Shutdown call.
	Shutdown(ctx context.Context) error

	// Measure writes one sample for device deviceIndex into out, whose
	// length is DefaultProperties().NFields()-1: the caller (Monitor)
	// stores the current clock reading in the sample's timestamp field
	// itself and passes only the remaining fields, so out[0] is the
	// first energy or power field.
	Measure(ctx context.Context, deviceIndex int, out []uint64) error

	// Devices returns every device this driver currently owns, in
	// stable index order.
	Devices() []*Device

	// FailedReason returns the error that made Init fail, or nil if Init
	// succeeded (or has not run yet).
	FailedReason() error
}

// BaseDriver supplies the bookkeeping every concrete driver needs:
// a logger, its declared name/type/properties, and failure tracking.
// Modeled on the teacher's BaseCollector embeddable struct.
type BaseDriver struct {
	name       string
	devType    DeviceType
	properties DataProperties
	logger     logr.Logger

	failedReason error
	devices      []*Device
}

// NewBaseDriver constructs a BaseDriver. Concrete drivers embed this and
// populate devices via AddDevice once Init discovers hardware.
func NewBaseDriver(name string, devType DeviceType, properties DataProperties, logger logr.Logger) BaseDriver {
	return BaseDriver{
		name:       name,
		devType:    devType,
		properties: properties,
		logger:     logger.WithName(name),
	}
}

func (b *BaseDriver) Name() string                    { return b.name }
func (b *BaseDriver) Type() DeviceType                 { return b.devType }
func (b *BaseDriver) DefaultProperties() DataProperties { return b.properties }
func (b *BaseDriver) Logger() logr.Logger              { return b.logger }
func (b *BaseDriver) FailedReason() error              { return b.failedReason }
func (b *BaseDriver) Devices() []*Device               { return b.devices }

// SetFailedReason records why Init failed. Called by the registry, or by
// the driver itself if it wants to fail softly and continue with zero
// devices.
func (b *BaseDriver) SetFailedReason(err error) { b.failedReason = err }

// SetProperties overrides the DataProperties declared at construction,
// for drivers whose SamplingInterval (or other field) is only known once
// Init has read the caller's config.DriverConfig.
func (b *BaseDriver) SetProperties(props DataProperties) { b.properties = props }

// AddDevice appends a newly discovered device, assigning it the next
// sequential index and a name of "<driver>-<index>".
func (b *BaseDriver) AddDevice() *Device {
	idx := len(b.devices)
	d := &Device{
		name:  fmt.Sprintf("%s-%d", b.name, idx),
		index: idx,
		typ:   b.devType,
	}
	b.devices = append(b.devices, d)
	return d
}

// AddNamedDevice appends a device with an explicit name, for drivers
// whose natural naming scheme isn't "<driver>-<index>" (e.g. sbpdu's
// "sbpdu<pdu>_outlet<k>").
func (b *BaseDriver) AddNamedDevice(name string) *Device {
	idx := len(b.devices)
	d := &Device{name: name, index: idx, typ: b.devType}
	b.devices = append(b.devices, d)
	return d
}
