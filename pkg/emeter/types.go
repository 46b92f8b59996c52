// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package emeter measures energy consumption and elapsed time for
// arbitrary regions of a host program across heterogeneous power
// sources: CPU package counters, GPU telemetry, accelerator cards,
// network-attached PDUs, on-board current sensors, and REST-queried
// meters.
package emeter

import "fmt"

// DeviceType names one family of measurable device. The set is closed;
// adding a new family means adding a new constant and a new driver
// package under drivers/.
type DeviceType string

const (
	DeviceDummy  DeviceType = "dummy"
	DeviceNVML   DeviceType = "nvml"
	DeviceRAPL   DeviceType = "rapl"
	DeviceMIC    DeviceType = "mic"
	DeviceSBPDU  DeviceType = "sbpdu"
	DeviceOdroid DeviceType = "odroid"
	DeviceLabee  DeviceType = "labee"
	DevicePMLib  DeviceType = "pmlib"
)

// AllDeviceTypes lists every known device type in fixed declaration
// order. NewLibrary lists the drivers' devices in this order, so that
// device indices are deterministic across runs on the same host.
var AllDeviceTypes = []DeviceType{
	DeviceDummy,
	DeviceRAPL,
	DeviceNVML,
	DeviceMIC,
	DeviceOdroid,
	DeviceSBPDU,
	DeviceLabee,
	DevicePMLib,
}

// TypeStatus reports whether a device type is usable on this build/host.
type TypeStatus string

const (
	// StatusAvailable means the driver initialized at least one device.
	StatusAvailable TypeStatus = "available"
	// StatusNotCompiled means no driver for this type is registered in
	// this binary, because its driver package was not imported.
	StatusNotCompiled TypeStatus = "not_compiled"
	// StatusNotRuntime means the driver is compiled in but found no
	// usable hardware/library/endpoint at Init time.
	StatusNotRuntime TypeStatus = "not_runtime"
)

// SIFactor is a fixed-point scaling exponent: a positive N means
// multiply the raw integer value by N to reach the base SI unit: a
// negative N means divide by |N|. This mirrors the original library's
// emlSIFactor enum (NANO=-1e9 ... GIGA=1e9), with one named constant
// per value below.
type SIFactor int64

const (
	FactorNano  SIFactor = -1_000_000_000
	FactorMicro SIFactor = -1_000_000
	FactorMilli SIFactor = -1_000
	FactorNone  SIFactor = 1
	FactorKilo  SIFactor = 1_000
	FactorMega  SIFactor = 1_000_000
	FactorGiga  SIFactor = 1_000_000_000
)

// Scale applies the factor to raw, returning the value in the base SI
// unit (seconds, joules, watts).
func (f SIFactor) Scale(raw uint64) float64 {
	if f >= 0 {
		return float64(raw) * float64(f)
	}
	return float64(raw) / float64(-f)
}

// DataProperties describes the shape and units of the samples one
// device's driver produces. EnergyField/PowerField are 1-based sample
// indices; zero means the field is absent. Every sample also carries a
// timestamp at blocklist.TimestampField, which is not counted here.
type DataProperties struct {
	TimeFactor   SIFactor
	EnergyFactor SIFactor
	PowerFactor  SIFactor

	// EnergyField is the sample field index of the energy consumed since
	// the previous sample (a per-sample delta), or 0 if the driver instead
	// reports instantaneous power.
	EnergyField int
	// PowerField is the sample field index of an instantaneous power
	// reading, or 0 if the driver instead reports per-sample energy
	// deltas. Exactly one of EnergyField/PowerField is normally set;
	// a driver may set neither if it only measures elapsed time.
	PowerField int

	SamplingInterval int64 // nanoseconds between samples, as configured
}

// NFields returns the number of uint64 columns a sample needs: the
// timestamp plus whichever of EnergyField/PowerField are present.
func (p DataProperties) NFields() int {
	n := 1
	if p.EnergyField != 0 {
		n++
	}
	if p.PowerField != 0 {
		n++
	}
	return n
}

func (p DataProperties) String() string {
	return fmt.Sprintf("DataProperties{time=%d energy=%d power=%d efield=%d pfield=%d}",
		p.TimeFactor, p.EnergyFactor, p.PowerFactor, p.EnergyField, p.PowerField)
}
