// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package rapl measures Intel RAPL package energy counters via the MSR
// device files (/dev/cpu/N/msr), one device per physical package. It is
// Linux-only and requires root (or CAP_SYS_RAWIO plus the msr module
// loaded).
package rapl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

func init() {
	emeter.Register(emeter.DeviceRAPL, func(logger logr.Logger) emeter.Driver {
		return New(logger, "/proc/cpuinfo", "/dev/cpu")
	})
}

// RAPL MSR addresses, Sandy Bridge onward.
const (
	msrRaplPowerUnit   = 0x606
	msrPkgEnergyStatus = 0x611
)

// MSR_RAPL_POWER_UNIT field layout (Intel SDM vol. 3, 14.9.1).
const (
	energyUnitMask   = 0x1F00
	energyUnitOffset = 0x08
)

// raplSupportedVendor and raplSupportedFamily are the only CPU identity
// RAPL's MSR_PKG_ENERGY_STATUS is defined for.
const (
	raplSupportedVendor = "GenuineIntel"
	raplSupportedFamily = 6
)

// raplSupportedModels enumerates the Intel model numbers (cpuinfo
// "model" field) known to implement the package energy-status MSR,
// Sandy Bridge through Kaby Lake.
var raplSupportedModels = map[int]bool{
	42:  true, // Sandy Bridge
	45:  true, // Sandy Bridge EP
	58:  true, // Ivy Bridge
	62:  true, // Ivy Bridge EP
	60:  true, // Haswell
	69:  true, // Haswell
	70:  true, // Haswell
	63:  true, // Haswell EP
	61:  true, // Broadwell
	71:  true, // Broadwell
	79:  true, // Broadwell EP
	86:  true, // Broadwell DE
	78:  true, // Skylake
	94:  true, // Skylake
	85:  true, // Skylake
	142: true, // Kaby Lake
	158: true, // Kaby Lake
}

// Driver reads per-package RAPL energy counters over MSR device files.
type Driver struct {
	emeter.BaseDriver

	cpuinfoPath string
	cpuDevRoot  string

	pkgCore map[int]int // physical package id -> representative logical core
	last    map[int]uint64

	devicePackages []int // device index -> physical package id, in Init's discovery order
}

var _ emeter.Driver = (*Driver)(nil)

// New constructs an uninitialized RAPL driver. cpuinfoPath and
// cpuDevRoot are injectable for hermetic tests.
func New(logger logr.Logger, cpuinfoPath, cpuDevRoot string) *Driver {
	props := emeter.DataProperties{
		TimeFactor:   emeter.FactorNano,
		EnergyFactor: emeter.FactorMicro,
		EnergyField:  1,
	}
	return &Driver{
		BaseDriver:  emeter.NewBaseDriver("rapl", emeter.DeviceRAPL, props, logger),
		cpuinfoPath: cpuinfoPath,
		cpuDevRoot:  cpuDevRoot,
		pkgCore:     map[int]int{},
		last:        map[int]uint64{},
	}
}

// Init confirms the host is a RAPL-capable Intel generation, parses
// /proc/cpuinfo for the physical-package-id -> representative
// logical-core mapping (the pattern grounded on the cpuinfo colon-field
// scanner style used for CPU topology elsewhere in this corpus), then
// probes that each representative core's MSR file is readable and
// derives the energy-counter scale from MSR_RAPL_POWER_UNIT.
func (d *Driver) Init(ctx context.Context, cfg config.DriverConfig) error {
	if !filepath.IsAbs(d.cpuinfoPath) {
		return emerr.New(emerr.KindBadConfig, "rapl.Init", "cpuinfo path must be absolute")
	}

	if err := d.checkSupportedCPU(); err != nil {
		return err
	}

	if err := d.parseCPUInfo(); err != nil {
		return emerr.Wrap(emerr.KindParseError, "rapl.Init", err)
	}
	if len(d.pkgCore) == 0 {
		return emerr.New(emerr.KindUnsupportedHardware, "rapl.Init", "no CPU packages found")
	}

	props := d.DefaultProperties()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = config.DefaultSamplingInterval
	}
	props.SamplingInterval = cfg.SamplingInterval.Nanoseconds()

	available := false
	for _, pkg := range d.packageList() {
		core := d.pkgCore[pkg]
		path := d.msrPath(core)
		f, err := os.Open(path)
		if err != nil {
			d.Logger().Error(err, "MSR device unavailable, skipping package", "package", pkg, "path", path)
			continue
		}
		f.Close()

		if !available {
			if divisor, err := readEnergyUnitDivisor(path); err != nil {
				d.Logger().Error(err, "failed to read MSR_RAPL_POWER_UNIT, keeping default energy scale", "path", path)
			} else {
				props.EnergyFactor = emeter.SIFactor(-int64(divisor))
			}
		}

		d.AddDevice()
		d.devicePackages = append(d.devicePackages, pkg)
		available = true
	}
	if !available {
		return emerr.New(emerr.KindNoPermission, "rapl.Init", "no readable MSR device files (need root / msr module)")
	}
	d.SetProperties(props)
	return nil
}

// checkSupportedCPU scans cpuinfoPath and fails with UnsupportedHardware
// the moment a vendor_id/cpu family/model field doesn't match a
// RAPL-capable Intel generation (Sandy Bridge through Kaby Lake).
// Fields that never appear in the file are not checked.
func (d *Driver) checkSupportedCPU() error {
	f, err := os.Open(d.cpuinfoPath)
	if err != nil {
		return emerr.Wrap(emerr.KindUnsupportedHardware, "rapl.Init", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), ":", 2)
		if len(fields) != 2 {
			continue
		}
		key := strings.TrimSpace(fields[0])
		value := strings.TrimSpace(fields[1])

		switch key {
		case "vendor_id":
			if value != raplSupportedVendor {
				return emerr.New(emerr.KindUnsupportedHardware, "rapl.Init", fmt.Sprintf("unsupported CPU vendor %q", value))
			}
		case "cpu family":
			family, err := strconv.Atoi(value)
			if err != nil || family != raplSupportedFamily {
				return emerr.New(emerr.KindUnsupportedHardware, "rapl.Init", fmt.Sprintf("unsupported CPU family %q", value))
			}
		case "model":
			model, err := strconv.Atoi(value)
			if err != nil || !raplSupportedModels[model] {
				return emerr.New(emerr.KindUnsupportedHardware, "rapl.Init", fmt.Sprintf("unsupported CPU model %q", value))
			}
		}
	}
	return scanner.Err()
}

// readEnergyUnitDivisor reads MSR_RAPL_POWER_UNIT and returns the
// energy-unit divisor (one raw energy LSB is 1/divisor joules; typically
// 65536, i.e. ~15.3 microjoules per LSB).
func readEnergyUnitDivisor(msrPath string) (uint64, error) {
	units, err := readMSR(msrPath, msrRaplPowerUnit)
	if err != nil {
		return 0, err
	}
	return 1 << ((units & energyUnitMask) >> energyUnitOffset), nil
}

func (d *Driver) msrPath(core int) string {
	return filepath.Join(d.cpuDevRoot, strconv.Itoa(core), "msr")
}

// parseCPUInfo scans /proc/cpuinfo for "physical id" lines, recording one
// representative logical "processor" per distinct physical package.
func (d *Driver) parseCPUInfo() error {
	f, err := os.Open(d.cpuinfoPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var curProcessor, curPhysID int
	havePhysID := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if havePhysID {
				if _, seen := d.pkgCore[curPhysID]; !seen {
					d.pkgCore[curPhysID] = curProcessor
				}
			}
			havePhysID = false
			continue
		}
		fields := strings.SplitN(line, ":", 2)
		if len(fields) != 2 {
			continue
		}
		key := strings.TrimSpace(fields[0])
		value := strings.TrimSpace(fields[1])
		switch key {
		case "processor":
			if v, err := strconv.Atoi(value); err == nil {
				curProcessor = v
			}
		case "physical id":
			if v, err := strconv.Atoi(value); err == nil {
				curPhysID = v
				havePhysID = true
			}
		}
	}
	return scanner.Err()
}

// Shutdown closes nothing persistent; each Measure call opens and closes
// its MSR file, since MSR reads are rare enough (one per sampling
// interval) that holding 1 fd per package open isn't worth the
// bookkeeping.
func (d *Driver) Shutdown(ctx context.Context) error { return nil }

// Measure reads MSR_PKG_ENERGY_STATUS for deviceIndex's package and
// writes a wraparound-corrected delta since the previous read. The first
// read for a package has no prior value to delta against, so it reports
// zero and only establishes the baseline.
func (d *Driver) Measure(ctx context.Context, deviceIndex int, out []uint64) error {
	if deviceIndex < 0 || deviceIndex >= len(d.devicePackages) {
		return emerr.New(emerr.KindInvalidParameter, "rapl.Measure", "device index out of range")
	}
	pkg := d.devicePackages[deviceIndex]
	core := d.pkgCore[pkg]

	raw, err := readMSR(d.msrPath(core), msrPkgEnergyStatus)
	if err != nil {
		return emerr.Wrap(emerr.KindSensorMeasurement, "rapl.Measure", err)
	}
	counter := raw & 0xFFFFFFFF // RAPL energy status is a 32-bit counter

	prev, ok := d.last[pkg]
	d.last[pkg] = counter
	if !ok {
		out[0] = 0
		return nil
	}

	var delta uint64
	if counter >= prev {
		delta = counter - prev
	} else {
		delta = (0x100000000 - prev) + counter // 32-bit wraparound
	}
	out[0] = delta
	return nil
}

// packageList returns physical package ids in the same order devices
// were added in Init.
func (d *Driver) packageList() []int {
	pkgs := make([]int, 0, len(d.pkgCore))
	for pkg := range d.pkgCore {
		pkgs = append(pkgs, pkg)
	}
	// Map iteration order in Go is randomized; sorting gives Init an
	// ascending package order, so Measure's deviceIndex maps to the same
	// package on every run.
	for i := 1; i < len(pkgs); i++ {
		for j := i; j > 0 && pkgs[j-1] > pkgs[j]; j-- {
			pkgs[j-1], pkgs[j] = pkgs[j], pkgs[j-1]
		}
	}
	return pkgs
}

// readMSR reads 8 bytes at the given MSR offset from the given
// /dev/cpu/N/msr file.
func readMSR(path string, offset int64) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 8)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, fmt.Errorf("read MSR 0x%x: %w", offset, err)
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}
