// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rapl

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

const fakeCPUInfo = `processor	: 0
physical id	: 0

processor	: 1
physical id	: 0

processor	: 2
physical id	: 1

processor	: 3
physical id	: 1
`

const fakeCPUInfoSandyBridge = `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model		: 42
physical id	: 0

processor	: 1
vendor_id	: GenuineIntel
cpu family	: 6
model		: 42
physical id	: 0
`

const fakeCPUInfoUnsupportedVendor = `processor	: 0
vendor_id	: AuthenticAMD
cpu family	: 6
model		: 42
physical id	: 0
`

const fakeCPUInfoUnsupportedModel = `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model		: 1
physical id	: 0
`

func writeCPUInfo(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "cpuinfo")
	require.NoError(t, os.WriteFile(path, []byte(fakeCPUInfo), 0o644))
	return path
}

func writeMSR(t *testing.T, dir string, core int, value uint64) {
	t.Helper()
	coreDir := filepath.Join(dir, strconv.Itoa(core))
	require.NoError(t, os.MkdirAll(coreDir, 0o755))
	buf := make([]byte, msrPkgEnergyStatus+8)
	binary.LittleEndian.PutUint64(buf[msrPkgEnergyStatus:], value)
	require.NoError(t, os.WriteFile(filepath.Join(coreDir, "msr"), buf, 0o644))
}

func TestParseCPUInfoMapsOneCorePerPackage(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeCPUInfo(t, dir)

	d := New(logr.Discard(), cpuinfo, dir)
	require.NoError(t, d.parseCPUInfo())

	assert.Len(t, d.pkgCore, 2)
	assert.Equal(t, 0, d.pkgCore[0])
	assert.Equal(t, 2, d.pkgCore[1])
}

func TestInitSkipsUnreadableMSRButKeepsRemaining(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeCPUInfo(t, dir)

	// Only package 1's representative core (2) gets an MSR file; package
	// 0's is missing and must be skipped without failing Init.
	writeMSR(t, dir, 2, 1000)

	d := New(logr.Discard(), cpuinfo, dir)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	require.Len(t, d.devicePackages, 1)
	assert.Equal(t, 1, d.devicePackages[0])
}

func TestMeasureFirstReadEstablishesBaseline(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeCPUInfo(t, dir)
	writeMSR(t, dir, 0, 5000)
	writeMSR(t, dir, 2, 9000)

	d := New(logr.Discard(), cpuinfo, dir)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))
	require.Len(t, d.devicePackages, 2)

	out := make([]uint64, 1)
	require.NoError(t, d.Measure(context.Background(), 0, out))
	assert.Equal(t, uint64(0), out[0], "first read must report zero delta")
}

func TestMeasureComputesDelta(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeCPUInfo(t, dir)
	writeMSR(t, dir, 0, 5000)

	d := New(logr.Discard(), cpuinfo, dir)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	out := make([]uint64, 1)
	require.NoError(t, d.Measure(context.Background(), 0, out)) // baseline

	writeMSR(t, dir, 0, 5200)
	require.NoError(t, d.Measure(context.Background(), 0, out))
	assert.Equal(t, uint64(200), out[0])
}

func TestMeasureHandlesWraparound(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeCPUInfo(t, dir)
	const near32BitMax = 0xFFFFFFF0
	writeMSR(t, dir, 0, near32BitMax)

	d := New(logr.Discard(), cpuinfo, dir)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	out := make([]uint64, 1)
	require.NoError(t, d.Measure(context.Background(), 0, out)) // baseline

	writeMSR(t, dir, 0, 20) // counter wrapped past 2^32
	require.NoError(t, d.Measure(context.Background(), 0, out))
	assert.Equal(t, uint64(0x100000000-near32BitMax+20), out[0])
}

func TestInitAcceptsSupportedIntelGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpuinfo")
	require.NoError(t, os.WriteFile(path, []byte(fakeCPUInfoSandyBridge), 0o644))
	writeMSR(t, dir, 0, 1)

	d := New(logr.Discard(), path, dir)
	assert.NoError(t, d.Init(context.Background(), config.DriverConfig{}))
}

func TestInitRejectsUnsupportedVendor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpuinfo")
	require.NoError(t, os.WriteFile(path, []byte(fakeCPUInfoUnsupportedVendor), 0o644))

	d := New(logr.Discard(), path, dir)
	err := d.Init(context.Background(), config.DriverConfig{})
	require.Error(t, err)
	assert.Equal(t, emerr.KindUnsupportedHardware, emerr.Of(err))
}

func TestInitRejectsUnsupportedModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpuinfo")
	require.NoError(t, os.WriteFile(path, []byte(fakeCPUInfoUnsupportedModel), 0o644))

	d := New(logr.Discard(), path, dir)
	err := d.Init(context.Background(), config.DriverConfig{})
	require.Error(t, err)
	assert.Equal(t, emerr.KindUnsupportedHardware, emerr.Of(err))
}

func TestInitDerivesEnergyFactorFromPowerUnitRegister(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeCPUInfo(t, dir)

	// Only core 0 gets an MSR file; its MSR_RAPL_POWER_UNIT encodes an
	// energy unit field of 0x10 (16), i.e. divisor 1<<16 = 65536.
	coreDir := filepath.Join(dir, "0")
	require.NoError(t, os.MkdirAll(coreDir, 0o755))
	buf := make([]byte, msrPkgEnergyStatus+8)
	binary.LittleEndian.PutUint64(buf[msrRaplPowerUnit:], 0x10<<energyUnitOffset)
	require.NoError(t, os.WriteFile(filepath.Join(coreDir, "msr"), buf, 0o644))

	d := New(logr.Discard(), cpuinfo, dir)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	assert.Equal(t, emeter.SIFactor(-65536), d.DefaultProperties().EnergyFactor)
}

func TestMeasureRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := writeCPUInfo(t, dir)
	writeMSR(t, dir, 0, 1)

	d := New(logr.Discard(), cpuinfo, dir)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	out := make([]uint64, 1)
	err := d.Measure(context.Background(), 5, out)
	assert.Error(t, err)
}
