// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package odroid

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/emeter/pkg/emeter/config"
)

func writeSensor(t *testing.T, root, dirName, watts string) {
	t.Helper()
	writeSensorWithEnable(t, root, dirName, watts, "1")
}

func writeSensorWithEnable(t *testing.T, root, dirName, watts, enable string) {
	t.Helper()
	dir := filepath.Join(root, dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sensor_W"), []byte(watts), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "enable"), []byte(enable), 0o644))
}

func TestInitDiscoversMatchingSensorDirs(t *testing.T) {
	root := t.TempDir()
	writeSensor(t, root, "0-0040", "1.5")
	writeSensor(t, root, "0-0041", "0.5")
	// Non-matching directory name must be ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-sensor"), 0o755))

	d := New(logr.Discard(), root)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	assert.Len(t, d.sensors, 2)
	require.Len(t, d.Devices(), 1)
}

func TestInitExcludesDisabledSensors(t *testing.T) {
	root := t.TempDir()
	writeSensor(t, root, "0-0040", "1.5")
	writeSensorWithEnable(t, root, "0-0041", "0.5", "0")

	d := New(logr.Discard(), root)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	require.Len(t, d.sensors, 1)
	assert.Contains(t, d.sensors[0], "0-0040")
}

func TestInitFailsWhenAllSensorsDisabled(t *testing.T) {
	root := t.TempDir()
	writeSensorWithEnable(t, root, "0-0040", "1.5", "0")

	d := New(logr.Discard(), root)
	err := d.Init(context.Background(), config.DriverConfig{})
	assert.Error(t, err)
}

func TestInitFailsWithNoSensors(t *testing.T) {
	root := t.TempDir()
	d := New(logr.Discard(), root)
	err := d.Init(context.Background(), config.DriverConfig{})
	assert.Error(t, err)
}

func TestMeasureSumsSensorsInMicrowatts(t *testing.T) {
	root := t.TempDir()
	writeSensor(t, root, "0-0040", "1.5")
	writeSensor(t, root, "0-0041", "0.25")

	d := New(logr.Discard(), root)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	out := make([]uint64, 1)
	require.NoError(t, d.Measure(context.Background(), 0, out))
	assert.Equal(t, uint64(1_750_000), out[0])
}

func TestMeasureRejectsNonZeroDeviceIndex(t *testing.T) {
	root := t.TempDir()
	writeSensor(t, root, "0-0040", "1.0")

	d := New(logr.Discard(), root)
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))

	out := make([]uint64, 1)
	err := d.Measure(context.Background(), 1, out)
	assert.Error(t, err)
}
