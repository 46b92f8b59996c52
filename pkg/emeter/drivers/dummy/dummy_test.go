// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package dummy

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/emeter/pkg/emeter/config"
)

func TestInitRegistersOneDeviceAndAppliesInterval(t *testing.T) {
	d := New(logr.Discard())
	cfg := config.DriverConfig{SamplingInterval: 50 * time.Millisecond}
	require.NoError(t, d.Init(context.Background(), cfg))

	require.Len(t, d.Devices(), 1)
	assert.Equal(t, "dummy-0", d.Devices()[0].Name())
	assert.Equal(t, (50 * time.Millisecond).Nanoseconds(), d.DefaultProperties().SamplingInterval)
}

func TestInitDefaultsIntervalWhenUnset(t *testing.T) {
	d := New(logr.Discard())
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))
	assert.Equal(t, config.DefaultSamplingInterval.Nanoseconds(), d.DefaultProperties().SamplingInterval)
}

func TestMeasureWritesNothing(t *testing.T) {
	d := New(logr.Discard())
	require.NoError(t, d.Init(context.Background(), config.DriverConfig{}))
	out := make([]uint64, 0)
	assert.NoError(t, d.Measure(context.Background(), 0, out))
}
