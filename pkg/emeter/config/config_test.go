// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSetsStackMax(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultStackMax, cfg.StackMax)
}

func TestApplyDefaultsFillsEverySection(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultStackMax, cfg.StackMax)
	for _, dc := range []DriverConfig{
		cfg.Dummy, cfg.RAPL, cfg.NVML, cfg.MIC, cfg.Odroid, cfg.SBPDU, cfg.Labee, cfg.PMLib,
	} {
		assert.Equal(t, DefaultSamplingInterval, dc.SamplingInterval)
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{
		RAPL:     DriverConfig{SamplingInterval: 5 * time.Second, Disabled: true},
		StackMax: 3,
	}
	cfg.ApplyDefaults()

	assert.Equal(t, 5*time.Second, cfg.RAPL.SamplingInterval)
	assert.True(t, cfg.RAPL.Disabled)
	assert.Equal(t, 3, cfg.StackMax)
	assert.Equal(t, DefaultSamplingInterval, cfg.Dummy.SamplingInterval)
}
