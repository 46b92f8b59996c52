// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package emeter

import (
	"github.com/antimetal/emeter/pkg/emeter/blocklist"
)

// Dataset is a read-only view over one closed measurement interval: the
// sub-range of its Run's samples collected between a Start and its
// matching Stop. Released datasets must not be used again.
type Dataset struct {
	run        *blocklist.Run
	device     *Device
	properties DataProperties

	startBlock *blocklist.Block
	startPoint int // run-wide index of the first sample belonging to this dataset; its offset within startBlock is startPoint % block size
	npoints    int

	totalsComputed bool
	elapsedRaw     uint64
	consumedRaw    uint64
}

// Device returns the device this dataset was measured against.
func (d *Dataset) Device() *Device { return d.device }

// NPoints returns the number of samples in this dataset's range.
func (d *Dataset) NPoints() int { return d.npoints }

// Release decrements the underlying run's reference count. Every Stop
// call transfers one reference to its returned Dataset; Release gives it
// back. A Dataset must be released exactly once.
func (d *Dataset) Release() {
	d.run.Release()
}

// integrate walks the block chain once, computing elapsed time and
// consumed energy in raw integer units, exactly mirroring the original
// library's emlDataUpdateTotals: for energy-counter drivers it sums
// per-sample energy deltas, skipping the very first sample in the range
// (its delta is not attributable to this interval, since it was already
// counted by whichever interval was open when it was taken); for
// power-only drivers it accumulates a left-Riemann sum of power times
// the elapsed time between consecutive samples, scaled by TimeFactor.
func (d *Dataset) integrate() {
	if d.totalsComputed {
		return
	}
	d.totalsComputed = true

	if d.npoints == 0 {
		return
	}

	blockSize := d.run.BlockSize()

	type point struct {
		ts     uint64
		energy uint64
		hasE   bool
		power  uint64
		hasP   bool
	}

	get := func(b *blocklist.Block, i int) point {
		p := point{ts: b.Get(blocklist.TimestampField, i)}
		if d.properties.EnergyField != 0 {
			p.energy = b.Get(d.properties.EnergyField, i)
			p.hasE = true
		}
		if d.properties.PowerField != 0 {
			p.power = b.Get(d.properties.PowerField, i)
			p.hasP = true
		}
		return p
	}

	block := d.startBlock
	remaining := d.npoints

	var first, last point
	var prev point
	haveFirst := false
	haveLast := false

	i := 0
	for remaining > 0 {
		blockStart := 0
		if block == d.startBlock {
			blockStart = d.startPoint % blockSize
		}
		blockCount := block.Filled() - blockStart
		if blockCount > remaining {
			blockCount = remaining
		}

		for j := 0; j < blockCount; j++ {
			cur := get(block, blockStart+j)
			if !haveFirst {
				first = cur
				haveFirst = true
			}
			last = cur
			haveLast = true

			if i > 0 {
				if cur.hasE {
					d.consumedRaw += cur.energy
				} else if cur.hasP {
					dt := cur.ts - prev.ts
					d.consumedRaw += scaleTimeProduct(prev.power, dt, d.properties.TimeFactor)
				}
			}
			prev = cur
			i++
		}

		remaining -= blockCount
		if remaining > 0 {
			block = block.Next()
		}
	}

	if haveFirst && haveLast {
		d.elapsedRaw = last.ts - first.ts
	}
}

// scaleTimeProduct computes power*dt, applying TimeFactor's sign
// convention (positive multiplies, negative divides by the magnitude)
// the same way the original library folds time_factor into the
// power-based Riemann sum before it is later scaled again by
// EnergyFactor in GetConsumed.
func scaleTimeProduct(power, dt uint64, timeFactor SIFactor) uint64 {
	if timeFactor >= 0 {
		return power * dt * uint64(timeFactor)
	}
	return power * dt / uint64(-timeFactor)
}

// GetElapsed returns the wall-clock duration of this interval, in
// seconds, as measured by the timestamp of its first and last samples.
func (d *Dataset) GetElapsed() float64 {
	d.integrate()
	return d.properties.TimeFactor.Scale(d.elapsedRaw)
}

// GetConsumed returns the total energy consumed over this interval, in
// joules.
func (d *Dataset) GetConsumed() float64 {
	d.integrate()
	return d.properties.EnergyFactor.Scale(d.consumedRaw)
}

// Record is one row of the raw sample stream underlying a Dataset:
// a timestamp plus whichever of Energy/Power this device's driver
// reports.
type Record struct {
	Timestamp uint64
	Energy    *uint64
	Power     *uint64
}

// RecordSink receives the raw sample stream of a Dataset. The module
// ships no general-purpose formatter (pretty-printing is a host-program
// concern); RecordSink is the seam a caller's own formatter plugs into.
type RecordSink interface {
	EmitHeader(device *Device, properties DataProperties) error
	EmitRecord(r Record) error
}

// DumpRecords streams every sample in this dataset's range to sink, in
// chronological order, mirroring the tuple shape of the original
// library's JSON dump ([timestamp, energy?, power?]) without committing
// this module to any particular text encoding.
func (d *Dataset) DumpRecords(sink RecordSink) error {
	if err := sink.EmitHeader(d.device, d.properties); err != nil {
		return err
	}
	if d.npoints == 0 {
		return nil
	}

	blockSize := d.run.BlockSize()
	block := d.startBlock
	remaining := d.npoints

	for remaining > 0 {
		blockStart := 0
		if block == d.startBlock {
			blockStart = d.startPoint % blockSize
		}
		blockCount := block.Filled() - blockStart
		if blockCount > remaining {
			blockCount = remaining
		}

		for j := 0; j < blockCount; j++ {
			i := blockStart + j
			r := Record{Timestamp: block.Get(blocklist.TimestampField, i)}
			if d.properties.EnergyField != 0 {
				v := block.Get(d.properties.EnergyField, i)
				r.Energy = &v
			}
			if d.properties.PowerField != 0 {
				v := block.Get(d.properties.PowerField, i)
				r.Power = &v
			}
			if err := sink.EmitRecord(r); err != nil {
				return err
			}
		}

		remaining -= blockCount
		if remaining > 0 {
			block = block.Next()
		}
	}
	return nil
}
