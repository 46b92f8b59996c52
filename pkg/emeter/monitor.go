// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package emeter

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter/blocklist"
	"github.com/antimetal/emeter/pkg/emeter/clock"
	"github.com/antimetal/emeter/pkg/emerr"
)

// stackFrame is one saved (block, point) position on a Monitor's nested
// interval stack, recorded when a deeper Start call reuses the run
// already being sampled for an outer interval.
type stackFrame struct {
	block *blocklist.Block
	point int
}

// Monitor drives the background sampler goroutine for one device and
// tracks a stack of nested open intervals against it, exactly as the
// original library's emlMonitor does against a single pthread.
//
// At most one Run is ever being sampled at a time per Monitor: Start
// allocates a fresh Run only on the outermost call (level 0 -> 1);
// nested Start calls push the current sampling position and bump the
// run's reference count, so that each End/Release pairs against its own
// Dataset independent of the others.
type Monitor struct {
	driver Driver
	device *Device
	logger logr.Logger
	stack  int // configured maximum nesting depth

	mu       sync.Mutex // guards run (including its tail), npoints, frames and level
	run      *blocklist.Run
	npoints  int
	frames   []stackFrame // len(frames) == level-1: the outermost interval starts at the run's head and pushes no frame

	level int // current nesting depth; 0 means the sampler is not running

	stop chan struct{}
	done chan struct{}
}

// NewMonitor constructs an idle Monitor for device, sampled through
// driver. stackMax bounds nesting depth (config.DefaultStackMax if <=0).
func NewMonitor(driver Driver, device *Device, logger logr.Logger, stackMax int) *Monitor {
	if stackMax <= 0 {
		stackMax = 10
	}
	return &Monitor{
		driver: driver,
		device: device,
		logger: logger.WithName("monitor").WithValues("device", device.Name()),
		stack:  stackMax,
	}
}

// Start opens a new measurement interval. The first Start (level 0->1)
// allocates a new Run and spawns the sampler goroutine; nested Start
// calls (level>=1) simply record the current position and increment the
// run's reference count, so each corresponding End produces an
// independent Dataset view over the same underlying samples.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.level == m.stack {
		m.mu.Unlock()
		return emerr.New(emerr.KindStackFull, "Monitor.Start", "")
	}
	m.level++

	if m.level == 1 {
		props := m.driver.DefaultProperties()
		m.run = blocklist.NewRun(0, props.NFields())
		m.npoints = 0
		m.frames = make([]stackFrame, 0, m.stack)
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		run := m.run
		m.mu.Unlock()

		go m.sampleLoop(run)
	} else {
		m.frames = append(m.frames, stackFrame{block: m.run.Tail(), point: m.npoints})
		run := m.run
		m.mu.Unlock()
		run.Retain()
	}
	return nil
}

// Stop closes the innermost open interval and returns a Dataset view
// over the samples collected during it. On the outermost Stop (level
// 1->0) the sampler goroutine is joined before returning. The run's
// reference count is NOT decremented here: ownership of the reference
// taken at the matching Start transfers to the returned Dataset, which
// the caller must eventually Release.
func (m *Monitor) Stop(ctx context.Context) (*Dataset, error) {
	m.mu.Lock()
	if m.level == 0 {
		m.mu.Unlock()
		return nil, emerr.New(emerr.KindNotStarted, "Monitor.Stop", "")
	}

	endPoints := m.npoints
	run := m.run
	m.level--

	var startBlock *blocklist.Block
	var startPoint int
	if m.level == 0 {
		startBlock = run.Head()
		startPoint = 0
	} else {
		f := m.frames[m.level-1]
		m.frames = m.frames[:m.level-1]
		startBlock = f.block
		startPoint = f.point
	}
	stopChan := m.stop
	m.mu.Unlock()

	if m.level == 0 {
		close(stopChan)
		<-m.done
	}

	ds := &Dataset{
		run:        run,
		device:     m.device,
		properties: m.driver.DefaultProperties(),
		startBlock: startBlock,
		startPoint: startPoint,
		npoints:    endPoints - startPoint,
	}
	return ds, nil
}

// sampleLoop is the sampler goroutine body, one per outermost interval.
// It samples at an absolute deadline rather than sleeping a fixed
// duration each iteration, so scheduling jitter never accumulates into
// long-run drift (the original library slept a fixed relative duration
// per loop, a difference recorded as a deliberate improvement).
func (m *Monitor) sampleLoop(run *blocklist.Run) {
	defer close(m.done)

	props := m.driver.DefaultProperties()
	nfields := props.NFields()
	interval := props.SamplingInterval
	if interval <= 0 {
		interval = int64(1_000_000_000) // 1s fallback
	}

	sample := make([]uint64, nfields)
	next := clock.Now()

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		sample[0] = clock.Now()
		if err := m.driver.Measure(context.Background(), m.device.Index(), sample[1:]); err != nil {
			m.logger.Error(err, "measurement failed, skipping sample")
		} else {
			m.mu.Lock()
			_, err := run.Append(sample)
			if err == nil {
				m.npoints++
			}
			m.mu.Unlock()
			if err != nil {
				m.logger.Error(err, "failed to append sample, stopping sampler")
				return
			}
		}

		next = clock.Deadline(next, time.Duration(interval)*time.Nanosecond)
		select {
		case <-m.stop:
			return
		default:
			clock.SleepUntil(next)
		}
	}
}
