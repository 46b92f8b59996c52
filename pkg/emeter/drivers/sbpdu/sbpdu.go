// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sbpdu measures per-outlet current and voltage on Schleifenbauer
// network-attached PDUs over their proprietary RC4-encrypted, CRC-16
// protected TCP protocol. One Device is exposed per outlet, across every
// PDU named in config.DriverConfig.Devices.
package sbpdu

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

func init() {
	emeter.Register(emeter.DeviceSBPDU, func(logger logr.Logger) emeter.Driver {
		return New(logger)
	})
}

// pduState holds the live connection and measurement cache for one PDU.
type pduState struct {
	mu      sync.Mutex
	conn    *conn
	host    string
	port    int
	key     []byte
	outlets int

	lastRead time.Time
	current  []uint64 // cached actual-current readings, one per outlet
	voltage  []uint64 // cached actual-voltage readings, one per outlet
}

// outletRef maps one Device back to its owning PDU and outlet index.
type outletRef struct {
	pdu    int
	outlet int
}

// Driver is the Schleifenbauer PDU device family.
type Driver struct {
	emeter.BaseDriver

	pdus    []*pduState
	outlets []outletRef
}

var _ emeter.Driver = (*Driver)(nil)

// New constructs an uninitialized sbpdu driver.
func New(logger logr.Logger) *Driver {
	props := emeter.DataProperties{
		TimeFactor:   emeter.FactorNano,
		EnergyFactor: emeter.FactorMilli,
		PowerFactor:  emeter.FactorMilli,
		PowerField:   1,
	}
	return &Driver{
		BaseDriver: emeter.NewBaseDriver("sbpdu", emeter.DeviceSBPDU, props, logger),
	}
}

// Init dials every PDU named in cfg.Devices, queries its outlet count
// (clamped to maxOutletsPerPDU, since the wire protocol's measurement
// registers only carry the first 27 channels), and registers one Device
// per outlet named "sbpdu<pdu-index>_outlet<outlet-index>".
func (d *Driver) Init(ctx context.Context, cfg config.DriverConfig) error {
	if len(cfg.Devices) == 0 {
		return emerr.New(emerr.KindUnsupportedHardware, "sbpdu.Init", "no PDUs configured")
	}

	props := d.DefaultProperties()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = config.DefaultSamplingInterval
	}
	props.SamplingInterval = cfg.SamplingInterval.Nanoseconds()
	d.SetProperties(props)

	for i, dc := range cfg.Devices {
		port := dc.Port
		if port == 0 {
			port = defaultPort
		}
		key, err := decodeKey(dc.RC4Key)
		if err != nil {
			return emerr.Wrap(emerr.KindBadConfig, "sbpdu.Init", err)
		}

		c, err := dial(dc.Host, port, key)
		if err != nil {
			return err
		}

		n, err := queryOutletCount(c)
		if err != nil {
			c.close()
			return emerr.Wrap(emerr.KindNetworkError, "sbpdu.Init", err)
		}
		if n > maxOutletsPerPDU {
			n = maxOutletsPerPDU
		}

		ps := &pduState{conn: c, host: dc.Host, port: port, key: key, outlets: n}
		d.pdus = append(d.pdus, ps)

		for outlet := 0; outlet < n; outlet++ {
			d.AddNamedDevice(fmt.Sprintf("sbpdu%d_outlet%d", i, outlet))
			d.outlets = append(d.outlets, outletRef{pdu: i, outlet: outlet})
		}
	}
	return nil
}

// queryOutletCount reads regCFNRMO (number of outlets measured).
func queryOutletCount(c *conn) (int, error) {
	if err := c.writeCommand(regCFNRMO, 1); err != nil {
		return 0, err
	}
	body, err := c.read()
	if err != nil {
		return 0, err
	}
	args, err := readValidCommand(body, cmdRead)
	if err != nil {
		return 0, err
	}
	if len(args) < 6 {
		return 0, emerr.New(emerr.KindParseError, "sbpdu.queryOutletCount", "short register-read reply")
	}
	// args layout: register(2,LE) transid(2,LE) value(2,LE)
	value := uint16(args[4]) | uint16(args[5])<<8
	return int(value), nil
}

// Shutdown closes every PDU connection.
func (d *Driver) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, ps := range d.pdus {
		if err := ps.conn.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Measure returns the current deviceIndex outlet's instantaneous power
// (current * voltage), reading a fresh current/voltage pair from the PDU
// at most once per measureCacheTTL so that reading 27 outlets in a tight
// loop doesn't issue 27 round trips.
func (d *Driver) Measure(ctx context.Context, deviceIndex int, out []uint64) error {
	if deviceIndex < 0 || deviceIndex >= len(d.outlets) {
		return emerr.New(emerr.KindInvalidParameter, "sbpdu.Measure", "device index out of range")
	}
	ref := d.outlets[deviceIndex]
	ps := d.pdus[ref.pdu]

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if time.Since(ps.lastRead) > measureCacheTTL {
		current, voltage, err := readMeasures(ps)
		if err != nil {
			reconnErr := d.reconnect(ps)
			if reconnErr != nil {
				return emerr.Wrap(emerr.KindSensorMeasurement, "sbpdu.Measure", err)
			}
			current, voltage, err = readMeasures(ps)
			if err != nil {
				return emerr.Wrap(emerr.KindSensorMeasurement, "sbpdu.Measure", err)
			}
		}
		ps.current = current
		ps.voltage = voltage
		ps.lastRead = time.Now()
	}

	if ref.outlet >= len(ps.current) || ref.outlet >= len(ps.voltage) {
		return emerr.New(emerr.KindSensorMeasurement, "sbpdu.Measure", "outlet index missing from last read")
	}
	// current/voltage are in milliamps/millivolts; power in milliwatts,
	// matching PowerFactor=Milli above.
	out[0] = (ps.current[ref.outlet] * ps.voltage[ref.outlet]) / 1000
	return nil
}

// readMeasures fetches the contiguous OMCRAC/OMCRPK/OMVOAC block (actual
// current, peak current, actual voltage) for every outlet on ps's PDU in
// a single round trip, matching the wire layout the original driver
// reads as one block. Peak current is part of that block but, like the
// original, isn't reported by Measure.
func readMeasures(ps *pduState) (current, voltage []uint64, err error) {
	block, err := readRegisterArray(ps.conn, regOMCRAC, ps.outlets*measureRegBlockWidth)
	if err != nil {
		return nil, nil, err
	}
	current = block[:ps.outlets]
	voltage = block[2*ps.outlets : 3*ps.outlets]
	return current, voltage, nil
}

func readRegisterArray(c *conn, register uint16, count int) ([]uint64, error) {
	if err := c.writeCommand(register, uint16(count)); err != nil {
		return nil, err
	}
	body, err := c.read()
	if err != nil {
		return nil, err
	}
	args, err := readValidCommand(body, cmdRead)
	if err != nil {
		return nil, err
	}
	if len(args) < 4+count*2 {
		return nil, emerr.New(emerr.KindParseError, "sbpdu.readRegisterArray", "short register-array reply")
	}
	values := make([]uint64, count)
	for i := 0; i < count; i++ {
		off := 4 + i*2
		values[i] = uint64(binary.LittleEndian.Uint16(args[off : off+2]))
	}
	return values, nil
}

// reconnect dials a fresh connection to ps's PDU under an exponential
// backoff policy, replacing ps.conn on success.
func (d *Driver) reconnect(ps *pduState) error {
	ps.conn.close()
	b := backoff.NewExponentialBackOff()
	newConn, err := backoff.Retry(context.Background(), func() (*conn, error) {
		return dial(ps.host, ps.port, ps.key)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		return err
	}
	ps.conn = newConn
	return nil
}
