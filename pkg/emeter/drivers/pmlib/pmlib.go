// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pmlib measures power through a PMLib power-measurement server
// over its binary, fixed-size-field socket protocol: a 2-byte big-endian
// command code followed by a 4-byte big-endian device id, replied to
// with an 8-byte big-endian fixed-point power value in milliwatts.
package pmlib

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

func init() {
	emeter.Register(emeter.DevicePMLib, func(logger logr.Logger) emeter.Driver {
		return New(logger)
	})
}

const (
	cmdReadDevice uint16 = 0x0001
	ioTimeout            = 2 * time.Second
	defaultPort          = 6526
)

// Driver reads instantaneous power from a PMLib server's counter
// devices. One emeter Device per PMLib device id configured.
type Driver struct {
	emeter.BaseDriver

	conn      net.Conn
	deviceIDs []uint32
}

var _ emeter.Driver = (*Driver)(nil)

// New constructs an uninitialized pmlib driver.
func New(logger logr.Logger) *Driver {
	props := emeter.DataProperties{
		TimeFactor:   emeter.FactorNano,
		EnergyFactor: emeter.FactorMilli,
		PowerFactor:  emeter.FactorMilli,
		PowerField:   1,
	}
	return &Driver{
		BaseDriver: emeter.NewBaseDriver("pmlib", emeter.DevicePMLib, props, logger),
	}
}

// Init dials the PMLib server named in cfg.Devices[0] and registers one
// emeter Device per subsequent entry's Port field, reused here as the
// PMLib-internal device id (PMLib addresses counters by a small integer,
// not a host:port pair, so every configured entry after the first shares
// the first entry's Host/Port and supplies its device id via Port).
func (d *Driver) Init(ctx context.Context, cfg config.DriverConfig) error {
	if len(cfg.Devices) == 0 {
		return emerr.New(emerr.KindUnsupportedHardware, "pmlib.Init", "no PMLib server configured")
	}
	server := cfg.Devices[0]
	port := server.Port
	if port == 0 {
		port = defaultPort
	}

	nc, err := net.DialTimeout("tcp", net.JoinHostPort(server.Host, strconv.Itoa(port)), ioTimeout)
	if err != nil {
		return emerr.MarkRetryable(emerr.Wrap(emerr.KindNetworkError, "pmlib.Init", err))
	}
	d.conn = nc

	props := d.DefaultProperties()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = config.DefaultSamplingInterval
	}
	props.SamplingInterval = cfg.SamplingInterval.Nanoseconds()
	d.SetProperties(props)

	for _, dev := range cfg.Devices[1:] {
		d.deviceIDs = append(d.deviceIDs, uint32(dev.Port))
		d.AddDevice()
	}
	if len(d.deviceIDs) == 0 {
		// No explicit counter ids configured: fall back to counter 0,
		// the server's default aggregate power counter.
		d.deviceIDs = append(d.deviceIDs, 0)
		d.AddDevice()
	}
	return nil
}

// Shutdown closes the socket.
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Measure sends a READ_DEVICE request and reads back an 8-byte
// big-endian milliwatt value.
func (d *Driver) Measure(ctx context.Context, deviceIndex int, out []uint64) error {
	if deviceIndex < 0 || deviceIndex >= len(d.deviceIDs) {
		return emerr.New(emerr.KindInvalidParameter, "pmlib.Measure", "device index out of range")
	}

	req := make([]byte, 6)
	binary.BigEndian.PutUint16(req[0:2], cmdReadDevice)
	binary.BigEndian.PutUint32(req[2:6], d.deviceIDs[deviceIndex])

	d.conn.SetDeadline(time.Now().Add(ioTimeout))
	if _, err := d.conn.Write(req); err != nil {
		return emerr.MarkRetryable(emerr.Wrap(emerr.KindNetworkError, "pmlib.Measure", err))
	}

	resp := make([]byte, 8)
	if _, err := readFull(d.conn, resp); err != nil {
		return emerr.MarkRetryable(emerr.Wrap(emerr.KindNetworkError, "pmlib.Measure", err))
	}
	out[0] = binary.BigEndian.Uint64(resp)
	return nil
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
