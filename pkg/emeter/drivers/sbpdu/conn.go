// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sbpdu

import (
	"crypto/rc4"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antimetal/emeter/pkg/emerr"
)

// conn holds the TCP connection and framing state for one PDU. Every
// message is individually RC4-encrypted with a fresh key schedule (RC4
// is re-keyed per message, not streamed across the connection) so conn
// itself carries no running cipher state between calls.
type conn struct {
	mu       sync.Mutex
	nc       net.Conn
	key      []byte // exactly rc4KeyLen bytes
	host     string
	port     int
	transID  uint32
}

// decodeKey accepts either 16 raw ASCII bytes or 32 hex digits, zero-
// padding the raw form to rc4KeyLen, matching the original driver's
// configuration-parsing leniency.
func decodeKey(s string) ([]byte, error) {
	if len(s) == rc4KeyLen*2 {
		if b, err := hex.DecodeString(s); err == nil && len(b) == rc4KeyLen {
			return b, nil
		}
	}
	if len(s) > rc4KeyLen {
		return nil, fmt.Errorf("sbpdu: RC4 key too long: %d bytes", len(s))
	}
	key := make([]byte, rc4KeyLen)
	copy(key, s)
	return key, nil
}

func dial(host string, port int, key []byte) (*conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	nc, err := net.DialTimeout("tcp", addr, ioTimeout)
	if err != nil {
		return nil, emerr.MarkRetryable(emerr.Wrap(emerr.KindNetworkError, "sbpdu.dial", err))
	}
	return &conn{nc: nc, key: key, host: host, port: port}, nil
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	err := c.nc.Close()
	c.nc = nil
	return err
}

// nextTransID returns a monotonically increasing, per-connection
// transaction id. Scoped per connection (not per process) since a
// reconnect is a fresh handshake with the PDU.
func (c *conn) nextTransID() uint16 {
	return uint16(atomic.AddUint32(&c.transID, 1))
}

// write encrypts and sends one inner-command message.
func (c *conn) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return emerr.New(emerr.KindNetworkError, "sbpdu.write", "connection closed")
	}

	payload := make([]byte, 0, checkLen+len(msg)+checksumLen)
	payload = append(payload, c.key[:checkLen]...)
	payload = append(payload, msg...)

	sum := checksumBytes(payload)
	var sumBuf [checksumLen]byte
	binary.BigEndian.PutUint32(sumBuf[:], sum)
	payload = append(payload, sumBuf[:]...)

	cipher, err := rc4.NewCipher(c.key)
	if err != nil {
		return emerr.Wrap(emerr.KindUnknown, "sbpdu.write", err)
	}
	encrypted := make([]byte, len(payload))
	cipher.XORKeyStream(encrypted, payload)

	frame := make([]byte, 0, len(tag)+sizeLen+len(encrypted))
	frame = append(frame, tag[:]...)
	var lenBuf [sizeLen]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(encrypted)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, encrypted...)

	c.nc.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err = c.nc.Write(frame)
	if err != nil {
		return emerr.MarkRetryable(emerr.Wrap(emerr.KindNetworkError, "sbpdu.write", err))
	}
	return nil
}

// read receives and decrypts one reply message, returning its payload
// with the check/checksum framing already validated and stripped.
func (c *conn) read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil, emerr.New(emerr.KindNetworkError, "sbpdu.read", "connection closed")
	}

	c.nc.SetReadDeadline(time.Now().Add(ioTimeout))

	var hdr [len(tag) + sizeLen]byte
	if _, err := ioReadFull(c.nc, hdr[:]); err != nil {
		return nil, emerr.MarkRetryable(emerr.Wrap(emerr.KindNetworkError, "sbpdu.read", err))
	}
	for i := range tag {
		if hdr[i] != tag[i] {
			return nil, emerr.New(emerr.KindParseError, "sbpdu.read", "bad tag in reply")
		}
	}
	n := binary.BigEndian.Uint16(hdr[len(tag):])
	if int(n) > packetMaxLen || n < checkLen+checksumLen {
		return nil, emerr.New(emerr.KindParseError, "sbpdu.read", "invalid length field")
	}

	encrypted := make([]byte, n)
	if _, err := ioReadFull(c.nc, encrypted); err != nil {
		return nil, emerr.MarkRetryable(emerr.Wrap(emerr.KindNetworkError, "sbpdu.read", err))
	}

	cipher, err := rc4.NewCipher(c.key)
	if err != nil {
		return nil, emerr.Wrap(emerr.KindUnknown, "sbpdu.read", err)
	}
	decrypted := make([]byte, len(encrypted))
	cipher.XORKeyStream(decrypted, encrypted)

	check := decrypted[:checkLen]
	for i := 0; i < checkLen; i++ {
		if check[i] != c.key[i] {
			return nil, emerr.New(emerr.KindParseError, "sbpdu.read", "key check mismatch in reply")
		}
	}

	body := decrypted[checkLen : len(decrypted)-checksumLen]
	gotSum := binary.BigEndian.Uint32(decrypted[len(decrypted)-checksumLen:])
	wantSum := checksumBytes(decrypted[:len(decrypted)-checksumLen])
	if gotSum != wantSum {
		return nil, emerr.New(emerr.KindParseError, "sbpdu.read", "checksum mismatch in reply")
	}

	return body, nil
}

func ioReadFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// writeCommand builds and sends a READ command for a contiguous register
// range, appending the inner CRC-16 and ETX terminator.
func (c *conn) writeCommand(register uint16, length uint16) error {
	transID := c.nextTransID()

	msg := make([]byte, 0, commandLen+8)
	var cmdBuf [commandLen]byte
	binary.BigEndian.PutUint16(cmdBuf[:], cmdRead)
	msg = append(msg, cmdBuf[:]...)

	// Inner command arguments are little-endian, unlike the outer
	// framing's big-endian length/checksum fields.
	appendLE16 := func(v uint16) {
		msg = append(msg, byte(v), byte(v>>8))
	}
	appendLE16(transID)
	appendLE16(register)
	appendLE16(length)

	crc := crc16(msg)
	msg = append(msg, byte(crc), byte(crc>>8))
	msg = append(msg, etx)

	return c.write(msg)
}

// readCommand validates and strips the inner CRC-16/ETX framing,
// returning the command code and its argument bytes.
func readCommand(body []byte) (cmd uint16, args []byte, err error) {
	if len(body) < readReplyMinLen {
		if len(body) > 0 {
			return 0, nil, emerr.New(emerr.KindNetworkError, "sbpdu.readCommand",
				fmt.Sprintf("PDU reported error code 0x%02x", body[0]))
		}
		return 0, nil, emerr.New(emerr.KindParseError, "sbpdu.readCommand", "reply too short")
	}
	if body[len(body)-1] != etx {
		return 0, nil, emerr.New(emerr.KindParseError, "sbpdu.readCommand", "missing ETX terminator")
	}

	crcOffset := len(body) - 3
	gotCRC := uint16(body[crcOffset]) | uint16(body[crcOffset+1])<<8
	wantCRC := crc16(body[:crcOffset])
	if gotCRC != wantCRC {
		return 0, nil, emerr.New(emerr.KindParseError, "sbpdu.readCommand", "inner CRC mismatch")
	}

	cmd = binary.BigEndian.Uint16(body[:commandLen])
	args = body[commandLen:crcOffset]
	return cmd, args, nil
}

// readValidCommand wraps readCommand, mapping any protocol failure or an
// unexpected command code to a single network-error kind, matching the
// original driver's pdureadvalidcmd.
func readValidCommand(body []byte, expected uint16) ([]byte, error) {
	cmd, args, err := readCommand(body)
	if err != nil {
		return nil, err
	}
	if cmd != expected && cmd != ackRead {
		return nil, emerr.New(emerr.KindNetworkError, "sbpdu.readValidCommand",
			fmt.Sprintf("unexpected reply command 0x%04x", cmd))
	}
	return args, nil
}
