// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sbpdu

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/emeter/pkg/emeter/config"
)

// fakePDU answers exactly one READ command on its side of a net.Pipe,
// replying with the given register value bytes, and hands back the
// register the request asked for, readable once done is closed.
func fakePDU(t *testing.T, server net.Conn, key []byte, values ...uint16) (register *uint16, done chan struct{}) {
	t.Helper()
	srv := &conn{nc: server, key: key}
	register = new(uint16)
	done = make(chan struct{})

	go func() {
		defer close(done)
		body, err := srv.read()
		if err != nil {
			t.Errorf("fake PDU read: %v", err)
			return
		}
		cmd, args, err := readCommand(body)
		if err != nil {
			t.Errorf("fake PDU readCommand: %v", err)
			return
		}
		if cmd != cmdRead {
			t.Errorf("fake PDU got cmd 0x%04x, want cmdRead", cmd)
			return
		}
		transID := uint16(args[0]) | uint16(args[1])<<8
		*register = uint16(args[2]) | uint16(args[3])<<8

		reply := make([]byte, 0, 8+len(values)*2)
		var cmdBuf [2]byte
		binary.BigEndian.PutUint16(cmdBuf[:], cmdRead)
		reply = append(reply, cmdBuf[:]...)
		appendLE16 := func(v uint16) { reply = append(reply, byte(v), byte(v>>8)) }
		appendLE16(*register)
		appendLE16(transID)
		for _, v := range values {
			appendLE16(v)
		}
		crc := crc16(reply)
		reply = append(reply, byte(crc), byte(crc>>8))
		reply = append(reply, etx)

		if err := srv.write(reply); err != nil {
			t.Errorf("fake PDU write: %v", err)
		}
	}()
	return register, done
}

func TestQueryOutletCountParsesReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	key := make([]byte, rc4KeyLen)
	copy(key, "testkey0123456")
	_, done := fakePDU(t, server, key, 12)

	c := &conn{nc: client, key: key}
	n, err := queryOutletCount(c)
	<-done
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestReadRegisterArrayParsesValues(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	key := make([]byte, rc4KeyLen)
	copy(key, "testkey0123456")
	_, done := fakePDU(t, server, key, 1000, 2000, 3000)

	c := &conn{nc: client, key: key}
	values, err := readRegisterArray(c, regOMCRAC, 3)
	<-done
	require.NoError(t, err)
	assert.Equal(t, []uint64{1000, 2000, 3000}, values)
}

func TestReadMeasuresIssuesOneRoundTripAndSlicesBlock(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	key := make([]byte, rc4KeyLen)
	copy(key, "testkey0123456")
	// 2 outlets: current[100,200], peak[111,222] (unused), voltage[1000,2000].
	register, done := fakePDU(t, server, key, 100, 200, 111, 222, 1000, 2000)

	ps := &pduState{conn: &conn{nc: client, key: key}, outlets: 2}
	current, voltage, err := readMeasures(ps)
	<-done
	require.NoError(t, err)
	assert.Equal(t, regOMCRAC, *register, "readMeasures must issue a single read starting at regOMCRAC")
	assert.Equal(t, []uint64{100, 200}, current)
	assert.Equal(t, []uint64{1000, 2000}, voltage)
}

func TestInitRejectsNoConfiguredPDUs(t *testing.T) {
	d := New(logr.Discard())
	err := d.Init(context.Background(), config.DriverConfig{})
	assert.Error(t, err)
}
