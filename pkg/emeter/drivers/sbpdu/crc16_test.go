// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sbpdu

import "testing"

func TestCRC16KnownVector(t *testing.T) {
	// The standard CRC-16/CCITT-FALSE check value for the ASCII string
	// "123456789" is 0x29B1.
	got := crc16([]byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("crc16(\"123456789\") = 0x%04X, want 0x29B1", got)
	}
}

func TestCRC16Empty(t *testing.T) {
	if got := crc16(nil); got != 0xFFFF {
		t.Fatalf("crc16(nil) = 0x%04X, want 0xFFFF", got)
	}
}

func TestCRC16Deterministic(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	a := crc16(data)
	b := crc16(data)
	if a != b {
		t.Fatalf("crc16 not deterministic: %04X != %04X", a, b)
	}
}

func TestCRC16SensitiveToOrder(t *testing.T) {
	a := crc16([]byte{0x01, 0x02})
	b := crc16([]byte{0x02, 0x01})
	if a == b {
		t.Fatalf("crc16 should differ when byte order differs")
	}
}
