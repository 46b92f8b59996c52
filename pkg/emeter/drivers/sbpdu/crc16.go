// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sbpdu

// crc16 computes the CRC-16/CCITT-FALSE checksum used to protect every
// Schleifenbauer PDU command frame: initial value 0xFFFF, polynomial
// 0x1021, no input/output reflection, no final XOR. Neither the standard
// library nor any package in this corpus implements this exact variant,
// so it is hand-rolled here as protocol-inherent logic.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
