// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package recordsink provides a minimal, dependency-free emeter.RecordSink
// for tests and small demo programs. It is not a general-purpose
// formatter: a host program that needs a particular output shape should
// implement emeter.RecordSink directly against its own encoder.
package recordsink

import (
	"fmt"
	"io"

	"github.com/antimetal/emeter/pkg/emeter"
)

// CSV writes a "# device=<name>" line and a column header line
// ("timestamp,energy,power", omitting any column the device's
// DataProperties doesn't report), followed by one line per sample,
// leaving a field blank when a record lacks a reported value. Mirrors the column layout of the original library's
// CLI utilities, which print "elapsed energy" pairs per device rather
// than committing to any particular structured encoding.
type CSV struct {
	w         io.Writer
	hasEnergy bool
	hasPower  bool
}

var _ emeter.RecordSink = (*CSV)(nil)

// NewCSV constructs a CSV sink writing to w.
func NewCSV(w io.Writer) *CSV {
	return &CSV{w: w}
}

func (s *CSV) EmitHeader(device *emeter.Device, props emeter.DataProperties) error {
	s.hasEnergy = props.EnergyField != 0
	s.hasPower = props.PowerField != 0

	header := "timestamp"
	if s.hasEnergy {
		header += ",energy"
	}
	if s.hasPower {
		header += ",power"
	}
	name := "unknown"
	if device != nil {
		name = device.Name()
	}
	_, err := fmt.Fprintf(s.w, "# device=%s\n%s\n", name, header)
	return err
}

func (s *CSV) EmitRecord(r emeter.Record) error {
	line := fmt.Sprintf("%d", r.Timestamp)
	if s.hasEnergy {
		if r.Energy != nil {
			line += fmt.Sprintf(",%d", *r.Energy)
		} else {
			line += ","
		}
	}
	if s.hasPower {
		if r.Power != nil {
			line += fmt.Sprintf(",%d", *r.Power)
		} else {
			line += ","
		}
	}
	_, err := fmt.Fprintln(s.w, line)
	return err
}
