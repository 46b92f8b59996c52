// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package emeter

// Device is one measurable unit owned by a Driver: a CPU package, a GPU,
// a PDU outlet, a sensor. Its name is stable for the lifetime of the
// process.
type Device struct {
	name    string
	index   int // index within its owning driver, not global
	typ     DeviceType
	monitor *Monitor
}

func (d *Device) Name() string     { return d.name }
func (d *Device) Index() int       { return d.index }
func (d *Device) Type() DeviceType { return d.typ }
