// Intel Peripheral Component Interconnect (PCI) driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pci implements a driver for Intel Peripheral Component Interconnect
// (PCI) controllers adopting the following reference
// specifications:
//   - PCI Local Bus Specification, revision 3.0, PCI Special Interest Group
//
// Configuration space access uses the legacy CONFIG_ADDRESS/CONFIG_DATA I/O
// ports (PCI Local Bus Specification, revision 3.0, section 3.2.2.3.2).
package pci

import (
	"github.com/vios-project/vios/amd64"
	"github.com/vios-project/vios/bits"
	"github.com/vios-project/vios/internal/reg"
)

const (
	CONFIG_ADDRESS = 0x0cf8
	CONFIG_DATA    = 0x0cfc
)

const (
	maxBuses   = 256
	maxDevices = 32
)

// Header Type 0x0 offsets
const (
	VendorID           = 0x00
	Command            = 0x04
	RevisionID         = 0x08
	Bar0               = 0x10
	CapabilitiesOffset = 0x34
)

// BAR kinds, decoded from the low bits of a Base Address Register.
const (
	KindMemory = 0
	KindIOPort = 1
)

// Device represents a PCI device.
type Device struct {
	// Bus number
	Bus uint32
	// Vendor ID
	Vendor uint16
	// Device ID
	Device uint16

	// PCI Slot
	Slot uint32
}

func (d *Device) address(fn uint32, off uint32) uint32 {
	return 1<<31 | d.Bus<<16 | d.Slot<<11 | fn<<8 | off&0xfc
}

// Read reads the device configuration space for a given function and
// register offset. The CONFIG_ADDRESS/CONFIG_DATA pair is not atomic with
// respect to a local ISR, so the two-cycle transaction runs with interrupts
// disabled.
func (d *Device) Read(fn uint32, off uint32) uint32 {
	flags := amd64.SaveFlags()
	defer amd64.RestoreFlags(flags)

	reg.Out32(CONFIG_ADDRESS, d.address(fn, off))
	return reg.In32(CONFIG_DATA) >> ((off & 2) * 8)
}

// Write writes the device configuration space for a given function and
// register offset, the offset must be 32-bit aligned.
func (d *Device) Write(fn uint32, off uint32, val uint32) {
	if (off&2)*8 != 0 {
		return
	}

	flags := amd64.SaveFlags()
	defer amd64.RestoreFlags(flags)

	reg.Out32(CONFIG_ADDRESS, d.address(fn, off))
	reg.Out32(CONFIG_DATA, val)
}

// BARKind returns whether a Base Address Register decodes to a memory or I/O
// port resource, per the low-bit encoding of the register (PCI Local Bus
// Specification, revision 3.0, section 6.2.5.1).
func (d *Device) BARKind(n int) int {
	if n > 5 {
		return KindMemory
	}

	bar := d.Read(0, Bar0+uint32(n)*4)

	if bits.Get(&bar, 0) {
		return KindIOPort
	}

	return KindMemory
}

// BaseAddress returns a device Base Address register (BAR) decoded to its
// base address, dereferencing the second half of a 64-bit BAR pair when
// present.
func (d *Device) BaseAddress(n int) uint {
	if n > 5 {
		return 0
	}

	off := Bar0 + uint32(n)*4
	bar := d.Read(0, off)

	if d.BARKind(n) == KindIOPort {
		return uint(bar) &^ 0x3
	}

	// decode BAR Type (bits [2:1], memory BARs only)
	switch bits.GetN(&bar, 1, 0b11) {
	case 0:
		return uint(bar) &^ 0xf
	case 2:
		return uint(d.Read(0, off+4))<<32 | uint(bar)&0xfffffff0
	}

	return 0
}

// BARSize returns the size, in bytes, of a device Base Address register by
// the standard "write all ones, read back, mask" protocol: the register is
// saved, overwritten with all-ones, read back to recover the size-encoding
// low bits, and restored. The size is always a power of two.
func (d *Device) BARSize(n int) uint {
	if n > 5 {
		return 0
	}

	off := Bar0 + uint32(n)*4
	saved := d.Read(0, off)

	d.Write(0, off, 0xffffffff)
	probe := d.Read(0, off)
	d.Write(0, off, saved)

	var mask uint32

	if d.BARKind(n) == KindIOPort {
		mask = probe &^ 0x3
	} else {
		mask = probe &^ 0xf
	}

	if mask == 0 {
		return 0
	}

	return uint(^mask + 1)
}

func (d *Device) probe() bool {
	if d.Bus > maxBuses {
		return false
	}

	val := d.Read(0, VendorID)

	if d.Vendor = uint16(val); d.Vendor == 0xffff {
		return false
	}

	d.Device = uint16(val >> 16)

	return true
}

// Probe probes a PCI device.
func Probe(bus int, vendor uint16, device uint16) *Device {
	d := &Device{
		Bus: uint32(bus),
	}

	for slot := uint32(0); slot < maxDevices; slot++ {
		d.Slot = slot

		if d.probe() && d.Vendor == vendor && d.Device == device {
			return d
		}
	}

	return nil
}

// Devices returns all found PCI devices on a given bus.
func Devices(bus int) (devices []*Device) {
	for slot := uint32(0); slot < maxDevices; slot++ {
		d := &Device{
			Bus:  uint32(bus),
			Slot: slot,
		}

		if d.probe() {
			devices = append(devices, d)
		}
	}

	return
}
