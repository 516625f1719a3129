// x86-64 processor support
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package amd64 provides the AMD64 architecture primitives used by the
// platform layer: interrupt enable/disable discipline and the Local APIC
// collaborator that the interrupt router (see package platform) drives for
// MSI delivery and end-of-interrupt signaling.
//
// This package only covers what the PCI/virtio/AIO core needs from the
// processor; full bootstrap (SMP bring-up, MMU, timers, CPU feature
// detection) is a different concern and is not modeled here.
package amd64

import (
	"github.com/vios-project/vios/amd64/lapic"
	"github.com/vios-project/vios/internal/reg"
)

// Peripheral registers
const (
	// Keyboard controller port
	KBD_PORT = 0x64
	// Intel Local Advanced Programmable Interrupt Controller, identity
	// mapped at its architectural default physical address.
	LAPIC_BASE = 0xfee00000
)

// CPU represents the Bootstrap Processor (BSP) instance.
type CPU struct {
	// LAPIC represents the Local APIC instance.
	LAPIC *lapic.LAPIC
}

// Init attaches the Local APIC at its default base address.
func (cpu *CPU) Init() {
	cpu.LAPIC = &lapic.LAPIC{
		Base: LAPIC_BASE,
	}
}

// Reset resets the CPU pin via 8042 keyboard controller pulse.
func (cpu *CPU) Reset() {
	reg.Out8(KBD_PORT, 0xfe)
}
