// x86-64 processor support
// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

import (
	"github.com/vios-project/vios/amd64/lapic"
)

// defined in irq.s
func irq_enable()
func irq_disable()
func save_flags() (flags uint64)
func restore_flags(flags uint64)

// EnableInterrupts unmasks external interrupts on the Bootstrap Processor.
func (cpu *CPU) EnableInterrupts() {
	if cpu.LAPIC.ID() == 0 {
		cpu.LAPIC.ClearInterrupt()
		irq_enable()
	} else {
		// IRQs are always handled by the BSP
		cpu.LAPIC.IPI(0, 0, lapic.ICR_DLV_NMI)
	}
}

// DisableInterrupts masks external interrupts.
func (cpu *CPU) DisableInterrupts() {
	irq_disable()
}

// SaveFlags disables external interrupts and returns the prior
// interrupt-enable state for use with RestoreFlags. Every PCI configuration
// space transaction and BAR access brackets itself with this pair, so a
// preempting ISR can never interleave its own port I/O sequence within the
// two-cycle CONFIG_ADDRESS/CONFIG_DATA transaction or a BAR load/store.
func SaveFlags() uint64 {
	flags := save_flags()
	irq_disable()
	return flags
}

// RestoreFlags restores the interrupt-enable state captured by SaveFlags.
func RestoreFlags(flags uint64) {
	restore_flags(flags)
}
