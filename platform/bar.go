// PCI platform services
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platform implements the PCI platform services that sit above the
// bare configuration-space accessor (see soc/intel/pci): Base Address
// Register allocation from a shared iomem range, and legacy/MSI interrupt
// wiring through the Local/I-O APIC pair.
//
// This package is only meant to be used with `GOOS=tamago` as
// supported by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago.
package platform

import (
	"log"

	"github.com/vios-project/vios/dma"
	"github.com/vios-project/vios/soc/intel/pci"
)

// IomemLimit is the 32-bit BAR addressing limit: allocated ranges must fall
// entirely below this address (PCI Local Bus Specification, revision 3.0,
// section 6.2.5.1 - 32-bit memory BARs only).
const IomemLimit = 1 << 32

// Platform owns the iomem range that BAR allocation draws sub-ranges from
// and the interrupt router used to wire device interrupts.
type Platform struct {
	iomem  *dma.Region
	Router InterruptRouter
}

// New creates a platform instance with an iomem range covering
// [base, base+size) and the interrupt router used for GSI/MSI wiring. Unlike
// the default DMA region used for descriptor/buffer allocation, this range
// backs BAR bases only: callers never read/write through it directly.
func New(base uint, size int, router InterruptRouter) (*Platform, error) {
	iomem, err := dma.NewRegion(base, size, false)

	if err != nil {
		return nil, err
	}

	return &Platform{iomem: iomem, Router: router}, nil
}

// InitBAR allocates and programs a single Base Address Register of the
// given device, following the standard discovery sequence: skip BARs the
// firmware already configured, skip unsupported I/O-port BARs, size the
// region by the write-all-ones/read-back protocol, and allocate a
// size-aligned sub-range below the 4 GiB limit.
//
// Allocation failures are logged and the BAR is left untouched, matching
// the non-fatal "log and continue" policy applied to all PCI resource
// errors on this platform.
func (p *Platform) InitBAR(dev *pci.Device, index int) {
	if dev.BARKind(index) == pci.KindIOPort {
		log.Printf("platform: bar%d is an i/o port region, not supported", index)
		return
	}

	if dev.BaseAddress(index) != 0 {
		// firmware already configured this BAR
		return
	}

	size := dev.BARSize(index)

	if size == 0 {
		return
	}

	base := p.allocIomem(size)

	if base == 0 {
		log.Printf("platform: could not allocate %d bytes for bar%d", size, index)
		return
	}

	if uint64(base)+uint64(size) > IomemLimit {
		log.Printf("platform: bar%d allocation %#x exceeds 32-bit limit", index, base)
		p.iomem.Free(base)
		return
	}

	off := pci.Bar0 + uint32(index)*4
	dev.Write(0, off, uint32(base))
}

// allocIomem reserves a size-aligned sub-range of the iomem range,
// converting dma.Region's "out of memory" panic into the non-fatal zero
// return that PCI resource allocation expects.
func (p *Platform) allocIomem(size uint) (base uint) {
	defer func() {
		if recover() != nil {
			base = 0
		}
	}()

	return p.iomem.Alloc(make([]byte, size), int(size))
}

// InitBARs programs every unconfigured memory BAR of a device (indices 0 to
// 5), skipping the second half of any 64-bit BAR pair.
func (p *Platform) InitBARs(dev *pci.Device) {
	for i := 0; i <= 5; i++ {
		p.InitBAR(dev, i)

		bar := dev.BaseAddress(i)

		if dev.BARKind(i) == pci.KindMemory && bar != 0 {
			// a 64-bit BAR consumes the following slot as its high half
			off := pci.Bar0 + uint32(i)*4
			low := dev.Read(0, off)

			const memTypeMask = 0b110
			const memType64 = 0b100

			if low&memTypeMask == memType64 {
				i++
			}
		}
	}
}
