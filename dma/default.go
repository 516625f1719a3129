// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"container/list"
	"errors"
)

var dma *Region

// Init initializes the global memory region for DMA buffer allocation, the
// application must guarantee that the passed memory range is never used by
// the Go runtime or any other allocator.
//
// The global region is used for general purpose DMA allocations (Reserve,
// Alloc and their global-function equivalents). Scoped regions over other
// physical ranges (e.g. a PCI BAR window, the IOAPIC register block) are
// created independently with NewRegion.
func Init(start uint, size int) {
	dma = &Region{
		start: start,
		size:  uint(size),
	}

	dma.freeBlocks = list.New()
	dma.freeBlocks.PushFront(&block{addr: start, size: uint(size)})
	dma.usedBlocks = make(map[uint]*block)
}

// NewRegion creates a Region instance over an arbitrary physical address
// range, independent of the global DMA region. It is used to obtain a
// byte-slice view over a fixed hardware window (a PCI capability structure,
// an MSI-X table entry, a BAR) rather than to draw a fresh allocation from
// general memory.
//
// zero indicates whether the region content should be zeroed on creation;
// it must be false for any window that aliases live hardware state, as
// zeroing it would corrupt device registers.
func NewRegion(start uint, size int, zero bool) (region *Region, err error) {
	if size <= 0 {
		return nil, errors.New("invalid region size")
	}

	region = &Region{
		start: start,
		size:  uint(size),
	}

	region.freeBlocks = list.New()
	region.freeBlocks.PushFront(&block{addr: start, size: uint(size)})
	region.usedBlocks = make(map[uint]*block)

	if zero {
		addr, buf := region.Reserve(size, 0)
		for i := range buf {
			buf[i] = 0
		}
		region.Release(addr)
	}

	return region, nil
}

// Reserve is the equivalent of Region.Reserve() on the global DMA region.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

// Reserved is the equivalent of Region.Reserved() on the global DMA region.
func Reserved(buf []byte) (res bool, addr uint) {
	return dma.Reserved(buf)
}

// Alloc is the equivalent of Region.Alloc() on the global DMA region.
func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

// Read is the equivalent of Region.Read() on the global DMA region.
func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

// Write is the equivalent of Region.Write() on the global DMA region.
func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

// Free is the equivalent of Region.Free() on the global DMA region.
func Free(addr uint) {
	dma.Free(addr)
}

// Release is the equivalent of Region.Release() on the global DMA region.
func Release(addr uint) {
	dma.Release(addr)
}
