// PCI platform services
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package platform

import (
	"errors"
	"log"
	"sync"

	"github.com/vios-project/vios/amd64/lapic"
	"github.com/vios-project/vios/internal/reg"
	"github.com/vios-project/vios/soc/intel/ioapic"
	"github.com/vios-project/vios/soc/intel/pci"
)

const (
	interruptLine = 0x3c

	// x86 MSI address format (Intel® 64 and IA-32 Architectures Software
	// Developer's Manual, Volume 3A, section 10.11).
	msiAddressBase    = 0xfee00000
	msiAddrDestShift  = 12
	msiDataVectorMask = 0xff
)

// InterruptRouter allocates and wires interrupt vectors, abstracting over
// the legacy-line (IOAPIC) and message-signaled (MSI) delivery mechanisms. A
// concrete implementation owns the system's vector space; this platform
// only consumes it through this contract.
type InterruptRouter interface {
	// RegisterGSI wires a handler to a Global System Interrupt line,
	// returning the allocated vector.
	RegisterGSI(gsi int, handler func(vector int)) (vector int, err error)
	// AllocateVector reserves a free vector and wires a handler to it,
	// for use with message-signaled delivery.
	AllocateVector(handler func(vector int)) (vector int, err error)
	// Free releases a previously allocated vector (GSI or MSI) and its
	// handler.
	Free(vector int)
	// MSIMessage formats the (address, data) pair a device should be
	// programmed with to raise the given vector via MSI.
	MSIMessage(vector int) (address uint64, data uint32)
}

// LAPICRouter is the platform's InterruptRouter built from the Local APIC
// and a set of I/O APICs. It hands out vectors in the user-definable
// interrupt range ([ioapic.MinVector, ioapic.MaxVector]) and tracks them
// against the GSI they were wired from, if any.
type LAPICRouter struct {
	sync.Mutex

	LAPIC   *lapic.LAPIC
	IOAPICs []*ioapic.IOAPIC

	next     int
	handlers map[int]func(int)
	gsi      map[int]int // vector -> gsi, for GSI-backed allocations
}

// NewLAPICRouter creates a router over the given Local APIC and I/O APIC
// set, handing out vectors starting at ioapic.MinVector.
func NewLAPICRouter(bsp *lapic.LAPIC, ioapics []*ioapic.IOAPIC) *LAPICRouter {
	return &LAPICRouter{
		LAPIC:    bsp,
		IOAPICs:  ioapics,
		next:     ioapic.MinVector,
		handlers: make(map[int]func(int)),
		gsi:      make(map[int]int),
	}
}

func (r *LAPICRouter) allocate(handler func(int)) (int, error) {
	r.Lock()
	defer r.Unlock()

	if r.next > ioapic.MaxVector {
		return 0, errors.New("platform: interrupt vector space exhausted")
	}

	vector := r.next
	r.next++
	r.handlers[vector] = handler

	return vector, nil
}

func (r *LAPICRouter) ioapicFor(gsi int) *ioapic.IOAPIC {
	for _, io := range r.IOAPICs {
		if gsi >= io.GSIBase && gsi < io.GSIBase+io.Entries() {
			return io
		}
	}

	return nil
}

// RegisterGSI wires a handler to the given GSI via the owning IOAPIC's
// redirection table.
func (r *LAPICRouter) RegisterGSI(gsi int, handler func(vector int)) (int, error) {
	io := r.ioapicFor(gsi)

	if io == nil {
		return 0, errors.New("platform: no ioapic covers this gsi")
	}

	vector, err := r.allocate(handler)

	if err != nil {
		return 0, err
	}

	io.EnableInterrupt(gsi, vector)

	r.Lock()
	r.gsi[vector] = gsi
	r.Unlock()

	return vector, nil
}

// AllocateVector reserves a free vector for message-signaled delivery; no
// IOAPIC redirection table entry is touched, the device itself raises the
// vector via its MSI/MSI-X capability.
func (r *LAPICRouter) AllocateVector(handler func(vector int)) (int, error) {
	return r.allocate(handler)
}

// Free releases a vector, undoing the IOAPIC redirection entry if the
// vector was GSI-backed.
func (r *LAPICRouter) Free(vector int) {
	r.Lock()
	defer r.Unlock()

	if gsi, ok := r.gsi[vector]; ok {
		if io := r.ioapicFor(gsi); io != nil {
			// mask the redirection table entry
			index := gsi - io.GSIBase
			reg.Write(io.Base+ioapic.IOREGSEL, ioapic.IOAPICREDTBLn+uint32(index*2))
			reg.Write(io.Base+ioapic.IOWIN, 1<<ioapic.REDTBL_MASK)
		}

		delete(r.gsi, vector)
	}

	delete(r.handlers, vector)
}

// MSIMessage formats the (address, data) pair for delivering the given
// vector to the Bootstrap Processor in physical, fixed-delivery mode.
func (r *LAPICRouter) MSIMessage(vector int) (address uint64, data uint32) {
	address = uint64(msiAddressBase) | uint64(r.LAPIC.ID())<<msiAddrDestShift
	data = uint32(vector) & msiDataVectorMask
	return
}

// InitInterrupt wires a device's interrupt per the negotiated mechanism.
// If the device exposes an MSI-X capability, a vector is allocated and the
// capability programmed directly; otherwise the legacy INTERRUPT_LINE byte
// is read and routed through the IOAPIC. A plain MSI capability is not
// programmed: such a device is wired through its legacy line.
func (p *Platform) InitInterrupt(dev *pci.Device, handler func(vector int)) (vector int, err error) {
	for off, hdr := range dev.Capabilities() {
		if hdr.Vendor != pci.MSIX {
			continue
		}

		msix := &pci.CapabilityMSIX{}

		if err = msix.Unmarshal(dev, off); err != nil {
			continue
		}

		vector, err = p.Router.AllocateVector(handler)

		if err != nil {
			return 0, err
		}

		addr, data := p.Router.MSIMessage(vector)
		msix.EnableInterrupt(0, addr, data)

		return vector, nil
	}

	line := dev.Read(0, interruptLine) & 0xff

	vector, err = p.Router.RegisterGSI(int(line), handler)

	if err != nil {
		log.Printf("platform: could not wire legacy irq line %d: %v", line, err)
		return 0, err
	}

	return vector, nil
}

// HasMSI reports whether this platform supports message-signaled
// interrupts. It always does: the Local APIC delivery path used by
// LAPICRouter.MSIMessage is unconditionally available on this platform.
func HasMSI() bool {
	return true
}
