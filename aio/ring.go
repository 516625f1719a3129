// Asynchronous I/O ring
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package aio implements a Linux-AIO-compatible asynchronous I/O ring:
// io_setup/io_submit/io_getevents/io_destroy semantics over a fixed-layout
// submission/completion ring, backed by the same first-fit physical memory
// allocator (dma.Region) the rest of this driver core uses for device
// buffers.
package aio

import (
	"encoding/binary"
	"errors"

	"github.com/vios-project/vios/dma"
)

// Ring header magic and version fields (Linux aio_ring ABI).
const (
	ringMagic      = 0xa10a10a1
	ringCompat     = 1
	ringIncompat   = 0
	ringHeaderSize = 0x20
)

// eventSize is the marshaled size of a single completion event
// ({data, obj, res, res2}, each a 64-bit field).
const eventSize = 32

// Event is a single completion record, written by a completion callback and
// read by io_getevents.
type Event struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

func (e *Event) marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], e.Data)
	binary.LittleEndian.PutUint64(buf[8:], e.Obj)
	binary.LittleEndian.PutUint64(buf[16:], uint64(e.Res))
	binary.LittleEndian.PutUint64(buf[24:], uint64(e.Res2))
}

func (e *Event) unmarshal(buf []byte) {
	e.Data = binary.LittleEndian.Uint64(buf[0:])
	e.Obj = binary.LittleEndian.Uint64(buf[8:])
	e.Res = int64(binary.LittleEndian.Uint64(buf[16:]))
	e.Res2 = int64(binary.LittleEndian.Uint64(buf[24:]))
}

// ring is the submission/completion ring logic, operating on a plain byte
// buffer whose layout matches the Linux aio_ring ABI: a fixed header
// followed by an nr-entry circular array of events. The buffer's physical
// backing (DMA-able memory in production, a plain Go allocation in tests)
// is supplied by the caller and released through releaseFn.
type ring struct {
	buf       []byte
	releaseFn func()

	id       uint32
	nr       uint32
	head     uint32
	tail     uint32
	magic    uint32
	compat   uint32
	incompat uint32
	hdrLen   uint32
}

// newRingFromRegion allocates ring memory for nr events (nr already
// includes the one reserved slot) from a dma.Region, the production path.
func newRingFromRegion(region *dma.Region, id uint32, nr uint32) (*ring, error) {
	size := ringHeaderSize + int(nr)*eventSize

	addr, buf := region.Reserve(size, 0)

	if addr == 0 {
		return nil, errors.New("aio: could not allocate ring memory")
	}

	return newRing(buf, func() { region.Release(addr) }, id, nr), nil
}

// newRing initializes ring bookkeeping over an already-allocated buffer.
func newRing(buf []byte, releaseFn func(), id uint32, nr uint32) *ring {
	r := &ring{
		buf:       buf,
		releaseFn: releaseFn,
		id:        id,
		nr:        nr,
		magic:     ringMagic,
		compat:    ringCompat,
		incompat:  ringIncompat,
		hdrLen:    ringHeaderSize,
	}

	r.writeHeader()

	for i := uint32(0); i < nr; i++ {
		(&Event{}).marshal(r.eventSlice(i))
	}

	return r
}

func (r *ring) writeHeader() {
	binary.LittleEndian.PutUint32(r.buf[0:], r.id)
	binary.LittleEndian.PutUint32(r.buf[4:], r.nr)
	binary.LittleEndian.PutUint32(r.buf[8:], r.head)
	binary.LittleEndian.PutUint32(r.buf[12:], r.tail)
	binary.LittleEndian.PutUint32(r.buf[16:], r.magic)
	binary.LittleEndian.PutUint32(r.buf[20:], r.compat)
	binary.LittleEndian.PutUint32(r.buf[24:], r.incompat)
	binary.LittleEndian.PutUint32(r.buf[28:], r.hdrLen)
}

func (r *ring) eventSlice(index uint32) []byte {
	off := ringHeaderSize + int(index)*eventSize
	return r.buf[off : off+eventSize]
}

// availSlots returns the number of free slots in the ring: nr minus the
// number of queued-but-undrained events, (tail - head) mod nr. Adding r.nr
// before reducing mod nr avoids the uint32 underflow that a bare
// (head-tail) would hit whenever tail has advanced past head, which is the
// normal state once completions have queued events the reader hasn't
// drained yet.
func (r *ring) availSlots() uint32 {
	used := (r.tail + r.nr - r.head) % r.nr
	return r.nr - used
}

// pushEvent writes an event at the current tail and advances it, clamping
// the index into [0, nr) as hardening against a corrupted tail value.
func (r *ring) pushEvent(e Event) {
	r.tail %= r.nr

	e.marshal(r.eventSlice(r.tail))
	r.tail = (r.tail + 1) % r.nr

	binary.LittleEndian.PutUint32(r.buf[12:], r.tail)
}

// popEvents copies up to max events starting at head into out, advancing
// head, and returns the number copied.
func (r *ring) popEvents(out []Event) (n int) {
	for n < len(out) && r.head != r.tail {
		var e Event
		e.unmarshal(r.eventSlice(r.head))

		out[n] = e
		n++

		r.head = (r.head + 1) % r.nr
	}

	binary.LittleEndian.PutUint32(r.buf[8:], r.head)

	return n
}

// release frees the ring's backing memory. The ring must not be used after
// this call.
func (r *ring) release() {
	r.releaseFn()
}
