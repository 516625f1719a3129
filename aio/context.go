// Asynchronous I/O ring
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package aio

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vios-project/vios/dma"
)

// ERESTARTSYS is the Linux signal-interruption restart code for a blocking
// io_getevents wait with no finite timeout. It is a kernel-internal restart
// code rather than a user-space errno, so it is not present in
// golang.org/x/sys/unix; it is modeled here the same way the rest of the
// syscall boundary models errno, as a unix.Errno value. GetEvents has no
// signal-interruption path and never returns it.
const ERESTARTSYS = unix.Errno(512)

// Opcode identifies the operation an IOCB requests.
type Opcode int

const (
	OpPRead Opcode = iota
	OpPWrite
)

// IOCB flags.
const (
	FlagResFD = 1 << 0
)

// IOCB describes a single submitted operation (io_submit's per-entry
// argument).
type IOCB struct {
	Opcode   Opcode
	Fildes   int
	Buf      []byte
	Offset   int64
	Data     uint64 // opaque user_data, echoed back in the completion Event
	Flags    int
	ResFD    int // eventfd to notify on completion, when Flags&FlagResFD != 0
}

// File is the narrow interface io_submit dispatches PREAD/PWRITE against.
// fd resolution (aio_fildes -> File) is the caller's responsibility; this
// package only drives the completion protocol once a File is in hand.
type File interface {
	// AIORead submits an asynchronous read; done is invoked with the
	// number of bytes read, or a negative errno, once it completes.
	AIORead(buf []byte, offset int64, done func(res int64))
	// AIOWrite submits an asynchronous write, with the same completion
	// contract as AIORead.
	AIOWrite(buf []byte, offset int64, done func(res int64))
}

// EventFD is the narrow interface used to notify an optional completion
// side-channel (IOCB.ResFD).
type EventFD interface {
	Signal(val uint64) error
}

// Context is a single AIO context (the kernel-side object created by
// io_setup and referenced by the id it returns).
type Context struct {
	mu   sync.Mutex
	cond *sync.Cond

	id   uint64
	ring *ring

	ongoingOps int
	copiedEvts int
	destroying bool

	refcount int32
}

// ContextTable is a process's id -> Context mapping. Callers embed one per
// process/address-space; this package does not assume a single global
// table.
type ContextTable struct {
	mu   sync.Mutex
	next uint64
	ctxs map[uint64]*Context
}

// NewContextTable creates an empty context table.
func NewContextTable() *ContextTable {
	return &ContextTable{ctxs: make(map[uint64]*Context)}
}

// Setup implements io_setup: it validates requestedEvents, allocates ring
// memory sized for requestedEvents+1 slots, and registers a new Context
// under a fresh id.
func (t *ContextTable) Setup(region *dma.Region, requestedEvents int) (id uint64, err error) {
	if requestedEvents <= 0 {
		return 0, unix.EINVAL
	}

	nr := uint32(requestedEvents + 1)
	id = t.nextID()

	r, err := newRingFromRegion(region, uint32(id), nr)

	if err != nil {
		return 0, unix.ENOMEM
	}

	t.register(id, r)

	return id, nil
}

// register installs a ready ring under a freshly allocated id. Split out of
// Setup so tests can exercise Context/ContextTable logic over a plain-heap
// ring, without going through dma.Region's physical addressing.
func (t *ContextTable) register(id uint64, r *ring) {
	ctx := &Context{id: id, ring: r, refcount: 1}
	ctx.cond = sync.NewCond(&ctx.mu)

	t.mu.Lock()
	t.ctxs[id] = ctx
	t.mu.Unlock()
}

// nextID reserves and returns the next context id.
func (t *ContextTable) nextID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++

	return t.next
}

// lookup resolves an id to a Context, reserving a refcount on success. The
// caller must release() the reservation when done.
func (t *ContextTable) lookup(id uint64) (*Context, error) {
	t.mu.Lock()
	ctx, ok := t.ctxs[id]
	t.mu.Unlock()

	if !ok {
		return nil, unix.EINVAL
	}

	ctx.reserve()

	return ctx, nil
}

func (ctx *Context) reserve() {
	atomic.AddInt32(&ctx.refcount, 1)
}

// release drops a refcount reservation, freeing the ring and removing the
// context from its table once it reaches zero.
func (ctx *Context) release(t *ContextTable) {
	if atomic.AddInt32(&ctx.refcount, -1) != 0 {
		return
	}

	t.mu.Lock()
	delete(t.ctxs, ctx.id)
	t.mu.Unlock()

	ctx.ring.release()
}

// Resolver resolves an fd to a File; the caller supplies the mapping since
// this package has no notion of a process fd table.
type Resolver func(fd int) (File, error)

// Submit implements io_submit: it dispatches up to len(iocbs) operations,
// stopping at the first rejected one (Linux semantics: partial submission
// returns the count submitted so far, not an error, once at least one
// iocb has been accepted).
func (t *ContextTable) Submit(id uint64, iocbs []*IOCB, resolve Resolver, resolveEventFD func(fd int) (EventFD, error)) (n int, err error) {
	ctx, err := t.lookup(id)

	if err != nil {
		return 0, err
	}

	defer ctx.release(t)

	for _, iocb := range iocbs {
		if iocb.Flags&^FlagResFD != 0 {
			if n == 0 {
				return 0, unix.EINVAL
			}

			return n, nil
		}

		if len(iocb.Buf) == 0 {
			if n == 0 {
				return 0, unix.EINVAL
			}

			return n, nil
		}

		f, ferr := resolve(iocb.Fildes)

		if ferr != nil {
			if n == 0 {
				return 0, unix.EBADF
			}

			return n, nil
		}

		ctx.mu.Lock()

		if uint32(ctx.ongoingOps) >= ctx.ring.availSlots()-1 {
			ctx.mu.Unlock()

			if n == 0 {
				return 0, unix.EAGAIN
			}

			return n, nil
		}

		ctx.ongoingOps++
		ctx.mu.Unlock()

		ctx.reserve()

		userData := iocb.Data
		resFD := iocb.ResFD
		hasResFD := iocb.Flags&FlagResFD != 0

		complete := func(res int64) {
			ctx.complete(t, userData, res, resFD, hasResFD, resolveEventFD)
		}

		switch iocb.Opcode {
		case OpPRead:
			f.AIORead(iocb.Buf, iocb.Offset, complete)
		case OpPWrite:
			f.AIOWrite(iocb.Buf, iocb.Offset, complete)
		default:
			ctx.mu.Lock()
			ctx.ongoingOps--
			ctx.mu.Unlock()
			ctx.release(t)

			if n == 0 {
				return 0, unix.EINVAL
			}

			return n, nil
		}

		n++
	}

	return n, nil
}

// complete is the completion closure body shared by every dispatched
// operation: it advances the ring tail, optionally signals an eventfd, and
// wakes a blocked reader.
func (ctx *Context) complete(t *ContextTable, userData uint64, res int64, resFD int, hasResFD bool, resolveEventFD func(int) (EventFD, error)) {
	ctx.mu.Lock()
	ctx.ongoingOps--
	ctx.ring.pushEvent(Event{Data: userData, Res: res})
	destroying := ctx.destroying
	ctx.cond.Broadcast()
	ctx.mu.Unlock()

	if hasResFD && resolveEventFD != nil {
		if efd, err := resolveEventFD(resFD); err == nil {
			efd.Signal(1)
		}
	}

	if destroying {
		ctx.drain(t)
	}

	ctx.release(t)
}

// GetEvents implements io_getevents: it blocks until minNr events are
// available or timeout elapses, copying up to nr events into out. Per
// 4.4.4, timeout == 0 is a non-blocking poll (return immediately with
// whatever is already available) and a negative timeout blocks with no
// deadline. A Destroy of the context does not end a wait in progress.
func (t *ContextTable) GetEvents(id uint64, minNr int, out []Event, timeout time.Duration) (n int, err error) {
	if len(out) <= 0 || len(out) < minNr {
		return 0, unix.EINVAL
	}

	ctx, err := t.lookup(id)

	if err != nil {
		return 0, err
	}

	defer ctx.release(t)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	copied := ctx.ring.popEvents(out)

	if copied >= minNr || timeout == 0 {
		return copied, nil
	}

	infinite := timeout < 0
	deadline := time.Now().Add(timeout)

	for copied < minNr {
		if !infinite && time.Now().After(deadline) {
			return copied, nil
		}

		if !infinite {
			go func() {
				time.Sleep(time.Until(deadline))
				ctx.mu.Lock()
				ctx.cond.Broadcast()
				ctx.mu.Unlock()
			}()
		}

		ctx.cond.Wait()
		copied += ctx.ring.popEvents(out[copied:])
	}

	return copied, nil
}

// Destroy implements io_destroy: it removes the context from the table and
// blocks until every in-flight operation has completed before releasing
// the final reference, unmapping the ring.
func (t *ContextTable) Destroy(id uint64) error {
	t.mu.Lock()
	ctx, ok := t.ctxs[id]
	delete(t.ctxs, id)
	t.mu.Unlock()

	if !ok {
		return unix.EINVAL
	}

	ctx.mu.Lock()
	ctx.destroying = true
	pending := ctx.ongoingOps
	ctx.mu.Unlock()

	if pending > 0 {
		ctx.drain(t)
	}

	ctx.release(t)

	return nil
}

// drain waits for every in-flight operation dispatched before Destroy was
// called to complete. complete() re-enters drain as long as ongoingOps
// remains positive, so the final release only fires once the last
// operation lands.
func (ctx *Context) drain(t *ContextTable) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	for ctx.ongoingOps > 0 {
		ctx.cond.Wait()
	}
}
