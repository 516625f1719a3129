// Asynchronous I/O ring
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package aio

import "sync"

// ChanEventFD is a minimal EventFD implementation for hosted embedders that
// have no real eventfd syscall: Signal accumulates the written value and
// wakes any goroutine blocked in Wait, matching the accumulate-then-read
// semantics of Linux eventfd(2) closely enough for the IOCB.ResFD
// notification side-channel.
type ChanEventFD struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
}

// NewChanEventFD creates a ready-to-use ChanEventFD.
func NewChanEventFD() *ChanEventFD {
	e := &ChanEventFD{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Signal adds val to the counter and wakes any waiter.
func (e *ChanEventFD) Signal(val uint64) error {
	e.mu.Lock()
	e.value += val
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

// Wait blocks until the counter is nonzero, then returns and resets it.
func (e *ChanEventFD) Wait() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.value == 0 {
		e.cond.Wait()
	}

	val := e.value
	e.value = 0

	return val
}
