// VirtIO network driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtionet

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// poolReclaimInterval bounds how often a pressure signal is allowed to
// trigger an actual reclamation pass.
const poolReclaimInterval = 100 * time.Millisecond

// poolRetentionFloor is the minimum number of buffers a reclamation pass
// leaves behind, so a burst of receives right after a pressure signal does
// not have to re-allocate from scratch.
const poolRetentionFloor = rxQueueEntries

// poolReclaimBurst bounds how many buffers a single reclamation pass frees,
// so a pressure signal cannot stall the caller for the whole free list.
const poolReclaimBurst = rxQueueEntries

// xpbuf is a pooled receive buffer: an rxbuflen-sized allocation a
// completion callback copies a received frame into, returned to its pool
// once the stack has consumed the payload.
type xpbuf struct {
	buf []byte
}

// bufferPool is the RX buffer pool ("object cache" in the distilled spec):
// a free list of fixed-size rxbuflen buffers, grown on demand and trimmed
// back to a retention floor under memory pressure. Reclamation is
// rate-limited so repeated pressure signals do not thrash the free list.
type bufferPool struct {
	mu       sync.Mutex
	rxbuflen int
	free     []*xpbuf
	limiter  *rate.Limiter
}

func newBufferPool(rxbuflen int) *bufferPool {
	return &bufferPool{
		rxbuflen: rxbuflen,
		limiter:  rate.NewLimiter(rate.Every(poolReclaimInterval), 1),
	}
}

// get returns a buffer from the free list, allocating a new one if empty.
func (p *bufferPool) get() *xpbuf {
	p.mu.Lock()

	if n := len(p.free); n > 0 {
		x := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return x
	}

	p.mu.Unlock()

	return &xpbuf{buf: make([]byte, p.rxbuflen)}
}

// put returns a buffer to the free list.
func (p *bufferPool) put(x *xpbuf) {
	p.mu.Lock()
	p.free = append(p.free, x)
	p.mu.Unlock()
}

// reclaim drains the free list down to the retention floor, called by a
// memory-pressure callback. It is rate-limited to one pass per caller
// burst: a storm of pressure signals collapses into a single reclamation.
func (p *bufferPool) reclaim() {
	if !p.limiter.Allow() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	freed := 0

	for len(p.free) > poolRetentionFloor && freed < poolReclaimBurst {
		n := len(p.free)
		p.free = p.free[:n-1]
		freed++
	}
}

// watchMemoryPressure is the memory-pressure callback 4.5.1 calls for
// registering against the RX buffer pool: this hosted model has no kernel
// vmpressure/shrinker signal to register against, so the callback drives
// itself off a ticker at the same cadence reclaim's rate limiter allows,
// rather than waiting on an external notifier. Attach starts this as a
// goroutine for the lifetime of the device.
func (d *Device) watchMemoryPressure() {
	ticker := time.NewTicker(poolReclaimInterval)
	defer ticker.Stop()

	for range ticker.C {
		d.pool.reclaim()
	}
}
