// VirtIO network driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtionet

import (
	"encoding/binary"
	"reflect"
	"testing"
)

func TestDistributeCPUs(t *testing.T) {
	cases := []struct {
		ncpu, vqPairs int
		want          []int
	}{
		{ncpu: 4, vqPairs: 4, want: []int{1, 1, 1, 1}},
		{ncpu: 5, vqPairs: 4, want: []int{2, 1, 1, 1}},
		{ncpu: 1, vqPairs: 1, want: []int{1}},
		{ncpu: 8, vqPairs: 3, want: []int{3, 3, 2}},
	}

	for _, c := range cases {
		got := distributeCPUs(c.ncpu, c.vqPairs)

		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("distributeCPUs(%d, %d) = %v, want %v", c.ncpu, c.vqPairs, got, c.want)
		}
	}
}

func TestCeil8(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 1526: 1528}

	for n, want := range cases {
		if got := ceil8(n); got != want {
			t.Errorf("ceil8(%d) = %d, want %d", n, got, want)
		}
	}
}

// TestFoldChecksum exercises the worked example: a 60-byte frame with
// NEEDS_CSUM, csum_start=14, csum_offset=16, where the 16-bit word at
// offset 30 must equal the one's-complement fold of payload[14:60).
func TestFoldChecksum(t *testing.T) {
	frame := make([]byte, 60)

	for i := range frame {
		frame[i] = byte(i)
	}

	h := netHeader{flags: needsCSUM, csumStart: 14, csumOffset: 16}

	want := foldChecksum(frame[14:])

	if !h.applyChecksum(frame) {
		t.Fatalf("applyChecksum() = false, want true")
	}

	got := binary.BigEndian.Uint16(frame[30:32])

	if got != want {
		t.Errorf("checksum at offset 30 = %#04x, want %#04x", got, want)
	}
}

func TestFoldChecksumZeroSumIsAllOnes(t *testing.T) {
	// An all-zero payload sums to zero, whose one's complement is
	// 0xffff, never the reserved "no checksum" encoding of 0x0000 -
	// RFC 1071's transmitted-checksum convention.
	if got := foldChecksum(make([]byte, 16)); got != 0xffff {
		t.Errorf("foldChecksum(zeroes) = %#04x, want 0xffff", got)
	}
}

func TestApplyChecksumOutOfBounds(t *testing.T) {
	payload := make([]byte, 20)
	h := netHeader{flags: needsCSUM, csumStart: 14, csumOffset: 10}

	// csumStart(14) + csumOffset(10) + 2 = 26, past len(payload) = 20.
	if h.applyChecksum(payload) {
		t.Errorf("applyChecksum() = true for out-of-bounds offsets, want false")
	}
}

func TestParseNetHeaderNeedsCSUM(t *testing.T) {
	buf := make([]byte, 10)
	buf[hdrFlags] = needsCSUM
	binary.LittleEndian.PutUint16(buf[hdrCsumStart:], 14)
	binary.LittleEndian.PutUint16(buf[hdrCsumOffset:], 16)

	h := parseNetHeader(buf)

	if !h.needsCSUM() {
		t.Errorf("needsCSUM() = false, want true")
	}

	if h.csumStart != 14 || h.csumOffset != 16 {
		t.Errorf("csumStart/csumOffset = %d/%d, want 14/16", h.csumStart, h.csumOffset)
	}
}

func TestBufferPoolReuse(t *testing.T) {
	p := newBufferPool(128)

	x := p.get()

	if len(x.buf) != 128 {
		t.Fatalf("get() buf len = %d, want 128", len(x.buf))
	}

	p.put(x)

	y := p.get()

	if y != x {
		t.Errorf("get() after put() allocated a new buffer instead of reusing the free list")
	}
}

func TestBufferPoolReclaimRetainsFloor(t *testing.T) {
	p := newBufferPool(64)

	for i := 0; i < poolRetentionFloor+10; i++ {
		p.put(&xpbuf{buf: make([]byte, 64)})
	}

	p.reclaim()

	p.mu.Lock()
	n := len(p.free)
	p.mu.Unlock()

	if n < poolRetentionFloor {
		t.Errorf("reclaim() dropped below the retention floor: %d free, want >= %d", n, poolRetentionFloor)
	}

	if n >= poolRetentionFloor+10 {
		t.Errorf("reclaim() did not free anything: %d free", n)
	}
}

func TestTrimNetHeader(t *testing.T) {
	data := make([]byte, 64)

	for i := range data {
		data[i] = byte(i)
	}

	cases := []struct {
		name         string
		length       int
		netHeaderLen int
		wantOK       bool
		wantLen      int
	}{
		{name: "valid frame", length: 64, netHeaderLen: 10, wantOK: true, wantLen: 54},
		{name: "length below header", length: 8, netHeaderLen: 10, wantOK: false},
		{name: "length past buffer", length: 65, netHeaderLen: 10, wantOK: false},
		{name: "shorter than ethernet header", length: 20, netHeaderLen: 10, wantOK: false},
	}

	for _, c := range cases {
		frame, ok := trimNetHeader(data, c.length, c.netHeaderLen)

		if ok != c.wantOK {
			t.Errorf("%s: trimNetHeader() ok = %v, want %v", c.name, ok, c.wantOK)
			continue
		}

		if ok && len(frame) != c.wantLen {
			t.Errorf("%s: trimNetHeader() len = %d, want %d", c.name, len(frame), c.wantLen)
		}
	}
}

func TestCountersRecordClassifiesMulticast(t *testing.T) {
	var c Counters

	c.record([]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}) // multicast bit set
	c.record([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}) // unicast

	if c.TxMulticast != 1 {
		t.Errorf("TxMulticast = %d, want 1", c.TxMulticast)
	}

	if c.TxUnicast != 1 {
		t.Errorf("TxUnicast = %d, want 1", c.TxUnicast)
	}

	if c.TxOctets != 12 {
		t.Errorf("TxOctets = %d, want 12", c.TxOctets)
	}
}
