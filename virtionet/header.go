// VirtIO network driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtionet

import "encoding/binary"

// virtio_net_hdr flags (VirtIO - Version 1.2, section 5.1.6.1).
const needsCSUM = 1 << 0

// header offsets, legacy (10 byte) layout. The optional num_buffers field
// (mrg_rxbuf, offset 10) is never read by this driver: it seeds exactly one
// descriptor per receive buffer and so never produces a merged chain.
const (
	hdrFlags      = 0
	hdrGSOType    = 1
	hdrHdrLen     = 2
	hdrGSOSize    = 4
	hdrCsumStart  = 6
	hdrCsumOffset = 8
)

// netHeader is the parsed form of a virtio_net_hdr prefix.
type netHeader struct {
	flags      uint8
	gsoType    uint8
	hdrLen     uint16
	gsoSize    uint16
	csumStart  uint16
	csumOffset uint16
}

func parseNetHeader(buf []byte) netHeader {
	return netHeader{
		flags:      buf[hdrFlags],
		gsoType:    buf[hdrGSOType],
		hdrLen:     binary.LittleEndian.Uint16(buf[hdrHdrLen:]),
		gsoSize:    binary.LittleEndian.Uint16(buf[hdrGSOSize:]),
		csumStart:  binary.LittleEndian.Uint16(buf[hdrCsumStart:]),
		csumOffset: binary.LittleEndian.Uint16(buf[hdrCsumOffset:]),
	}
}

// needsCSUM reports whether the device left checksum offload to the driver.
func (h netHeader) needsCSUM() bool {
	return h.flags&needsCSUM != 0
}

// foldChecksum computes the 16-bit one's-complement Internet checksum
// (RFC 1071) of buf, 64-bit accumulating with an add-carry fold at each
// narrowing width, returning the final bitwise complement.
func foldChecksum(buf []byte) uint16 {
	var sum uint64

	n := len(buf)

	for n >= 2 {
		sum += uint64(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
		n -= 2
	}

	if n == 1 {
		sum += uint64(buf[0]) << 8
	}

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return ^uint16(sum)
}

// applyChecksum computes and writes the checksum a NEEDS_CSUM header
// requests, over payload starting at h.csumStart, storing the result at
// h.csumStart+h.csumOffset. It reports false, leaving payload untouched, if
// the requested offsets fall outside payload.
func (h netHeader) applyChecksum(payload []byte) bool {
	start := int(h.csumStart)
	off := start + int(h.csumOffset)

	if start < 0 || start > len(payload) || off < 0 || off+2 > len(payload) {
		return false
	}

	sum := foldChecksum(payload[start:])

	binary.BigEndian.PutUint16(payload[off:], sum)

	return true
}
