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
	"log"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/vios-project/vios/kvm/virtio"
)

// postReceiveBatch seeds rxq with a full set of receive buffers, one per
// descriptor, matching 4.5.1's "seed each receive queue with
// virtqueue_entries(rxq) descriptors".
func (d *Device) postReceiveBatch(rxq *virtio.VirtualQueue) {
	for i := 0; i < rxQueueEntries; i++ {
		d.postReceive(rxq)
	}
}

// postReceive draws an XPbuf from the pool and commits it to rxq, with a
// completion callback that processes the device-written frame once the
// descriptor is reclaimed from the used ring.
func (d *Device) postReceive(rxq *virtio.VirtualQueue) {
	x := d.pool.get()

	rxq.Commit(x.buf, func(length int, data []byte) {
		d.onReceive(rxq, x, length, data)
	})
}

// ethernetHeaderLen is the minimum size of a frame onReceive hands to the
// network stack (destination + source + EtherType).
const ethernetHeaderLen = 14

// trimNetHeader validates a completed receive buffer's reported length and
// strips its virtio_net_hdr prefix, returning the Ethernet frame it carries.
// ok is false if length is out of bounds for data, or what remains after
// the header is too short to be a valid Ethernet frame.
func trimNetHeader(data []byte, length int, netHeaderLen int) (frame []byte, ok bool) {
	if length < netHeaderLen || length > len(data) {
		return nil, false
	}

	frame = data[netHeaderLen:length]

	return frame, len(frame) >= ethernetHeaderLen
}

// onReceive implements 4.5.3's completion handling: it strips the
// virtio_net_hdr prefix, folds a driver-side checksum when the device asked
// for one, hands the resulting Ethernet frame to the network stack, and
// re-posts a receive buffer to keep the queue full.
func (d *Device) onReceive(rxq *virtio.VirtualQueue, x *xpbuf, length int, data []byte) {
	defer d.pool.put(x)
	defer d.postReceive(rxq)

	payload, ok := trimNetHeader(data, length, d.netHeaderLen)

	if !ok {
		log.Printf("virtionet: dropping rx completion with invalid length %d", length)
		return
	}

	hdr := parseNetHeader(data)

	if hdr.needsCSUM() {
		if !hdr.applyChecksum(payload) {
			log.Printf("virtionet: dropping rx frame with out-of-bounds checksum offsets")
			return
		}
	}

	d.deliver(payload)
}

// deliver implements the ECMRx half of the NIC-to-stack glue: it splits the
// Ethernet header from the payload and injects the resulting packet into
// the link endpoint, the same two steps
// imx6/usb/ethernet/cdc_ecm.go's ECMRx takes once it has a full frame.
func (d *Device) deliver(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("virtionet: stack rejected inbound frame: %v", r)
		}
	}()

	hdr := buffer.NewViewFromBytes(frame[0:14])
	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))
	payload := buffer.NewViewFromBytes(frame[14:])

	pkt := &stack.PacketBuffer{
		LinkHeader: hdr,
		Data:       payload.ToVectorisedView(),
	}

	d.Link.InjectInbound(proto, pkt)
}
