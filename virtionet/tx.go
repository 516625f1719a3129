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
	"errors"
	"log"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip/link/channel"

	"github.com/vios-project/vios/kvm/virtio"
)

var errNoTxQueue = errors.New("virtionet: no tx queue available for this cpu")

// Counters tracks the interface statistics 4.5.2 calls for updating on
// every transmit ("octets, ucast/multicast").
type Counters struct {
	TxOctets    uint64
	TxUnicast   uint64
	TxMulticast uint64
}

func (c *Counters) record(frame []byte) {
	atomic.AddUint64(&c.TxOctets, uint64(len(frame)))

	if len(frame) > 0 && frame[0]&0x01 != 0 {
		atomic.AddUint64(&c.TxMulticast, 1)
	} else {
		atomic.AddUint64(&c.TxUnicast, 1)
	}
}

// TxLoop is the ECMTx half of the NIC-to-stack glue: it blocks draining
// outbound frames from the link endpoint and transmits each over the
// current CPU's TX queue, the same drain-and-frame loop
// imx6/usb/ethernet/cdc_ecm.go's ECMTx runs per USB IN token, generalized
// here to run continuously against a virtqueue instead of being invoked per
// USB poll.
func (d *Device) TxLoop() {
	for {
		info, ok := d.Link.Read()

		if !ok {
			return
		}

		frame := d.buildFrame(info)

		if err := d.lowLevelOutput(d.CurrentCPU(), frame); err != nil {
			log.Printf("virtionet: tx dropped: %v", err)
		}
	}
}

// buildFrame reconstructs the Ethernet frame for a packet read off the link
// endpoint, mirroring cdc_ecm.ECMTx's header+payload concatenation.
func (d *Device) buildFrame(info channel.PacketInfo) []byte {
	hdr := info.Pkt.Header.View()
	payload := info.Pkt.Data.ToView()

	proto := make([]byte, 2)
	binary.BigEndian.PutUint16(proto, uint16(info.Proto))

	frame := make([]byte, 0, 14+len(hdr)+len(payload))
	frame = append(frame, d.Host...)
	frame = append(frame, d.Self...)
	frame = append(frame, proto...)
	frame = append(frame, hdr...)
	frame = append(frame, payload...)

	return frame
}

// lowLevelOutput implements 4.5.2: it selects the CPU's TX queue, prepends
// a zeroed virtio_net_hdr to a fresh copy of the frame, and commits the resulting buffer with a
// completion callback that updates the interface counters once the device
// has consumed it.
func (d *Device) lowLevelOutput(cpu int, frame []byte) error {
	vq, ok := d.txqMap[cpu]

	if !ok {
		vq, ok = d.txqMap[0]
	}

	if !ok {
		return errNoTxQueue
	}

	buf := make([]byte, d.netHeaderLen+len(frame))
	copy(buf[d.netHeaderLen:], frame)

	vq.Commit(buf, func(length int, data []byte) {
		d.Counters.record(frame)
	})

	d.Transport.QueueNotify(d.txQueueIndex(vq))

	if vq.Polling {
		vq.Reap()
	}

	return nil
}

func (d *Device) txQueueIndex(target *virtio.VirtualQueue) int {
	for i, q := range d.queues {
		if q.VQ == target {
			return i
		}
	}

	return 0
}
