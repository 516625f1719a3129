// VirtIO network driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package virtionet implements a multi-queue driver for the VirtIO network
// device (VirtIO - Version 1.2, section 5.1), feeding received frames into,
// and draining transmitted frames from, a gVisor network stack through a
// channel.Endpoint link — the same NIC-to-stack glue
// imx6/usb/ethernet/cdc_ecm.go uses for its own Ethernet-over-USB device,
// generalized here from USB endpoint functions to virtqueue completion
// callbacks.
package virtionet

import (
	"errors"
	"log"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip/link/channel"

	"github.com/vios-project/vios/kvm/virtio"
)

// DeviceID is the VirtIO subsystem device ID for network cards.
const DeviceID = 1

// Feature bits (VirtIO - Version 1.2, section 5.1.3).
const (
	featCSUM      = 0
	featGuestCSUM = 1
	featMAC       = 5
	featMRGRxbuf  = 15
	featCtrlVQ    = 17
	featMQ        = 22
	featAnyLayout = 27
	featEventIdx  = 29
)

// driverFeatures is the feature set negotiated over the modern (PCI common
// config) transport.
const driverFeatures = 1<<featMAC | 1<<featAnyLayout | 1<<featEventIdx | 1<<featCtrlVQ | 1<<featMQ

// legacyDriverFeatures is the feature set negotiated over a legacy
// transport, which does not implement the MMIO/common-config queue
// selection this driver uses for CTRL_VQ/MQ, per 4.5.1's "MMIO variant
// negotiates only MAC".
const legacyDriverFeatures = 1 << featMAC

// Network device configuration layout (VirtIO - Version 1.2, section 5.1.4).
const (
	configMAC           = 0x00
	configStatus        = 0x06
	configMaxVQPairs    = 0x08
	configMinConfigSize = 0x0a
)

// rxQueueEntries is the number of descriptors seeded into each receive
// queue at attach time.
const rxQueueEntries = 64

// txQueueEntries is the number of descriptors allocated for each transmit
// queue.
const txQueueEntries = 64

// ctrlQueueEntries is the number of descriptors allocated for the
// control queue, sized for the largest command this driver issues
// (CTRL_MQ/MQ_VQ_PAIRS_SET, a single in-flight command at a time).
const ctrlQueueEntries = 8

// Queue carries a split virtqueue together with the CPU affinity it was
// set up for.
type Queue struct {
	VQ  *virtio.VirtualQueue
	CPU int
}

// Device is a probed and attached VirtIO network device. A Device owns one
// or more RX/TX queue pairs, an optional control queue (when CTRL_VQ/MQ
// negotiate), a receive buffer pool, and a gVisor channel.Endpoint that
// bridges frames to/from the network stack.
type Device struct {
	Transport virtio.VirtIO

	// Host is the MAC address presented to the network stack as the
	// remote/peer address, mirroring cdc_ecm.NIC.Host.
	Host net.HardwareAddr
	// Self is the device's own MAC address, read from the device
	// configuration space at attach time.
	Self net.HardwareAddr

	// Link is the gVisor channel endpoint frames are injected into
	// (RX) and drained from (TX).
	Link *channel.Endpoint

	// CurrentCPU resolves the CPU a transmit call is running on, used
	// to select the per-CPU TX queue. Defaults to a single-CPU
	// constant function: this driver core does not itself model SMP
	// bring-up (see amd64.CPU), so embedders running on more than the
	// Bootstrap Processor must supply their own.
	CurrentCPU func() int

	netHeaderLen int
	rxbuflen     int

	vqPairs        int
	queues         []Queue
	txqMap         map[int]*virtio.VirtualQueue
	ctrlVQ         *virtio.VirtualQueue
	ctrlQueueIndex int

	pool *bufferPool

	// Counters accumulates per-interface transmit statistics (4.5.2).
	Counters Counters
}

// New creates an unattached network device over the given VirtIO transport.
func New(transport virtio.VirtIO, host net.HardwareAddr) *Device {
	return &Device{
		Transport:  transport,
		Host:       host,
		Link:       channel.New(rxQueueEntries, 1514, ""),
		CurrentCPU: func() int { return 0 },
	}
}

// Attach negotiates features, reads the device MAC, sizes the receive
// buffer pool, sets up the RX/TX queue pairs (and control queue, when
// negotiated), seeds the receive queues, and — when multiqueue is active —
// requests the device activate the negotiated queue pair count.
//
// ncpu is the number of CPUs mapped onto the TX queues; it also bounds the
// queue pair count when the device offers MQ.
func (d *Device) Attach(ncpu int) error {
	_, legacy := d.Transport.(*virtio.LegacyPCI)

	features := driverFeatures

	if legacy {
		features = legacyDriverFeatures
	}

	if err := d.Transport.Init(uint64(features)); err != nil {
		return err
	}

	negotiated := d.Transport.NegotiatedFeatures()

	if negotiated&(1<<featMAC) == 0 {
		return errors.New("virtionet: device did not offer a MAC address")
	}

	config := d.Transport.Config(configMinConfigSize)
	d.Self = net.HardwareAddr(config[configMAC : configMAC+6])

	if negotiated&(1<<featMRGRxbuf) != 0 {
		d.netHeaderLen = 12
	} else {
		d.netHeaderLen = 10
	}

	d.rxbuflen = ceil8(d.netHeaderLen + 14 + 4 + 1500)
	d.pool = newBufferPool(d.rxbuflen)
	go d.watchMemoryPressure()

	vqPairs := 1

	if negotiated&(1<<featMQ) != 0 {
		maxPairs := int(le16(config, configMaxVQPairs))

		if maxPairs < 1 {
			maxPairs = 1
		}

		vqPairs = min(maxPairs, ncpu)

		if vqPairs < 1 {
			vqPairs = 1
		}
	}

	d.vqPairs = vqPairs
	d.txqMap = make(map[int]*virtio.VirtualQueue)

	shares := distributeCPUs(ncpu, vqPairs)
	cpu := 0

	for pair := 0; pair < vqPairs; pair++ {
		share := shares[pair]

		rxIndex := pair * 2
		txIndex := pair*2 + 1

		rxq := &virtio.VirtualQueue{}
		rxq.Init(rxQueueEntries, d.rxbuflen, virtio.Write)
		d.Transport.SetQueue(rxIndex, rxq)

		txq := &virtio.VirtualQueue{}
		txq.Init(txQueueEntries, d.rxbuflen, 0)
		txq.Polling = true
		d.Transport.SetQueue(txIndex, txq)

		d.queues = append(d.queues, Queue{VQ: rxq, CPU: cpu})
		d.queues = append(d.queues, Queue{VQ: txq, CPU: cpu})

		for i := 0; i < share && cpu < ncpu; i++ {
			d.txqMap[cpu] = txq
			cpu++
		}

		d.postReceiveBatch(rxq)
	}

	// assign any CPU the distribution left uncovered (ncpu < vqPairs)
	// to the first pair's TX queue.
	for ; cpu < ncpu; cpu++ {
		d.txqMap[cpu] = d.queues[1].VQ
	}

	if negotiated&(1<<featCtrlVQ) != 0 {
		ctrlIndex := vqPairs * 2
		ctrlVQ := &virtio.VirtualQueue{}
		ctrlVQ.Init(ctrlQueueEntries, ctrlCmdSize, 0)
		d.Transport.SetQueue(ctrlIndex, ctrlVQ)
		d.ctrlVQ = ctrlVQ
		d.ctrlQueueIndex = ctrlIndex
	}

	d.Transport.SetReady()

	if d.ctrlVQ != nil && negotiated&(1<<featMQ) != 0 {
		done := make(chan error, 1)

		d.SetVQPairs(uint16(vqPairs), func(err error) {
			done <- err
		})

		if err := <-done; err != nil {
			log.Printf("virtionet: CTRL_MQ_VQ_PAIRS_SET failed: %v", err)
			return err
		}
	}

	return nil
}

// distributeCPUs implements 4.5.1's CPU distribution: ncpu CPUs spread
// evenly across vqPairs queue pairs, with the first (ncpu mod vqPairs)
// pairs taking one extra CPU. The returned slice has length vqPairs.
func distributeCPUs(ncpu, vqPairs int) []int {
	if vqPairs <= 0 {
		return nil
	}

	shares := make([]int, vqPairs)
	base := ncpu / vqPairs
	extra := ncpu % vqPairs

	for pair := range shares {
		shares[pair] = base

		if pair < extra {
			shares[pair]++
		}
	}

	return shares
}

// ceil8 rounds n up to the next multiple of 8.
func ceil8(n int) int {
	return (n + 7) &^ 7
}

func le16(buf []byte, off int) uint16 {
	return uint16(buf[off]) | uint16(buf[off+1])<<8
}
