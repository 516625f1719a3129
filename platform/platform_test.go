// PCI platform services
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package platform

import (
	"testing"

	"github.com/vios-project/vios/soc/intel/ioapic"
)

// NewLAPICRouter and AllocateVector/Free never touch the Local/I-O APIC
// registers unless a GSI is involved, so their bookkeeping is exercised here
// directly; RegisterGSI and MSIMessage require real MMIO and are left to
// hardware testing, matching the rest of this corpus's register-backed
// packages.

func TestAllocateVectorSequential(t *testing.T) {
	r := NewLAPICRouter(nil, nil)

	v1, err := r.AllocateVector(func(int) {})

	if err != nil {
		t.Fatalf("AllocateVector() error = %v", err)
	}

	if v1 != ioapic.MinVector {
		t.Errorf("first vector = %d, want %d", v1, ioapic.MinVector)
	}

	v2, err := r.AllocateVector(func(int) {})

	if err != nil {
		t.Fatalf("AllocateVector() error = %v", err)
	}

	if v2 != v1+1 {
		t.Errorf("second vector = %d, want %d", v2, v1+1)
	}
}

func TestAllocateVectorExhaustion(t *testing.T) {
	r := NewLAPICRouter(nil, nil)
	r.next = ioapic.MaxVector

	if _, err := r.AllocateVector(func(int) {}); err != nil {
		t.Fatalf("AllocateVector() at MaxVector error = %v", err)
	}

	if _, err := r.AllocateVector(func(int) {}); err == nil {
		t.Errorf("AllocateVector() past MaxVector: want error, got nil")
	}
}

func TestFreeRemovesHandler(t *testing.T) {
	r := NewLAPICRouter(nil, nil)

	v, err := r.AllocateVector(func(int) {})

	if err != nil {
		t.Fatalf("AllocateVector() error = %v", err)
	}

	r.Free(v)

	if _, ok := r.handlers[v]; ok {
		t.Errorf("Free() left handler registered for vector %d", v)
	}
}

func TestIoapicForNoCoverage(t *testing.T) {
	r := NewLAPICRouter(nil, nil)

	if io := r.ioapicFor(16); io != nil {
		t.Errorf("ioapicFor() with no IOAPICs = %v, want nil", io)
	}
}
