// Copyright 2024 The Monitor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hwface is the monitor's hardware façade: the only place where
// privileged register writes happen. Every other package issues symbolic
// calls against the Registers interface instead of poking hardware
// directly, the same separation sm/arch/memory.h draws between the monitor
// core and the platform CSR layer.
//
// The struct-per-device-with-typed-setters shape here is grounded on how
// register-mapped hardware drivers are written in Go (e.g. a TZASC or DMA
// controller driver): a handle holding the device's configuration plus
// methods that translate a logical operation into the writes it implies.
package hwface

import "github.com/enclavesm/monitor/internal/arch"

// Registers is the monitor's view of the translation/cache/DMA hardware. A
// production build backs this with real CSR writes; tests and the
// demonstration CLI use the Simulated implementation.
type Registers interface {
	// SetOSRegionBitmap programs which regions the OS's page-table walker
	// is permitted to resolve, mirroring set_drb_map(g_os_region_bitmap).
	SetOSRegionBitmap(bitmap arch.Bitmap)

	// SetEnclaveRegionBitmap programs the currently-running enclave's
	// region bitmap (set_edrb_map), and is only meaningful while an
	// enclave thread is entered on this core.
	SetEnclaveRegionBitmap(bitmap arch.Bitmap)

	// SetEVRange programs the enclave-virtual address fence
	// (set_ev_base/set_ev_mask).
	SetEVRange(base, mask uintptr)

	// SetEPARRange programs the enclave protected address range
	// (set_epar_base/set_epar_mask).
	SetEPARRange(base arch.PhysAddr, mask uintptr)

	// SetEPTBR programs the enclave page-table base register. The top
	// nibble carries the translation mode, the low 44 bits the PPN, per
	// Section 4.5.
	SetEPTBR(mode uint8, ppn uint64)

	// SetDMARange programs the DMA master's allowed physical window.
	// The hardware register stores the mask in negated form.
	SetDMARange(base arch.PhysAddr, mask uintptr)

	// SetCacheIndexShift configures which physical address bits the LLC
	// uses to select a cache set, which is what makes contiguous regions
	// cache-color-aligned without the monitor scattering region bytes in
	// software.
	SetCacheIndexShift(shift uint)

	// FlushTLB flushes the calling core's translation caches.
	FlushTLB()
}

// EPTBREncode packs a translation mode and a page-table physical address
// into the EPTBR register layout: top nibble is the mode, low 44 bits are
// the page-table's page number (PPN).
func EPTBREncode(mode uint8, pageTableAddr arch.PhysAddr, pageShift uint) uint64 {
	ppn := uint64(pageTableAddr) >> pageShift
	return uint64(mode&0xF)<<60 | (ppn & (1<<44 - 1))
}
