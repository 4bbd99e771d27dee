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

package region

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/enclavesm/monitor/internal/arch"
	"github.com/enclavesm/monitor/internal/dram"
	"github.com/enclavesm/monitor/internal/hwface"
	"github.com/enclavesm/monitor/internal/result"
)

func testLayout() arch.Layout {
	return arch.NewLayout(12, 0x80000000, 1<<31, 64, 32768, 3)
}

func newManager(coreCount int) *Manager {
	l := testLayout()
	arena := dram.New(l)
	regs := hwface.NewSimulated(nil)
	return New(l, arena, regs, coreCount)
}

func TestAssignBlockFlushFreeRoundTrip(t *testing.T) {
	m := newManager(1)
	const enclave Owner = 0x80100000

	if state := m.DRAMRegionState(1); state != StateFree {
		t.Fatalf("initial state = %v, want StateFree", state)
	}

	if code := m.AssignDRAMRegion(1, enclave); code != result.Ok {
		t.Fatalf("AssignDRAMRegion = %v, want Ok", code)
	}
	if owner, code := m.DRAMRegionOwner(1); code != result.Ok || owner != enclave {
		t.Fatalf("DRAMRegionOwner = (%v, %v), want (%v, Ok)", owner, code, enclave)
	}

	if code := m.AssignDRAMRegion(1, enclave); code != result.InvalidState {
		t.Fatalf("re-assigning an already-assigned region = %v, want InvalidState", code)
	}

	if code := m.BlockDRAMRegion(1, enclave); code != result.Ok {
		t.Fatalf("BlockDRAMRegion = %v, want Ok", code)
	}
	if state := m.DRAMRegionState(1); state != StateBlocked {
		t.Fatalf("state after block = %v, want StateBlocked", state)
	}

	if code := m.FreeDRAMRegion(1); code != result.InvalidState {
		t.Fatalf("FreeDRAMRegion before flush = %v, want InvalidState", code)
	}

	if code := m.FlushCachedDRAMRegions(0); code != result.Ok {
		t.Fatalf("FlushCachedDRAMRegions = %v, want Ok", code)
	}

	if code := m.FreeDRAMRegion(1); code != result.Ok {
		t.Fatalf("FreeDRAMRegion after flush = %v, want Ok", code)
	}
	if state := m.DRAMRegionState(1); state != StateFree {
		t.Fatalf("state after free = %v, want StateFree", state)
	}
}

func TestFreeRequiresEveryCoreToFlush(t *testing.T) {
	m := newManager(2)
	const enclave Owner = 0x80100000

	if code := m.AssignDRAMRegion(1, enclave); code != result.Ok {
		t.Fatalf("AssignDRAMRegion = %v, want Ok", code)
	}
	if code := m.BlockDRAMRegion(1, enclave); code != result.Ok {
		t.Fatalf("BlockDRAMRegion = %v, want Ok", code)
	}

	if code := m.FlushCachedDRAMRegions(0); code != result.Ok {
		t.Fatalf("flush core 0 = %v, want Ok", code)
	}
	if code := m.FreeDRAMRegion(1); code != result.InvalidState {
		t.Fatalf("FreeDRAMRegion with one core unflushed = %v, want InvalidState", code)
	}

	if code := m.FlushCachedDRAMRegions(1); code != result.Ok {
		t.Fatalf("flush core 1 = %v, want Ok", code)
	}
	if code := m.FreeDRAMRegion(1); code != result.Ok {
		t.Fatalf("FreeDRAMRegion after both cores flushed = %v, want Ok", code)
	}
}

func TestRegionZeroCannotBeAssignedOrBlocked(t *testing.T) {
	m := newManager(1)
	if code := m.AssignDRAMRegion(0, Owner(0x80100000)); code != result.InvalidValue {
		t.Fatalf("AssignDRAMRegion(0, ...) = %v, want InvalidValue", code)
	}
	if code := m.BlockDRAMRegion(0, OwnerOS); code != result.InvalidValue {
		t.Fatalf("BlockDRAMRegion(0, ...) = %v, want InvalidValue", code)
	}
}

func TestConcurrentAssignOnlyOneWins(t *testing.T) {
	m := newManager(1)
	const n = 16

	var g errgroup.Group
	results := make([]result.Code, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			results[i] = m.AssignDRAMRegion(1, Owner(uintptr(0x80100000+i)))
			return nil
		})
	}
	_ = g.Wait()

	oks := 0
	for _, c := range results {
		if c == result.Ok {
			oks++
		}
	}
	if oks != 1 {
		t.Fatalf("%d callers observed Ok, want exactly 1", oks)
	}
}

func TestSetDMARangeRejectsEnclaveOwnedOverlap(t *testing.T) {
	m := newManager(1)
	l := testLayout()
	const enclave Owner = 0x80100000

	if code := m.AssignDRAMRegion(1, enclave); code != result.Ok {
		t.Fatalf("AssignDRAMRegion = %v, want Ok", code)
	}

	regionOneStart := l.RegionStart(1)
	if code := m.SetDMARange(regionOneStart, l.StripeSize-1); code != result.AccessDenied {
		t.Fatalf("SetDMARange over enclave-owned region = %v, want AccessDenied", code)
	}

	if code := m.AssignDRAMRegion(2, OwnerOS); code != result.Ok {
		t.Fatalf("AssignDRAMRegion(2, OwnerOS) = %v, want Ok", code)
	}
	regionTwoStart := l.RegionStart(2)
	if code := m.SetDMARange(regionTwoStart, l.StripeSize-1); code != result.Ok {
		t.Fatalf("SetDMARange over OS-owned region = %v, want Ok", code)
	}
}

func TestDRAMRegionCheckOwnership(t *testing.T) {
	m := newManager(1)
	const enclave Owner = 0x80100000

	if code := m.AssignDRAMRegion(1, enclave); code != result.Ok {
		t.Fatalf("AssignDRAMRegion = %v, want Ok", code)
	}
	if ok, code := m.DRAMRegionCheckOwnership(1, enclave); code != result.Ok || !ok {
		t.Fatalf("DRAMRegionCheckOwnership = (%v, %v), want (true, Ok)", ok, code)
	}
	if ok, code := m.DRAMRegionCheckOwnership(1, OwnerOS); code != result.Ok || ok {
		t.Fatalf("DRAMRegionCheckOwnership(wrong owner) = (%v, %v), want (false, Ok)", ok, code)
	}
}
