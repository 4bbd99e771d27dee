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

package metadata

import (
	"testing"

	"github.com/enclavesm/monitor/internal/arch"
	"github.com/enclavesm/monitor/internal/dram"
	"github.com/enclavesm/monitor/internal/hwface"
	"github.com/enclavesm/monitor/internal/region"
	"github.com/enclavesm/monitor/internal/result"
)

const mailboxMessageSize = 256

func testLayout() arch.Layout {
	return arch.NewLayout(12, 0x80000000, 1<<31, 64, 32768, 3)
}

func newManager(t *testing.T) (*Manager, arch.Layout) {
	t.Helper()
	l := testLayout()
	arena := dram.New(l)
	regs := hwface.NewSimulated(nil)
	rm := region.New(l, arena, regs, 1)
	return New(rm), l
}

func TestCreateEnclaveAndLockRoundTrip(t *testing.T) {
	m, l := newManager(t)

	if code := m.InitMetadataRegion(1); code != result.Ok {
		t.Fatalf("InitMetadataRegion = %v, want Ok", code)
	}

	enclaveID := l.RegionStart(1)
	if code := m.CreateEnclave(enclaveID, 0x1000, 0xFFF, 2, mailboxMessageSize, false); code != result.Ok {
		t.Fatalf("CreateEnclave = %v, want Ok", code)
	}

	ei, code := m.LockEnclave(enclaveID)
	if code != result.Ok {
		t.Fatalf("LockEnclave = %v, want Ok", code)
	}
	if ei.MailboxCount != 2 {
		t.Fatalf("MailboxCount = %d, want 2", ei.MailboxCount)
	}
	if ei.IsInitialized {
		t.Fatal("freshly created enclave must not be initialized")
	}

	if _, code := m.LockEnclave(enclaveID); code != result.ConcurrentCall {
		t.Fatalf("LockEnclave while already locked = %v, want ConcurrentCall", code)
	}
	m.UnlockEnclave(ei)

	if _, code := m.LockEnclave(enclaveID); code != result.Ok {
		t.Fatalf("LockEnclave after unlock = %v, want Ok", code)
	}
}

func TestCreateEnclaveRejectsInvalidRange(t *testing.T) {
	m, l := newManager(t)
	if code := m.InitMetadataRegion(1); code != result.Ok {
		t.Fatalf("InitMetadataRegion = %v, want Ok", code)
	}
	enclaveID := l.RegionStart(1)

	if code := m.CreateEnclave(enclaveID, 0x1001, 0xFFF, 1, mailboxMessageSize, false); code != result.InvalidValue {
		t.Fatalf("CreateEnclave with misaligned ev_base = %v, want InvalidValue", code)
	}
	if code := m.CreateEnclave(enclaveID, 0x1000, 0xFFE, 1, mailboxMessageSize, false); code != result.InvalidValue {
		t.Fatalf("CreateEnclave with non-range mask = %v, want InvalidValue", code)
	}
}

func TestAssignThreadRequiresInitialized(t *testing.T) {
	m, l := newManager(t)
	if code := m.InitMetadataRegion(1); code != result.Ok {
		t.Fatalf("InitMetadataRegion = %v, want Ok", code)
	}
	enclaveID := l.RegionStart(1)
	if code := m.CreateEnclave(enclaveID, 0x1000, 0xFFF, 1, mailboxMessageSize, false); code != result.Ok {
		t.Fatalf("CreateEnclave = %v, want Ok", code)
	}

	threadID := enclaveID + arch.PhysAddr(l.PageSize()*64)
	if code := m.AssignThread(enclaveID, threadID); code != result.InvalidState {
		t.Fatalf("AssignThread before init = %v, want InvalidState", code)
	}

	ei, code := m.LockEnclave(enclaveID)
	if code != result.Ok {
		t.Fatalf("LockEnclave = %v, want Ok", code)
	}
	ei.IsInitialized = true
	m.UnlockEnclave(ei)

	if code := m.AssignThread(enclaveID, threadID); code != result.Ok {
		t.Fatalf("AssignThread after init = %v, want Ok", code)
	}
}

func TestLoadThreadRequiresUninitializedAndPageTable(t *testing.T) {
	m, l := newManager(t)
	if code := m.InitMetadataRegion(1); code != result.Ok {
		t.Fatalf("InitMetadataRegion = %v, want Ok", code)
	}
	enclaveID := l.RegionStart(1)
	if code := m.CreateEnclave(enclaveID, 0x1000, 0xFFF, 1, mailboxMessageSize, false); code != result.Ok {
		t.Fatalf("CreateEnclave = %v, want Ok", code)
	}
	threadID := enclaveID + arch.PhysAddr(l.PageSize()*64)

	if code := m.LoadThread(enclaveID, threadID, 0x1000, 0x2000, 0x3000, 0x4000); code != result.InvalidState {
		t.Fatalf("LoadThread before a page table is loaded = %v, want InvalidState", code)
	}

	ei, code := m.LockEnclave(enclaveID)
	if code != result.Ok {
		t.Fatalf("LockEnclave = %v, want Ok", code)
	}
	ei.LoadEPTBR = 0x80100000
	m.UnlockEnclave(ei)

	if code := m.LoadThread(enclaveID, threadID, 0x1000, 0x2000, 0x3000, 0x4000); code != result.Ok {
		t.Fatalf("LoadThread = %v, want Ok", code)
	}
	ti := m.LookupThread(threadID)
	if ti == nil {
		t.Fatal("LookupThread returned nil after LoadThread")
	}
	if ti.EPTBR != 0x80100000 {
		t.Fatalf("ThreadInfo.EPTBR = %#x, want %#x", ti.EPTBR, 0x80100000)
	}
}

func TestReserveMetadataPagesRejectsDoubleAllocation(t *testing.T) {
	m, l := newManager(t)
	if code := m.InitMetadataRegion(1); code != result.Ok {
		t.Fatalf("InitMetadataRegion = %v, want Ok", code)
	}
	addr := l.RegionStart(1)
	const owner = region.Owner(0x80100000)

	if code := m.ReserveMetadataPages(addr, 1, owner, PageEnclave); code != result.Ok {
		t.Fatalf("first ReserveMetadataPages = %v, want Ok", code)
	}
	if code := m.ReserveMetadataPages(addr, 1, owner, PageEnclave); code != result.InvalidState {
		t.Fatalf("second ReserveMetadataPages over the same page = %v, want InvalidState", code)
	}
}
