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

package enclave

import (
	"testing"

	"github.com/enclavesm/monitor/internal/arch"
	"github.com/enclavesm/monitor/internal/dram"
	"github.com/enclavesm/monitor/internal/hwface"
	"github.com/enclavesm/monitor/internal/metadata"
	"github.com/enclavesm/monitor/internal/region"
	"github.com/enclavesm/monitor/internal/result"
)

const (
	mailboxMessageSize = 256
	testEVBase         = 0x40000000
	testEVMask         = 0x0FFFFFFF
)

func testLayout() arch.Layout {
	return arch.NewLayout(12, 0x80000000, 1<<31, 64, 32768, 3)
}

func newEngine(t *testing.T, coreCount int) (*Engine, *metadata.Manager, arch.Layout) {
	t.Helper()
	l := testLayout()
	arena := dram.New(l)
	regs := hwface.NewSimulated(nil)
	rm := region.New(l, arena, regs, coreCount)
	md := metadata.New(rm)
	return New(md, regs, coreCount, nil), md, l
}

// loadedEnclave runs every staging call a minimal single-thread, single-page
// enclave needs, mirroring the steps cmd/smctl's demo command drives against
// a full Monitor, but directly against the engine and metadata manager.
type loadedEnclave struct {
	id       arch.PhysAddr
	threadID arch.PhysAddr
}

func buildEnclave(t *testing.T, e *Engine, md *metadata.Manager, l arch.Layout, metadataRegion, dataRegion uintptr, debug bool) loadedEnclave {
	t.Helper()

	if code := md.InitMetadataRegion(metadataRegion); code != result.Ok {
		t.Fatalf("InitMetadataRegion(%d) = %v, want Ok", metadataRegion, code)
	}
	enclaveID := l.RegionStart(metadataRegion)
	if code := md.CreateEnclave(enclaveID, testEVBase, testEVMask, 1, mailboxMessageSize, debug); code != result.Ok {
		t.Fatalf("CreateEnclave = %v, want Ok", code)
	}
	if code := md.Regions().AssignDRAMRegion(dataRegion, region.Owner(enclaveID)); code != result.Ok {
		t.Fatalf("AssignDRAMRegion(%d) = %v, want Ok", dataRegion, code)
	}

	tableSize := l.PageTableSize(0)
	base := l.RegionStart(dataRegion)
	root := base
	level1 := root + arch.PhysAddr(tableSize)
	level0 := level1 + arch.PhysAddr(tableSize)
	page := level0 + arch.PhysAddr(tableSize)
	osPage := l.RegionStart(0)

	if code := e.LoadPageTable(enclaveID, root, 0, l.PageTableLevels-1, 0xF); code != result.Ok {
		t.Fatalf("LoadPageTable(top) = %v, want Ok", code)
	}
	if code := e.LoadPageTable(enclaveID, level1, testEVBase, 1, 0xF); code != result.Ok {
		t.Fatalf("LoadPageTable(1) = %v, want Ok", code)
	}
	if code := e.LoadPageTable(enclaveID, level0, testEVBase, 0, 0xF); code != result.Ok {
		t.Fatalf("LoadPageTable(0) = %v, want Ok", code)
	}
	if code := e.LoadPage(enclaveID, page, testEVBase, osPage, 0x7); code != result.Ok {
		t.Fatalf("LoadPage = %v, want Ok", code)
	}

	pages := md.EnclaveInfoPages(1, mailboxMessageSize)
	threadID := enclaveID + arch.PhysAddr(pages)*arch.PhysAddr(l.PageSize())
	if code := md.LoadThread(enclaveID, threadID, testEVBase, testEVBase+uintptr(l.PageSize()), 0, 0); code != result.Ok {
		t.Fatalf("LoadThread = %v, want Ok", code)
	}
	if code := e.InitEnclave(enclaveID); code != result.Ok {
		t.Fatalf("InitEnclave = %v, want Ok", code)
	}

	return loadedEnclave{id: enclaveID, threadID: threadID}
}

func TestEnterExitEnclaveRoundTrip(t *testing.T) {
	e, md, l := newEngine(t, 1)
	enc := buildEnclave(t, e, md, l, 1, 4, false)

	if owner, code := e.CurrentEnclave(0); code != result.Ok || owner != region.OwnerOS {
		t.Fatalf("CurrentEnclave before enter = (%v, %v), want (OwnerOS, Ok)", owner, code)
	}

	ti, code := e.EnterEnclave(0, enc.id, enc.threadID)
	if code != result.Ok {
		t.Fatalf("EnterEnclave = %v, want Ok", code)
	}
	if ti == nil {
		t.Fatal("EnterEnclave returned a nil ThreadInfo on Ok")
	}
	if owner, code := e.CurrentEnclave(0); code != result.Ok || owner != region.Owner(enc.id) {
		t.Fatalf("CurrentEnclave during run = (%v, %v), want (%v, Ok)", owner, code, enc.id)
	}

	if code := e.ExitEnclave(0); code != result.Ok {
		t.Fatalf("ExitEnclave = %v, want Ok", code)
	}
	if owner, code := e.CurrentEnclave(0); code != result.Ok || owner != region.OwnerOS {
		t.Fatalf("CurrentEnclave after exit = (%v, %v), want (OwnerOS, Ok)", owner, code)
	}
}

func TestEnterEnclaveRejectsThreadOwnedByAnotherEnclave(t *testing.T) {
	e, md, l := newEngine(t, 1)
	a := buildEnclave(t, e, md, l, 1, 4, false)
	b := buildEnclave(t, e, md, l, 2, 5, false)

	if _, code := e.EnterEnclave(0, a.id, b.threadID); code != result.InvalidValue {
		t.Fatalf("EnterEnclave(A, B's thread) = %v, want InvalidValue", code)
	}
}

func TestMeasurementIsDeterministicAcrossIdenticalLoads(t *testing.T) {
	e1, md1, l1 := newEngine(t, 1)
	e2, md2, l2 := newEngine(t, 1)

	a := buildEnclave(t, e1, md1, l1, 1, 4, false)
	b := buildEnclave(t, e2, md2, l2, 1, 4, false)

	hashA, code := e1.metadataHashValue(a.id)
	if code != result.Ok {
		t.Fatalf("hash lookup A = %v, want Ok", code)
	}
	hashB, code := e2.metadataHashValue(b.id)
	if code != result.Ok {
		t.Fatalf("hash lookup B = %v, want Ok", code)
	}
	if hashA != hashB {
		t.Fatalf("identical load sequences produced different measurements: %x != %x", hashA, hashB)
	}
}

func TestDebugAndProductionEnclavesDiverge(t *testing.T) {
	e1, md1, l1 := newEngine(t, 1)
	e2, md2, l2 := newEngine(t, 1)

	prod := buildEnclave(t, e1, md1, l1, 1, 4, false)
	dbg := buildEnclave(t, e2, md2, l2, 1, 4, true)

	hashProd, code := e1.metadataHashValue(prod.id)
	if code != result.Ok {
		t.Fatalf("hash lookup prod = %v, want Ok", code)
	}
	hashDbg, code := e2.metadataHashValue(dbg.id)
	if code != result.Ok {
		t.Fatalf("hash lookup debug = %v, want Ok", code)
	}
	if hashProd == hashDbg {
		t.Fatal("a debug enclave's loaded pages are copyable by the OS and must not measure the same as an equivalent production enclave")
	}
}

func TestCopyDebugEnclavePageRequiresDebug(t *testing.T) {
	e, md, l := newEngine(t, 1)
	prod := buildEnclave(t, e, md, l, 1, 4, false)

	osPage := l.RegionStart(0)
	if code := e.CopyDebugEnclavePage(prod.id, l.RegionStart(4), osPage, true); code != result.InvalidState {
		t.Fatalf("CopyDebugEnclavePage on a production enclave = %v, want InvalidState", code)
	}
}

func TestMailboxSendAcceptReadRoundTrip(t *testing.T) {
	e, md, l := newEngine(t, 1)
	a := buildEnclave(t, e, md, l, 1, 4, false)
	b := buildEnclave(t, e, md, l, 2, 5, false)

	hashA, code := e.metadataHashValue(a.id)
	if code != result.Ok {
		t.Fatalf("hash lookup A = %v, want Ok", code)
	}

	if _, code := e.EnterEnclave(0, b.id, b.threadID); code != result.Ok {
		t.Fatalf("EnterEnclave(B) = %v, want Ok", code)
	}
	if code := e.AcceptMessage(0, 0, region.Owner(a.id), hashA); code != result.Ok {
		t.Fatalf("AcceptMessage = %v, want Ok", code)
	}
	if code := e.ExitEnclave(0); code != result.Ok {
		t.Fatalf("ExitEnclave = %v, want Ok", code)
	}

	if _, code := e.EnterEnclave(0, a.id, a.threadID); code != result.Ok {
		t.Fatalf("EnterEnclave(A) = %v, want Ok", code)
	}
	want := []byte("hello, B")
	if code := e.SendMessage(0, b.id, 0, want); code != result.Ok {
		t.Fatalf("SendMessage = %v, want Ok", code)
	}
	if code := e.ExitEnclave(0); code != result.Ok {
		t.Fatalf("ExitEnclave = %v, want Ok", code)
	}

	if _, code := e.EnterEnclave(0, b.id, b.threadID); code != result.Ok {
		t.Fatalf("EnterEnclave(B) = %v, want Ok", code)
	}
	got, code := e.ReadMessage(0, 0)
	if code != result.Ok {
		t.Fatalf("ReadMessage = %v, want Ok", code)
	}
	wantBox := make([]byte, mailboxMessageSize)
	copy(wantBox, want)
	if string(got) != string(wantBox) {
		t.Fatalf("ReadMessage = %q, want %q padded to %d bytes", got, want, mailboxMessageSize)
	}
	if _, code := e.ReadMessage(0, 0); code != result.InvalidState {
		t.Fatalf("ReadMessage on an already-drained mailbox = %v, want InvalidState", code)
	}
}

func TestSendMessageRejectsUnexpectedSender(t *testing.T) {
	e, md, l := newEngine(t, 1)
	a := buildEnclave(t, e, md, l, 1, 4, false)
	b := buildEnclave(t, e, md, l, 2, 5, false)
	c := buildEnclave(t, e, md, l, 3, 6, false)

	hashA, code := e.metadataHashValue(a.id)
	if code != result.Ok {
		t.Fatalf("hash lookup A = %v, want Ok", code)
	}

	if _, code := e.EnterEnclave(0, b.id, b.threadID); code != result.Ok {
		t.Fatalf("EnterEnclave(B) = %v, want Ok", code)
	}
	if code := e.AcceptMessage(0, 0, region.Owner(a.id), hashA); code != result.Ok {
		t.Fatalf("AcceptMessage = %v, want Ok", code)
	}
	if code := e.ExitEnclave(0); code != result.Ok {
		t.Fatalf("ExitEnclave = %v, want Ok", code)
	}

	if _, code := e.EnterEnclave(0, c.id, c.threadID); code != result.Ok {
		t.Fatalf("EnterEnclave(C) = %v, want Ok", code)
	}
	if code := e.SendMessage(0, b.id, 0, []byte("impersonating A")); code != result.AccessDenied {
		t.Fatalf("SendMessage from an unexpected sender = %v, want AccessDenied", code)
	}
}

// metadataHashValue is a small test helper reaching into the metadata
// manager for an initialized enclave's finalized measurement, standing in
// for the accessor internal/monitor exposes over the real call surface.
func (e *Engine) metadataHashValue(enclaveID arch.PhysAddr) ([64]byte, result.Code) {
	ei, code := e.metadata.LockEnclave(enclaveID)
	if code != result.Ok {
		return [64]byte{}, code
	}
	defer e.metadata.UnlockEnclave(ei)
	return ei.HashValue, result.Ok
}
