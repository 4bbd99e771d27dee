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

// Package metadata implements the monitor's metadata manager: the
// allocator and page-accounting layer for the DRAM regions dedicated to
// storing EnclaveInfo, ThreadInfo, and mailbox state. It is grounded on
// sm/monitor/metadata.c, metadata_inl.h and metadata.h.
//
// The original monitor packs an owner ID and a 2-bit type tag into a single
// pointer-width word and dereferences an enclave_id (a raw physical
// address) directly as an *enclave_info_t. This package keeps the packed
// PageInfo word for page accounting (it is cheap and genuinely grounded on
// the C layout), but stores EnclaveInfo/ThreadInfo themselves as ordinary
// Go structs in a map keyed by their physical address rather than by
// aliasing arena bytes — the "typed address, checked projection" idiom
// used throughout this module instead of raw pointer-casting.
package metadata

import (
	"sync"

	"github.com/enclavesm/monitor/internal/arch"
	"github.com/enclavesm/monitor/internal/crypto"
	"github.com/enclavesm/monitor/internal/measure"
	"github.com/enclavesm/monitor/internal/region"
	"github.com/enclavesm/monitor/internal/result"
)

// PageType is a metadata page's data-structure type tag.
type PageType uintptr

const (
	// PageEmpty marks a metadata page as unused.
	PageEmpty PageType = 0
	// PageInner marks a metadata page as a continuation of a multi-page
	// structure whose first page carries the real type.
	PageInner PageType = 1
	// PageEnclave marks a metadata page as the first page of an EnclaveInfo.
	PageEnclave PageType = 2
	// PageThread marks a metadata page as the first page of a ThreadInfo.
	PageThread PageType = 3

	pageTypeMask = PhysAddr(3)
)

// PhysAddr is a local alias kept for readability in this file's bit-packing
// helpers.
type PhysAddr = arch.PhysAddr

// PageInfo is one packed metadata_page_info_t entry: an owner (always
// page-aligned, so its low bits are free) ORed with a PageType.
type PageInfo uintptr

func packPageInfo(owner region.Owner, t PageType) PageInfo {
	return PageInfo(owner) | PageInfo(t)
}

// Type extracts the page type from a packed entry.
func (p PageInfo) Type() PageType { return PageType(p) & PageType(pageTypeMask) }

// Owner extracts the owning enclave ID from a packed entry.
func (p PageInfo) Owner() region.Owner { return region.Owner(uintptr(p) &^ uintptr(pageTypeMask)) }

// Mailbox holds one enclave's fixed-size inter-enclave message slot.
type Mailbox struct {
	Full       bool
	SenderID   region.Owner
	SenderHash [crypto.HashSize]byte
	Message    []byte
}

// CPUState is the monitor's record of a thread's saved execution context:
// the program counter plus the general-purpose register file, following
// exec_state_t. Regs is a slice, so the register count is not fixed by the
// type.
type CPUState struct {
	PC   uintptr
	Regs []uint64
}

// ThreadInfo is the per-thread metadata stored in a metadata region,
// following thread_info_t.
type ThreadInfo struct {
	mu sync.Mutex

	ID region.Owner

	EntryPC, EntryStack uintptr
	FaultPC, FaultStack uintptr
	EPTBR               uint64

	ExitState CPUState // enter_enclave caller state
	AEXState  CPUState // enclave state saved on asynchronous exit
	CanResume bool
}

// EnclaveInfo is the per-enclave accounting structure stored in a metadata
// region, following enclave_info_t.
type EnclaveInfo struct {
	mu sync.Mutex

	ID              region.Owner
	MailboxCount    int
	IsInitialized   bool
	IsDebug         bool
	ThreadCount     int
	RunningThreads  int // threads currently entered on some core, distinct from ThreadCount
	DRAMRegionCount int

	EVBase, EVMask uintptr

	LoadEPTBR     uint64
	LastLoadAddr  arch.PhysAddr

	// MetadataPages is the number of metadata pages this EnclaveInfo itself
	// occupies, pinned in its home metadata region; recorded at CreateEnclave
	// time so DeleteEnclave can release and unpin exactly that many.
	MetadataPages uintptr

	RegionBitmap arch.Bitmap
	Mailboxes    []Mailbox

	Hash      *crypto.MeasurementHash
	HashValue [crypto.HashSize]byte // set once, by InitEnclave
}

// metadataRegionState is the per-metadata-region page accounting table.
type metadataRegionState struct {
	pageInfo []PageInfo // one entry per page in the stripe
}

// Manager allocates and tracks metadata pages within regions dedicated to
// monitor bookkeeping, and owns the EnclaveInfo/ThreadInfo objects those
// pages back.
type Manager struct {
	regions *region.Manager

	objMu sync.Mutex
	meta  map[uintptr]*metadataRegionState // keyed by region index

	enclaves map[region.Owner]*EnclaveInfo
	threads  map[region.Owner]*ThreadInfo
}

// New builds a metadata manager over regions.
func New(regions *region.Manager) *Manager {
	return &Manager{
		regions:  regions,
		meta:     make(map[uintptr]*metadataRegionState),
		enclaves: make(map[region.Owner]*EnclaveInfo),
		threads:  make(map[region.Owner]*ThreadInfo),
	}
}

// InitMetadataRegion converts region r into a metadata region and resets its
// page-accounting table to all-empty.
func (m *Manager) InitMetadataRegion(r uintptr) result.Code {
	if code := m.regions.CreateMetadataRegion(r); code != result.Ok {
		return code
	}
	m.objMu.Lock()
	defer m.objMu.Unlock()
	m.meta[r] = &metadataRegionState{pageInfo: make([]PageInfo, m.regions.Layout().StripePages)}
	return result.Ok
}

// lockMetadataRegionFor validates that addr is a page-aligned DRAM address
// inside a metadata region and runs fn while that region's lock is held,
// mirroring lock_metadata_region_for followed by the caller's own work.
func (m *Manager) lockMetadataRegionFor(addr arch.PhysAddr, fn func(r uintptr, st *metadataRegionState) result.Code) result.Code {
	layout := m.regions.Layout()
	if !layout.IsPageAligned(addr) || !layout.IsDRAMAddress(addr) {
		return result.InvalidValue
	}
	r := layout.RegionFor(addr)
	return m.regions.WithRegion(r, func(h *region.Handle) result.Code {
		if h.Owner() != region.OwnerMetadata {
			return result.InvalidState
		}
		m.objMu.Lock()
		st := m.meta[r]
		m.objMu.Unlock()
		if st == nil {
			return result.InvalidState
		}
		return fn(r, st)
	})
}

func (m *Manager) pageInfoFor(layout arch.Layout, st *metadataRegionState, addr arch.PhysAddr) *PageInfo {
	return &st.pageInfo[layout.StripePageFor(addr)]
}

// reserveMetadataPages is the shared implementation of ReserveMetadataPages
// and AcceptMetadataPages, mirroring assign_metadata_pages.
func (m *Manager) reserveMetadataPages(r uintptr, st *metadataRegionState, addr arch.PhysAddr, pageCount uintptr, owner region.Owner, t PageType, wantEmpty bool) result.Code {
	layout := m.regions.Layout()
	startPage := layout.StripePageFor(addr)
	if startPage+pageCount > layout.StripePages {
		return result.InvalidValue
	}

	for i := uintptr(0); i < pageCount; i++ {
		entry := st.pageInfo[startPage+i]
		if wantEmpty {
			if entry.Type() != PageEmpty || entry.Owner() != region.OwnerOS {
				return result.InvalidState
			}
		} else {
			if entry != packPageInfo(owner, PageEmpty) {
				return result.InvalidState
			}
		}
	}

	st.pageInfo[startPage] = packPageInfo(owner, t)
	for i := uintptr(1); i < pageCount; i++ {
		st.pageInfo[startPage+i] = packPageInfo(owner, PageInner)
	}
	return result.Ok
}

// pinPages pins n pages of region r, once per page, so a metadata region's
// pinned_pages count always equals the number of live EnclaveInfo/ThreadInfo
// pages it backs.
func (m *Manager) pinPages(r uintptr, n uintptr) {
	for i := uintptr(0); i < n; i++ {
		m.regions.PinPage(r)
	}
}

// unpinPages is pinPages's inverse, called once a structure's pages are
// released back to PageEmpty.
func (m *Manager) unpinPages(r uintptr, n uintptr) {
	for i := uintptr(0); i < n; i++ {
		m.regions.UnpinPage(r)
	}
}

// ReserveMetadataPages reserves pageCount free pages starting at addr for a
// structure of type t owned by owner, mirroring reserve_metadata_pages.
func (m *Manager) ReserveMetadataPages(addr arch.PhysAddr, pageCount uintptr, owner region.Owner, t PageType) result.Code {
	var metaRegion uintptr
	code := m.lockMetadataRegionFor(addr, func(r uintptr, st *metadataRegionState) result.Code {
		metaRegion = r
		return m.reserveMetadataPages(r, st, addr, pageCount, owner, t, true)
	})
	if code == result.Ok {
		m.pinPages(metaRegion, pageCount)
	}
	return code
}

// AcceptMetadataPages accepts pageCount pages starting at addr that were
// already pre-assigned (empty, but tagged with owner) by an earlier OS call,
// mirroring accept_metadata_pages.
func (m *Manager) AcceptMetadataPages(addr arch.PhysAddr, pageCount uintptr, owner region.Owner, t PageType) result.Code {
	var metaRegion uintptr
	code := m.lockMetadataRegionFor(addr, func(r uintptr, st *metadataRegionState) result.Code {
		metaRegion = r
		return m.reserveMetadataPages(r, st, addr, pageCount, owner, t, false)
	})
	if code == result.Ok {
		m.pinPages(metaRegion, pageCount)
	}
	return code
}

// EnclaveInfoPages returns the number of metadata pages an EnclaveInfo with
// mailboxCount mailboxes of mailboxMessageSize bytes occupies, mirroring
// enclave_info_pages.
func (m *Manager) EnclaveInfoPages(mailboxCount int, mailboxMessageSize uintptr) uintptr {
	const enclaveInfoHeaderSize = 128 // lock, counts, ev_base/mask, hash state, hash_block
	const mailboxHeaderSize = 80      // state, sender_id, sender_hash

	layout := m.regions.Layout()
	bitmapBytes := layout.RegionBitmapWords * 8
	mailboxBytes := uintptr(mailboxCount) * (mailboxHeaderSize + mailboxMessageSize)
	return layout.PagesNeededFor(enclaveInfoHeaderSize + bitmapBytes + mailboxBytes)
}

// ThreadMetadataPages returns the number of metadata pages a ThreadInfo
// occupies, mirroring thread_metadata_pages.
func (m *Manager) ThreadMetadataPages() uintptr {
	const threadInfoSize = 96 // lock, entry/fault pc+sp, eptbr, exit/aex state, can_resume
	return m.regions.Layout().PagesNeededFor(threadInfoSize)
}

// CreateEnclave allocates and initializes a new EnclaveInfo at the
// page-aligned physical address enclaveID, mirroring create_enclave.
func (m *Manager) CreateEnclave(enclaveID arch.PhysAddr, evBase, evMask uintptr, mailboxCount int, mailboxMessageSize uintptr, debug bool) result.Code {
	if !arch.IsValidRange(arch.PhysAddr(evBase), evMask) {
		return result.InvalidValue
	}
	if evMask+1 < m.regions.Layout().PageSize() {
		return result.InvalidValue
	}
	if mailboxCount < 0 {
		return result.InvalidValue
	}

	pages := m.EnclaveInfoPages(mailboxCount, mailboxMessageSize)
	owner := region.Owner(enclaveID)

	var metaRegion uintptr
	code := m.lockMetadataRegionFor(enclaveID, func(r uintptr, st *metadataRegionState) result.Code {
		metaRegion = r
		if code := m.reserveMetadataPages(r, st, enclaveID, pages, owner, PageEnclave, true); code != result.Ok {
			return code
		}

		ei := &EnclaveInfo{
			ID:            owner,
			MailboxCount:  mailboxCount,
			EVBase:        evBase,
			EVMask:        evMask,
			IsDebug:       debug,
			MetadataPages: pages,
			RegionBitmap:  arch.NewBitmap(m.regions.Layout().RegionCount),
			Mailboxes:     make([]Mailbox, mailboxCount),
			Hash:          measure.InitEnclaveHash(evBase, evMask, mailboxCount, debug),
		}
		for i := range ei.Mailboxes {
			ei.Mailboxes[i].Message = make([]byte, mailboxMessageSize)
		}

		m.objMu.Lock()
		m.enclaves[owner] = ei
		m.objMu.Unlock()
		return result.Ok
	})
	if code == result.Ok {
		m.pinPages(metaRegion, pages)
	}
	return code
}

// LockEnclave validates that enclaveID names a live EnclaveInfo and acquires
// its lock, mirroring lock_enclave: the metadata region lock is only held
// transiently, to validate the page-info entry, and the returned EnclaveInfo
// is locked by the time this call returns successfully.
func (m *Manager) LockEnclave(enclaveID arch.PhysAddr) (*EnclaveInfo, result.Code) {
	var ei *EnclaveInfo
	code := m.lockMetadataRegionFor(enclaveID, func(r uintptr, st *metadataRegionState) result.Code {
		layout := m.regions.Layout()
		entry := *m.pageInfoFor(layout, st, enclaveID)
		owner := region.Owner(enclaveID)
		if entry != packPageInfo(owner, PageEnclave) {
			return result.InvalidValue
		}

		m.objMu.Lock()
		candidate := m.enclaves[owner]
		m.objMu.Unlock()
		if candidate == nil {
			return result.InvalidValue
		}
		if !candidate.mu.TryLock() {
			return result.ConcurrentCall
		}
		ei = candidate
		return result.Ok
	})
	if code != result.Ok {
		return nil, code
	}
	return ei, result.Ok
}

// UnlockEnclave releases a lock acquired by LockEnclave.
func (m *Manager) UnlockEnclave(ei *EnclaveInfo) { ei.mu.Unlock() }

// TryLock acquires ei's lock directly, without the metadata-page validation
// LockEnclave performs. Safe for callers that already hold an EnclaveInfo
// obtained through LockEnclave or through the current core's state (i.e. an
// enclave ID that has already been validated once), so re-validating it on
// every subsequent lock attempt would be redundant.
func (ei *EnclaveInfo) TryLock() bool { return ei.mu.TryLock() }

// Unlock releases a lock acquired by TryLock.
func (ei *EnclaveInfo) Unlock() { ei.mu.Unlock() }

// TryLock acquires ti's lock without going through a metadata-region
// validation pass, for the same reason as EnclaveInfo.TryLock.
func (ti *ThreadInfo) TryLock() bool { return ti.mu.TryLock() }

// Unlock releases a lock acquired by TryLock.
func (ti *ThreadInfo) Unlock() { ti.mu.Unlock() }

// LookupEnclave returns the EnclaveInfo for enclaveID without locking it or
// checking its metadata-page entry. ExitEnclave uses it, taking the
// EnclaveInfo's own lock before updating RunningThreads.
func (m *Manager) LookupEnclave(enclaveID arch.PhysAddr) *EnclaveInfo {
	m.objMu.Lock()
	defer m.objMu.Unlock()
	return m.enclaves[region.Owner(enclaveID)]
}

// AssignThread reserves metadata storage for a new thread belonging to
// enclaveID, mirroring assign_thread. The enclave must already be
// initialized: thread slots are only assigned to enclaves whose page tables
// and initial threads have already been fully measured.
func (m *Manager) AssignThread(enclaveID, threadID arch.PhysAddr) result.Code {
	ei, code := m.LockEnclave(enclaveID)
	if code != result.Ok {
		return code
	}
	defer m.UnlockEnclave(ei)

	pages := m.ThreadMetadataPages()
	var metaRegion uintptr
	code = m.lockMetadataRegionFor(threadID, func(r uintptr, st *metadataRegionState) result.Code {
		metaRegion = r
		if !ei.IsInitialized {
			return result.InvalidState
		}
		return m.reserveMetadataPages(r, st, threadID, pages, ei.ID, PageThread, true)
	})
	if code != result.Ok {
		return code
	}
	m.pinPages(metaRegion, pages)

	ei.ThreadCount++
	return result.Ok
}

// LoadThread stages a thread's initial register state before the enclave is
// initialized, mirroring load_thread. Unlike AssignThread, this requires the
// enclave to be still loading (!IsInitialized) and to have already loaded a
// page table (LoadEPTBR != 0).
func (m *Manager) LoadThread(enclaveID, threadID arch.PhysAddr, entryPC, entryStack, faultPC, faultStack uintptr) result.Code {
	ei, code := m.LockEnclave(enclaveID)
	if code != result.Ok {
		return code
	}
	defer m.UnlockEnclave(ei)

	if ei.IsInitialized || ei.LoadEPTBR == 0 {
		return result.InvalidState
	}

	pages := m.ThreadMetadataPages()
	var ti *ThreadInfo
	var metaRegion uintptr
	code = m.lockMetadataRegionFor(threadID, func(r uintptr, st *metadataRegionState) result.Code {
		metaRegion = r
		if c := m.reserveMetadataPages(r, st, threadID, pages, ei.ID, PageThread, true); c != result.Ok {
			return c
		}
		ti = &ThreadInfo{
			ID:         region.Owner(threadID),
			EntryPC:    entryPC,
			EntryStack: entryStack,
			FaultPC:    faultPC,
			FaultStack: faultStack,
			EPTBR:      ei.LoadEPTBR,
		}
		m.objMu.Lock()
		m.threads[ti.ID] = ti
		m.objMu.Unlock()
		return result.Ok
	})
	if code != result.Ok {
		return code
	}
	m.pinPages(metaRegion, pages)

	ei.ThreadCount++
	measure.ExtendWithThread(ei.Hash, entryPC, entryStack, faultPC, faultStack)
	return result.Ok
}

// AcceptThread is the enclave-side half of thread creation: an already
// running enclave thread accepts pre-assigned metadata pages at threadID and
// populates them from a thread_init_info-equivalent struct it has already
// validated, mirroring accept_thread. callerID is the enclave ID of the
// currently executing enclave (current_enclave()).
func (m *Manager) AcceptThread(callerID region.Owner, threadID arch.PhysAddr, entryPC, entryStack, faultPC, faultStack uintptr, eptbr uint64) result.Code {
	layout := m.regions.Layout()
	if !layout.IsDRAMAddress(threadID) || !layout.IsPageAligned(threadID) {
		return result.InvalidValue
	}

	threadRegion := layout.RegionFor(threadID)
	owner, code := m.regions.DRAMRegionOwner(threadRegion)
	if code != result.Ok {
		return code
	}
	if owner != callerID {
		return result.InvalidValue
	}

	pages := m.ThreadMetadataPages()
	var ti *ThreadInfo
	var metaRegion uintptr
	code = m.lockMetadataRegionFor(threadID, func(r uintptr, st *metadataRegionState) result.Code {
		metaRegion = r
		if c := m.reserveMetadataPages(r, st, threadID, pages, callerID, PageThread, false); c != result.Ok {
			return c
		}
		ti = &ThreadInfo{
			ID:         region.Owner(threadID),
			EntryPC:    entryPC,
			EntryStack: entryStack,
			FaultPC:    faultPC,
			FaultStack: faultStack,
			EPTBR:      eptbr,
		}
		m.objMu.Lock()
		m.threads[ti.ID] = ti
		m.objMu.Unlock()
		return result.Ok
	})
	if code != result.Ok {
		return code
	}
	m.pinPages(metaRegion, pages)
	return result.Ok
}

// LookupThread returns the ThreadInfo for threadID, or nil if none exists.
func (m *Manager) LookupThread(threadID arch.PhysAddr) *ThreadInfo {
	m.objMu.Lock()
	defer m.objMu.Unlock()
	return m.threads[region.Owner(threadID)]
}

// DeleteThreadRecord removes threadID's bookkeeping, for use by the enclave
// engine once it has zeroed the underlying pages.
func (m *Manager) DeleteThreadRecord(threadID arch.PhysAddr) {
	m.objMu.Lock()
	defer m.objMu.Unlock()
	delete(m.threads, region.Owner(threadID))
}

// DeleteEnclaveRecord removes enclaveID's bookkeeping, for use by the
// enclave engine once it has freed every region the enclave owned.
func (m *Manager) DeleteEnclaveRecord(enclaveID arch.PhysAddr) {
	m.objMu.Lock()
	defer m.objMu.Unlock()
	delete(m.enclaves, region.Owner(enclaveID))
}

// Regions returns the underlying region manager, for the enclave engine's
// use.
func (m *Manager) Regions() *region.Manager { return m.regions }

// ThreadOwner validates that threadID's metadata-page entry is tagged
// PageThread and returns the owning enclave's ID, the same "read the
// metadata-page map before trusting an address" check LockEnclave performs
// for enclave IDs.
func (m *Manager) ThreadOwner(threadID arch.PhysAddr) (region.Owner, result.Code) {
	var owner region.Owner
	var found bool
	code := m.lockMetadataRegionFor(threadID, func(r uintptr, st *metadataRegionState) result.Code {
		layout := m.regions.Layout()
		entry := *m.pageInfoFor(layout, st, threadID)
		if entry.Type() != PageThread {
			return result.InvalidValue
		}
		owner, found = entry.Owner(), true
		return result.Ok
	})
	if code != result.Ok {
		return region.OwnerOS, code
	}
	if !found {
		return region.OwnerOS, result.InvalidValue
	}
	return owner, result.Ok
}

// DeleteEnclaveMetadataPages clears enclaveID's own EnclaveInfo pages back to
// PageEmpty, unpins exactly that many pages in their metadata region
// (balancing the pins CreateEnclave recorded), and returns that region's
// index.
func (m *Manager) DeleteEnclaveMetadataPages(enclaveID arch.PhysAddr, pages uintptr) (uintptr, result.Code) {
	code := m.LockMetadataRegionFor(enclaveID, func(pageInfo []PageInfo, pageIndex uintptr) result.Code {
		for i := uintptr(0); i < pages; i++ {
			entry := pageInfo[pageIndex+i]
			if entry.Owner() != region.Owner(enclaveID) {
				return result.InvalidState
			}
		}
		for i := uintptr(0); i < pages; i++ {
			pageInfo[pageIndex+i] = 0
		}
		return result.Ok
	})
	if code != result.Ok {
		return 0, code
	}
	r := m.regions.Layout().RegionFor(enclaveID)
	m.unpinPages(r, pages)
	return r, result.Ok
}

// LockMetadataRegionFor runs fn while the metadata region backing addr is
// locked and validated to be a metadata region, for the enclave engine's use
// when it needs finer control than the Reserve/Accept helpers provide (e.g.
// deleting a thread's metadata pages).
func (m *Manager) LockMetadataRegionFor(addr arch.PhysAddr, fn func(pageInfo []PageInfo, pageIndex uintptr) result.Code) result.Code {
	return m.lockMetadataRegionFor(addr, func(r uintptr, st *metadataRegionState) result.Code {
		layout := m.regions.Layout()
		return fn(st.pageInfo, layout.StripePageFor(addr))
	})
}
