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

// Package region implements the monitor's region manager: the component
// that owns every DRAM region's ownership state and the try-lock-only
// concurrency discipline that makes region transitions safe against
// mutually distrustful callers running on other cores. It is grounded on
// sm/monitor/dram_regions.c: assign/block/free, ownership queries, the DMA
// overlap check, and the block_clock/flushed_at generation-counter protocol
// that lets the monitor safely reuse a region's physical memory only after
// every core that could still hold stale translations has flushed its TLB.
package region

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/enclavesm/monitor/internal/arch"
	"github.com/enclavesm/monitor/internal/dram"
	"github.com/enclavesm/monitor/internal/hwface"
	"github.com/enclavesm/monitor/internal/result"
)

// Owner identifies who a dynamic region currently belongs to. OwnerOS (0) is
// reserved: it also represents "the OS", both as a target of AssignDRAMRegion
// and as the owner recorded for a region that has never left OS hands.
type Owner arch.PhysAddr

// OwnerOS is the owner value meaning "the untrusted OS", never an enclave.
const OwnerOS Owner = 0

// OwnerMetadata is the sentinel owner recorded for a region dedicated to
// monitor metadata storage, mirroring metadata_enclave_id. Real enclave IDs
// are always page-aligned physical addresses, so any value smaller than the
// page size is safe to reserve as a sentinel; metadata regions are never a
// valid enclave_id because no enclave's metadata is ever placed at address 1.
const OwnerMetadata Owner = 1

// OwnerFree is the sentinel owner recorded for a dynamic region that has
// never been assigned, or that free_dram_region has returned to the pool,
// mirroring free_enclave_id. It is distinct from OwnerOS: an OS-owned region
// is actively in use by the OS, while a free region is not owned by anyone
// and is the only state assign_dram_region/create_metadata_region accept.
const OwnerFree Owner = 2

// State is a region's externally observable lifecycle state, returned by
// DRAMRegionState.
type State int

const (
	// StateInvalid means the region index is out of range.
	StateInvalid State = iota
	// StateOSOwned means the region belongs to the OS. It cannot be assigned
	// until it has been blocked and freed.
	StateOSOwned
	// StateEnclaveOwned means the region belongs to an enclave. Metadata
	// regions are reported with this state too.
	StateEnclaveOwned
	// StateBlocked means the region has been blocked and is waiting for
	// every core to flush before it can be freed.
	StateBlocked
	// StateFree means the region has never been assigned, or has been freed
	// and is waiting for assign_dram_region/create_metadata_region.
	StateFree
	// StateLocked means a concurrent caller currently holds the region's
	// lock, so no settled state could be read.
	StateLocked
)

// coreInfo is the region manager's per-core bookkeeping: the last
// block_clock generation this core is known to have flushed up to.
type coreInfo struct {
	mu        sync.Mutex
	flushedAt uint64
}

// info is one region's ownership record, mirroring dram_region_t.
type info struct {
	mu sync.Mutex

	owner         Owner
	previousOwner Owner
	pinnedPages   int
	blockedAt     uint64 // block_clock value recorded when this region was blocked; 0 if not blocked.
}

// tryLock attempts to acquire the region's lock without blocking, mirroring
// the original monitor's spinlock_trylock. It reports whether the lock was
// acquired.
func (i *info) tryLock() bool { return i.mu.TryLock() }

func (i *info) unlock() { i.mu.Unlock() }

// Manager owns every DRAM region's ownership state plus the DMA range and
// per-core flush bookkeeping needed to free a blocked region safely.
type Manager struct {
	layout    arch.Layout
	arena     *dram.Arena
	registers hwface.Registers

	regions []info

	// blockClock increments every time any region is blocked. A region
	// records the clock value at the moment it is blocked; it cannot be
	// freed until every core has flushed at or past that value.
	blockClock atomic.Uint64

	osRegionBitmap arch.Bitmap

	coresMu sync.Mutex
	cores   []coreInfo

	dmaMu        sync.Mutex
	dmaBase      arch.PhysAddr
	dmaMask      uintptr
	dmaAssigned  bool
}

// New builds a region manager for the given layout, with region 0 owned by
// the OS and every other region free, matching boot_init_dram_regions().
func New(layout arch.Layout, arena *dram.Arena, registers hwface.Registers, coreCount int) *Manager {
	m := &Manager{
		layout:    layout,
		arena:     arena,
		registers: registers,
		regions:   make([]info, layout.RegionCount),
		cores:     make([]coreInfo, coreCount),
	}
	m.regions[0].owner = OwnerOS
	for r := 1; r < len(m.regions); r++ {
		m.regions[r].owner = OwnerFree
	}
	m.osRegionBitmap = arch.NewBitmap(layout.RegionCount)
	m.osRegionBitmap.SetBit(0, true)
	m.registers.SetOSRegionBitmap(m.osRegionBitmap)
	return m
}

// Layout returns the region manager's address layout.
func (m *Manager) Layout() arch.Layout { return m.layout }

func (m *Manager) checkRegion(r uintptr) result.Code {
	if !m.layout.IsDynamicRegion(r) {
		return result.InvalidValue
	}
	return result.Ok
}

// DRAMRegionState reports a region's externally observable state.
func (m *Manager) DRAMRegionState(r uintptr) State {
	if !m.layout.IsValidRegion(r) {
		return StateInvalid
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		// A concurrent caller holds the lock; the manager never blocks, so
		// report that the state could not be read rather than guessing one.
		return StateLocked
	}
	defer ri.unlock()
	switch {
	case ri.blockedAt != 0:
		return StateBlocked
	case ri.owner == OwnerFree:
		return StateFree
	case ri.owner == OwnerOS:
		return StateOSOwned
	default:
		return StateEnclaveOwned
	}
}

// DRAMRegionOwner returns the region's current owner. The zero value
// (OwnerOS) means the OS, matching is_valid_enclave_id's convention that 0
// always denotes the OS.
func (m *Manager) DRAMRegionOwner(r uintptr) (Owner, result.Code) {
	if !m.layout.IsValidRegion(r) {
		return OwnerOS, result.InvalidValue
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return OwnerOS, result.ConcurrentCall
	}
	defer ri.unlock()
	return ri.owner, result.Ok
}

// AssignDRAMRegion transfers a free region to newOwner. It mirrors
// assign_dram_region: the caller (the OS, acting on behalf of newOwner) must
// already hold no other region lock, since this call takes exactly one.
func (m *Manager) AssignDRAMRegion(r uintptr, newOwner Owner) result.Code {
	if code := m.checkRegion(r); code != result.Ok {
		return code
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return result.ConcurrentCall
	}
	defer ri.unlock()

	if ri.owner != OwnerFree {
		return result.InvalidState
	}

	ri.previousOwner = ri.owner
	ri.owner = newOwner
	m.osRegionBitmap.SetBit(r, false)
	m.registers.SetOSRegionBitmap(m.osRegionBitmap)
	return result.Ok
}

// CreateMetadataRegion converts a free region into a metadata region,
// zeroing its contents. Metadata regions are carved out once at boot and
// never returned to the OS in the current design, mirroring
// init_metadata_region's precondition that the region is free.
func (m *Manager) CreateMetadataRegion(r uintptr) result.Code {
	if code := m.checkRegion(r); code != result.Ok {
		return code
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return result.ConcurrentCall
	}
	defer ri.unlock()

	if ri.owner != OwnerFree {
		return result.InvalidState
	}

	ri.previousOwner = ri.owner
	ri.owner = OwnerMetadata
	m.osRegionBitmap.SetBit(r, false)
	m.registers.SetOSRegionBitmap(m.osRegionBitmap)
	m.arena.ZeroRegion(r)
	return result.Ok
}

// IsMetadataRegion reports whether region r is currently dedicated to
// monitor metadata storage.
func (m *Manager) IsMetadataRegion(r uintptr) bool {
	if !m.layout.IsValidRegion(r) {
		return false
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return false
	}
	defer ri.unlock()
	return ri.owner == OwnerMetadata
}

// BlockDRAMRegion marks region r as blocked, preventing any further
// assignment, and records the block_clock generation new cores must flush
// past before the region can be freed. owner must be the caller's own
// identity, resolved from core state by the enclave engine (current_enclave)
// rather than trusted as a caller-supplied value; this function only manages
// the region's own lock, as in block_dram_region.
func (m *Manager) BlockDRAMRegion(r uintptr, owner Owner) result.Code {
	if code := m.checkRegion(r); code != result.Ok {
		return code
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return result.ConcurrentCall
	}
	defer ri.unlock()

	if ri.owner != owner {
		return result.AccessDenied
	}
	if ri.blockedAt != 0 {
		return result.InvalidState
	}
	if owner != OwnerOS && ri.pinnedPages != 0 {
		return result.InvalidState
	}
	if owner == OwnerOS && m.dmaOverlapsRegion(r) {
		return result.InvalidState
	}

	ri.blockedAt = m.blockClock.Add(1)
	return result.Ok
}

// dmaOverlapsRegion reports whether region r's address range intersects the
// currently programmed DMA range, mirroring block_dram_region's
// dma_range_crossed check: an OS-owned region the DMA master can still reach
// must not be blocked out from under it.
func (m *Manager) dmaOverlapsRegion(r uintptr) bool {
	m.dmaMu.Lock()
	defer m.dmaMu.Unlock()
	if !m.dmaAssigned {
		return false
	}
	regionStart := m.layout.RegionStart(r)
	regionEnd := m.layout.RegionStart(r + 1)
	rangeEnd := m.dmaBase + arch.PhysAddr(m.dmaMask) + 1
	return m.dmaBase < regionEnd && regionStart < rangeEnd
}

// FreeDRAMRegion returns a blocked region to the free pool once every core
// has observed the region's block generation, zeroing its contents so no
// stale enclave data survives the transition, mirroring free_dram_region. The
// region does not rejoin the OS region bitmap: it is free, not OS-owned,
// until a later assign_dram_region/create_metadata_region call claims it.
func (m *Manager) FreeDRAMRegion(r uintptr) result.Code {
	if code := m.checkRegion(r); code != result.Ok {
		return code
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return result.ConcurrentCall
	}
	defer ri.unlock()

	if ri.blockedAt == 0 {
		return result.InvalidState
	}
	if ri.pinnedPages != 0 {
		return result.InvalidState
	}
	if !m.allCoresFlushedPast(ri.blockedAt) {
		return result.InvalidState
	}

	m.arena.ZeroRegion(r)
	ri.previousOwner = ri.owner
	ri.owner = OwnerFree
	ri.blockedAt = 0
	return result.Ok
}

func (m *Manager) allCoresFlushedPast(clock uint64) bool {
	m.coresMu.Lock()
	defer m.coresMu.Unlock()
	for i := range m.cores {
		if m.cores[i].flushedAt < clock {
			return false
		}
	}
	return true
}

// FlushCachedDRAMRegions records that coreID has flushed its TLB, advancing
// it past the current block_clock generation. A core must call this after
// exiting any enclave and before re-entering the OS, mirroring
// flush_cached_dram_regions.
func (m *Manager) FlushCachedDRAMRegions(coreID int) result.Code {
	if coreID < 0 || coreID >= len(m.cores) {
		return result.InvalidValue
	}
	c := &m.cores[coreID]
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushedAt = m.blockClock.Load()
	m.registers.FlushTLB()
	return result.Ok
}

// DRAMRegionCheckOwnership reports whether region r is currently owned by
// owner and not blocked, mirroring dram_region_check_ownership. Monitor
// exposes it on the enclave call surface.
func (m *Manager) DRAMRegionCheckOwnership(r uintptr, owner Owner) (bool, result.Code) {
	if !m.layout.IsValidRegion(r) {
		return false, result.InvalidValue
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return false, result.ConcurrentCall
	}
	defer ri.unlock()
	return ri.owner == owner && ri.blockedAt == 0, result.Ok
}

// SetDMARange programs the DMA master's allowed physical window, rejecting
// any range that overlaps a region not owned by the OS, mirroring
// set_dma_range's boundary-comparison overlap check.
func (m *Manager) SetDMARange(base arch.PhysAddr, mask uintptr) result.Code {
	if !arch.IsValidRange(base, mask) {
		return result.InvalidValue
	}

	m.dmaMu.Lock()
	defer m.dmaMu.Unlock()

	rangeEnd := base + arch.PhysAddr(mask) + 1
	for r := uintptr(0); r < m.layout.RegionCount; r++ {
		regionStart := m.layout.RegionStart(r)
		regionEnd := m.layout.RegionStart(r + 1)
		overlaps := base < regionEnd && regionStart < rangeEnd
		if !overlaps {
			continue
		}
		owner, code := m.DRAMRegionOwner(r)
		if code != result.Ok {
			return code
		}
		if owner != OwnerOS {
			return result.AccessDenied
		}
	}

	m.dmaBase, m.dmaMask, m.dmaAssigned = base, mask, true
	m.registers.SetDMARange(base, mask)
	return result.Ok
}

// PinPage increments a region's pinned-page count, preventing it from being
// freed while a caller elsewhere (e.g. the metadata manager tracking a
// reserved metadata page) still depends on its contents.
func (m *Manager) PinPage(r uintptr) result.Code {
	if code := m.checkRegion(r); code != result.Ok {
		return code
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return result.ConcurrentCall
	}
	defer ri.unlock()
	ri.pinnedPages++
	return result.Ok
}

// UnpinPage decrements a region's pinned-page count.
func (m *Manager) UnpinPage(r uintptr) result.Code {
	if code := m.checkRegion(r); code != result.Ok {
		return code
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return result.ConcurrentCall
	}
	defer ri.unlock()
	if ri.pinnedPages > 0 {
		ri.pinnedPages--
	}
	return result.Ok
}

// TryLockRegion acquires region r's lock for the duration of fn, releasing
// it before returning. Higher layers (metadata, enclave) use this to extend
// the region lock's scope across multi-step operations such as writing page
// contents, while keeping the lock's acquisition centralized here.
func (m *Manager) TryLockRegion(r uintptr, fn func() result.Code) result.Code {
	if !m.layout.IsValidRegion(r) {
		return result.InvalidValue
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return result.ConcurrentCall
	}
	defer ri.unlock()
	return fn()
}

// TryLockTwoRegions acquires a and b's locks in a fixed order (the lower
// region index first) to avoid deadlock, exactly as dram_regions.c's
// primary/secondary lock-ordering discipline requires when an operation
// touches two regions (e.g. a thread's region and its enclave's metadata
// region). If the secondary lock cannot be acquired, the primary is
// released and ConcurrentCall is returned rather than blocking.
func (m *Manager) TryLockTwoRegions(a, b uintptr, fn func() result.Code) result.Code {
	if !m.layout.IsValidRegion(a) || !m.layout.IsValidRegion(b) {
		return result.InvalidValue
	}
	if a == b {
		return m.TryLockRegion(a, fn)
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}

	fr := &m.regions[first]
	if !fr.tryLock() {
		return result.ConcurrentCall
	}
	sr := &m.regions[second]
	if !sr.tryLock() {
		fr.unlock()
		return result.ConcurrentCall
	}
	defer sr.unlock()
	defer fr.unlock()
	return fn()
}

// Arena returns the backing DRAM arena, for use by callers that already
// hold the appropriate region lock(s).
func (m *Manager) Arena() *dram.Arena { return m.arena }

// Handle exposes a single locked region's mutable ownership fields to a
// caller running inside WithRegion/WithTwoRegions. It must not be retained
// past the callback's return.
type Handle struct {
	ri *info
}

// Owner returns the region's current owner.
func (h *Handle) Owner() Owner { return h.ri.owner }

// SetOwner sets the region's owner directly, bypassing the assign/block/free
// state machine. Used by operations (such as enclave deletion) that tear
// down every region an enclave owns at once, after determining separately
// that doing so is safe.
func (h *Handle) SetOwner(o Owner) { h.ri.previousOwner, h.ri.owner = h.ri.owner, o }

// PinnedPages returns the region's pinned-page count.
func (h *Handle) PinnedPages() int { return h.ri.pinnedPages }

// SetPinnedPages sets the region's pinned-page count directly.
func (h *Handle) SetPinnedPages(n int) { h.ri.pinnedPages = n }

// BlockedAt returns the block_clock generation at which the region was
// blocked, or 0 if it is not blocked.
func (h *Handle) BlockedAt() uint64 { return h.ri.blockedAt }

// WithRegion locks region r and runs fn with a Handle onto its fields,
// giving higher layers (metadata, enclave) direct access to region state for
// multi-field transactions the convenience methods above don't cover —
// exactly the access the original monitor has by dereferencing
// g_dram_region[r] while holding its lock.
func (m *Manager) WithRegion(r uintptr, fn func(h *Handle) result.Code) result.Code {
	if !m.layout.IsValidRegion(r) {
		return result.InvalidValue
	}
	ri := &m.regions[r]
	if !ri.tryLock() {
		return result.ConcurrentCall
	}
	defer ri.unlock()
	return fn(&Handle{ri: ri})
}

// WithTwoRegions is WithRegion's two-region counterpart, locking a and b in
// a fixed order to avoid deadlock.
func (m *Manager) WithTwoRegions(a, b uintptr, fn func(ha, hb *Handle) result.Code) result.Code {
	if !m.layout.IsValidRegion(a) || !m.layout.IsValidRegion(b) {
		return result.InvalidValue
	}
	if a == b {
		return m.WithRegion(a, func(h *Handle) result.Code { return fn(h, h) })
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}
	fr := &m.regions[first]
	if !fr.tryLock() {
		return result.ConcurrentCall
	}
	sr := &m.regions[second]
	if !sr.tryLock() {
		fr.unlock()
		return result.ConcurrentCall
	}
	defer sr.unlock()
	defer fr.unlock()

	ha, hb := &Handle{ri: &m.regions[a]}, &Handle{ri: &m.regions[b]}
	return fn(ha, hb)
}

// WithRegions locks every distinct region index in rs, in ascending order, and
// runs fn with one Handle per entry of rs (duplicates share a Handle). If any
// lock cannot be acquired, every lock already taken is released before
// returning ConcurrentCall, mirroring delete_enclave's "walk the region
// bitmap, acquire every owned region's lock, any failure releases everything"
// discipline for an operation that touches an unbounded number of regions.
func (m *Manager) WithRegions(rs []uintptr, fn func(hs []*Handle) result.Code) result.Code {
	seen := make(map[uintptr]bool, len(rs))
	sorted := make([]uintptr, 0, len(rs))
	for _, r := range rs {
		if !m.layout.IsValidRegion(r) {
			return result.InvalidValue
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	locked := make([]uintptr, 0, len(sorted))
	for _, r := range sorted {
		if !m.regions[r].tryLock() {
			for _, lr := range locked {
				m.regions[lr].unlock()
			}
			return result.ConcurrentCall
		}
		locked = append(locked, r)
	}
	defer func() {
		for _, lr := range locked {
			m.regions[lr].unlock()
		}
	}()

	hs := make([]*Handle, len(rs))
	for i, r := range rs {
		hs[i] = &Handle{ri: &m.regions[r]}
	}
	return fn(hs)
}

// IsValidEnclaveID reports whether id is a valid enclave ID: either 0 (the
// OS) or the address of a region currently owned by an enclave with that
// exact ID, mirroring is_valid_enclave_id. The region holding id's clamped
// region index is locked for the duration of the check.
func (m *Manager) IsValidEnclaveID(id arch.PhysAddr) (bool, result.Code) {
	if id == 0 {
		return true, result.Ok
	}
	if !m.layout.IsDRAMAddress(id) {
		return false, result.Ok
	}
	r := m.layout.RegionFor(id)
	var valid bool
	code := m.WithRegion(r, func(h *Handle) result.Code {
		valid = h.Owner() == Owner(id)
		return result.Ok
	})
	return valid, code
}
