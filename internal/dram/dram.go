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

// Package dram models the monitor's view of physical memory as a single
// flat arena addressed by arch.PhysAddr, replacing the original C monitor's
// raw "cast an integer to a struct pointer" idiom with a typed, bounds
// checked projection. Page-table entries and page contents are read and
// written through this package instead of a language-level pointer, so a
// forged or stale physical address can never be dereferenced directly; the
// EnclaveInfo/ThreadInfo/Mailbox records themselves are ordinary Go objects
// kept by internal/metadata (see DESIGN.md, "internal/dram").
package dram

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/enclavesm/monitor/internal/arch"
)

// Arena is the monitor's backing store for physical DRAM.
type Arena struct {
	layout arch.Layout
	bytes  []byte

	// fileLock is held for the Arena's lifetime when it is backed by a
	// file, preventing a second monitor instance from mapping the same
	// backing store concurrently.
	fileLock *flock.Flock
	mapped   []byte
}

// New allocates an anonymous, zeroed arena sized to the layout's DRAM span.
// This is the normal case: the monitor's DRAM is simulated in-process.
func New(layout arch.Layout) *Arena {
	return &Arena{layout: layout, bytes: make([]byte, layout.DRAMSize)}
}

// OpenFile backs the arena with a memory-mapped file, taking an exclusive
// advisory lock on it for the arena's lifetime. This is used by test
// fixtures and measurement-replay tooling that need a DRAM image to survive
// process restarts; the flock guards against two monitor instances mapping
// the same image at once, mirroring how a real platform's memory controller
// can only be owned by one monitor.
func OpenFile(layout arch.Layout, path string) (*Arena, error) {
	lock := flock.NewFlock(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("dram: locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("dram: %s is already in use by another monitor instance", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	defer f.Close()

	if err := f.Truncate(int64(layout.DRAMSize)); err != nil {
		lock.Unlock()
		return nil, err
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(layout.DRAMSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("dram: mmap %s: %w", path, err)
	}

	return &Arena{layout: layout, bytes: mapped, mapped: mapped, fileLock: lock}, nil
}

// Close unmaps and unlocks a file-backed arena. It is a no-op for
// anonymous arenas.
func (a *Arena) Close() error {
	if a.mapped != nil {
		if err := unix.Munmap(a.mapped); err != nil {
			return err
		}
		a.mapped = nil
	}
	if a.fileLock != nil {
		return a.fileLock.Unlock()
	}
	return nil
}

// Layout returns the arena's address layout.
func (a *Arena) Layout() arch.Layout { return a.layout }

func (a *Arena) offset(addr arch.PhysAddr) int {
	return int(addr - a.layout.DRAMBase)
}

// Slice returns the live byte window [addr, addr+n) backing physical memory.
// The caller must have already validated that the range lies in DRAM; this
// is the single seam where physical addresses become Go memory, the same
// role bcopy()/bzero() play in the original monitor.
func (a *Arena) Slice(addr arch.PhysAddr, n uintptr) []byte {
	off := a.offset(addr)
	return a.bytes[off : off+int(n)]
}

// Zero fills n bytes starting at addr with zero, mirroring bzero().
func (a *Arena) Zero(addr arch.PhysAddr, n uintptr) {
	clear(a.Slice(addr, n))
}

// Copy copies n bytes from src to dst, mirroring bcopy(). The source and
// destination must not overlap.
func (a *Arena) Copy(dst, src arch.PhysAddr, n uintptr) {
	copy(a.Slice(dst, n), a.Slice(src, n))
}

// ZeroRegion zeroes an entire region given its index.
func (a *Arena) ZeroRegion(region uintptr) {
	a.Zero(a.layout.RegionStart(region), a.layout.StripeSize)
}
