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

package arch

// Page table geometry, mirroring sm/arch/page_tables.h. Levels are numbered
// from 0, assigned to the leaf page table; PageTableLevels - 1 is the root.
// Every level translates the same number of address bits and every entry is
// the same size, matching the reference RV39-style layout the original
// monitor hardcodes.

// PageTableShift is the number of virtual address bits a single page table
// level translates.
const PageTableShift = 9

// PageTableEntryShift is log2 of a page table entry's size in bytes.
const PageTableEntryShift = 3

// PageTableEntrySize is a page table entry's size in bytes.
const PageTableEntrySize = uintptr(1) << PageTableEntryShift

// PageTableEntries is the number of entries in one page table.
const PageTableEntries = uintptr(1) << PageTableShift

// PageTableSize returns the size, in bytes, of a page table at the given
// level. Every level is the same size in this model, but the parameter is
// kept for symmetry with the original monitor's per-level accessors.
func (l Layout) PageTableSize(level uint) uintptr {
	return PageTableEntries * PageTableEntrySize
}

// PageTablePages returns the number of pages occupied by a page table at the
// given level.
func (l Layout) PageTablePages(level uint) uintptr {
	return l.PageTableSize(level) >> l.PageShift
}

// PageTableTranslatedBits returns the total number of virtual address bits
// covered by the page table hierarchy, including the page offset.
func (l Layout) PageTableTranslatedBits() uint {
	return l.PageShift + l.PageTableLevels*PageTableShift
}
