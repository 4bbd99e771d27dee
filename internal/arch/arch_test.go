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

import "testing"

func testLayout() Layout {
	// 2 GiB DRAM, 64 B lines, 32768 sets (matches the reference platform
	// described in Section 9), 4 KiB pages, 3 page-table levels.
	return NewLayout(12, 0x80000000, 1<<31, 64, 32768, 3)
}

func TestNewLayout(t *testing.T) {
	l := testLayout()
	if l.PageSize() != 4096 {
		t.Fatalf("PageSize() = %d, want 4096", l.PageSize())
	}
	if l.RegionCount == 0 || !IsPowerOfTwo(l.RegionCount) {
		t.Fatalf("RegionCount = %d, want a power of two", l.RegionCount)
	}
	if got, want := l.RegionBitmapWords, (l.RegionCount+wordBits-1)/wordBits; got != want {
		t.Fatalf("RegionBitmapWords = %d, want %d", got, want)
	}
}

func TestRegionForRoundTrip(t *testing.T) {
	l := testLayout()
	for r := uintptr(0); r < l.RegionCount; r++ {
		addr := l.RegionStart(r)
		if !l.IsDRAMAddress(addr) {
			t.Fatalf("region %d start %#x not a DRAM address", r, addr)
		}
		if got := l.RegionFor(addr); got != r {
			t.Fatalf("RegionFor(RegionStart(%d)) = %d, want %d", r, got, r)
		}
	}
}

func TestClampedRegionFor(t *testing.T) {
	l := testLayout()
	if got := l.ClampedRegionFor(0); got != 0 {
		t.Fatalf("ClampedRegionFor(out of range) = %d, want 0", got)
	}
	addr := l.RegionStart(1)
	if got := l.ClampedRegionFor(addr); got != 1 {
		t.Fatalf("ClampedRegionFor(region 1) = %d, want 1", got)
	}
}

func TestIsDynamicRegion(t *testing.T) {
	l := testLayout()
	if l.IsDynamicRegion(0) {
		t.Fatal("region 0 must never be dynamic")
	}
	if !l.IsDynamicRegion(1) {
		t.Fatal("region 1 must be dynamic")
	}
	if l.IsDynamicRegion(l.RegionCount) {
		t.Fatal("out-of-range region must not be dynamic")
	}
}

func TestIsValidRange(t *testing.T) {
	cases := []struct {
		base PhysAddr
		mask uintptr
		want bool
	}{
		{0, 0, true},
		{0, 0xFFF, true},
		{0x1000, 0xFFF, true},
		{0x1001, 0xFFF, false}, // not aligned
		{0x1000, 0xFFE, false}, // mask not a valid range mask
	}
	for _, c := range cases {
		if got := IsValidRange(c.base, c.mask); got != c.want {
			t.Errorf("IsValidRange(%#x, %#x) = %v, want %v", c.base, c.mask, got, c.want)
		}
	}
}

func TestPagesNeededFor(t *testing.T) {
	l := testLayout()
	cases := []struct {
		size uintptr
		want uintptr
	}{
		{0, 0},
		{1, 1},
		{4096, 1},
		{4097, 2},
		{8192, 2},
	}
	for _, c := range cases {
		if got := l.PagesNeededFor(c.size); got != c.want {
			t.Errorf("PagesNeededFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestBitmap(t *testing.T) {
	b := NewBitmap(130)
	if len(b) != 3 {
		t.Fatalf("len(bitmap) = %d, want 3 (ceil(130/64))", len(b))
	}
	b.SetBit(5, true)
	b.SetBit(64, true)
	b.SetBit(129, true)
	for _, i := range []uintptr{5, 64, 129} {
		if !b.Bit(i) {
			t.Errorf("bit %d not set", i)
		}
	}
	if b.Bit(6) {
		t.Error("bit 6 should not be set")
	}
	b.SetBit(5, false)
	if b.Bit(5) {
		t.Error("bit 5 should have been cleared")
	}
}

func TestCeilPowerOfTwoAndAddressBits(t *testing.T) {
	if CeilPowerOfTwo(5) != 8 {
		t.Errorf("CeilPowerOfTwo(5) = %d, want 8", CeilPowerOfTwo(5))
	}
	if CeilPowerOfTwo(8) != 8 {
		t.Errorf("CeilPowerOfTwo(8) = %d, want 8", CeilPowerOfTwo(8))
	}
	if AddressBitsFor(1) != 0 {
		t.Errorf("AddressBitsFor(1) = %d, want 0", AddressBitsFor(1))
	}
	if AddressBitsFor(256) != 8 {
		t.Errorf("AddressBitsFor(256) = %d, want 8", AddressBitsFor(256))
	}
}
