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

package hwface

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/enclavesm/monitor/internal/arch"
)

// Simulated is a Registers implementation that records the last value
// written to every register instead of touching real hardware. It is used
// by tests, the demonstration CLI, and any host that isn't the actual
// RISC-V platform the monitor targets.
type Simulated struct {
	mu sync.Mutex

	log *logrus.Entry

	OSRegionBitmap      arch.Bitmap
	EnclaveRegionBitmap arch.Bitmap
	EVBase, EVMask      uintptr
	EPARBase            arch.PhysAddr
	EPARMask            uintptr
	EPTBR               uint64
	DMARBase            arch.PhysAddr
	DMARMaskNegated     uintptr
	CacheIndexShift     uint
	TLBFlushes          int
}

// NewSimulated returns a Registers implementation suitable for tests and the
// demonstration CLI.
func NewSimulated(log *logrus.Entry) *Simulated {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Simulated{log: log}
}

func (s *Simulated) SetOSRegionBitmap(bitmap arch.Bitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OSRegionBitmap = bitmap
	s.log.Debug("hwface: set OS region bitmap")
}

func (s *Simulated) SetEnclaveRegionBitmap(bitmap arch.Bitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EnclaveRegionBitmap = bitmap
	s.log.Debug("hwface: set enclave region bitmap")
}

func (s *Simulated) SetEVRange(base, mask uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EVBase, s.EVMask = base, mask
	s.log.WithFields(logrus.Fields{"ev_base": base, "ev_mask": mask}).Debug("hwface: set EV range")
}

func (s *Simulated) SetEPARRange(base arch.PhysAddr, mask uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EPARBase, s.EPARMask = base, mask
	s.log.WithFields(logrus.Fields{"epar_base": base, "epar_mask": mask}).Debug("hwface: set EPAR range")
}

func (s *Simulated) SetEPTBR(mode uint8, ppn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EPTBR = uint64(mode&0xF)<<60 | (ppn & (1<<44 - 1))
	s.log.Debug("hwface: set EPTBR")
}

func (s *Simulated) SetDMARange(base arch.PhysAddr, mask uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DMARBase = base
	s.DMARMaskNegated = ^mask
	s.log.WithFields(logrus.Fields{"dmar_base": base, "dmar_mask": mask}).Debug("hwface: set DMAR range")
}

func (s *Simulated) SetCacheIndexShift(shift uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CacheIndexShift = shift
	s.log.WithField("shift", shift).Debug("hwface: set cache index shift")
}

func (s *Simulated) FlushTLB() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TLBFlushes++
	s.log.Debug("hwface: TLB flush")
}

var _ Registers = (*Simulated)(nil)
