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

// Package crypto wraps the cryptographic primitives the monitor consumes as
// opaque, fixed-size black boxes: SHA-3-512 for enclave measurement and
// Ed25519 for attestation signing. Section 1 of the specification treats
// these as external collaborators with fixed input/output sizes; this
// package is the one seam where that contract is realized in Go.
package crypto

import (
	"hash"

	"golang.org/x/crypto/sha3"
)

// HashBlockSize is the size, in bytes, of one measurement hash block. It
// must match measurement_block_t's layout in Section 4.4 and 9.
const HashBlockSize = 64

// HashSize is the size, in bytes, of a finalized measurement.
const HashSize = 64

// MeasurementHash is incremental SHA-3-512 state sized for one-block-at-a-
// time extension, matching the original monitor's hash_state_t/extend_hash/
// finalize_hash trio.
type MeasurementHash struct {
	h hash.Hash
}

// NewMeasurementHash returns a freshly initialized measurement hash,
// equivalent to init_hash().
func NewMeasurementHash() *MeasurementHash {
	return &MeasurementHash{h: sha3.New512()}
}

// ExtendBlock extends the hash with exactly one HashBlockSize-byte block,
// equivalent to extend_hash().
func (m *MeasurementHash) ExtendBlock(block [HashBlockSize]byte) {
	m.h.Write(block[:])
}

// Finalize returns the finalized digest, equivalent to finalize_hash(). The
// hash must not be extended afterwards.
func (m *MeasurementHash) Finalize() [HashSize]byte {
	var out [HashSize]byte
	copy(out[:], m.h.Sum(nil))
	return out
}
