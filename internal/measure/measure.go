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

// Package measure builds the fixed-layout hash blocks that feed an
// enclave's measurement, shared by the metadata manager (which measures
// thread creation) and the enclave engine (which measures page-table and
// page loads, and finalization). It is grounded on
// sm/monitor/measure_inl.h: the same measurement_block_t layout and the
// same bit-exact opcodes, so two independently built monitors measuring the
// same sequence of calls always agree on the resulting hash.
package measure

import (
	"encoding/binary"

	"github.com/enclavesm/monitor/internal/crypto"
)

// Opcode identifies which enclave operation a hash block records.
type Opcode uint32

// Bit-exact opcodes, matching measure_inl.h.
const (
	OpcodeEnclaveInit     Opcode = 0xAAAAAAAA
	OpcodeLoadPageTable   Opcode = 0xBBBBBBBB
	OpcodeLoadPage        Opcode = 0xCCCCCCCC
	OpcodeLoadThread      Opcode = 0xDDDDDDDD
	OpcodeFinalizeEnclave Opcode = 0xEEEEEEEE
)

// Block is the fixed-layout hash block: an opcode, four architecture-width
// pointer-like fields, and two size fields. The zero value is the block
// used between operations, and init_enclave_hash zeroes the entire block
// before the first use.
type Block struct {
	Opcode           Opcode
	Ptr1, Ptr2, Ptr3, Ptr4 uint64
	Size1, Size2     uint64
}

// Bytes serializes the block into exactly crypto.HashBlockSize bytes using a
// fixed little-endian layout, matching how the original monitor measures
// measurement_block_t as raw memory.
func (b Block) Bytes() [crypto.HashBlockSize]byte {
	var out [crypto.HashBlockSize]byte
	binary.LittleEndian.PutUint64(out[0:8], uint64(b.Opcode))
	binary.LittleEndian.PutUint64(out[8:16], b.Ptr1)
	binary.LittleEndian.PutUint64(out[16:24], b.Ptr2)
	binary.LittleEndian.PutUint64(out[24:32], b.Ptr3)
	binary.LittleEndian.PutUint64(out[32:40], b.Ptr4)
	binary.LittleEndian.PutUint64(out[40:48], b.Size1)
	binary.LittleEndian.PutUint64(out[48:56], b.Size2)
	// The remaining bytes of the block stay zero, matching a freshly
	// zeroed hash_block_t with unused trailing space.
	return out
}

// InitEnclaveHash returns a freshly initialized measurement hash already
// extended with the ENCLAVE_INIT block, mirroring init_enclave_hash.
func InitEnclaveHash(evBase, evMask uintptr, mailboxCount int, debug bool) *crypto.MeasurementHash {
	h := crypto.NewMeasurementHash()
	debugBit := uint64(0)
	if debug {
		debugBit = 1
	}
	block := Block{
		Opcode: OpcodeEnclaveInit,
		Ptr1:   uint64(evBase),
		Ptr2:   uint64(evMask),
		Size1:  uint64(mailboxCount),
		Size2:  debugBit,
	}
	h.ExtendBlock(block.Bytes())
	return h
}

// ExtendWithPageTable extends h with a LOAD_PAGE_TABLE block, mirroring
// extend_enclave_hash_with_page_table.
func ExtendWithPageTable(h *crypto.MeasurementHash, virtualAddr uintptr, level uint, acl uintptr) {
	block := Block{
		Opcode: OpcodeLoadPageTable,
		Ptr1:   uint64(virtualAddr),
		Ptr2:   uint64(acl),
		Size1:  uint64(level),
	}
	h.ExtendBlock(block.Bytes())
}

// ExtendWithPage extends h with a LOAD_PAGE block followed by one block per
// crypto.HashBlockSize-byte chunk of the page's contents, mirroring
// extend_enclave_hash_with_page. pageContents must be exactly one page long
// and its length must be a multiple of crypto.HashBlockSize.
func ExtendWithPage(h *crypto.MeasurementHash, virtualAddr, acl uintptr, pageContents []byte) {
	block := Block{
		Opcode: OpcodeLoadPage,
		Ptr1:   uint64(virtualAddr),
		Ptr2:   uint64(acl),
	}
	h.ExtendBlock(block.Bytes())

	for off := 0; off < len(pageContents); off += crypto.HashBlockSize {
		var chunk [crypto.HashBlockSize]byte
		copy(chunk[:], pageContents[off:off+crypto.HashBlockSize])
		h.ExtendBlock(chunk)
	}
}

// ExtendWithThread extends h with a LOAD_THREAD block, mirroring
// extend_enclave_hash_with_thread.
func ExtendWithThread(h *crypto.MeasurementHash, entryPC, entryStack, faultPC, faultStack uintptr) {
	block := Block{
		Opcode: OpcodeLoadThread,
		Ptr1:   uint64(entryPC),
		Ptr2:   uint64(entryStack),
		Ptr3:   uint64(faultPC),
		Ptr4:   uint64(faultStack),
	}
	h.ExtendBlock(block.Bytes())
}

// Finalize extends h with the FINALIZE_ENCLAVE block and returns the
// resulting digest, mirroring finalize_enclave_hash.
func Finalize(h *crypto.MeasurementHash) [crypto.HashSize]byte {
	block := Block{Opcode: OpcodeFinalizeEnclave}
	h.ExtendBlock(block.Bytes())
	return h.Finalize()
}
