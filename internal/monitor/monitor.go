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

// Package monitor assembles the region manager, metadata manager and
// enclave engine into a single boot-time object and exposes the OS and
// enclave call surfaces described in Section 6 of the specification as
// ordinary Go methods. It is grounded on how sm/monitor/*.c's entry points
// are all thin wrappers around the same global state, collected here into
// one struct built once at boot, following the REDESIGN FLAGS note that a
// single Monitor object should replace the original's process-wide globals.
package monitor

import (
	"crypto/ed25519"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/enclavesm/monitor/internal/arch"
	"github.com/enclavesm/monitor/internal/bootcfg"
	"github.com/enclavesm/monitor/internal/crypto"
	"github.com/enclavesm/monitor/internal/dram"
	"github.com/enclavesm/monitor/internal/enclave"
	"github.com/enclavesm/monitor/internal/hwface"
	"github.com/enclavesm/monitor/internal/measure"
	"github.com/enclavesm/monitor/internal/metadata"
	"github.com/enclavesm/monitor/internal/region"
	"github.com/enclavesm/monitor/internal/result"
)

// Monitor is the trusted security monitor's complete runtime state,
// constructed once at boot and shared by every core thereafter. Every
// exported method corresponds to one OS-call-surface or enclave-call-surface
// operation from Section 6, and every non-Ok return leaves Monitor's
// observable state exactly as it was before the call.
type Monitor struct {
	layout  arch.Layout
	arena   *dram.Arena
	regs    hwface.Registers
	regions *region.Manager
	meta    *metadata.Manager
	engine  *enclave.Engine

	mailboxMessageSize uintptr

	log *logrus.Entry
}

// Option configures New.
type Option func(*options)

type options struct {
	registers hwface.Registers
	arena     *dram.Arena
	log       *logrus.Entry
}

// WithRegisters overrides the hardware façade. Tests and the demonstration
// CLI use this to inject hwface.NewSimulated; a production build would
// supply a real CSR-backed implementation instead.
func WithRegisters(r hwface.Registers) Option {
	return func(o *options) { o.registers = r }
}

// WithArena overrides the backing DRAM arena, e.g. with dram.OpenFile for a
// persistent image.
func WithArena(a *dram.Arena) Option {
	return func(o *options) { o.arena = a }
}

// WithLogger overrides the structured logger every call logs through.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// New boots a Monitor from cfg, mirroring the monitor's boot_init sequence:
// derive the layout, build the region/metadata/enclave layers over it, and
// measure the monitor itself into a freshly derived attestation key chain.
// devicePub/devicePriv is the long-lived device root-of-trust key pair,
// provisioned once at manufacture.
func New(cfg bootcfg.Config, devicePub ed25519.PublicKey, devicePriv ed25519.PrivateKey, opts ...Option) (*Monitor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}

	layout := cfg.Layout()

	arena := o.arena
	if arena == nil {
		arena = dram.New(layout)
	}

	registers := o.registers
	if registers == nil {
		registers = hwface.NewSimulated(o.log)
	}
	registers.SetCacheIndexShift(layout.PageShift + layout.StripeShift - layout.RegionShift)

	regions := region.New(layout, arena, registers, cfg.CoreCount)
	meta := metadata.New(regions)
	engine := enclave.New(meta, registers, cfg.CoreCount, o.log)

	keys, err := crypto.NewAttestationKeys(devicePub, devicePriv)
	if err != nil {
		return nil, fmt.Errorf("monitor: deriving attestation keys: %w", err)
	}
	keys.Certify(measureSelf())
	engine.SetAttestationKeys(keys)

	return &Monitor{
		layout:             layout,
		arena:              arena,
		regs:               registers,
		regions:            regions,
		meta:               meta,
		engine:             engine,
		mailboxMessageSize: uintptr(cfg.MailboxMessageSize),
		log:                o.log,
	}, nil
}

// measureSelf stands in for hashing the monitor's own loaded code and data,
// which on the reference platform is done by a boot ROM before the monitor
// ever runs. There is no monitor binary to hash from inside the monitor
// itself in this simulated environment, so the self-measurement is the
// fixed, all-zero placeholder a bootloader would otherwise compute and pass
// in; callers that need a specific value should call Certify again with it.
func measureSelf() [crypto.HashSize]byte {
	var h [crypto.HashSize]byte
	return h
}

func (m *Monitor) call(name string, fields logrus.Fields, code result.Code) result.Code {
	entry := m.log.WithField("call", name)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry = entry.WithField("result", code.String())
	if code == result.Ok {
		entry.Debug("monitor: call completed")
	} else {
		entry.Info("monitor: call rejected")
	}
	return code
}

// --- OS call surface -------------------------------------------------------

func (m *Monitor) SetDMARange(base arch.PhysAddr, mask uintptr) result.Code {
	return m.call("set_dma_range", logrus.Fields{"base": base, "mask": mask}, m.regions.SetDMARange(base, mask))
}

func (m *Monitor) DRAMRegionState(r uintptr) region.State {
	return m.regions.DRAMRegionState(r)
}

func (m *Monitor) DRAMRegionOwner(r uintptr) (region.Owner, result.Code) {
	owner, code := m.regions.DRAMRegionOwner(r)
	m.call("dram_region_owner", logrus.Fields{"region": r}, code)
	return owner, code
}

func (m *Monitor) AssignDRAMRegion(r uintptr, newOwner region.Owner) result.Code {
	return m.call("assign_dram_region", logrus.Fields{"region": r, "owner": newOwner}, m.regions.AssignDRAMRegion(r, newOwner))
}

func (m *Monitor) FreeDRAMRegion(r uintptr) result.Code {
	return m.call("free_dram_region", logrus.Fields{"region": r}, m.regions.FreeDRAMRegion(r))
}

func (m *Monitor) FlushCachedDRAMRegions(coreID int) result.Code {
	return m.call("flush_cached_dram_regions", logrus.Fields{"core": coreID}, m.regions.FlushCachedDRAMRegions(coreID))
}

func (m *Monitor) CreateMetadataRegion(r uintptr) result.Code {
	return m.call("create_metadata_region", logrus.Fields{"region": r}, m.meta.InitMetadataRegion(r))
}

// MetadataRegionPages returns the number of pages in one metadata region's
// stripe, mirroring metadata_region_pages.
func (m *Monitor) MetadataRegionPages() uintptr {
	return m.layout.StripePages
}

// MetadataRegionStart returns the first address of the metadata region r
// covers, mirroring metadata_region_start.
func (m *Monitor) MetadataRegionStart(r uintptr) arch.PhysAddr {
	return m.layout.RegionStart(r)
}

func (m *Monitor) ThreadMetadataPages() uintptr {
	return m.meta.ThreadMetadataPages()
}

// EnclaveMetadataPages returns the number of metadata pages an enclave with
// mailboxCount mailboxes will occupy, mirroring enclave_metadata_pages. The
// per-message size comes from boot configuration rather than a link-time
// constant, per SPEC_FULL's configurable-platform resolution of Section 9's
// hard-coded-platform open question.
func (m *Monitor) EnclaveMetadataPages(mailboxCount int) uintptr {
	return m.meta.EnclaveInfoPages(mailboxCount, m.mailboxMessageSize)
}

func (m *Monitor) CreateEnclave(enclaveID arch.PhysAddr, evBase, evMask uintptr, mailboxCount int, debug bool) result.Code {
	code := m.meta.CreateEnclave(enclaveID, evBase, evMask, mailboxCount, m.mailboxMessageSize, debug)
	return m.call("create_enclave", logrus.Fields{"enclave_id": enclaveID, "debug": debug}, code)
}

func (m *Monitor) LoadPageTable(enclaveID, physAddr arch.PhysAddr, virtualAddr uintptr, level uint, acl uintptr) result.Code {
	code := m.engine.LoadPageTable(enclaveID, physAddr, virtualAddr, level, acl)
	return m.call("load_page_table", logrus.Fields{"enclave_id": enclaveID, "phys_addr": physAddr, "level": level}, code)
}

func (m *Monitor) LoadPage(enclaveID, physAddr arch.PhysAddr, virtualAddr uintptr, osAddr arch.PhysAddr, acl uintptr) result.Code {
	code := m.engine.LoadPage(enclaveID, physAddr, virtualAddr, osAddr, acl)
	return m.call("load_page", logrus.Fields{"enclave_id": enclaveID, "phys_addr": physAddr}, code)
}

func (m *Monitor) LoadThread(enclaveID, threadID arch.PhysAddr, entryPC, entryStack, faultPC, faultStack uintptr) result.Code {
	code := m.meta.LoadThread(enclaveID, threadID, entryPC, entryStack, faultPC, faultStack)
	return m.call("load_thread", logrus.Fields{"enclave_id": enclaveID, "thread_id": threadID}, code)
}

func (m *Monitor) AssignThread(enclaveID, threadID arch.PhysAddr) result.Code {
	code := m.meta.AssignThread(enclaveID, threadID)
	return m.call("assign_thread", logrus.Fields{"enclave_id": enclaveID, "thread_id": threadID}, code)
}

func (m *Monitor) InitEnclave(enclaveID arch.PhysAddr) result.Code {
	code := m.engine.InitEnclave(enclaveID)
	return m.call("init_enclave", logrus.Fields{"enclave_id": enclaveID}, code)
}

func (m *Monitor) EnterEnclave(coreID int, enclaveID, threadID arch.PhysAddr) (*metadata.ThreadInfo, result.Code) {
	ti, code := m.engine.EnterEnclave(coreID, enclaveID, threadID)
	m.call("enter_enclave", logrus.Fields{"core": coreID, "enclave_id": enclaveID, "thread_id": threadID}, code)
	return ti, code
}

func (m *Monitor) DeleteThread(coreID int, threadID arch.PhysAddr) result.Code {
	code := m.engine.DeleteThread(coreID, threadID)
	return m.call("delete_thread", logrus.Fields{"core": coreID, "thread_id": threadID}, code)
}

func (m *Monitor) DeleteEnclave(enclaveID arch.PhysAddr) result.Code {
	code := m.engine.DeleteEnclave(enclaveID)
	return m.call("delete_enclave", logrus.Fields{"enclave_id": enclaveID}, code)
}

func (m *Monitor) CopyDebugEnclavePage(enclaveID arch.PhysAddr, enclaveAddr, osAddr arch.PhysAddr, readFromEnclave bool) result.Code {
	code := m.engine.CopyDebugEnclavePage(enclaveID, enclaveAddr, osAddr, readFromEnclave)
	return m.call("copy_debug_enclave_page", logrus.Fields{"enclave_id": enclaveID}, code)
}

// --- Enclave call surface ---------------------------------------------------

// BlockDRAMRegion blocks region r on the calling core's behalf. The caller's
// identity is resolved from core state via the enclave engine's
// current_enclave() equivalent rather than trusted as an argument, so a
// caller can only ever block a region it actually owns.
func (m *Monitor) BlockDRAMRegion(coreID int, r uintptr) result.Code {
	owner, code := m.engine.CurrentEnclave(coreID)
	if code != result.Ok {
		return m.call("block_dram_region", logrus.Fields{"core": coreID, "region": r}, code)
	}
	return m.call("block_dram_region", logrus.Fields{"core": coreID, "region": r, "owner": owner}, m.regions.BlockDRAMRegion(r, owner))
}

// DRAMRegionCheckOwnership reports whether region r is owned by the calling
// core's own current enclave identity, resolved the same way as
// BlockDRAMRegion rather than taking the owner to check against as an
// argument.
func (m *Monitor) DRAMRegionCheckOwnership(coreID int, r uintptr) (bool, result.Code) {
	owner, code := m.engine.CurrentEnclave(coreID)
	if code != result.Ok {
		m.call("dram_region_check_ownership", logrus.Fields{"core": coreID, "region": r}, code)
		return false, code
	}
	ok, code := m.regions.DRAMRegionCheckOwnership(r, owner)
	m.call("dram_region_check_ownership", logrus.Fields{"core": coreID, "region": r, "owner": owner}, code)
	return ok, code
}

func (m *Monitor) AcceptThread(coreID int, threadID arch.PhysAddr, entryPC, entryStack, faultPC, faultStack uintptr, eptbr uint64) result.Code {
	code := m.engine.AcceptThread(coreID, threadID, entryPC, entryStack, faultPC, faultStack, eptbr)
	return m.call("accept_thread", logrus.Fields{"core": coreID, "thread_id": threadID}, code)
}

func (m *Monitor) ExitEnclave(coreID int) result.Code {
	return m.call("exit_enclave", logrus.Fields{"core": coreID}, m.engine.ExitEnclave(coreID))
}

func (m *Monitor) GetAttestationKey(f crypto.Field) ([]byte, result.Code) {
	b, code := m.engine.GetAttestationKey(f)
	m.call("get_attestation_key", logrus.Fields{"field": f}, code)
	return b, code
}

func (m *Monitor) SendMessage(coreID int, destEnclaveID arch.PhysAddr, mbox int, msg []byte) result.Code {
	code := m.engine.SendMessage(coreID, destEnclaveID, mbox, msg)
	return m.call("send_message", logrus.Fields{"core": coreID, "dest": destEnclaveID, "mailbox": mbox}, code)
}

func (m *Monitor) AcceptMessage(coreID int, mbox int, expectedSenderID region.Owner, expectedSenderHash [crypto.HashSize]byte) result.Code {
	code := m.engine.AcceptMessage(coreID, mbox, expectedSenderID, expectedSenderHash)
	return m.call("accept_message", logrus.Fields{"core": coreID, "mailbox": mbox}, code)
}

func (m *Monitor) ReadMessage(coreID int, mbox int) ([]byte, result.Code) {
	msg, code := m.engine.ReadMessage(coreID, mbox)
	m.call("read_message", logrus.Fields{"core": coreID, "mailbox": mbox}, code)
	return msg, code
}

// Layout returns the monitor's derived address layout, for tooling (e.g.
// cmd/smctl) that needs to compute addresses before issuing a call.
func (m *Monitor) Layout() arch.Layout { return m.layout }

// EnclaveMeasurement returns an initialized enclave's finalized measurement
// hash, for tooling that wants to display or compare it (e.g. the
// demonstration CLI, or a remote party replaying get_attestation_key's
// report against an independently computed value).
func (m *Monitor) EnclaveMeasurement(enclaveID arch.PhysAddr) ([crypto.HashSize]byte, result.Code) {
	ei, code := m.meta.LockEnclave(enclaveID)
	if code != result.Ok {
		return [crypto.HashSize]byte{}, code
	}
	defer m.meta.UnlockEnclave(ei)
	return ei.HashValue, result.Ok
}

// Measure reduces a sequence of measurement blocks the same way the
// monitor's own enclave hash does, so a caller can replay a block sequence
// in a reference hasher and compare the result (S2's "measurement equals the
// value obtained by replaying the same sequence in a reference hasher").
func Measure(blocks []measure.Block) [crypto.HashSize]byte {
	h := crypto.NewMeasurementHash()
	for _, b := range blocks {
		h.ExtendBlock(b.Bytes())
	}
	return h.Finalize()
}
