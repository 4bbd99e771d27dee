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

package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/enclavesm/monitor/internal/arch"
	"github.com/enclavesm/monitor/internal/bootcfg"
	"github.com/enclavesm/monitor/internal/monitor"
	"github.com/enclavesm/monitor/internal/region"
	"github.com/enclavesm/monitor/internal/result"
	"github.com/enclavesm/monitor/pkg/rand"
	"github.com/enclavesm/monitor/pkg/retry"
)

// initConfigCommand writes the reference platform's boot configuration to a
// TOML file, for editing into a non-default one.
type initConfigCommand struct {
	path string
}

func (*initConfigCommand) Name() string     { return "init-config" }
func (*initConfigCommand) Synopsis() string { return "write the default boot configuration as TOML" }
func (*initConfigCommand) Usage() string {
	return "init-config [-out path]:\n  write the reference platform's boot configuration.\n"
}

func (c *initConfigCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.path, "out", "smctl-boot.toml", "output path")
}

func (c *initConfigCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := bootcfg.WriteDefault(c.path); err != nil {
		fmt.Printf("smctl: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("wrote %s\n", c.path)
	return subcommands.ExitSuccess
}

// newDemoMonitor boots a Monitor over the default configuration with a
// freshly generated, ephemeral device key pair, suitable for running the
// demonstration scenarios against.
func newDemoMonitor() (*monitor.Monitor, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	log := logrus.NewEntry(logrus.StandardLogger())
	return monitor.New(bootcfg.Default(), pub, priv, monitor.WithLogger(log))
}

// demoCommand drives the OS and enclave call surfaces end-to-end against an
// in-process Monitor, running the specification's S1 (region lifecycle) and
// S2 (canonical enclave lifecycle, including a mailbox round-trip between
// two enclaves) scenarios and printing every call's result.
type demoCommand struct{}

func (*demoCommand) Name() string     { return "demo" }
func (*demoCommand) Synopsis() string { return "run the S1/S2 scenarios against an in-process monitor" }
func (*demoCommand) Usage() string {
	return "demo:\n  boot a monitor and drive the region and enclave lifecycle end-to-end.\n"
}
func (*demoCommand) SetFlags(*flag.FlagSet) {}

func (*demoCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	m, err := newDemoMonitor()
	if err != nil {
		fmt.Printf("smctl: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Println("-- S1: OS claims and returns a region --")
	report("assign_dram_region(5, OS)", m.AssignDRAMRegion(5, region.OwnerOS))
	fmt.Printf("dram_region_state(5) = %v\n", m.DRAMRegionState(5))
	report("block_dram_region(core 0, 5)", m.BlockDRAMRegion(0, 5))
	fmt.Printf("dram_region_state(5) = %v\n", m.DRAMRegionState(5))
	report("free_dram_region(5) [expect invalid_state]", m.FreeDRAMRegion(5))
	report("flush_cached_dram_regions(core 0)", m.FlushCachedDRAMRegions(0))
	report("free_dram_region(5) [expect ok]", m.FreeDRAMRegion(5))

	fmt.Println("\n-- S2: canonical enclave lifecycle + mailbox round-trip --")
	a, err := buildEnclave(m, 2, 7, 1, false)
	if err != nil {
		fmt.Printf("smctl: enclave A: %v\n", err)
		return subcommands.ExitFailure
	}
	b, err := buildEnclave(m, 3, 8, 1, false)
	if err != nil {
		fmt.Printf("smctl: enclave B: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("enclave A measurement = %x\n", a.hash)
	fmt.Printf("enclave B measurement = %x\n", b.hash)

	_, code := m.EnterEnclave(0, b.enclaveID, b.threadID)
	report("enter_enclave(core 0, B)", code)
	report("accept_message(core 0, mbox 0)", m.AcceptMessage(0, 0, region.Owner(a.enclaveID), a.hash))
	report("exit_enclave(core 0)", m.ExitEnclave(0))

	_, code = m.EnterEnclave(0, a.enclaveID, a.threadID)
	report("enter_enclave(core 0, A)", code)
	report("send_message(core 0, -> B, mbox 0)", m.SendMessage(0, b.enclaveID, 0, []byte("hello from A")))
	report("exit_enclave(core 0)", m.ExitEnclave(0))

	_, code = m.EnterEnclave(0, b.enclaveID, b.threadID)
	report("enter_enclave(core 0, B)", code)
	msg, code := m.ReadMessage(0, 0)
	report("read_message(core 0, mbox 0)", code)
	fmt.Printf("message = %q\n", msg)
	report("exit_enclave(core 0)", m.ExitEnclave(0))

	return subcommands.ExitSuccess
}

// flushAllCommand flushes every core's cached DRAM region state concurrently,
// using errgroup to fan out the flush across goroutines standing in for
// cores, each call wrapped in retry's backoff policy. FlushCachedDRAMRegions
// never reports a concurrent call, so the policy returns after one attempt.
type flushAllCommand struct {
	cores int
}

func (*flushAllCommand) Name() string { return "flush-all" }
func (*flushAllCommand) Synopsis() string {
	return "flush every core's cached DRAM region state concurrently"
}
func (*flushAllCommand) Usage() string {
	return "flush-all [-cores N]:\n  flush N cores concurrently against a freshly booted monitor.\n"
}

func (c *flushAllCommand) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.cores, "cores", 4, "number of simulated cores")
}

func (c *flushAllCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := bootcfg.Default()
	cfg.CoreCount = c.cores
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Printf("smctl: %v\n", err)
		return subcommands.ExitFailure
	}
	m, err := monitor.New(cfg, pub, priv)
	if err != nil {
		fmt.Printf("smctl: %v\n", err)
		return subcommands.ExitFailure
	}

	policy := retry.New(50)
	g, gctx := errgroup.WithContext(ctx)
	for core := 0; core < c.cores; core++ {
		core := core
		g.Go(func() error {
			code := policy.Do(gctx, func() result.Code { return m.FlushCachedDRAMRegions(core) })
			if code != result.Ok {
				return fmt.Errorf("core %d: flush returned %v", core, code)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Printf("smctl: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("flushed %d cores\n", c.cores)
	return subcommands.ExitSuccess
}

// buildEnclave creates, loads and initializes a minimal single-thread
// enclave, returning its identity and measurement for use by demoCommand.
type demoEnclave struct {
	enclaveID arch.PhysAddr
	threadID  arch.PhysAddr
	hash      [64]byte
}

func buildEnclave(m *monitor.Monitor, metadataRegion, dataRegion uintptr, mailboxCount int, debug bool) (*demoEnclave, error) {
	if code := m.CreateMetadataRegion(metadataRegion); code != result.Ok && code != result.InvalidState {
		return nil, fmt.Errorf("create_metadata_region(%d) = %v", metadataRegion, code)
	}

	layout := m.Layout()
	enclaveID := layout.RegionStart(metadataRegion)
	const evBase, evMask = 0x40000000, 0x0FFFFFFF

	if code := m.CreateEnclave(enclaveID, evBase, evMask, mailboxCount, debug); code != result.Ok {
		return nil, fmt.Errorf("create_enclave = %v", code)
	}
	if code := m.AssignDRAMRegion(dataRegion, region.Owner(enclaveID)); code != result.Ok {
		return nil, fmt.Errorf("assign_dram_region(%d) = %v", dataRegion, code)
	}

	pageSize := layout.PageSize()
	tableSize := layout.PageTableSize(0)
	base := layout.RegionStart(dataRegion)
	root := base
	level1 := root + arch.PhysAddr(tableSize)
	level0 := level1 + arch.PhysAddr(tableSize)
	page := level0 + arch.PhysAddr(tableSize)
	osPage := layout.RegionStart(0)

	if code := m.LoadPageTable(enclaveID, root, 0, layout.PageTableLevels-1, 0xF); code != result.Ok {
		return nil, fmt.Errorf("load_page_table(level=top) = %v", code)
	}
	if code := m.LoadPageTable(enclaveID, level1, evBase, 1, 0xF); code != result.Ok {
		return nil, fmt.Errorf("load_page_table(level=1) = %v", code)
	}
	if code := m.LoadPageTable(enclaveID, level0, evBase, 0, 0xF); code != result.Ok {
		return nil, fmt.Errorf("load_page_table(level=0) = %v", code)
	}
	if code := m.LoadPage(enclaveID, page, evBase, osPage, 0x7); code != result.Ok {
		return nil, fmt.Errorf("load_page = %v", code)
	}

	enclaveInfoPages := m.EnclaveMetadataPages(mailboxCount)
	threadID := enclaveID + arch.PhysAddr(enclaveInfoPages)*arch.PhysAddr(pageSize)
	if code := m.LoadThread(enclaveID, threadID, evBase, evBase+uintptr(pageSize), 0, 0); code != result.Ok {
		return nil, fmt.Errorf("load_thread = %v", code)
	}
	if code := m.InitEnclave(enclaveID); code != result.Ok {
		return nil, fmt.Errorf("init_enclave = %v", code)
	}
	hash, code := m.EnclaveMeasurement(enclaveID)
	if code != result.Ok {
		return nil, fmt.Errorf("enclave_measurement = %v", code)
	}

	return &demoEnclave{enclaveID: enclaveID, threadID: threadID, hash: hash}, nil
}

func report(label string, code result.Code) {
	fmt.Printf("%-45s %s\n", label, code.String())
}
