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

// Package bootcfg loads the platform parameters the monitor treats as
// fixed once booted: DRAM geometry, last-level-cache geometry, core count,
// page-table depth, and mailbox sizing. The original monitor reads these
// from platform-specific register probes at boot
// (sm/arch/memory.h's read_dram_base/read_dram_size and friends); this
// package's TOML-based equivalent lets the same monitor binary target the
// simulated platform in tests and the reference platform described in the
// specification without a recompile.
package bootcfg

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/enclavesm/monitor/internal/arch"
)

// Config is the boot-time platform configuration, deserialized from TOML.
type Config struct {
	PageShift uint `toml:"page_shift"`

	DRAMBase uint64 `toml:"dram_base"`
	DRAMSize uint64 `toml:"dram_size"`

	LLCLineSize uint64 `toml:"llc_line_size"`
	LLCSetCount uint64 `toml:"llc_set_count"`

	PageTableLevels uint `toml:"page_table_levels"`

	CoreCount int `toml:"core_count"`

	MailboxMessageSize uint64 `toml:"mailbox_message_size"`

	// DeviceSecretKeyPath names a 64-byte raw Ed25519 private key file for
	// the device attestation key. Nothing in this module reads it:
	// monitor.New takes the device key pair as arguments, and the
	// demonstration CLI generates an ephemeral one.
	DeviceSecretKeyPath string `toml:"device_secret_key_path"`
}

// Default returns the configuration matching the reference platform
// described in the specification: 2 GiB of DRAM at 0x80000000, a 64-byte
// cache line, a 32768-set LLC, 4 KiB pages, a 3-level page table, a single
// core, and 256-byte mailbox messages.
func Default() Config {
	return Config{
		PageShift:          12,
		DRAMBase:           0x80000000,
		DRAMSize:           1 << 31,
		LLCLineSize:        64,
		LLCSetCount:        32768,
		PageTableLevels:    3,
		CoreCount:          1,
		MailboxMessageSize: 256,
	}
}

// Load reads a Config from a TOML file at path, starting from Default() so
// an incomplete file only overrides the fields it mentions.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: loading %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against the boot invariants the
// monitor assumes and never rechecks at runtime. A violation here is a
// deployment error, not a caller mistake, so it is reported as a returned
// error rather than one of the monitor's own result.Code values: nothing in
// the public API has run yet.
func (c Config) Validate() error {
	if c.CoreCount <= 0 {
		return fmt.Errorf("bootcfg: core_count must be positive, got %d", c.CoreCount)
	}
	if c.MailboxMessageSize == 0 {
		return fmt.Errorf("bootcfg: mailbox_message_size must be positive")
	}
	if c.MailboxMessageSize%8 != 0 {
		return fmt.Errorf("bootcfg: mailbox_message_size must be a multiple of the pointer width")
	}
	// NewLayout itself panics on the remaining invariants (power-of-two
	// sizes, cache geometry wide enough to index regions); Layout() surfaces
	// those as a panic recovered into an error here, since this is the one
	// place in the monitor where an invariant violation is an ordinary,
	// recoverable configuration mistake rather than an unreachable bug.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("bootcfg: invalid platform geometry: %v", r)
			}
		}()
		c.Layout()
	}()
	return err
}

// Layout derives the monitor's address layout from the configuration,
// following boot_init_dram_regions().
func (c Config) Layout() arch.Layout {
	return arch.NewLayout(c.PageShift, arch.PhysAddr(c.DRAMBase), uintptr(c.DRAMSize), uintptr(c.LLCLineSize), uintptr(c.LLCSetCount), c.PageTableLevels)
}

// WriteDefault writes the Default configuration to path as TOML, for use by
// the demonstration CLI's "init-config" subcommand.
func WriteDefault(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(Default())
}
