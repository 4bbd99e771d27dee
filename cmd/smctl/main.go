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

// smctl is a demonstration and operations CLI for the enclave security
// monitor: it drives the OS call surface and the enclave call surface
// end-to-end against an in-process Monitor, the way runsc is a CLI
// front-end over the gVisor sentry.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func registerCommands() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&initConfigCommand{}, "")
	subcommands.Register(&demoCommand{}, "")
	subcommands.Register(&flushAllCommand{}, "")
}

func main() {
	registerCommands()
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
