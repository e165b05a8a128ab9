// Copyright 2024 The wbridge Authors.
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

// Command wbridgectl is the host-side administrative client: it attaches
// to a session described by a TOML config file and drives its lifecycle
// operations from the command line (spec §6 external operations).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/subcommands"

	"github.com/wbridge/wbridge/pkg/config"
	"github.com/wbridge/wbridge/pkg/registry"
	"github.com/wbridge/wbridge/pkg/session"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&loadCommand{}, "")
	subcommands.Register(&statusCommand{}, "")
	subcommands.Register(&terminateCommand{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

func loadConfig(path string) (config.Session, session.Launcher, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Session{}, nil, err
	}
	launcher := session.FifoLauncher{Dir: filepath.Dir(path)}
	return cfg, launcher, nil
}

type loadCommand struct {
	configPath   string
	library      string
	kind         string
	useErrno     bool
	useLastError bool
}

func (*loadCommand) Name() string     { return "load" }
func (*loadCommand) Synopsis() string { return "load a library into the guest and print its server id" }
func (*loadCommand) Usage() string {
	return "load -config <path> -library <name> -kind <cdll|windll|oledll>\n"
}

func (c *loadCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "session config TOML path")
	f.StringVar(&c.library, "library", "", "library name to load")
	f.StringVar(&c.kind, "kind", "cdll", "calling convention kind")
	f.BoolVar(&c.useErrno, "use-errno", false, "report C errno back to the client after each call")
	f.BoolVar(&c.useLastError, "use-last-error", false, "report Win32 GetLastError() back to the client after each call")
}

func (c *loadCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, launcher, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	s, err := session.New(cfg, launcher)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer s.Terminate(ctx)

	lib, err := s.LoadLibrary(ctx, c.library, c.kind, &registry.LoadParams{UseErrno: c.useErrno, UseLastError: c.useLastError})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("loaded %q as server id %d (convention=%s)\n", lib.Name, lib.ServerID, lib.Convention)
	return subcommands.ExitSuccess
}

type statusCommand struct {
	configPath string
}

func (*statusCommand) Name() string     { return "status" }
func (*statusCommand) Synopsis() string { return "attach to a session and report reachability" }
func (*statusCommand) Usage() string    { return "status -config <path>\n" }

func (c *statusCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "session config TOML path")
}

func (c *statusCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, launcher, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	s, err := session.New(cfg, launcher)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer s.Terminate(ctx)

	if err := s.Attach(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "session %q is not reachable: %v\n", cfg.ID, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("session %q is up\n", cfg.ID)
	return subcommands.ExitSuccess
}

type terminateCommand struct {
	configPath string
}

func (*terminateCommand) Name() string     { return "terminate" }
func (*terminateCommand) Synopsis() string { return "attach to a session and terminate it" }
func (*terminateCommand) Usage() string    { return "terminate -config <path>\n" }

func (c *terminateCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "session config TOML path")
}

func (c *terminateCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, launcher, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	s, err := session.New(cfg, launcher)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if err := s.Attach(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if err := s.Terminate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("session %q terminated\n", cfg.ID)
	return subcommands.ExitSuccess
}
