// Copyright 2025 Blink Labs Software
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
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/blinklabs-io/goarchive/protocol/common"
)

type keygenFlags struct {
	flagset *flag.FlagSet
	output  string
}

func newKeygenFlags() *keygenFlags {
	f := &keygenFlags{
		flagset: flag.NewFlagSet("keygen", flag.ExitOnError),
	}
	f.flagset.StringVar(&f.output, "output", "", "file to write the key to (defaults to the configured key file)")
	return f
}

func runKeygen(f *globalFlags) {
	keygenFlags := newKeygenFlags()
	err := keygenFlags.flagset.Parse(f.flagset.Args()[1:])
	if err != nil {
		fmt.Printf("failed to parse subcommand args: %s\n", err)
		os.Exit(1)
	}
	output := keygenFlags.output
	if output == "" {
		output = f.cfg.KeyFile
	}
	if output == "" {
		fmt.Printf("ERROR: you must specify -output or a key file in the config\n")
		os.Exit(1)
	}
	if _, err := os.Stat(output); err == nil {
		fmt.Printf("ERROR: refusing to overwrite existing key file %s\n", output)
		os.Exit(1)
	}
	signer, err := common.GenerateEd25519Signer()
	if err != nil {
		fmt.Printf("ERROR: failed to generate key: %s\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(output, []byte(hex.EncodeToString(signer.Seed())+"\n"), 0o600); err != nil {
		fmt.Printf("ERROR: failed to write key file: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("peer ID: %s\n", signer.PeerId())
}
