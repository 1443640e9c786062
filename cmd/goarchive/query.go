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
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/blinklabs-io/goarchive/client"
)

type queryFlags struct {
	flagset   *flag.FlagSet
	worker    string
	dataset   string
	query     string
	profiling bool
	timeout   time.Duration
	noSign    bool
}

func newQueryFlags() *queryFlags {
	f := &queryFlags{
		flagset: flag.NewFlagSet("query", flag.ExitOnError),
	}
	f.flagset.StringVar(&f.worker, "worker", "", "peer ID of the worker to query")
	f.flagset.StringVar(&f.dataset, "dataset", "", "dataset to query")
	f.flagset.StringVar(&f.query, "query", "", "query text")
	f.flagset.BoolVar(&f.profiling, "profiling", false, "request the execution plan")
	f.flagset.DurationVar(&f.timeout, "timeout", 0, "query timeout (defaults to the client default)")
	f.flagset.BoolVar(&f.noSign, "no-sign", false, "send the query unsigned")
	return f
}

func runQuery(f *globalFlags) {
	queryFlags := newQueryFlags()
	err := queryFlags.flagset.Parse(f.flagset.Args()[1:])
	if err != nil {
		fmt.Printf("failed to parse subcommand args: %s\n", err)
		os.Exit(1)
	}
	if queryFlags.worker == "" || queryFlags.dataset == "" || queryFlags.query == "" {
		fmt.Printf("ERROR: you must specify -worker, -dataset and -query\n")
		os.Exit(1)
	}
	logger := newLogger(f)
	signer := mustLoadSigner(f)
	tr := mustTransport(f, signer, logger)
	defer tr.Close()
	options := []client.ClientOptionFunc{
		client.WithSignQueries(!queryFlags.noSign),
		client.WithLogger(logger),
	}
	if queryFlags.timeout > 0 {
		options = append(options, client.WithTimeout(queryFlags.timeout))
	}
	c, err := client.New(signer, tr, client.NewConfig(options...))
	if err != nil {
		fmt.Printf("ERROR: failed to create client: %s\n", err)
		os.Exit(1)
	}
	ctx, cancel := signalContext()
	defer cancel()
	c.Start(ctx)
	defer c.Stop()
	result, err := c.Query(
		ctx,
		queryFlags.worker,
		client.Request{
			Dataset:   queryFlags.dataset,
			Query:     queryFlags.query,
			Profiling: queryFlags.profiling,
		},
	)
	if err != nil {
		fmt.Printf("ERROR: query failed: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", result.Data)
	if len(result.ExecPlan) > 0 {
		fmt.Fprintf(os.Stderr, "exec plan: %s\n", result.ExecPlan)
	}
	fmt.Fprintf(os.Stderr, "query %s served by %s in %s\n", result.QueryId, result.WorkerId, result.Duration)
}
