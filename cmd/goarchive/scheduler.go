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
	"fmt"
	"os"

	"github.com/blinklabs-io/goarchive/scheduler"
)

func runScheduler(f *globalFlags) {
	logger := newLogger(f)
	signer := mustLoadSigner(f)
	tr := mustTransport(f, signer, logger)
	defer tr.Close()
	reg := newRegistry()
	stopMetrics := startMetrics(f, reg, logger)
	defer stopMetrics()
	sc := f.cfg.Scheduler
	options := []scheduler.SchedulerOptionFunc{
		scheduler.WithAutoRegister(sc.AutoRegister),
		scheduler.WithMinVersion(sc.MinVersion),
		scheduler.WithJailAfterMissedAssignments(sc.JailAfterMissedAssignments),
		scheduler.WithWorkerInactiveTimeout(sc.WorkerInactiveTimeout),
		scheduler.WithAssigner(scheduler.NewRendezvousAssigner(sc.ChunkSize, sc.Replication)),
		scheduler.WithQueryTimeout(sc.QueryTimeout),
		scheduler.WithLogger(logger),
		scheduler.WithRegisterer(reg),
	}
	for name, blocks := range f.cfg.SchedulerDatasets() {
		options = append(options, scheduler.WithDataset(name, blocks))
	}
	s, err := scheduler.New(tr, scheduler.NewConfig(options...))
	if err != nil {
		fmt.Printf("ERROR: failed to create scheduler: %s\n", err)
		os.Exit(1)
	}
	for _, workerId := range sc.Workers {
		if err := s.Register(workerId); err != nil {
			fmt.Printf("ERROR: failed to register worker %s: %s\n", workerId, err)
			os.Exit(1)
		}
	}
	ctx, cancel := signalContext()
	defer cancel()
	s.Start(ctx)
	logger.Info(
		"scheduler started",
		"peer_id", signer.PeerId(),
		"workers", len(sc.Workers),
		"datasets", len(sc.Datasets),
	)
	<-ctx.Done()
	logger.Info("shutting down")
	s.Stop()
}
