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
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/blinklabs-io/goarchive/internal/config"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/blinklabs-io/goarchive/worker"
	"github.com/goccy/go-json"
)

// maxRowSize bounds a single JSON row in a chunk file
const maxRowSize = 16 * 1024 * 1024

func runWorker(f *globalFlags) {
	logger := newLogger(f)
	signer := mustLoadSigner(f)
	storage := worker.NewMemoryStorage()
	for _, chunk := range f.cfg.Worker.Chunks {
		if err := loadChunk(storage, chunk); err != nil {
			fmt.Printf("ERROR: failed to load chunk %s: %s\n", chunk.File, err)
			os.Exit(1)
		}
		logger.Info(
			"loaded chunk",
			"dataset", chunk.Dataset,
			"begin", chunk.Begin,
			"end", chunk.End,
		)
	}
	tr := mustTransport(f, signer, logger)
	defer tr.Close()
	reg := newRegistry()
	stopMetrics := startMetrics(f, reg, logger)
	defer stopMetrics()
	wc := f.cfg.Worker
	node, err := worker.New(
		signer,
		tr,
		storage,
		worker.NewConfig(
			worker.WithSchedulerId(wc.SchedulerId),
			worker.WithCollectorId(wc.CollectorId),
			worker.WithWorkerUrl(wc.WorkerUrl),
			worker.WithPingDirect(wc.PingDirect),
			worker.WithPingPeriod(wc.PingPeriod),
			worker.WithQueryTimeout(wc.QueryTimeout),
			worker.WithNumWorkers(wc.NumWorkers),
			worker.WithQueueSize(wc.QueueSize),
			worker.WithRequireQuerySignature(wc.RequireQuerySignature),
			worker.WithFlushInterval(wc.FlushInterval),
			worker.WithLogger(logger),
			worker.WithRegisterer(reg),
		),
	)
	if err != nil {
		fmt.Printf("ERROR: failed to create worker: %s\n", err)
		os.Exit(1)
	}
	ctx, cancel := signalContext()
	defer cancel()
	node.Start(ctx)
	logger.Info("worker started", "peer_id", signer.PeerId(), "scheduler_id", wc.SchedulerId)
	<-ctx.Done()
	logger.Info("shutting down")
	node.Stop()
}

// loadChunk reads a file of JSON rows, one per line, into storage
func loadChunk(storage *worker.MemoryStorage, chunk config.ChunkConfig) error {
	blocks, err := rangeset.NewRange(chunk.Begin, chunk.End)
	if err != nil {
		return err
	}
	file, err := os.Open(chunk.File)
	if err != nil {
		return err
	}
	defer file.Close()
	var rows []json.RawMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRowSize)
	line := 0
	for scanner.Scan() {
		line++
		row := bytes.TrimSpace(scanner.Bytes())
		if len(row) == 0 {
			continue
		}
		if !json.Valid(row) {
			return fmt.Errorf("line %d: invalid JSON", line)
		}
		rows = append(rows, json.RawMessage(bytes.Clone(row)))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return storage.AddChunk(chunk.Dataset, blocks, rows)
}
