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
	"context"
	"fmt"
	"os"

	"github.com/blinklabs-io/goarchive/collector"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

func runCollector(f *globalFlags) {
	logger := newLogger(f)
	signer := mustLoadSigner(f)
	bucket, err := blob.OpenBucket(context.Background(), f.cfg.Collector.BucketUrl)
	if err != nil {
		fmt.Printf("ERROR: failed to open bucket %s: %s\n", f.cfg.Collector.BucketUrl, err)
		os.Exit(1)
	}
	defer bucket.Close()
	tr := mustTransport(f, signer, logger)
	defer tr.Close()
	reg := newRegistry()
	stopMetrics := startMetrics(f, reg, logger)
	defer stopMetrics()
	c, err := collector.New(
		tr,
		collector.NewConfig(
			collector.WithBucket(bucket),
			collector.WithPrefix(f.cfg.Collector.Prefix),
			collector.WithLogger(logger),
			collector.WithRegisterer(reg),
		),
	)
	if err != nil {
		fmt.Printf("ERROR: failed to create collector: %s\n", err)
		os.Exit(1)
	}
	ctx, cancel := signalContext()
	defer cancel()
	c.Start(ctx)
	logger.Info("collector started", "peer_id", signer.PeerId(), "bucket", f.cfg.Collector.BucketUrl)
	<-ctx.Done()
	logger.Info("shutting down")
	c.Stop()
}
