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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blinklabs-io/goarchive/internal/config"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/blinklabs-io/goarchive/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logging:
  format: json
  level: debug
key_file: /etc/goarchive/key
transport:
  listen_address: ":7000"
  peers:
    - 10.0.0.1:7000
worker:
  scheduler_id: sched
  ping_period: 5s
  num_workers: 4
  chunks:
    - dataset: eth
      begin: 0
      end: 1000
      file: /data/eth-0.jsonl
scheduler:
  min_version: 0.1.0
  replication: 3
  datasets:
    - name: eth
      begin: 0
      end: 5000
collector:
  bucket_url: file:///var/lib/goarchive
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "mem://", cfg.Collector.BucketUrl)
	assert.Equal(t, 10*time.Second, cfg.Worker.PingPeriod)
	assert.Equal(t, scheduler.DefaultReplication, cfg.Scheduler.Replication)
}

func TestLoadFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/etc/goarchive/key", cfg.KeyFile)
	assert.Equal(t, []string{"10.0.0.1:7000"}, cfg.Transport.Peers)
	assert.Equal(t, 5*time.Second, cfg.Worker.PingPeriod)
	assert.Equal(t, 4, cfg.Worker.NumWorkers)
	require.Len(t, cfg.Worker.Chunks, 1)
	assert.Equal(t, uint64(1000), cfg.Worker.Chunks[0].End)
	assert.Equal(t, 3, cfg.Scheduler.Replication)
	assert.Equal(
		t,
		map[string]rangeset.Range{"eth": rangeset.MustRange(0, 5000)},
		cfg.SchedulerDatasets(),
	)
	// Unset values keep their defaults
	assert.Equal(t, scheduler.DefaultWorkerInactiveTimeout, cfg.Scheduler.WorkerInactiveTimeout)
	assert.Equal(t, "query-logs/", cfg.Collector.Prefix)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GOARCHIVE_LOG_LEVEL", "warn")
	t.Setenv("GOARCHIVE_PEERS", "a:1, b:2,")
	t.Setenv("GOARCHIVE_PING_PERIOD", "1m")
	t.Setenv("GOARCHIVE_AUTO_REGISTER", "true")
	t.Setenv("GOARCHIVE_BUCKET_URL", "mem://")
	cfg, err := config.Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Transport.Peers)
	assert.Equal(t, time.Minute, cfg.Worker.PingPeriod)
	assert.True(t, cfg.Scheduler.AutoRegister)
	assert.Equal(t, "mem://", cfg.Collector.BucketUrl)
}

func TestInvalidEnvironment(t *testing.T) {
	t.Setenv("GOARCHIVE_NUM_WORKERS", "many")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "GOARCHIVE_NUM_WORKERS")
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "worker: [not, a, map]"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, `
scheduler:
  datasets:
    - name: eth
      begin: 10
      end: 5
`))
	assert.ErrorIs(t, err, rangeset.ErrInvalidRange)

	_, err = config.Load(writeConfig(t, `
worker:
  chunks:
    - begin: 0
      end: 10
`))
	assert.ErrorContains(t, err, "dataset and a file")
}
