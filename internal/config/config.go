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

// Package config loads node configuration from a YAML file and GOARCHIVE_*
// environment variables. Environment variables take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blinklabs-io/goarchive/internal/logging"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/blinklabs-io/goarchive/scheduler"
	"github.com/blinklabs-io/goarchive/transport"
	"github.com/blinklabs-io/goarchive/worker"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "GOARCHIVE_"

type Config struct {
	Logging   logging.Config  `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	KeyFile   string          `yaml:"key_file"`
	Transport TransportConfig `yaml:"transport"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Collector CollectorConfig `yaml:"collector"`
}

type MetricsConfig struct {
	// ListenAddress serves /metrics when set
	ListenAddress string `yaml:"listen_address"`
}

type TransportConfig struct {
	ListenAddress string   `yaml:"listen_address"`
	Peers         []string `yaml:"peers"`
	MaxFrameSize  uint32   `yaml:"max_frame_size"`
	QueueSize     int      `yaml:"queue_size"`
}

type WorkerConfig struct {
	SchedulerId           string        `yaml:"scheduler_id"`
	CollectorId           string        `yaml:"collector_id"`
	WorkerUrl             string        `yaml:"worker_url"`
	PingDirect            bool          `yaml:"ping_direct"`
	PingPeriod            time.Duration `yaml:"ping_period"`
	QueryTimeout          time.Duration `yaml:"query_timeout"`
	NumWorkers            int           `yaml:"num_workers"`
	QueueSize             int           `yaml:"queue_size"`
	RequireQuerySignature bool          `yaml:"require_query_signature"`
	FlushInterval         time.Duration `yaml:"flush_interval"`
	Chunks                []ChunkConfig `yaml:"chunks"`
}

// ChunkConfig loads a file of JSON rows, one per line, as the stored chunk
// [Begin, End) of a dataset
type ChunkConfig struct {
	Dataset string `yaml:"dataset"`
	Begin   uint64 `yaml:"begin"`
	End     uint64 `yaml:"end"`
	File    string `yaml:"file"`
}

type SchedulerConfig struct {
	Workers                    []string        `yaml:"workers"`
	AutoRegister               bool            `yaml:"auto_register"`
	MinVersion                 string          `yaml:"min_version"`
	JailAfterMissedAssignments uint            `yaml:"jail_after_missed_assignments"`
	WorkerInactiveTimeout      time.Duration   `yaml:"worker_inactive_timeout"`
	ChunkSize                  uint64          `yaml:"chunk_size"`
	Replication                int             `yaml:"replication"`
	QueryTimeout               time.Duration   `yaml:"query_timeout"`
	Datasets                   []DatasetConfig `yaml:"datasets"`
}

type DatasetConfig struct {
	Name  string `yaml:"name"`
	Begin uint64 `yaml:"begin"`
	End   uint64 `yaml:"end"`
}

type CollectorConfig struct {
	// BucketUrl is a gocloud.dev blob URL such as file:///var/lib/goarchive or mem://
	BucketUrl string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Logging: logging.Config{
			Format: "text",
			Level:  "info",
		},
		Transport: TransportConfig{
			MaxFrameSize: transport.DefaultMaxFrameSize,
			QueueSize:    transport.DefaultQueueSize,
		},
		Worker: WorkerConfig{
			PingPeriod:    10 * time.Second,
			QueryTimeout:  query.DefaultQueryTimeout * time.Second,
			QueueSize:     worker.DefaultQueueSize,
			FlushInterval: worker.DefaultFlushInterval,
		},
		Scheduler: SchedulerConfig{
			JailAfterMissedAssignments: scheduler.DefaultJailAfterMissedAssignments,
			WorkerInactiveTimeout:      scheduler.DefaultWorkerInactiveTimeout,
			ChunkSize:                  scheduler.DefaultChunkSize,
			Replication:                scheduler.DefaultReplication,
			QueryTimeout:               query.DefaultQueryTimeout * time.Second,
		},
		Collector: CollectorConfig{
			BucketUrl: "mem://",
			Prefix:    "query-logs/",
		},
	}
}

// Load reads the YAML file at path, if any, over the defaults and then
// applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type lookupFunc func(string) (string, bool)

type envOverride struct {
	name  string
	apply func(*Config, string) error
}

func stringVar(dest func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dest(c) = v
		return nil
	}
}

func durationVar(dest func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dest(c) = d
		return nil
	}
}

func boolVar(dest func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dest(c) = b
		return nil
	}
}

func intVar(dest func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dest(c) = i
		return nil
	}
}

func listVar(dest func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var ret []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				ret = append(ret, item)
			}
		}
		*dest(c) = ret
		return nil
	}
}

var envOverrides = []envOverride{
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Logging.Format })},
	{"METRICS_LISTEN_ADDRESS", stringVar(func(c *Config) *string { return &c.Metrics.ListenAddress })},
	{"KEY_FILE", stringVar(func(c *Config) *string { return &c.KeyFile })},
	{"LISTEN_ADDRESS", stringVar(func(c *Config) *string { return &c.Transport.ListenAddress })},
	{"PEERS", listVar(func(c *Config) *[]string { return &c.Transport.Peers })},
	{"SCHEDULER_ID", stringVar(func(c *Config) *string { return &c.Worker.SchedulerId })},
	{"COLLECTOR_ID", stringVar(func(c *Config) *string { return &c.Worker.CollectorId })},
	{"WORKER_URL", stringVar(func(c *Config) *string { return &c.Worker.WorkerUrl })},
	{"PING_DIRECT", boolVar(func(c *Config) *bool { return &c.Worker.PingDirect })},
	{"PING_PERIOD", durationVar(func(c *Config) *time.Duration { return &c.Worker.PingPeriod })},
	{"NUM_WORKERS", intVar(func(c *Config) *int { return &c.Worker.NumWorkers })},
	{"REQUIRE_QUERY_SIGNATURE", boolVar(func(c *Config) *bool { return &c.Worker.RequireQuerySignature })},
	{"WORKERS", listVar(func(c *Config) *[]string { return &c.Scheduler.Workers })},
	{"AUTO_REGISTER", boolVar(func(c *Config) *bool { return &c.Scheduler.AutoRegister })},
	{"MIN_VERSION", stringVar(func(c *Config) *string { return &c.Scheduler.MinVersion })},
	{"REPLICATION", intVar(func(c *Config) *int { return &c.Scheduler.Replication })},
	{"BUCKET_URL", stringVar(func(c *Config) *string { return &c.Collector.BucketUrl })},
	{"BUCKET_PREFIX", stringVar(func(c *Config) *string { return &c.Collector.Prefix })},
}

func (c *Config) applyEnv(lookup lookupFunc) error {
	for _, override := range envOverrides {
		name := EnvPrefix + override.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := override.apply(c, v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	var errs []error
	for _, chunk := range c.Worker.Chunks {
		if chunk.Dataset == "" || chunk.File == "" {
			errs = append(errs, errors.New("worker chunk needs a dataset and a file"))
		}
		if _, err := rangeset.NewRange(chunk.Begin, chunk.End); err != nil {
			errs = append(errs, fmt.Errorf("worker chunk %s: %w", chunk.File, err))
		}
	}
	for _, ds := range c.Scheduler.Datasets {
		if ds.Name == "" {
			errs = append(errs, errors.New("scheduler dataset needs a name"))
		}
		if _, err := rangeset.NewRange(ds.Begin, ds.End); err != nil {
			errs = append(errs, fmt.Errorf("scheduler dataset %s: %w", ds.Name, err))
		}
	}
	if c.Scheduler.Replication < 0 {
		errs = append(errs, errors.New("scheduler replication must not be negative"))
	}
	return errors.Join(errs...)
}

// SchedulerDatasets returns the configured datasets by name
func (c *Config) SchedulerDatasets() map[string]rangeset.Range {
	ret := make(map[string]rangeset.Range, len(c.Scheduler.Datasets))
	for _, ds := range c.Scheduler.Datasets {
		ret[ds.Name] = rangeset.Range{Begin: ds.Begin, End: ds.End}
	}
	return ret
}
