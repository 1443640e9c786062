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
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blinklabs-io/goarchive/internal/logging"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newLogger(f *globalFlags) *slog.Logger {
	logger := logging.New(f.cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	return logger
}

// loadSigner reads a hex-encoded Ed25519 seed written by the keygen subcommand
func loadSigner(path string) (*common.Ed25519Signer, error) {
	if path == "" {
		return nil, errors.New("no key file configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	return common.NewEd25519SignerFromSeed(seed)
}

func mustLoadSigner(f *globalFlags) *common.Ed25519Signer {
	signer, err := loadSigner(f.cfg.KeyFile)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	return signer
}

// newTransport creates the TCP transport. Peers are given as
// peer_id@host:port, which are dialed on demand, or host:port, which are
// dialed right away.
func newTransport(
	f *globalFlags,
	signer common.Signer,
	logger *slog.Logger,
) (*transport.TCPTransport, error) {
	options := []transport.TransportOptionFunc{
		transport.WithListenAddress(f.cfg.Transport.ListenAddress),
		transport.WithMaxFrameSize(f.cfg.Transport.MaxFrameSize),
		transport.WithQueueSize(f.cfg.Transport.QueueSize),
		transport.WithLogger(logger),
	}
	var dialAddresses []string
	for _, peer := range f.cfg.Transport.Peers {
		peerId, address, found := strings.Cut(peer, "@")
		if !found {
			dialAddresses = append(dialAddresses, peer)
			continue
		}
		options = append(options, transport.WithPeerAddress(peerId, address))
	}
	tr, err := transport.NewTCPTransport(signer, transport.NewConfig(options...))
	if err != nil {
		return nil, err
	}
	for _, address := range dialAddresses {
		ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultDialTimeout)
		peerId, err := tr.Dial(ctx, address)
		cancel()
		if err != nil {
			logger.Warn("failed to connect to peer", "address", address, "error", err)
			continue
		}
		logger.Info("connected to peer", "address", address, "remote_peer_id", peerId)
	}
	return tr, nil
}

func mustTransport(f *globalFlags, signer common.Signer, logger *slog.Logger) *transport.TCPTransport {
	tr, err := newTransport(f, signer, logger)
	if err != nil {
		fmt.Printf("ERROR: failed to create transport: %s\n", err)
		os.Exit(1)
	}
	return tr
}

// newRegistry returns a registry with the Go runtime and process collectors
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// startMetrics serves the registry on /metrics when a listen address is
// configured and returns a function that stops the server
func startMetrics(f *globalFlags, reg *prometheus.Registry, logger *slog.Logger) func() {
	address := f.cfg.Metrics.ListenAddress
	if address == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", address)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
