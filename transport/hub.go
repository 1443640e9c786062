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

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Hub connects in-process transports to each other
type Hub struct {
	config         Config
	endpoints      map[string]*HubTransport
	endpointsMutex sync.RWMutex
}

// NewHub returns an empty Hub. Only QueueSize and Logger are used from the config.
func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Hub{
		config:    cfg,
		endpoints: make(map[string]*HubTransport),
	}
}

// Join attaches a new transport with the specified peer ID to the hub
func (h *Hub) Join(peerId string) (*HubTransport, error) {
	h.endpointsMutex.Lock()
	defer h.endpointsMutex.Unlock()
	if _, ok := h.endpoints[peerId]; ok {
		return nil, fmt.Errorf("peer %s already joined", peerId)
	}
	t := &HubTransport{
		hub:    h,
		peerId: peerId,
		logger: h.config.logger().With(
			"component", "transport",
			"transport", "hub",
			"peer_id", peerId,
		),
		topics:   make(map[string]bool),
		recvChan: make(chan Inbound, h.config.QueueSize),
		doneChan: make(chan struct{}),
	}
	h.endpoints[peerId] = t
	return t, nil
}

func (h *Hub) endpoint(peerId string) *HubTransport {
	h.endpointsMutex.RLock()
	defer h.endpointsMutex.RUnlock()
	return h.endpoints[peerId]
}

func (h *Hub) leave(peerId string) {
	h.endpointsMutex.Lock()
	delete(h.endpoints, peerId)
	h.endpointsMutex.Unlock()
}

// HubTransport is a Transport attached to a Hub
type HubTransport struct {
	hub         *Hub
	peerId      string
	logger      *slog.Logger
	topics      map[string]bool
	topicsMutex sync.RWMutex
	recvChan    chan Inbound
	recvMutex   sync.RWMutex
	closed      bool
	doneChan    chan struct{}
	onceClose   sync.Once
}

func (t *HubTransport) LocalPeerId() string {
	return t.peerId
}

// Send delivers data to the specified peer, waiting for queue space
func (t *HubTransport) Send(ctx context.Context, peerId string, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	target := t.hub.endpoint(peerId)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerId)
	}
	return target.deliver(
		ctx,
		Inbound{PeerId: t.peerId, Data: copyBytes(data)},
		true,
	)
}

// Publish delivers data to every other peer subscribed to the topic. Peers
// with a full queue miss the message.
func (t *HubTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.hub.endpointsMutex.RLock()
	targets := make([]*HubTransport, 0, len(t.hub.endpoints))
	for peerId, target := range t.hub.endpoints {
		if peerId == t.peerId || !target.subscribed(topic) {
			continue
		}
		targets = append(targets, target)
	}
	t.hub.endpointsMutex.RUnlock()
	for _, target := range targets {
		err := target.deliver(
			ctx,
			Inbound{PeerId: t.peerId, Topic: topic, Data: copyBytes(data)},
			false,
		)
		if err != nil {
			t.logger.Debug(
				"dropping published message",
				"topic", topic,
				"target", target.peerId,
				"error", err,
			)
		}
	}
	return ctx.Err()
}

func (t *HubTransport) Subscribe(topic string) error {
	t.topicsMutex.Lock()
	defer t.topicsMutex.Unlock()
	t.topics[topic] = true
	return nil
}

func (t *HubTransport) Messages() <-chan Inbound {
	return t.recvChan
}

// Close detaches the transport from the hub and closes the message channel
func (t *HubTransport) Close() error {
	t.onceClose.Do(func() {
		t.hub.leave(t.peerId)
		// Unblock pending deliveries before closing the receive channel
		close(t.doneChan)
		t.recvMutex.Lock()
		t.closed = true
		close(t.recvChan)
		t.recvMutex.Unlock()
	})
	return nil
}

func (t *HubTransport) subscribed(topic string) bool {
	t.topicsMutex.RLock()
	defer t.topicsMutex.RUnlock()
	return t.topics[topic]
}

func (t *HubTransport) isClosed() bool {
	select {
	case <-t.doneChan:
		return true
	default:
		return false
	}
}

func (t *HubTransport) deliver(ctx context.Context, msg Inbound, wait bool) error {
	t.recvMutex.RLock()
	defer t.recvMutex.RUnlock()
	if t.closed {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, t.peerId)
	}
	if !wait {
		select {
		case t.recvChan <- msg:
			return nil
		default:
			return fmt.Errorf("queue full for peer %s", t.peerId)
		}
	}
	select {
	case t.recvChan <- msg:
		return nil
	case <-t.doneChan:
		return fmt.Errorf("%w: %s", ErrUnknownPeer, t.peerId)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyBytes(data []byte) []byte {
	ret := make([]byte, len(data))
	copy(ret, data)
	return ret
}
