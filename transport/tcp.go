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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol/common"
)

const (
	packetKindHello   = 0
	packetKindDirect  = 1
	packetKindPublish = 2

	// Keying material exported from the TLS session and signed in the hello
	bindingLabel = "EXPORTER-goarchive-peer-auth"
	bindingSize  = 32
)

// packet is the CBOR payload of every frame
type packet struct {
	cbor.StructAsArray
	Kind   uint8
	Topic  string
	PeerId string
	Data   []byte
}

type peerConn struct {
	peerId    string
	conn      net.Conn
	sendMutex sync.Mutex
}

func (p *peerConn) send(ctx context.Context, pkt *packet) error {
	data, err := cbor.Encode(pkt)
	if err != nil {
		return err
	}
	// We use a mutex to make sure frames from concurrent senders do not interleave
	p.sendMutex.Lock()
	defer p.sendMutex.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := p.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() {
			_ = p.conn.SetWriteDeadline(time.Time{})
		}()
	}
	return WriteFrame(p.conn, NewFrame(data))
}

// TCPTransport is a Transport over TLS 1.3 connections. The TLS certificates
// are ephemeral; each side proves ownership of its peer ID by signing keying
// material exported from the session, which ties the identity to that
// connection.
type TCPTransport struct {
	config     Config
	tlsConfig  *tls.Config
	signer     common.Signer
	verifier   common.Verifier
	logger     *slog.Logger
	listener   net.Listener
	peers      map[string]*peerConn
	pending    map[net.Conn]struct{}
	peersMutex sync.Mutex
	addrMutex  sync.RWMutex
	topics     map[string]bool
	topicMutex sync.RWMutex
	recvChan   chan Inbound
	doneChan   chan struct{}
	waitGroup  sync.WaitGroup
	onceClose  sync.Once
}

// NewTCPTransport returns a TCP transport for the specified identity. It
// starts listening when the config contains a listen address.
func NewTCPTransport(signer common.Signer, cfg Config) (*TCPTransport, error) {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	peerAddresses := make(map[string]string, len(cfg.PeerAddresses))
	for peerId, address := range cfg.PeerAddresses {
		peerAddresses[peerId] = address
	}
	cfg.PeerAddresses = peerAddresses
	logger := cfg.logger().With(
		"component", "transport",
		"transport", "tcp",
		"peer_id", signer.PeerId(),
	)
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = common.NewKeyRing(logger)
	}
	tlsConfig, err := newTLSConfig()
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{
		config:    cfg,
		tlsConfig: tlsConfig,
		signer:    signer,
		verifier:  verifier,
		logger:    logger,
		peers:     make(map[string]*peerConn),
		pending:   make(map[net.Conn]struct{}),
		topics:    make(map[string]bool),
		recvChan:  make(chan Inbound, cfg.QueueSize),
		doneChan:  make(chan struct{}),
	}
	if cfg.ListenAddress != "" {
		listener, err := net.Listen("tcp", cfg.ListenAddress)
		if err != nil {
			return nil, err
		}
		t.listener = listener
		t.waitGroup.Add(1)
		go t.acceptLoop()
		logger.Info("listening", "address", listener.Addr().String())
	}
	return t, nil
}

func (t *TCPTransport) LocalPeerId() string {
	return t.signer.PeerId()
}

// Addr returns the listener address, or nil when not listening
func (t *TCPTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// AddPeerAddress records the address used to reach a peer on first send
func (t *TCPTransport) AddPeerAddress(peerId string, address string) {
	t.addrMutex.Lock()
	defer t.addrMutex.Unlock()
	t.config.PeerAddresses[peerId] = address
}

// Dial connects to the specified address and returns the authenticated peer ID
func (t *TCPTransport) Dial(ctx context.Context, address string) (string, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", err
	}
	peer, err := t.setupConnection(tls.Client(conn, t.tlsConfig))
	if err != nil {
		return "", err
	}
	t.AddPeerAddress(peer.peerId, address)
	return peer.peerId, nil
}

// Send delivers data to the specified peer, dialing its known address if
// there is no open connection
func (t *TCPTransport) Send(ctx context.Context, peerId string, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	peer, err := t.peer(ctx, peerId)
	if err != nil {
		return err
	}
	if err := t.sendPacket(ctx, peer, &packet{Kind: packetKindDirect, Data: data}); err != nil {
		return fmt.Errorf("send to %s: %w", peerId, err)
	}
	return nil
}

// Publish sends data on a topic to every connected peer. Peers filter by
// their own subscriptions.
func (t *TCPTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.peersMutex.Lock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	t.peersMutex.Unlock()
	pkt := &packet{Kind: packetKindPublish, Topic: topic, Data: data}
	for _, peer := range peers {
		if err := t.sendPacket(ctx, peer, pkt); err != nil {
			t.logger.Debug(
				"publish failed",
				"topic", topic,
				"target", peer.peerId,
				"error", err,
			)
		}
	}
	return ctx.Err()
}

func (t *TCPTransport) Subscribe(topic string) error {
	t.topicMutex.Lock()
	defer t.topicMutex.Unlock()
	t.topics[topic] = true
	return nil
}

func (t *TCPTransport) Messages() <-chan Inbound {
	return t.recvChan
}

// Close shuts down the listener and all connections, then closes the message channel
func (t *TCPTransport) Close() error {
	var err error
	t.onceClose.Do(func() {
		// Close doneChan to signify that we're shutting down
		close(t.doneChan)
		if t.listener != nil {
			err = t.listener.Close()
		}
		t.peersMutex.Lock()
		for peerId, peer := range t.peers {
			peer.conn.Close()
			delete(t.peers, peerId)
		}
		// Abort handshakes in progress
		for conn := range t.pending {
			conn.Close()
		}
		t.peersMutex.Unlock()
		// Wait for other goroutines to finish
		t.waitGroup.Wait()
		close(t.recvChan)
	})
	return err
}

func (t *TCPTransport) isClosed() bool {
	select {
	case <-t.doneChan:
		return true
	default:
		return false
	}
}

func (t *TCPTransport) peer(ctx context.Context, peerId string) (*peerConn, error) {
	t.peersMutex.Lock()
	peer, ok := t.peers[peerId]
	t.peersMutex.Unlock()
	if ok {
		return peer, nil
	}
	t.addrMutex.RLock()
	address, ok := t.config.PeerAddresses[peerId]
	t.addrMutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerId)
	}
	remotePeerId, err := t.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	if remotePeerId != peerId {
		return nil, fmt.Errorf(
			"%w: expected peer %s at %s, found %s",
			ErrHandshake,
			peerId,
			address,
			remotePeerId,
		)
	}
	t.peersMutex.Lock()
	peer, ok = t.peers[peerId]
	t.peersMutex.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerId)
	}
	return peer, nil
}

func (t *TCPTransport) sendPacket(ctx context.Context, peer *peerConn, pkt *packet) error {
	if err := peer.send(ctx, pkt); err != nil {
		// Drop broken connections so the next send dials again
		t.removePeer(peer)
		peer.conn.Close()
		return err
	}
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.waitGroup.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}
		t.waitGroup.Add(1)
		go func() {
			defer t.waitGroup.Done()
			if _, err := t.setupConnection(tls.Server(conn, t.tlsConfig)); err != nil {
				t.logger.Debug(
					"inbound handshake failed",
					"remote_addr", conn.RemoteAddr().String(),
					"error", err,
				)
			}
		}()
	}
}

// setupConnection authenticates the remote peer, registers the connection and starts its read loop
func (t *TCPTransport) setupConnection(conn *tls.Conn) (*peerConn, error) {
	t.peersMutex.Lock()
	if t.isClosed() {
		t.peersMutex.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	t.pending[conn] = struct{}{}
	t.peersMutex.Unlock()
	remotePeerId, err := t.handshake(conn)
	t.peersMutex.Lock()
	delete(t.pending, conn)
	t.peersMutex.Unlock()
	if err != nil {
		conn.Close()
		return nil, err
	}
	peer := &peerConn{
		peerId: remotePeerId,
		conn:   conn,
	}
	t.peersMutex.Lock()
	if t.isClosed() {
		t.peersMutex.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	// The newest connection wins when both sides dial at the same time
	t.peers[remotePeerId] = peer
	t.waitGroup.Add(1)
	t.peersMutex.Unlock()
	go t.readLoop(peer)
	t.logger.Debug(
		"peer connected",
		"remote_peer_id", remotePeerId,
		"remote_addr", conn.RemoteAddr().String(),
	)
	return peer, nil
}

func (t *TCPTransport) handshake(conn *tls.Conn) (string, error) {
	if err := conn.SetDeadline(time.Now().Add(t.config.HandshakeTimeout)); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.config.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	binding, err := sessionBinding(conn)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	sig, err := t.signer.Sign(helloPayload(t.signer.PeerId(), binding))
	if err != nil {
		return "", err
	}
	tmpPeer := &peerConn{conn: conn}
	err = tmpPeer.send(context.Background(), &packet{
		Kind:   packetKindHello,
		PeerId: t.signer.PeerId(),
		Data:   sig,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	hello, err := t.readPacket(conn, packetKindHello)
	if err != nil {
		return "", err
	}
	if hello.PeerId == t.signer.PeerId() {
		return "", fmt.Errorf("%w: connected to self", ErrHandshake)
	}
	err = t.verifier.Verify(
		hello.PeerId,
		helloPayload(hello.PeerId, binding),
		hello.Data,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return "", err
	}
	return hello.PeerId, nil
}

// sessionBinding returns keying material that is unique to the TLS session
func sessionBinding(conn *tls.Conn) ([]byte, error) {
	state := conn.ConnectionState()
	return state.ExportKeyingMaterial(bindingLabel, nil, bindingSize)
}

func helloPayload(peerId string, binding []byte) []byte {
	ret := make([]byte, 0, len(peerId)+len(binding))
	ret = append(ret, peerId...)
	return append(ret, binding...)
}

func (t *TCPTransport) readPacket(conn net.Conn, kind uint8) (*packet, error) {
	frame, err := ReadFrame(conn, t.config.MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	var pkt packet
	if _, err := cbor.Decode(frame.Payload, &pkt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if pkt.Kind != kind {
		return nil, fmt.Errorf(
			"%w: unexpected packet kind %d",
			ErrHandshake,
			pkt.Kind,
		)
	}
	return &pkt, nil
}

func (t *TCPTransport) readLoop(peer *peerConn) {
	defer t.waitGroup.Done()
	defer func() {
		t.removePeer(peer)
		peer.conn.Close()
	}()
	for {
		frame, err := ReadFrame(peer.conn, t.config.MaxFrameSize)
		if err != nil {
			if !t.isClosed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.logger.Debug(
					"connection read failed",
					"remote_peer_id", peer.peerId,
					"error", err,
				)
			}
			return
		}
		var pkt packet
		if _, err := cbor.Decode(frame.Payload, &pkt); err != nil {
			t.logger.Debug(
				"dropping malformed packet",
				"remote_peer_id", peer.peerId,
				"error", err,
			)
			continue
		}
		msg := Inbound{PeerId: peer.peerId, Data: pkt.Data}
		switch pkt.Kind {
		case packetKindDirect:
		case packetKindPublish:
			if !t.subscribed(pkt.Topic) {
				continue
			}
			msg.Topic = pkt.Topic
		default:
			t.logger.Debug(
				"dropping unexpected packet",
				"remote_peer_id", peer.peerId,
				"kind", pkt.Kind,
			)
			continue
		}
		select {
		case t.recvChan <- msg:
		case <-t.doneChan:
			return
		}
	}
}

func (t *TCPTransport) subscribed(topic string) bool {
	t.topicMutex.RLock()
	defer t.topicMutex.RUnlock()
	return t.topics[topic]
}

func (t *TCPTransport) removePeer(peer *peerConn) {
	t.peersMutex.Lock()
	defer t.peersMutex.Unlock()
	// Only remove the entry if it still refers to this connection
	if t.peers[peer.peerId] == peer {
		delete(t.peers, peer.peerId)
	}
}
