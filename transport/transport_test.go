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

package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, tr transport.Transport) transport.Inbound {
	t.Helper()
	select {
	case msg, ok := <-tr.Messages():
		require.True(t, ok, "message channel closed")
		return msg
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for message")
	}
	return transport.Inbound{}
}

func assertNoMessage(t *testing.T, tr transport.Transport) {
	t.Helper()
	select {
	case msg := <-tr.Messages():
		assert.Failf(t, "unexpected message", "%+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubSendAndPublish(t *testing.T) {
	hub := transport.NewHub(transport.NewConfig())
	a, err := hub.Join("a")
	require.NoError(t, err)
	b, err := hub.Join("b")
	require.NoError(t, err)
	c, err := hub.Join("c")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	defer c.Close()
	_, err = hub.Join("a")
	assert.Error(t, err)

	ctx := context.Background()
	data := []byte("direct")
	require.NoError(t, a.Send(ctx, "b", data))
	// The sender's buffer can be reused
	data[0] = 'X'
	msg := receive(t, b)
	assert.Equal(t, transport.Inbound{PeerId: "a", Data: []byte("direct")}, msg)

	err = a.Send(ctx, "nobody", []byte("x"))
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)

	require.NoError(t, b.Subscribe("worker_ping"))
	require.NoError(t, a.Subscribe("worker_ping"))
	require.NoError(t, a.Publish(ctx, "worker_ping", []byte("ping")))
	msg = receive(t, b)
	assert.Equal(t, "worker_ping", msg.Topic)
	assert.Equal(t, "a", msg.PeerId)
	// Neither the unsubscribed peer nor the publisher receive it
	assertNoMessage(t, c)
	assertNoMessage(t, a)
}

func TestHubClose(t *testing.T) {
	hub := transport.NewHub(transport.NewConfig(transport.WithQueueSize(1)))
	a, err := hub.Join("a")
	require.NoError(t, err)
	b, err := hub.Join("b")
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Send(context.Background(), "b", []byte("1")))
	// Queue is full, so the next send waits until the context expires
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Send(ctx, "b", []byte("2")), context.DeadlineExceeded)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, ok := <-b.Messages()
	assert.True(t, ok)
	_, ok = <-b.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send(context.Background(), "b", []byte("3")), transport.ErrUnknownPeer)
	assert.ErrorIs(t, b.Send(context.Background(), "a", []byte("4")), transport.ErrClosed)
	// The peer ID can be reused after leaving
	b2, err := hub.Join("b")
	require.NoError(t, err)
	require.NoError(t, b2.Close())
}

func newTCPTransport(t *testing.T, options ...transport.TransportOptionFunc) (*transport.TCPTransport, func()) {
	t.Helper()
	signer, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	options = append(
		[]transport.TransportOptionFunc{transport.WithListenAddress("127.0.0.1:0")},
		options...,
	)
	tr, err := transport.NewTCPTransport(signer, transport.NewConfig(options...))
	require.NoError(t, err)
	return tr, func() {
		assert.NoError(t, tr.Close())
	}
}

func TestTCPSendBothWays(t *testing.T) {
	a, closeA := newTCPTransport(t)
	defer closeA()
	b, closeB := newTCPTransport(t)
	defer closeB()
	ctx := context.Background()

	peerId, err := a.Dial(ctx, b.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, b.LocalPeerId(), peerId)

	require.NoError(t, a.Send(ctx, b.LocalPeerId(), []byte("to b")))
	msg := receive(t, b)
	assert.Equal(t, a.LocalPeerId(), msg.PeerId)
	assert.Equal(t, []byte("to b"), msg.Data)
	assert.Empty(t, msg.Topic)

	// The accepting side replies over the same connection
	require.NoError(t, b.Send(ctx, a.LocalPeerId(), []byte("to a")))
	msg = receive(t, a)
	assert.Equal(t, b.LocalPeerId(), msg.PeerId)
	assert.Equal(t, []byte("to a"), msg.Data)
}

func TestTCPSendDialsKnownAddress(t *testing.T) {
	b, closeB := newTCPTransport(t)
	defer closeB()
	a, closeA := newTCPTransport(
		t,
		transport.WithPeerAddress(b.LocalPeerId(), b.Addr().String()),
	)
	defer closeA()
	ctx := context.Background()
	require.NoError(t, a.Send(ctx, b.LocalPeerId(), []byte("hello")))
	assert.Equal(t, []byte("hello"), receive(t, b).Data)
	err := a.Send(ctx, "12D3KooWUnknown", []byte("x"))
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)
}

func TestTCPWrongPeerAtAddress(t *testing.T) {
	b, closeB := newTCPTransport(t)
	defer closeB()
	other, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	a, closeA := newTCPTransport(
		t,
		transport.WithPeerAddress(other.PeerId(), b.Addr().String()),
	)
	defer closeA()
	err = a.Send(context.Background(), other.PeerId(), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrHandshake)
}

func TestTCPPublishTopicFiltering(t *testing.T) {
	scheduler, closeScheduler := newTCPTransport(t)
	defer closeScheduler()
	observer, closeObserver := newTCPTransport(t)
	defer closeObserver()
	worker, closeWorker := newTCPTransport(t)
	defer closeWorker()
	ctx := context.Background()
	require.NoError(t, scheduler.Subscribe("worker_ping"))
	_, err := worker.Dial(ctx, scheduler.Addr().String())
	require.NoError(t, err)
	_, err = worker.Dial(ctx, observer.Addr().String())
	require.NoError(t, err)

	require.NoError(t, worker.Publish(ctx, "worker_ping", []byte("ping")))
	msg := receive(t, scheduler)
	assert.Equal(t, "worker_ping", msg.Topic)
	assert.Equal(t, worker.LocalPeerId(), msg.PeerId)
	assertNoMessage(t, observer)
}

func TestTCPRejectsForgedIdentity(t *testing.T) {
	honest, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	b, closeB := newTCPTransport(t)
	defer closeB()
	// Claims the honest peer's ID while signing with another key
	forger, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	tr, err := transport.NewTCPTransport(
		&forgedSigner{peerId: honest.PeerId(), Ed25519Signer: forger},
		transport.NewConfig(),
	)
	require.NoError(t, err)
	defer tr.Close()
	ctx := context.Background()
	// The dialer may consider the handshake complete, but the listener
	// never registers the connection
	_, _ = tr.Dial(ctx, b.Addr().String())
	_ = tr.Send(ctx, b.LocalPeerId(), []byte("forged"))
	assertNoMessage(t, b)
	err = b.Send(ctx, honest.PeerId(), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)
}

type forgedSigner struct {
	*common.Ed25519Signer
	peerId string
}

func (s *forgedSigner) PeerId() string {
	return s.peerId
}

func TestTCPCloseStopsEverything(t *testing.T) {
	a, closeA := newTCPTransport(t)
	b, closeB := newTCPTransport(t)
	defer closeB()
	ctx := context.Background()
	_, err := a.Dial(ctx, b.Addr().String())
	require.NoError(t, err)
	closeA()
	_, ok := <-a.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send(ctx, b.LocalPeerId(), []byte("x")), transport.ErrClosed)
	// The remote side notices the closed connection and forgets the peer
	require.Eventually(t, func() bool {
		err := b.Send(ctx, a.LocalPeerId(), []byte("x"))
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}
