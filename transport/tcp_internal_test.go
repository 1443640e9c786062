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
	"net"
	"testing"
	"time"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePacket(conn net.Conn, pkt *packet) error {
	data, err := cbor.Encode(pkt)
	if err != nil {
		return err
	}
	return WriteFrame(conn, NewFrame(data))
}

func newListeningTransport(t *testing.T) *TCPTransport {
	t.Helper()
	signer, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	tr, err := NewTCPTransport(signer, NewConfig(WithListenAddress("127.0.0.1:0")))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTCPRejectsRelayedHello(t *testing.T) {
	target := newListeningTransport(t)
	victim := newListeningTransport(t)
	relayTLS, err := newTLSConfig()
	require.NoError(t, err)
	dialTLS := func(address string) *tls.Conn {
		conn, err := net.Dial("tcp", address)
		require.NoError(t, err)
		tlsConn := tls.Client(conn, relayTLS)
		t.Cleanup(func() { tlsConn.Close() })
		require.NoError(t, tlsConn.SetDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, tlsConn.Handshake())
		return tlsConn
	}
	toVictim := dialTLS(victim.Addr().String())
	toTarget := dialTLS(target.Addr().String())

	// The victim signs the binding of its own session with the relay
	victimHello, err := victim.readPacket(toVictim, packetKindHello)
	require.NoError(t, err)
	assert.Equal(t, victim.LocalPeerId(), victimHello.PeerId)
	require.NoError(t, writePacket(toTarget, victimHello))
	// The target has dropped the connection by now, so this may fail
	_ = writePacket(toTarget, &packet{Kind: packetKindDirect, Data: []byte("forged")})

	select {
	case msg := <-target.Messages():
		assert.Failf(t, "relayed identity accepted", "%+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
	err = target.Send(context.Background(), victim.LocalPeerId(), []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSessionBindingDiffersPerConnection(t *testing.T) {
	target := newListeningTransport(t)
	bindings := make([][]byte, 0, 2)
	for range 2 {
		conn, err := net.Dial("tcp", target.Addr().String())
		require.NoError(t, err)
		tlsConn := tls.Client(conn, target.tlsConfig)
		t.Cleanup(func() { tlsConn.Close() })
		require.NoError(t, tlsConn.SetDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, tlsConn.Handshake())
		binding, err := sessionBinding(tlsConn)
		require.NoError(t, err)
		require.Len(t, binding, bindingSize)
		bindings = append(bindings, binding)
	}
	assert.NotEqual(t, bindings[0], bindings[1])
}
