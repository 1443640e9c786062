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

package common

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Peer IDs use the libp2p identity layout: an identity multihash wrapping a
// protobuf-encoded Ed25519 public key, in base58
var peerIdPrefix = []byte{
	0x00, // identity multihash
	0x24, // digest length (36)
	0x08, // key type field
	0x01, // Ed25519
	0x12, // key data field
	0x20, // key length (32)
}

var ErrInvalidPeerId = errors.New("invalid peer ID")

func PeerIdFromPublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf(
			"%w: public key must be %d bytes, got %d",
			ErrInvalidPeerId,
			ed25519.PublicKeySize,
			len(pub),
		)
	}
	buf := make([]byte, 0, len(peerIdPrefix)+len(pub))
	buf = append(buf, peerIdPrefix...)
	buf = append(buf, pub...)
	return base58.Encode(buf), nil
}

func PublicKeyFromPeerId(peerId string) (ed25519.PublicKey, error) {
	raw := base58.Decode(peerId)
	if len(raw) != len(peerIdPrefix)+ed25519.PublicKeySize ||
		!bytes.HasPrefix(raw, peerIdPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeerId, peerId)
	}
	pub := ed25519.PublicKey(raw[len(peerIdPrefix):])
	if err := ValidatePublicKey(pub); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPeerId, err)
	}
	return pub, nil
}
