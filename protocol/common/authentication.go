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
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"filippo.io/edwards25519"
	"github.com/blinklabs-io/goarchive/protocol"
)

// Signer produces signatures on behalf of the local peer
type Signer interface {
	PeerId() string
	Sign(data []byte) ([]byte, error)
}

// Verifier checks that a signature over data was produced by the named peer
type Verifier interface {
	Verify(peerId string, data []byte, signature []byte) error
}

// Ed25519Signer signs with an in-memory Ed25519 private key
type Ed25519Signer struct {
	key    ed25519.PrivateKey
	peerId string
}

func NewEd25519Signer(key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf(
			"private key must be %d bytes, got %d",
			ed25519.PrivateKeySize,
			len(key),
		)
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	peerId, err := PeerIdFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{
		key:    key,
		peerId: peerId,
	}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf(
			"seed must be %d bytes, got %d",
			ed25519.SeedSize,
			len(seed),
		)
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
}

// GenerateEd25519Signer creates a signer with a fresh random key
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewEd25519Signer(key)
}

func (s *Ed25519Signer) PeerId() string {
	return s.peerId
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Seed returns the private key seed, for persisting the identity
func (s *Ed25519Signer) Seed() []byte {
	return s.key.Seed()
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.key, data), nil
}

// KeyRing verifies Ed25519 signatures by peer ID. Peer IDs embed the public
// key, so by default any well-formed peer ID can be verified. A restricted
// key ring only accepts peers that were added explicitly.
type KeyRing struct {
	logger *slog.Logger
	// protect maps with mutex
	mu sync.RWMutex

	// When true, all verification is skipped. Use NewNoOpVerifier to create.
	disableValidation bool

	restricted bool
	keys       map[string]ed25519.PublicKey
}

func NewKeyRing(logger *slog.Logger) *KeyRing {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyRing{
		logger: logger,
		keys:   make(map[string]ed25519.PublicKey),
	}
}

// NewRestrictedKeyRing returns a key ring that only accepts the listed peers
func NewRestrictedKeyRing(
	logger *slog.Logger,
	peerIds ...string,
) (*KeyRing, error) {
	k := NewKeyRing(logger)
	k.restricted = true
	for _, peerId := range peerIds {
		if err := k.AddPeer(peerId); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// NewNoOpVerifier returns a key ring that accepts every signature. Suitable
// for testing or trusted environments where authentication is intentionally
// disabled.
func NewNoOpVerifier(logger *slog.Logger) *KeyRing {
	k := NewKeyRing(logger)
	k.disableValidation = true
	return k
}

// AddKey registers a public key and returns its peer ID
func (k *KeyRing) AddKey(pub ed25519.PublicKey) (string, error) {
	if err := ValidatePublicKey(pub); err != nil {
		return "", err
	}
	peerId, err := PeerIdFromPublicKey(pub)
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[peerId] = pub
	return peerId, nil
}

// AddPeer registers the key embedded in the peer ID
func (k *KeyRing) AddPeer(peerId string) error {
	pub, err := PublicKeyFromPeerId(peerId)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[peerId] = pub
	return nil
}

func (k *KeyRing) RemovePeer(peerId string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, peerId)
}

// IsKnown returns whether a peer was added explicitly or verified before
func (k *KeyRing) IsKnown(peerId string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[peerId]
	return ok
}

func (k *KeyRing) lookup(peerId string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	pub, ok := k.keys[peerId]
	k.mu.RUnlock()
	if ok {
		return pub, nil
	}
	if k.restricted {
		return nil, fmt.Errorf("unknown peer %s", peerId)
	}
	pub, err := PublicKeyFromPeerId(peerId)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.keys[peerId] = pub
	k.mu.Unlock()
	return pub, nil
}

// Verify checks the signature. All failures wrap protocol.ErrInvalidSignature.
func (k *KeyRing) Verify(peerId string, data []byte, signature []byte) error {
	if k.disableValidation {
		return nil
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf(
			"%w: signature must be %d bytes, got %d",
			protocol.ErrInvalidSignature,
			ed25519.SignatureSize,
			len(signature),
		)
	}
	pub, err := k.lookup(peerId)
	if err != nil {
		k.logger.Debug(
			"signature verification key lookup failed",
			"component", "auth",
			"peer_id", peerId,
			"error", err,
		)
		return fmt.Errorf("%w: %w", protocol.ErrInvalidSignature, err)
	}
	if !ed25519.Verify(pub, data, signature) {
		return fmt.Errorf(
			"%w: signature does not match peer %s",
			protocol.ErrInvalidSignature,
			peerId,
		)
	}
	return nil
}

// ValidatePublicKey rejects keys that are not valid Edwards25519 point encodings
func ValidatePublicKey(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf(
			"public key must be %d bytes, got %d",
			ed25519.PublicKeySize,
			len(pub),
		)
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}
