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

package common_test

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashVectors(t *testing.T) {
	assert.Equal(
		t,
		"a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a",
		hex.EncodeToString(common.Sha3_256(nil)),
	)
	assert.Equal(
		t,
		"0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
		common.Blake2b256Hash(nil).String(),
	)
	sh := common.NewSizeAndHash([]byte("abc"))
	assert.Equal(t, uint64(3), sh.Size)
	assert.Len(t, sh.Sha3_256, common.Sha3_256Size)
}

func TestBlake2b256Cbor(t *testing.T) {
	h := common.Blake2b256Hash([]byte("ping"))
	data, err := cbor.Encode(h)
	require.NoError(t, err)
	var decoded common.Blake2b256
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	short, err := cbor.Encode([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = cbor.Decode(short, &decoded)
	assert.Error(t, err)
}

func TestWorkerState(t *testing.T) {
	state := common.WorkerStateFromRanges([]common.DatasetRanges{
		{Dataset: "b", Ranges: rangeset.MustNew(rangeset.MustRange(0, 100))},
		{Dataset: "a", Ranges: rangeset.MustNew(rangeset.MustRange(10, 20))},
		{Dataset: "b", Ranges: rangeset.MustNew(rangeset.MustRange(100, 150))},
	})
	assert.Equal(t, []string{"a", "b"}, state.DatasetNames())
	assert.True(t, state.Covers("b", rangeset.MustRange(50, 150)))
	assert.False(t, state.Covers("a", rangeset.MustRange(0, 15)))
	assert.False(t, state.Covers("c", rangeset.MustRange(0, 1)))
	assert.True(t, state.Covers("c", rangeset.MustRange(5, 5)))

	data, err := cbor.Encode(state)
	require.NoError(t, err)
	var decoded common.WorkerState
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.True(t, state.Equal(decoded))

	// Empty datasets do not affect equality
	withEmpty := state.Clone()
	withEmpty.Datasets["empty"] = rangeset.Set{}
	assert.True(t, state.Equal(withEmpty))
	assert.Len(t, withEmpty.DatasetRanges(), 2)

	// Clones are independent
	clone := state.Clone()
	s := clone.Datasets["a"]
	require.NoError(t, s.Insert(rangeset.MustRange(500, 600)))
	clone.Datasets["a"] = s
	assert.False(t, state.Equal(clone))
}

func TestQuerySignVerify(t *testing.T) {
	signer, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	keyRing := common.NewKeyRing(nil)
	clientState := `{"offset":1}`
	q := common.Query{
		QueryId:         "q1",
		Dataset:         "s3://etha-mainnet",
		Query:           `{"fromBlock":0,"toBlock":10}`,
		ClientStateJson: &clientState,
	}
	require.NoError(t, q.Sign(signer))
	assert.Len(t, q.Signature, ed25519.SignatureSize)
	require.NoError(t, q.Verify(keyRing, signer.PeerId()))

	// Any change to a covered field breaks the signature
	tampered := q
	tampered.Profiling = true
	err = tampered.Verify(keyRing, signer.PeerId())
	assert.ErrorIs(t, err, protocol.ErrInvalidSignature)

	// Wrong signer
	other, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	err = q.Verify(keyRing, other.PeerId())
	assert.ErrorIs(t, err, protocol.ErrInvalidSignature)

	// Unsigned
	unsigned := q
	unsigned.Signature = nil
	err = unsigned.Verify(keyRing, signer.PeerId())
	assert.ErrorIs(t, err, protocol.ErrInvalidSignature)

	// Signature survives the wire
	data, err := cbor.Encode(q)
	require.NoError(t, err)
	var decoded common.Query
	_, err = cbor.Decode(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, q, decoded)
	require.NoError(t, decoded.Verify(keyRing, signer.PeerId()))
}

func TestKeyRingRestricted(t *testing.T) {
	known, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	unknown, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	keyRing, err := common.NewRestrictedKeyRing(nil, known.PeerId())
	require.NoError(t, err)

	data := []byte("payload")
	sig, _ := known.Sign(data)
	require.NoError(t, keyRing.Verify(known.PeerId(), data, sig))
	sig, _ = unknown.Sign(data)
	assert.ErrorIs(t, keyRing.Verify(unknown.PeerId(), data, sig), protocol.ErrInvalidSignature)
	assert.False(t, keyRing.IsKnown(unknown.PeerId()))

	keyRing.RemovePeer(known.PeerId())
	sig, _ = known.Sign(data)
	assert.Error(t, keyRing.Verify(known.PeerId(), data, sig))

	id, err := keyRing.AddKey(unknown.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, unknown.PeerId(), id)
	sig, _ = unknown.Sign(data)
	assert.NoError(t, keyRing.Verify(unknown.PeerId(), data, sig))
}

func TestNoOpVerifier(t *testing.T) {
	v := common.NewNoOpVerifier(nil)
	assert.NoError(t, v.Verify("anything", []byte("x"), nil))
}

func TestPeerId(t *testing.T) {
	signer, err := common.NewEd25519SignerFromSeed(make([]byte, ed25519.SeedSize))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signer.PeerId(), "12D3KooW"), signer.PeerId())

	pub, err := common.PublicKeyFromPeerId(signer.PeerId())
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), pub)

	restored, err := common.NewEd25519SignerFromSeed(signer.Seed())
	require.NoError(t, err)
	assert.Equal(t, signer.PeerId(), restored.PeerId())

	for _, bad := range []string{"", "not-base58-0OIl", "12D3Koo"} {
		_, err := common.PublicKeyFromPeerId(bad)
		assert.ErrorIs(t, err, common.ErrInvalidPeerId, bad)
	}
	_, err = common.NewEd25519SignerFromSeed([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestValidatePublicKey(t *testing.T) {
	assert.Error(t, common.ValidatePublicKey(make([]byte, 31)))
	// y = 2 has no valid x coordinate on the curve
	invalid := make([]byte, ed25519.PublicKeySize)
	invalid[0] = 0x02
	assert.Error(t, common.ValidatePublicKey(invalid))
	signer, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	assert.NoError(t, common.ValidatePublicKey(signer.PublicKey()))
}

func TestDatasetEncoding(t *testing.T) {
	assert.Equal(t, "czM6Ly9ldGhhLW1haW5uZXQ", common.EncodeDataset("s3://etha-mainnet"))
	for _, encoded := range []string{"czM6Ly9ldGhhLW1haW5uZXQ", "czM6Ly9ldGhhLW1haW5uZXQ="} {
		ds, err := common.DecodeDataset(encoded)
		require.NoError(t, err)
		assert.Equal(t, "s3://etha-mainnet", ds)
	}
	_, err := common.DecodeDataset("!!!")
	assert.ErrorIs(t, err, common.ErrInvalidDataset)
	_, err = common.DecodeDataset(common.EncodeDataset(string([]byte{0xff, 0xfe})))
	assert.ErrorIs(t, err, common.ErrInvalidDataset)
}
