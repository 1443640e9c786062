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
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/blinklabs-io/goarchive/internal/config"
	"github.com/blinklabs-io/goarchive/protocol/common"
	"github.com/blinklabs-io/goarchive/rangeset"
	"github.com/blinklabs-io/goarchive/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSigner(t *testing.T) {
	signer, err := common.GenerateEd25519Signer()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(signer.Seed())+"\n"), 0o600))

	loaded, err := loadSigner(path)
	require.NoError(t, err)
	assert.Equal(t, signer.PeerId(), loaded.PeerId())

	_, err = loadSigner("")
	require.Error(t, err)
	require.NoError(t, os.WriteFile(path, []byte("not hex"), 0o600))
	_, err = loadSigner(path)
	require.Error(t, err)
}

func TestLoadChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eth.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"block\":1}\n\n{\"block\":2}\n"), 0o644))
	storage := worker.NewMemoryStorage()
	require.NoError(t, loadChunk(storage, config.ChunkConfig{
		Dataset: "eth",
		Begin:   0,
		End:     10,
		File:    path,
	}))
	assert.True(t, storage.LocalRanges().Covers("eth", rangeset.MustRange(0, 10)))

	require.NoError(t, os.WriteFile(path, []byte("{\"block\":1}\nnot json\n"), 0o644))
	err := loadChunk(worker.NewMemoryStorage(), config.ChunkConfig{Dataset: "eth", Begin: 0, End: 10, File: path})
	assert.ErrorContains(t, err, "line 2")

	err = loadChunk(worker.NewMemoryStorage(), config.ChunkConfig{Dataset: "eth", Begin: 10, End: 0, File: path})
	assert.ErrorIs(t, err, rangeset.ErrInvalidRange)
}
