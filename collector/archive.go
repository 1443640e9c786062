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

package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/blinklabs-io/goarchive/cbor"
	"github.com/blinklabs-io/goarchive/protocol/query"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

const (
	DefaultPrefix = "query-logs/"

	archiveSuffix      = ".cbor.zst"
	watermarksDir      = "watermarks/"
	archiveContentType = "application/zstd"
)

// Archive stores collected audit records in a blob bucket. Each accepted
// batch becomes one object holding the zstd-compressed CBOR list of the
// records as signed by the worker.
type Archive struct {
	bucket  *blob.Bucket
	prefix  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewArchive(bucket *blob.Bucket, prefix string) (*Archive, error) {
	if bucket == nil {
		return nil, errors.New("archive: bucket is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Archive{
		bucket:  bucket,
		prefix:  prefix,
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases the compression resources. The bucket is owned by the caller.
func (a *Archive) Close() error {
	a.decoder.Close()
	return a.encoder.Close()
}

// BatchKey returns the object key for a batch of records from a worker
func (a *Archive) BatchKey(workerId string, firstSeqNo, lastSeqNo uint64) string {
	return fmt.Sprintf(
		"%s%s/%020d-%020d%s",
		a.prefix,
		workerId,
		firstSeqNo,
		lastSeqNo,
		archiveSuffix,
	)
}

func (a *Archive) watermarksKey(workerId string) string {
	return a.prefix + watermarksDir + workerId + ".cbor"
}

// WriteBatch archives records, which must be non-empty and ordered by
// sequence number, and returns the object key
func (a *Archive) WriteBatch(
	ctx context.Context,
	workerId string,
	records []query.QueryExecuted,
) (string, error) {
	if len(records) == 0 {
		return "", errors.New("archive: empty batch")
	}
	items := make([]cbor.RawMessage, 0, len(records))
	for i := range records {
		recordBytes, err := records[i].Bytes()
		if err != nil {
			return "", fmt.Errorf("encode record %d: %w", records[i].SeqNo, err)
		}
		items = append(items, recordBytes)
	}
	data, err := cbor.Encode(items)
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	key := a.BatchKey(
		workerId,
		records[0].SeqNo,
		records[len(records)-1].SeqNo,
	)
	if err := a.write(ctx, key, a.encoder.EncodeAll(data, nil), archiveContentType); err != nil {
		return "", err
	}
	return key, nil
}

// ReadBatch returns the records stored under key
func (a *Archive) ReadBatch(ctx context.Context, key string) ([]query.QueryExecuted, error) {
	compressed, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	data, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
	}
	var items []cbor.RawMessage
	if _, err := cbor.Decode(data, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	ret := make([]query.QueryExecuted, len(items))
	for i, item := range items {
		if _, err := cbor.Decode(item, &ret[i]); err != nil {
			return nil, fmt.Errorf("decode %s record %d: %w", key, i, err)
		}
	}
	return ret, nil
}

// BatchKeys lists the archived batches of a worker in sequence order
func (a *Archive) BatchKeys(ctx context.Context, workerId string) ([]string, error) {
	var ret []string
	iter := a.bucket.List(&blob.ListOptions{Prefix: a.prefix + workerId + "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list batches of %s: %w", workerId, err)
		}
		if strings.HasSuffix(obj.Key, archiveSuffix) {
			ret = append(ret, obj.Key)
		}
	}
	return ret, nil
}

// LoadWatermarks returns the persisted per-client watermarks of a worker. A
// worker never seen before has none.
func (a *Archive) LoadWatermarks(ctx context.Context, workerId string) (map[string]uint64, error) {
	data, err := a.bucket.ReadAll(ctx, a.watermarksKey(workerId))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return make(map[string]uint64), nil
		}
		return nil, fmt.Errorf("read watermarks of %s: %w", workerId, err)
	}
	ret := make(map[string]uint64)
	if _, err := cbor.Decode(data, &ret); err != nil {
		return nil, fmt.Errorf("decode watermarks of %s: %w", workerId, err)
	}
	return ret, nil
}

func (a *Archive) SaveWatermarks(
	ctx context.Context,
	workerId string,
	watermarks map[string]uint64,
) error {
	data, err := cbor.Encode(watermarks)
	if err != nil {
		return fmt.Errorf("encode watermarks of %s: %w", workerId, err)
	}
	return a.write(ctx, a.watermarksKey(workerId), data, "application/cbor")
}

func (a *Archive) write(ctx context.Context, key string, data []byte, contentType string) error {
	w, err := a.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}
