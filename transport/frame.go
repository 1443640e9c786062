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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	FrameHeaderSize = 8

	// DefaultMaxFrameSize bounds a single frame payload
	DefaultMaxFrameSize = 100 * 1024 * 1024
)

type FrameHeader struct {
	Timestamp     uint32
	PayloadLength uint32
}

type Frame struct {
	FrameHeader
	Payload []byte
}

func NewFrame(payload []byte) *Frame {
	header := FrameHeader{
		Timestamp: uint32(time.Now().UnixNano() & 0xffffffff),
		// #nosec G115 -- payload size bounded by MaxFrameSize
		PayloadLength: uint32(len(payload)),
	}
	return &Frame{
		FrameHeader: header,
		Payload:     payload,
	}
}

// WriteFrame writes the frame header and payload with a single call to the writer
func WriteFrame(w io.Writer, frame *Frame) error {
	buf := bytes.NewBuffer(make([]byte, 0, FrameHeaderSize+len(frame.Payload)))
	if err := binary.Write(buf, binary.BigEndian, frame.FrameHeader); err != nil {
		return err
	}
	buf.Write(frame.Payload)
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one frame. Frames announcing a payload larger than
// maxPayload are rejected before the payload is read.
func ReadFrame(r io.Reader, maxPayload uint32) (*Frame, error) {
	header := FrameHeader{}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, err
	}
	if header.PayloadLength > maxPayload {
		return nil, fmt.Errorf(
			"%w: %d > %d",
			ErrFrameTooLarge,
			header.PayloadLength,
			maxPayload,
		)
	}
	frame := &Frame{
		FrameHeader: header,
		Payload:     make([]byte, header.PayloadLength),
	}
	// We use ReadFull because it guarantees to read the expected number of bytes or
	// return an error
	if _, err := io.ReadFull(r, frame.Payload); err != nil {
		return nil, err
	}
	return frame, nil
}
