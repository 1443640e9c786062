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

package ping

import (
	"fmt"
	"log/slog"

	"github.com/blinklabs-io/goarchive/protocol"
	"github.com/blinklabs-io/goarchive/protocol/common"
)

// Server is the scheduler side of the ping protocol
type Server struct {
	config   *Config
	logger   *slog.Logger
	verifier common.Verifier
}

func NewServer(
	protoOptions protocol.ProtocolOptions,
	cfg *Config,
	verifier common.Verifier,
) *Server {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	s := &Server{
		config:   cfg,
		verifier: verifier,
	}
	s.logger = loggerOrDefault(protoOptions.Logger).With(
		"component", "network",
		"protocol", ProtocolName,
		"role", "server",
	)
	return s
}

// HandlePing verifies a ping received from peerId and builds the reply.
// Authentication failures wrap protocol.ErrInvalidSignature and must not be
// answered.
func (s *Server) HandlePing(peerId string, msg *MsgPing) (*MsgPong, error) {
	if msg.WorkerId != peerId {
		return nil, fmt.Errorf(
			"%s: %w: sender %s does not match worker ID %s",
			ProtocolName,
			protocol.ErrInvalidSignature,
			peerId,
			msg.WorkerId,
		)
	}
	if err := msg.Verify(s.verifier); err != nil {
		s.logger.Debug(
			"dropping ping with invalid signature",
			"peer_id", peerId,
			"error", err,
		)
		return nil, fmt.Errorf("%s: %w", ProtocolName, err)
	}
	hash, err := msg.Hash()
	if err != nil {
		return nil, fmt.Errorf("%s: hash ping: %w", ProtocolName, err)
	}
	result := NewPongNotRegistered()
	if s.config.PingFunc != nil {
		callbackContext := CallbackContext{
			PeerId: peerId,
			Server: s,
		}
		result, err = s.config.PingFunc(callbackContext, msg)
		if err != nil {
			return nil, err
		}
	}
	return NewMsgPong(hash, result), nil
}
