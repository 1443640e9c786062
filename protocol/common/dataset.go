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
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

var ErrInvalidDataset = errors.New("invalid dataset")

// EncodeDataset returns the unpadded URL-safe base64 form of a dataset URL,
// as used in HTTP paths and query records
func EncodeDataset(dataset string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(dataset))
}

// DecodeDataset reverses EncodeDataset. Padded input is accepted.
func DecodeDataset(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(
		strings.TrimRight(encoded, "="),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDataset, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidDataset)
	}
	dataset := string(raw)
	if _, err := url.Parse(dataset); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDataset, err)
	}
	return dataset, nil
}
