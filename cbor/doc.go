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

// Package cbor provides the CBOR encoding/decoding used on the wire.
//
// This package wraps github.com/fxamacker/cbor/v2. Encoding is deterministic
// (core deterministic map key ordering), which gives every message a single
// canonical byte form that signatures and hashes are computed over.
//
// Embeddable types for struct encoding:
//   - StructAsArray: Embed as the first field to encode struct fields as a CBOR array
//   - DecodeStoreCbor: Embed to preserve the original CBOR bytes of a decoded value
//
// When a type needs its original CBOR bytes preserved:
//
//	type MyType struct {
//	    cbor.StructAsArray
//	    cbor.DecodeStoreCbor
//	    Field1 string
//	}
//
//	func (m *MyType) UnmarshalCBOR(data []byte) error {
//	    return m.UnmarshalCborGeneric(data, m)
//	}
//
// Later, m.Cbor() returns the original bytes.
package cbor
