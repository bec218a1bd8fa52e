// Copyright 2023-2024 TTBT Enterprises LLC
//
// This file is part of c2tleQ (https://c2tleQ.org/).
//
// c2tleQ is free software: you can redistribute it and/or modify it under the
// terms of the GNU General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later
// version.
//
// c2tleQ is distributed in the hope that it will be useful, but WITHOUT ANY
// WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR
// A PARTICULAR PURPOSE. See the GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along with
// c2tleQ. If not, see <https://www.gnu.org/licenses/>.

package webauthn

import (
	"bytes"
	"fmt"
	"math"

	cbor "github.com/fxamacker/cbor/v2"
)

// cborFirst decodes exactly one CBOR item from the front of b and returns the
// remaining bytes. The authenticator data layout requires this: the credential
// public key is a bare CBOR map followed, optionally, by an extension map.
func cborFirst(b []byte, v interface{}) (rest []byte, err error) {
	dec := cbor.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return b[dec.NumBytesRead():], nil
}

// cborExact decodes one CBOR item and rejects trailing bytes.
func cborExact(b []byte, v interface{}) error {
	rest, err := cborFirst(b, v)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return ErrCBORTrailing
	}
	return nil
}

// cborMap is a generic CBOR map with integer labels, as used by COSE_Key.
// The typed accessors below reject type mismatches instead of coercing.
type cborMap map[int64]cbor.RawMessage

func decodeCBORMap(b []byte) (cborMap, error) {
	var m map[interface{}]cbor.RawMessage
	if err := cborExact(b, &m); err != nil {
		return nil, err
	}
	out := make(cborMap, len(m))
	for k, v := range m {
		kk, err := toInt64(k)
		if err != nil {
			return nil, err
		}
		out[kk] = v
	}
	return out, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: integer overflow", ErrCBORInvalid)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: not an integer", ErrCBORInvalid)
	}
}

// getInt returns the integer at the given label.
func (m cborMap) getInt(label int64) (int64, error) {
	raw, ok := m[label]
	if !ok {
		return 0, fmt.Errorf("%w: label %d missing", ErrCBORInvalid, label)
	}
	var v interface{}
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCBORInvalid, err)
	}
	return toInt64(v)
}

// getBytes returns the byte string at the given label.
func (m cborMap) getBytes(label int64) ([]byte, error) {
	raw, ok := m[label]
	if !ok {
		return nil, fmt.Errorf("%w: label %d missing", ErrCBORInvalid, label)
	}
	var b []byte
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: label %d is not a byte string", ErrCBORInvalid, label)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: label %d is not a byte string", ErrCBORInvalid, label)
	}
	return b, nil
}
