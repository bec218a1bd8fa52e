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

// Package statestore keeps ceremony states between the start and finish legs
// of a webauthn ceremony, and enforces that each state is consumed at most
// once. Reusing a ceremony state is the primary replay risk; the store is
// where the single-use guarantee lives.
//
// States are held in memory, keyed by an opaque token. Seal and Open
// additionally support handing a state to the client as a versioned,
// AEAD-sealed blob for deployments that cannot keep server-side memory; the
// client can neither read nor forge a sealed state, but single-use and expiry
// then become the caller's problem.
package statestore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNotFound indicates an unknown, already consumed, or expired token.
var ErrNotFound = errors.New("state not found")

// sealVersion prefixes sealed states so that the format can evolve.
const sealVersion = 1

type entry struct {
	data    []byte
	expires time.Time
}

// Store is an in-memory, single-use ceremony state store.
type Store struct {
	cache  *lru.Cache
	maxAge time.Duration
	key    [chacha20poly1305.KeySize]byte
}

// New returns a Store holding at most size states for at most maxAge each.
// The key seals states for client-side storage; a random key is fine when
// Seal/Open are not used or when restarts may invalidate sealed states.
func New(size int, maxAge time.Duration, key [chacha20poly1305.KeySize]byte) (*Store, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache, maxAge: maxAge, key: key}, nil
}

// Put stores a ceremony state and returns its one-time token.
func (s *Store) Put(state interface{}) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return "", err
	}
	key := base64.RawURLEncoding.EncodeToString(token)
	s.cache.Add(key, entry{data: data, expires: time.Now().Add(s.maxAge)})
	return key, nil
}

// Take retrieves and deletes a ceremony state. A second Take of the same
// token fails with ErrNotFound.
func (s *Store) Take(token string, state interface{}) error {
	v, ok := s.cache.Get(token)
	if !ok {
		return ErrNotFound
	}
	s.cache.Remove(token)
	e := v.(entry)
	if time.Now().After(e.expires) {
		return ErrNotFound
	}
	return json.Unmarshal(e.data, state)
}

// Seal encrypts a ceremony state into an opaque, tamper-proof blob that can
// be stored client side.
func (s *Store) Seal(state interface{}) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, 1+len(nonce)+len(data)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, data, []byte{sealVersion})
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a blob produced by Seal.
func (s *Store) Open(sealed string, state interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return fmt.Errorf("invalid sealed state: %w", err)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX || raw[0] != sealVersion {
		return errors.New("invalid sealed state")
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return err
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	data, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], []byte{sealVersion})
	if err != nil {
		return errors.New("invalid sealed state")
	}
	return json.Unmarshal(data, state)
}
