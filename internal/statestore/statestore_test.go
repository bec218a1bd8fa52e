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

package statestore

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"
	"golang.org/x/crypto/chacha20poly1305"
)

type testState struct {
	Challenge string `json:"challenge"`
	UserID    string `json:"userId"`
}

func newTestStore(t *testing.T, maxAge time.Duration) *Store {
	t.Helper()
	var key [chacha20poly1305.KeySize]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	s, err := New(10, maxAge, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutTake(t *testing.T) {
	s := newTestStore(t, time.Minute)
	in := testState{Challenge: "abc", UserID: "u1"}
	token, err := s.Put(in)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	var out testState
	if err := s.Take(token, &out); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if diff := deep.Equal(in, out); diff != nil {
		t.Errorf("State differs: %v", diff)
	}
	// Single use.
	if err := s.Take(token, &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTakeExpired(t *testing.T) {
	s := newTestStore(t, -time.Second)
	token, err := s.Put(testState{Challenge: "abc"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	var out testState
	if err := s.Take(token, &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTakeUnknown(t *testing.T) {
	s := newTestStore(t, time.Minute)
	var out testState
	if err := s.Take("bogus", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSealOpen(t *testing.T) {
	s := newTestStore(t, time.Minute)
	in := testState{Challenge: "abc", UserID: "u1"}
	sealed, err := s.Seal(in)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	var out testState
	if err := s.Open(sealed, &out); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if diff := deep.Equal(in, out); diff != nil {
		t.Errorf("State differs: %v", diff)
	}
}

func TestOpenTampered(t *testing.T) {
	s := newTestStore(t, time.Minute)
	sealed, err := s.Seal(testState{Challenge: "abc"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	var out testState
	if err := s.Open(base64.RawURLEncoding.EncodeToString(raw), &out); err == nil {
		t.Error("Open of tampered state should have failed")
	}
	// A different key can't open it either.
	var key [chacha20poly1305.KeySize]byte
	s2, err := New(10, time.Minute, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s2.Open(sealed, &out); err == nil {
		t.Error("Open with the wrong key should have failed")
	}
}
