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
	"encoding/binary"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Authenticator data flag bits.
// https://w3c.github.io/webauthn/#sctn-authenticator-data
const (
	flagUP = 1 << 0 // user present
	flagUV = 1 << 2 // user verified
	flagBE = 1 << 3 // backup eligible
	flagBS = 1 << 4 // backup state
	flagAT = 1 << 6 // attested credential data included
	flagED = 1 << 7 // extension data included
)

// AuthenticatorData is the authenticator data provided during attestation and
// assertion. https://w3c.github.io/webauthn/#sctn-authenticator-data
type AuthenticatorData struct {
	RPIDHash            [32]byte
	UserPresence        bool
	UserVerification    bool
	BackupEligible      bool
	BackupState         bool
	SignCount           uint32
	AttestedCredentials *AttestedCredentials
	Extensions          cbor.RawMessage
}

// AttestedCredentials is the attested credential data block.
// https://w3c.github.io/webauthn/#sctn-attested-credential-data
type AttestedCredentials struct {
	AAGUID uuid.UUID
	ID     []byte
	Key    *COSEKey
}

// ParseAuthenticatorData parses the fixed-prefix binary layout:
//
//	rpIdHash[32] | flags[1] | signCount[4 BE]
//	 [ if AT: aaguid[16] | credIdLen[2 BE] | credId | cose key (CBOR) ]
//	 [ if ED: extensions (CBOR map) ]
//
// The credential public key is decoded as exactly one CBOR item. Bytes after
// it are only allowed when the ED flag announces an extension map.
func ParseAuthenticatorData(raw []byte) (*AuthenticatorData, error) {
	if len(raw) < 37 {
		return nil, ErrTooShort
	}
	var ad AuthenticatorData
	copy(ad.RPIDHash[:], raw[:32])
	raw = raw[32:]
	flags := raw[0]
	ad.UserPresence = flags&flagUP != 0
	ad.UserVerification = flags&flagUV != 0
	ad.BackupEligible = flags&flagBE != 0
	ad.BackupState = flags&flagBS != 0
	raw = raw[1:]
	ad.SignCount = binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]

	if ad.BackupState && !ad.BackupEligible {
		return nil, fmt.Errorf("%w: BS set without BE", ErrBackupStateInvariant)
	}

	if flags&flagAT != 0 {
		if len(raw) < 18 {
			return nil, ErrTooShort
		}
		ac := &AttestedCredentials{}
		copy(ac.AAGUID[:], raw[:16])
		raw = raw[16:]

		sz := binary.BigEndian.Uint16(raw[:2])
		raw = raw[2:]
		if sz > 1023 {
			return nil, fmt.Errorf("%w: invalid credentialId length", ErrParse)
		}
		if len(raw) < int(sz) {
			return nil, ErrTooShort
		}
		ac.ID = append([]byte(nil), raw[:int(sz)]...)
		raw = raw[int(sz):]

		var rawKey cbor.RawMessage
		rest, err := cborFirst(raw, &rawKey)
		if err != nil {
			return nil, err
		}
		if ac.Key, err = ParseCOSEKey(rawKey); err != nil {
			return nil, err
		}
		ad.AttestedCredentials = ac
		raw = rest
	}
	if flags&flagED != 0 {
		var ext cbor.RawMessage
		rest, err := cborFirst(raw, &ext)
		if err != nil {
			return nil, err
		}
		var m map[interface{}]cbor.RawMessage
		if err := cbor.Unmarshal(ext, &m); err != nil {
			return nil, fmt.Errorf("%w: extensions are not a map", ErrCBORInvalid)
		}
		ad.Extensions = ext
		raw = rest
	}
	if len(raw) != 0 {
		return nil, ErrCBORTrailing
	}
	return &ad, nil
}
