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
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Client data types. https://w3c.github.io/webauthn/#dictionary-client-data
const (
	clientDataTypeCreate = "webauthn.create"
	clientDataTypeGet    = "webauthn.get"
)

// ClientData is a decoded clientDataJSON object.
type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

// ParseClientData decodes the collected client data JSON.
func ParseClientData(js []byte) (*ClientData, error) {
	var out ClientData
	if err := json.Unmarshal(js, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if out.Type == "" || out.Challenge == "" || out.Origin == "" {
		return nil, fmt.Errorf("%w: client data missing required field", ErrParse)
	}
	return &out, nil
}

// verify checks the ceremony type, the challenge, and the origin against the
// relying party configuration. wantChallenge is the base64url value issued at
// the start of the ceremony.
func (cd *ClientData) verify(rp *RelyingParty, ceremonyType, wantChallenge string) error {
	if cd.Type != ceremonyType {
		return fmt.Errorf("%w: client data type %q", ErrParse, cd.Type)
	}
	got, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeMismatch, err)
	}
	want, err := base64.RawURLEncoding.DecodeString(wantChallenge)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeMismatch, err)
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrChallengeMismatch
	}
	if !rp.originAllowed(cd.Origin) {
		return fmt.Errorf("%w: %q", ErrOriginMismatch, cd.Origin)
	}
	return nil
}

// originAllowed applies the origin policy: exact match against an allowed
// origin by default, optionally treating subdomains of the rp_id as valid and
// ignoring ports. The scheme must be https, except for chrome extensions.
func (rp *RelyingParty) originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "https" && u.Scheme != "chrome-extension" {
		return false
	}
	for _, allowed := range rp.allowedOrigins {
		if originsMatch(u, allowed, rp.AllowAnyPort) {
			return true
		}
	}
	if rp.AllowSubdomains && u.Scheme == "https" {
		host := u.Hostname()
		if host == rp.RPID || strings.HasSuffix(host, "."+rp.RPID) {
			return true
		}
	}
	return false
}

func originsMatch(got, allowed *url.URL, anyPort bool) bool {
	if got.Scheme != allowed.Scheme || got.Hostname() != allowed.Hostname() {
		return false
	}
	if anyPort {
		return true
	}
	return got.Port() == allowed.Port()
}
