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

// Package webauthn implements the server side of WebAuthn: the COSE key
// model, attestation statement verification, and the registration and
// authentication ceremonies.
//
// The package is stateless. StartRegistration and StartAuthentication return
// a challenge response for the user agent together with a state value that
// the caller must persist server side and pass back, exactly once, to the
// matching Finish call. Storing the state client side, or consuming it more
// than once, defeats the replay protection that the challenge provides.
package webauthn

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// UserVerificationPolicy selects how the user verification flag is enforced.
// https://w3c.github.io/webauthn/#enumdef-userverificationrequirement
type UserVerificationPolicy string

const (
	UserVerificationRequired    UserVerificationPolicy = "required"
	UserVerificationPreferred   UserVerificationPolicy = "preferred"
	UserVerificationDiscouraged UserVerificationPolicy = "discouraged"
)

// AttestationPreference selects how much attestation data the relying party
// wants conveyed.
// https://w3c.github.io/webauthn/#enumdef-attestationconveyancepreference
type AttestationPreference string

const (
	AttestationNone     AttestationPreference = "none"
	AttestationIndirect AttestationPreference = "indirect"
	AttestationDirect   AttestationPreference = "direct"
)

// Config carries the site-wide relying party settings. It is immutable after
// NewRelyingParty and safe to share between goroutines.
type Config struct {
	// RPID is the relying party identifier, i.e. the effective domain that
	// credentials are scoped to. It can NOT change without breaking all
	// registered credentials.
	RPID string
	// RPName is shown to users. Defaults to RPID.
	RPName string
	// AllowedOrigins are the origins the user agent may report in client
	// data. Each origin's host must be RPID or end with "." + RPID.
	AllowedOrigins []string
	// AllowSubdomains accepts any https origin whose host is a subdomain
	// of RPID.
	AllowSubdomains bool
	// AllowAnyPort ignores the port when comparing origins.
	AllowAnyPort bool
	// Algorithms is the ordered set of acceptable credential algorithms.
	// Defaults to SecureAlgorithms().
	Algorithms []COSEAlgorithm
	// UserPresenceOnly selects the discouraged user verification policy
	// for single-factor security key flows.
	UserPresenceOnly bool
	// Rand is the source of challenge entropy. Defaults to crypto/rand.
	Rand io.Reader
}

// RelyingParty verifies registration and authentication ceremonies for one
// webauthn site.
type RelyingParty struct {
	Config

	allowedOrigins []*url.URL
}

// NewRelyingParty validates the configuration. The rp id must be a
// registrable suffix of every allowed origin: for an origin
// https://idm.example.com, valid rp ids are idm.example.com, example.com, and
// com (the dot is prepended before comparing so that myexample.com does not
// match example.com).
func NewRelyingParty(c Config) (*RelyingParty, error) {
	if c.RPID == "" {
		return nil, fmt.Errorf("%w: empty rp id", ErrConfiguration)
	}
	if len(c.AllowedOrigins) == 0 {
		return nil, fmt.Errorf("%w: no allowed origins", ErrConfiguration)
	}
	if c.RPName == "" {
		c.RPName = c.RPID
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = SecureAlgorithms()
	}
	for _, alg := range c.Algorithms {
		if alg == InsecureRS1 {
			return nil, fmt.Errorf("%w: %s", ErrInsecureCryptography, alg)
		}
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	rp := &RelyingParty{Config: c}
	for _, o := range c.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil {
			return nil, fmt.Errorf("%w: origin %q: %v", ErrConfiguration, o, err)
		}
		switch u.Scheme {
		case "https":
			host := u.Hostname()
			if host != c.RPID && !strings.HasSuffix(host, "."+c.RPID) {
				return nil, fmt.Errorf("%w: rp id %q is not an effective domain of %q", ErrConfiguration, c.RPID, o)
			}
		case "chrome-extension":
			if u.Hostname() != c.RPID {
				return nil, fmt.Errorf("%w: rp id %q does not match extension origin %q", ErrConfiguration, c.RPID, o)
			}
		default:
			return nil, fmt.Errorf("%w: origin %q scheme", ErrConfiguration, o)
		}
		rp.allowedOrigins = append(rp.allowedOrigins, u)
	}
	return rp, nil
}

// newChallenge returns a fresh 32-byte challenge, base64url encoded.
func (rp *RelyingParty) newChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := io.ReadFull(rp.Rand, challenge); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	return base64.RawURLEncoding.EncodeToString(challenge), nil
}
