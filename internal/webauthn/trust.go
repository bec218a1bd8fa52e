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
	"crypto/x509"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TrustAnchor is an attestation CA certificate, optionally restricted to a
// set of authenticator models by AAGUID. An anchor with an empty AAGUID set
// vouches for any model that chains to it.
type TrustAnchor struct {
	cert    *x509.Certificate
	aaguids map[uuid.UUID]bool
}

// NewTrustAnchor parses a DER encoded CA certificate.
func NewTrustAnchor(der []byte, aaguids ...uuid.UUID) (*TrustAnchor, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	a := &TrustAnchor{cert: cert}
	if len(aaguids) > 0 {
		a.aaguids = make(map[uuid.UUID]bool, len(aaguids))
		for _, id := range aaguids {
			a.aaguids[id] = true
		}
	}
	return a, nil
}

// Subject returns the anchor certificate's subject, for reporting.
func (a *TrustAnchor) Subject() string {
	return a.cert.Subject.String()
}

// TrustAnchorList is the set of attestation CAs a relying party trusts.
// An empty list disables attestation trust enforcement.
type TrustAnchorList struct {
	anchors []*TrustAnchor
}

// NewTrustAnchorList builds a list from the given anchors.
func NewTrustAnchorList(anchors ...*TrustAnchor) *TrustAnchorList {
	return &TrustAnchorList{anchors: anchors}
}

// Add appends an anchor to the list.
func (l *TrustAnchorList) Add(a *TrustAnchor) {
	l.anchors = append(l.anchors, a)
}

// Empty reports whether the list has no anchors.
func (l *TrustAnchorList) Empty() bool {
	return l == nil || len(l.anchors) == 0
}

// verify chain-verifies an attestation certificate path and binds it to the
// authenticator model. Anchors registered for the AAGUID are tried first,
// then the unrestricted anchors. An anchor that carries an AAGUID set but
// does not list this AAGUID never validates the chain.
func (l *TrustAnchorList) verify(chain []*x509.Certificate, aaguid uuid.UUID, now time.Time) (*TrustAnchor, error) {
	if l.Empty() {
		return nil, fmt.Errorf("%w: no anchors", ErrAttestationChainUnknown)
	}
	var byAAGUID, fallback []*TrustAnchor
	for _, a := range l.anchors {
		switch {
		case a.aaguids == nil:
			fallback = append(fallback, a)
		case a.aaguids[aaguid]:
			byAAGUID = append(byAAGUID, a)
		}
	}
	for _, group := range [][]*TrustAnchor{byAAGUID, fallback} {
		for _, a := range group {
			if _, err := verifyChain(chain, []*x509.Certificate{a.cert}, now); err == nil {
				return a, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: aaguid %s not vouched for by any anchor", ErrAttestationChainUnknown, aaguid)
}
