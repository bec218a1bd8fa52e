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
	"crypto/x509"
	"encoding/asn1"
	"fmt"
)

// apple-anonymous-attestation nonce extension.
var oidAppleNonce = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

// assertAppleNonce checks that the leaf certificate's Apple extension holds
// the expected nonce. The extension value is SEQUENCE { [1] OCTET STRING }.
func assertAppleNonce(cert *x509.Certificate, nonce []byte) error {
	ext, err := certExtension(cert, oidAppleNonce)
	if err != nil {
		return fmt.Errorf("%w: apple nonce: %v", ErrAttestationCertificateRequirementsNotMet, err)
	}
	if ext == nil {
		return fmt.Errorf("%w: apple nonce extension missing", ErrAttestationCertificateRequirementsNotMet)
	}
	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(ext.Value, &seq); err != nil || !seq.IsCompound {
		return fmt.Errorf("%w: apple nonce extension", ErrParse)
	}
	var tagged asn1.RawValue
	if _, err := asn1.Unmarshal(seq.Bytes, &tagged); err != nil ||
		tagged.Class != asn1.ClassContextSpecific || tagged.Tag != 1 {
		return fmt.Errorf("%w: apple nonce extension", ErrParse)
	}
	var got []byte
	if _, err := asn1.Unmarshal(tagged.Bytes, &got); err != nil {
		return fmt.Errorf("%w: apple nonce extension", ErrParse)
	}
	if !bytes.Equal(got, nonce) {
		return fmt.Errorf("%w: apple nonce mismatch", ErrAttestationStatementInvalid)
	}
	return nil
}
