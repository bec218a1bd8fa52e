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
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// Android keystore attestation extension.
var oidAndroidKeyDescription = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// androidKeyDescription is the prefix of the keystore KeyDescription
// structure; only the attestation challenge matters here.
type androidKeyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         asn1.RawValue
	TeeEnforced              asn1.RawValue
}

// verifyAndroidKeyAttestation implements the android-key format.
// https://w3c.github.io/webauthn/#sctn-android-key-attestation
func verifyAndroidKeyAttestation(att *Attestation, verificationData, clientDataHash []byte, anchors *TrustAnchorList, now time.Time) (*ParsedAttestation, error) {
	var stmt struct {
		Alg int64             `cbor:"alg"`
		Sig []byte            `cbor:"sig"`
		X5C []cbor.RawMessage `cbor:"x5c"`
	}
	if err := cborExact(att.AttStmt, &stmt); err != nil {
		return nil, err
	}
	if len(stmt.Sig) == 0 || len(stmt.X5C) == 0 {
		return nil, fmt.Errorf("%w: missing sig or x5c", ErrParse)
	}
	x5c, err := rawChain(stmt.X5C)
	if err != nil {
		return nil, err
	}
	chain, err := parseCertificates(x5c)
	if err != nil {
		return nil, err
	}
	if err := verifySignature(chain[0].PublicKey, COSEAlgorithm(stmt.Alg), stmt.Sig, verificationData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationStatementInvalid, err)
	}
	if !att.AuthData.AttestedCredentials.Key.equalPublicKey(chain[0].PublicKey) {
		return nil, fmt.Errorf("%w: leaf key is not the credential key", ErrAttestationStatementInvalid)
	}
	ext, err := certExtension(chain[0], oidAndroidKeyDescription)
	if err != nil {
		return nil, fmt.Errorf("%w: key description: %v", ErrAttestationCertificateRequirementsNotMet, err)
	}
	if ext == nil {
		return nil, fmt.Errorf("%w: key description extension missing", ErrAttestationCertificateRequirementsNotMet)
	}
	var desc androidKeyDescription
	if _, err := asn1.Unmarshal(ext.Value, &desc); err != nil {
		return nil, fmt.Errorf("%w: key description: %v", ErrParse, err)
	}
	if !bytes.Equal(desc.AttestationChallenge, clientDataHash) {
		return nil, fmt.Errorf("%w: attestation challenge mismatch", ErrAttestationStatementInvalid)
	}
	p := &ParsedAttestation{Format: AttestationFormatAndroidKey}
	return chainTrust(p, att, x5c, anchors, now)
}

// verifySafetyNetAttestation implements the android-safetynet format. The
// statement is a JWS signed by a certificate issued to attest.android.com;
// its nonce covers the verification data.
// https://w3c.github.io/webauthn/#sctn-android-safetynet-attestation
func verifySafetyNetAttestation(att *Attestation, verificationData []byte, anchors *TrustAnchorList, now time.Time) (*ParsedAttestation, error) {
	var stmt struct {
		Ver      string `cbor:"ver"`
		Response []byte `cbor:"response"`
	}
	if err := cborExact(att.AttStmt, &stmt); err != nil {
		return nil, err
	}
	if stmt.Ver == "" || len(stmt.Response) == 0 {
		return nil, fmt.Errorf("%w: incomplete safetynet statement", ErrParse)
	}
	parts := strings.Split(string(stmt.Response), ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: safetynet response is not a JWS", ErrParse)
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	var header struct {
		Alg string   `json:"alg"`
		X5C []string `json:"x5c"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(header.X5C) == 0 {
		return nil, fmt.Errorf("%w: safetynet JWS without x5c", ErrParse)
	}
	x5c := make([][]byte, 0, len(header.X5C))
	for _, c := range header.X5C {
		der, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		x5c = append(x5c, der)
	}
	chain, err := parseCertificates(x5c)
	if err != nil {
		return nil, err
	}
	if chain[0].Subject.CommonName != "attest.android.com" {
		return nil, fmt.Errorf("%w: safetynet leaf CN %q", ErrAttestationCertificateRequirementsNotMet, chain[0].Subject.CommonName)
	}
	var alg COSEAlgorithm
	switch header.Alg {
	case "RS256":
		alg = RS256
	case "ES256":
		alg = ES256
	default:
		return nil, fmt.Errorf("%w: safetynet JWS alg %q", ErrParse, header.Alg)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := verifyJWSSignature(chain[0].PublicKey, alg, []byte(parts[0]+"."+parts[1]), sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationStatementInvalid, err)
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	var payload struct {
		Nonce           string `json:"nonce"`
		CtsProfileMatch bool   `json:"ctsProfileMatch"`
	}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	wantNonce := sha256.Sum256(verificationData)
	if payload.Nonce != base64.StdEncoding.EncodeToString(wantNonce[:]) {
		return nil, fmt.Errorf("%w: safetynet nonce mismatch", ErrAttestationStatementInvalid)
	}
	if !payload.CtsProfileMatch {
		return nil, fmt.Errorf("%w: ctsProfileMatch false", ErrAttestationStatementInvalid)
	}
	p := &ParsedAttestation{Format: AttestationFormatAndroidSafetyNet}
	return chainTrust(p, att, x5c, anchors, now)
}
