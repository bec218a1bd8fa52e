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
	"crypto/sha256"
	"fmt"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// AttestationFormat identifies an attestation statement format.
// https://w3c.github.io/webauthn/#sctn-defined-attestation-formats
type AttestationFormat string

const (
	AttestationFormatNone             AttestationFormat = "none"
	AttestationFormatPacked           AttestationFormat = "packed"
	AttestationFormatTPM              AttestationFormat = "tpm"
	AttestationFormatFidoU2F          AttestationFormat = "fido-u2f"
	AttestationFormatAndroidKey       AttestationFormat = "android-key"
	AttestationFormatAndroidSafetyNet AttestationFormat = "android-safetynet"
	AttestationFormatApple            AttestationFormat = "apple"
)

// TrustPath describes how far an attestation statement could be trusted.
type TrustPath int

const (
	// TrustPathNone: the authenticator conveyed no attestation.
	TrustPathNone TrustPath = iota
	// TrustPathSelf: the statement was signed with the credential key
	// itself.
	TrustPathSelf
	// TrustPathUnverifiedChain: the statement verified against its own
	// certificate chain, but no trust anchors were configured.
	TrustPathUnverifiedChain
	// TrustPathAttestationCA: the chain terminates at a configured anchor
	// that vouches for the authenticator model.
	TrustPathAttestationCA
)

// ParsedAttestation is what remains of an attestation statement after
// verification. The certificates themselves are not retained, only their DER
// encodings and the subject of the anchor that vouched for them.
type ParsedAttestation struct {
	Format        AttestationFormat
	TrustPath     TrustPath
	ChainDER      [][]byte
	AnchorSubject string
}

// Attestation is a decoded attestationObject.
// https://w3c.github.io/webauthn/#sctn-attestation
type Attestation struct {
	Format      string          `cbor:"fmt"`
	AttStmt     cbor.RawMessage `cbor:"attStmt"`
	RawAuthData []byte          `cbor:"authData"`

	AuthData *AuthenticatorData `cbor:"-"`
}

// ParseAttestationObject parses an attestationObject and its embedded
// authenticator data.
func ParseAttestationObject(attestationObject []byte) (*Attestation, error) {
	var att Attestation
	if err := cborExact(attestationObject, &att); err != nil {
		return nil, err
	}
	if len(att.RawAuthData) == 0 {
		return nil, fmt.Errorf("%w: no authData", ErrParse)
	}
	ad, err := ParseAuthenticatorData(att.RawAuthData)
	if err != nil {
		return nil, err
	}
	att.AuthData = ad
	return &att, nil
}

// verifyAttestation validates the attestation statement against the
// credential in the authenticator data and, when anchors are configured,
// against the caller's trust anchors.
func verifyAttestation(att *Attestation, clientDataHash []byte, anchors *TrustAnchorList, now time.Time) (*ParsedAttestation, error) {
	if att.AuthData.AttestedCredentials == nil {
		return nil, fmt.Errorf("%w: no attested credential data", ErrParse)
	}
	verificationData := make([]byte, 0, len(att.RawAuthData)+len(clientDataHash))
	verificationData = append(verificationData, att.RawAuthData...)
	verificationData = append(verificationData, clientDataHash...)

	switch AttestationFormat(att.Format) {
	case AttestationFormatNone:
		return &ParsedAttestation{Format: AttestationFormatNone, TrustPath: TrustPathNone}, nil
	case AttestationFormatPacked:
		return verifyPackedAttestation(att, verificationData, anchors, now)
	case AttestationFormatFidoU2F:
		return verifyU2FAttestation(att, clientDataHash, anchors, now)
	case AttestationFormatTPM:
		return verifyTPMAttestation(att, verificationData, anchors, now)
	case AttestationFormatApple:
		return verifyAppleAttestation(att, verificationData, anchors, now)
	case AttestationFormatAndroidKey:
		return verifyAndroidKeyAttestation(att, verificationData, clientDataHash, anchors, now)
	case AttestationFormatAndroidSafetyNet:
		return verifySafetyNetAttestation(att, verificationData, anchors, now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrAttestationFormatUnsupported, att.Format)
	}
}

// chainTrust runs the trust anchor check shared by the certificate based
// formats. With no anchors configured, enforcement is disabled and the chain
// is reported as unverified.
func chainTrust(p *ParsedAttestation, att *Attestation, x5c [][]byte, anchors *TrustAnchorList, now time.Time) (*ParsedAttestation, error) {
	p.ChainDER = x5c
	if anchors.Empty() {
		p.TrustPath = TrustPathUnverifiedChain
		return p, nil
	}
	chain, err := parseCertificates(x5c)
	if err != nil {
		return nil, err
	}
	anchor, err := anchors.verify(chain, att.AuthData.AttestedCredentials.AAGUID, now)
	if err != nil {
		return nil, err
	}
	p.TrustPath = TrustPathAttestationCA
	p.AnchorSubject = anchor.Subject()
	return p, nil
}

// verifyPackedAttestation implements the packed format, in both its full
// (x5c) and self attestation variants.
// https://w3c.github.io/webauthn/#sctn-packed-attestation
func verifyPackedAttestation(att *Attestation, verificationData []byte, anchors *TrustAnchorList, now time.Time) (*ParsedAttestation, error) {
	var stmt struct {
		Alg int64             `cbor:"alg"`
		Sig []byte            `cbor:"sig"`
		X5C []cbor.RawMessage `cbor:"x5c"`
	}
	if err := cborExact(att.AttStmt, &stmt); err != nil {
		return nil, err
	}
	if len(stmt.Sig) == 0 {
		return nil, fmt.Errorf("%w: no sig", ErrParse)
	}
	alg := COSEAlgorithm(stmt.Alg)
	credKey := att.AuthData.AttestedCredentials.Key

	if len(stmt.X5C) == 0 {
		// Self attestation: alg must match the credential key, and the
		// credential key itself signs.
		if alg != credKey.Alg {
			return nil, fmt.Errorf("%w: self attestation alg %s != credential alg %s", ErrAttestationStatementInvalid, alg, credKey.Alg)
		}
		if err := credKey.Verify(stmt.Sig, verificationData); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAttestationStatementInvalid, err)
		}
		return &ParsedAttestation{Format: AttestationFormatPacked, TrustPath: TrustPathSelf}, nil
	}

	x5c, err := rawChain(stmt.X5C)
	if err != nil {
		return nil, err
	}
	chain, err := parseCertificates(x5c)
	if err != nil {
		return nil, err
	}
	aaguid := att.AuthData.AttestedCredentials.AAGUID
	if err := assertPackedAttestCertRequirements(chain[0], aaguid[:]); err != nil {
		return nil, err
	}
	if err := verifySignature(chain[0].PublicKey, alg, stmt.Sig, verificationData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationStatementInvalid, err)
	}
	p := &ParsedAttestation{Format: AttestationFormatPacked}
	return chainTrust(p, att, x5c, anchors, now)
}

// verifyU2FAttestation implements the legacy fido-u2f format. The credential
// key must be ES256 on P-256; the signed payload uses the raw x9.62 point.
// https://w3c.github.io/webauthn/#sctn-fido-u2f-attestation
func verifyU2FAttestation(att *Attestation, clientDataHash []byte, anchors *TrustAnchorList, now time.Time) (*ParsedAttestation, error) {
	var stmt struct {
		Sig []byte            `cbor:"sig"`
		X5C []cbor.RawMessage `cbor:"x5c"`
	}
	if err := cborExact(att.AttStmt, &stmt); err != nil {
		return nil, err
	}
	if len(stmt.Sig) == 0 || len(stmt.X5C) == 0 {
		return nil, fmt.Errorf("%w: missing sig or x5c", ErrParse)
	}
	ac := att.AuthData.AttestedCredentials
	if ac.Key.Alg != ES256 || ac.Key.EC2 == nil {
		return nil, fmt.Errorf("%w: fido-u2f requires an ES256 EC2 key", ErrCOSEKeyInvalidType)
	}
	pubRaw, err := ac.Key.X962Raw()
	if err != nil {
		return nil, err
	}
	verificationData := make([]byte, 0, 1+32+len(clientDataHash)+len(ac.ID)+len(pubRaw))
	verificationData = append(verificationData, 0x00)
	verificationData = append(verificationData, att.AuthData.RPIDHash[:]...)
	verificationData = append(verificationData, clientDataHash...)
	verificationData = append(verificationData, ac.ID...)
	verificationData = append(verificationData, pubRaw...)

	x5c, err := rawChain(stmt.X5C)
	if err != nil {
		return nil, err
	}
	chain, err := parseCertificates(x5c)
	if err != nil {
		return nil, err
	}
	if err := verifySignature(chain[0].PublicKey, ES256, stmt.Sig, verificationData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationStatementInvalid, err)
	}
	p := &ParsedAttestation{Format: AttestationFormatFidoU2F}
	return chainTrust(p, att, x5c, anchors, now)
}

// verifyAppleAttestation implements the Apple anonymous format: the leaf
// certificate carries a nonce derived from the verification data and its key
// is the credential key.
// https://w3c.github.io/webauthn/#sctn-apple-anonymous-attestation
func verifyAppleAttestation(att *Attestation, verificationData []byte, anchors *TrustAnchorList, now time.Time) (*ParsedAttestation, error) {
	var stmt struct {
		X5C []cbor.RawMessage `cbor:"x5c"`
	}
	if err := cborExact(att.AttStmt, &stmt); err != nil {
		return nil, err
	}
	if len(stmt.X5C) == 0 {
		return nil, fmt.Errorf("%w: missing x5c", ErrParse)
	}
	x5c, err := rawChain(stmt.X5C)
	if err != nil {
		return nil, err
	}
	chain, err := parseCertificates(x5c)
	if err != nil {
		return nil, err
	}
	nonce := sha256.Sum256(verificationData)
	if err := assertAppleNonce(chain[0], nonce[:]); err != nil {
		return nil, err
	}
	if !att.AuthData.AttestedCredentials.Key.equalPublicKey(chain[0].PublicKey) {
		return nil, fmt.Errorf("%w: leaf key is not the credential key", ErrAttestationStatementInvalid)
	}
	p := &ParsedAttestation{Format: AttestationFormatApple}
	return chainTrust(p, att, x5c, anchors, now)
}

func rawChain(x5c []cbor.RawMessage) ([][]byte, error) {
	out := make([][]byte, 0, len(x5c))
	for _, raw := range x5c {
		var der []byte
		if err := cbor.Unmarshal(raw, &der); err != nil {
			return nil, fmt.Errorf("%w: x5c entry is not a byte string", ErrCBORInvalid)
		}
		out = append(out, der)
	}
	return out, nil
}
