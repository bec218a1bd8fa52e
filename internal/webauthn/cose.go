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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"c2tleQ/internal/log"
)

// COSEAlgorithm is a COSE algorithm identifier.
// https://www.iana.org/assignments/cose/cose.xhtml#algorithms
type COSEAlgorithm int

const (
	ES256 COSEAlgorithm = -7
	EDDSA COSEAlgorithm = -8
	ES384 COSEAlgorithm = -35
	ES512 COSEAlgorithm = -36
	PS256 COSEAlgorithm = -37
	PS384 COSEAlgorithm = -38
	PS512 COSEAlgorithm = -39
	RS256 COSEAlgorithm = -257
	RS384 COSEAlgorithm = -258
	RS512 COSEAlgorithm = -259

	// InsecureRS1 is RSASSA-PKCS1-v1_5 with SHA-1. It is recognized only
	// so that it can be rejected.
	InsecureRS1 COSEAlgorithm = -65535
)

var algStrings = map[COSEAlgorithm]string{
	ES256:       "ES256",
	EDDSA:       "EdDSA",
	ES384:       "ES384",
	ES512:       "ES512",
	PS256:       "PS256",
	PS384:       "PS384",
	PS512:       "PS512",
	RS256:       "RS256",
	RS384:       "RS384",
	RS512:       "RS512",
	InsecureRS1: "RS1",
}

func (a COSEAlgorithm) String() string {
	if s, ok := algStrings[a]; ok {
		return s
	}
	return fmt.Sprintf("COSEAlgorithm(%d)", int(a))
}

// SecureAlgorithms returns the default set of algorithms that a relying party
// should accept, in preference order.
func SecureAlgorithms() []COSEAlgorithm {
	return []COSEAlgorithm{ES256, ES384, ES512, RS256}
}

// COSE key types. https://datatracker.ietf.org/doc/html/rfc8152#section-13
const (
	coseKeyTypeOKP = 1
	coseKeyTypeEC2 = 2
	coseKeyTypeRSA = 3
)

// COSE key map labels.
const (
	coseLabelKeyType   = 1
	coseLabelAlgorithm = 3
	coseLabelCurve     = -1 // also RSA n
	coseLabelX         = -2 // also RSA e
	coseLabelY         = -3
)

// ECDSACurve identifies an elliptic curve for EC2 keys.
type ECDSACurve int

const (
	SECP256R1 ECDSACurve = 1
	SECP384R1 ECDSACurve = 2
	SECP521R1 ECDSACurve = 3
)

func (c ECDSACurve) coordinateSize() int {
	switch c {
	case SECP256R1:
		return 32
	case SECP384R1:
		return 48
	case SECP521R1:
		return 66
	}
	return 0
}

func (c ECDSACurve) curve() elliptic.Curve {
	switch c {
	case SECP256R1:
		return elliptic.P256()
	case SECP384R1:
		return elliptic.P384()
	case SECP521R1:
		return elliptic.P521()
	}
	return nil
}

// EDDSACurve identifies an Edwards curve for OKP keys.
type EDDSACurve int

const (
	ED25519 EDDSACurve = 6
	ED448   EDDSACurve = 7
)

// COSEEC2Key is an elliptic curve public key in affine coordinates.
type COSEEC2Key struct {
	Curve ECDSACurve
	X, Y  []byte
}

// COSERSAKey is an RSA public key. N is 256 bytes (2048 bits), E is 3 bytes.
type COSERSAKey struct {
	N []byte
	E []byte
}

// COSEOKPKey is an Edwards curve public key.
type COSEOKPKey struct {
	Curve EDDSACurve
	X     []byte
}

// COSEKey is a decoded credential public key. Exactly one of EC2, RSA, OKP is
// set, depending on the key type.
type COSEKey struct {
	Alg COSEAlgorithm
	EC2 *COSEEC2Key
	RSA *COSERSAKey
	OKP *COSEOKPKey

	// Raw is the CBOR encoding the key was decoded from.
	Raw []byte
}

// ParseCOSEKey decodes a COSE_Key map (RFC 8152 section 7) and validates it.
// The accepted (key type, algorithm) combinations are EC2 with ES256/ES384/
// ES512, RSA with RS256, and OKP with EdDSA. Everything else is rejected.
func ParseCOSEKey(b []byte) (*COSEKey, error) {
	m, err := decodeCBORMap(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
	}
	kty, err := m.getInt(coseLabelKeyType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
	}
	alg, err := m.getInt(coseLabelAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
	}
	key := &COSEKey{Alg: COSEAlgorithm(alg), Raw: append([]byte(nil), b...)}

	switch {
	case kty == coseKeyTypeEC2 && (key.Alg == ES256 || key.Alg == ES384 || key.Alg == ES512):
		crv, err := m.getInt(coseLabelCurve)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
		}
		x, err := m.getBytes(coseLabelX)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
		}
		y, err := m.getBytes(coseLabelY)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
		}
		key.EC2 = &COSEEC2Key{Curve: ECDSACurve(crv), X: x, Y: y}

	case kty == coseKeyTypeRSA && key.Alg == RS256:
		n, err := m.getBytes(coseLabelCurve) // -1 is n for RSA keys
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
		}
		e, err := m.getBytes(coseLabelX) // -2 is e
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
		}
		key.RSA = &COSERSAKey{N: n, E: e}

	case kty == coseKeyTypeOKP && key.Alg == EDDSA:
		crv, err := m.getInt(coseLabelCurve)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
		}
		x, err := m.getBytes(coseLabelX)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCOSEKeyInvalidCBORValue, err)
		}
		key.OKP = &COSEOKPKey{Curve: EDDSACurve(crv), X: x}

	default:
		return nil, fmt.Errorf("%w: kty %d alg %s", ErrCOSEKeyInvalidType, kty, key.Alg)
	}

	if err := key.validate(); err != nil {
		return nil, err
	}
	return key, nil
}

// validate checks the curve / length invariants and, for EC2 keys, that the
// point is on the curve. RFC 8152: applications MUST check that the curve and
// the key type are consistent and reject a key if they are not.
func (k *COSEKey) validate() error {
	switch {
	case k.EC2 != nil:
		var want ECDSACurve
		switch k.Alg {
		case ES256:
			want = SECP256R1
		case ES384:
			want = SECP384R1
		case ES512:
			want = SECP521R1
		}
		if k.EC2.Curve != want {
			return fmt.Errorf("%w: curve %d does not match %s", ErrCOSEKeyInvalidType, k.EC2.Curve, k.Alg)
		}
		sz := k.EC2.Curve.coordinateSize()
		if len(k.EC2.X) != sz || len(k.EC2.Y) != sz {
			return ErrCOSEKeyECDSAXYInvalid
		}
		x := new(big.Int).SetBytes(k.EC2.X)
		y := new(big.Int).SetBytes(k.EC2.Y)
		if !k.EC2.Curve.curve().IsOnCurve(x, y) {
			return ErrCOSEKeyECDSAXYInvalid
		}
	case k.RSA != nil:
		if len(k.RSA.N) != 256 || len(k.RSA.E) != 3 {
			return ErrCOSEKeyRSANEInvalid
		}
	case k.OKP != nil:
		if k.OKP.Curve != ED25519 && k.OKP.Curve != ED448 {
			return fmt.Errorf("%w: okp curve %d", ErrCOSEKeyInvalidType, k.OKP.Curve)
		}
		if k.OKP.Curve == ED25519 && len(k.OKP.X) != ed25519.PublicKeySize {
			return ErrCOSEKeyEDDSAXInvalid
		}
	}
	return nil
}

// publicKey converts the key material to a stdlib public key. OKP keys are
// not convertible yet.
func (k *COSEKey) publicKey() (crypto.PublicKey, error) {
	switch {
	case k.EC2 != nil:
		return &ecdsa.PublicKey{
			Curve: k.EC2.Curve.curve(),
			X:     new(big.Int).SetBytes(k.EC2.X),
			Y:     new(big.Int).SetBytes(k.EC2.Y),
		}, nil
	case k.RSA != nil:
		e := new(big.Int).SetBytes(k.RSA.E)
		if !e.IsInt64() || e.Int64() > int64(1<<31-1) {
			return nil, ErrCOSEKeyRSANEInvalid
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(k.RSA.N),
			E: int(e.Int64()),
		}, nil
	case k.OKP != nil:
		return nil, ErrEDUnsupported
	}
	return nil, ErrCOSEKeyInvalidType
}

// Verify checks signature over data with this key, under the key's algorithm.
func (k *COSEKey) Verify(signature, data []byte) error {
	if k.OKP != nil {
		return ErrEDUnsupported
	}
	pub, err := k.publicKey()
	if err != nil {
		return err
	}
	return verifySignature(pub, k.Alg, signature, data)
}

// X962Raw returns the x9.62 uncompressed encoding 0x04||x||y. Only EC2 keys
// have one; the legacy fido-u2f verification data needs it.
func (k *COSEKey) X962Raw() ([]byte, error) {
	if k.EC2 == nil {
		return nil, ErrCOSEKeyInvalidType
	}
	out := make([]byte, 0, 1+len(k.EC2.X)+len(k.EC2.Y))
	out = append(out, 0x04)
	out = append(out, k.EC2.X...)
	return append(out, k.EC2.Y...), nil
}

// equalPublicKey reports whether pub is the same key as k. Used by the TPM,
// apple, and android-key attestation paths, which all bind a certificate or
// TPM object to the credential key.
func (k *COSEKey) equalPublicKey(pub crypto.PublicKey) bool {
	switch p := pub.(type) {
	case *ecdsa.PublicKey:
		if k.EC2 == nil || k.EC2.Curve.curve() != p.Curve {
			return false
		}
		return p.X.Cmp(new(big.Int).SetBytes(k.EC2.X)) == 0 &&
			p.Y.Cmp(new(big.Int).SetBytes(k.EC2.Y)) == 0
	case *rsa.PublicKey:
		if k.RSA == nil {
			return false
		}
		e := new(big.Int).SetBytes(k.RSA.E)
		return p.N.Cmp(new(big.Int).SetBytes(k.RSA.N)) == 0 &&
			e.IsInt64() && int64(p.E) == e.Int64()
	}
	return false
}

// verifySignature verifies an ASN.1 (for ECDSA) or PKCS#1 style signature
// under the given COSE algorithm. INSECURE_RS1 is always rejected.
func verifySignature(pub crypto.PublicKey, alg COSEAlgorithm, signature, data []byte) error {
	switch alg {
	case ES256, ES384, ES512:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: not an ecdsa key (%T)", ErrCOSEKeyInvalidType, pub)
		}
		if !ecdsa.VerifyASN1(ecPub, hashFor(alg, data), signature) {
			return ErrSignatureVerificationFailed
		}
		return nil
	case RS256, RS384, RS512:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: not an rsa key (%T)", ErrCOSEKeyInvalidType, pub)
		}
		if err := rsa.VerifyPKCS1v15(rsaPub, cryptoHash(alg), hashFor(alg, data), signature); err != nil {
			return ErrSignatureVerificationFailed
		}
		return nil
	case PS256, PS384, PS512:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: not an rsa key (%T)", ErrCOSEKeyInvalidType, pub)
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: cryptoHash(alg)}
		if err := rsa.VerifyPSS(rsaPub, cryptoHash(alg), hashFor(alg, data), signature, opts); err != nil {
			return ErrSignatureVerificationFailed
		}
		return nil
	case EDDSA:
		return ErrEDUnsupported
	case InsecureRS1:
		log.Errorf("insecure SHA1 signature algorithm rejected")
		return ErrInsecureCryptography
	default:
		return fmt.Errorf("%w: %s", ErrCOSEKeyInvalidType, alg)
	}
}

func cryptoHash(alg COSEAlgorithm) crypto.Hash {
	switch alg {
	case ES256, RS256, PS256:
		return crypto.SHA256
	case ES384, RS384, PS384:
		return crypto.SHA384
	default:
		return crypto.SHA512
	}
}

func hashFor(alg COSEAlgorithm, data []byte) []byte {
	switch cryptoHash(alg) {
	case crypto.SHA256:
		h := sha256.Sum256(data)
		return h[:]
	case crypto.SHA384:
		h := sha512.Sum384(data)
		return h[:]
	default:
		h := sha512.Sum512(data)
		return h[:]
	}
}

// verifyJWSSignature handles the JWS signature encodings: ECDSA signatures
// are raw r||s instead of ASN.1.
func verifyJWSSignature(pub crypto.PublicKey, alg COSEAlgorithm, data, sig []byte) error {
	if alg != ES256 {
		return verifySignature(pub, alg, sig, data)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: not an ecdsa key (%T)", ErrCOSEKeyInvalidType, pub)
	}
	if len(sig)%2 != 0 {
		return ErrSignatureVerificationFailed
	}
	r := new(big.Int).SetBytes(sig[:len(sig)/2])
	s := new(big.Int).SetBytes(sig[len(sig)/2:])
	if !ecdsa.Verify(ecPub, hashFor(alg, data), r, s) {
		return ErrSignatureVerificationFailed
	}
	return nil
}

// coseKeyEqual reports whether two keys have the same algorithm and material.
func coseKeyEqual(a, b *COSEKey) bool {
	if a.Alg != b.Alg {
		return false
	}
	switch {
	case a.EC2 != nil && b.EC2 != nil:
		return a.EC2.Curve == b.EC2.Curve &&
			bytes.Equal(a.EC2.X, b.EC2.X) && bytes.Equal(a.EC2.Y, b.EC2.Y)
	case a.RSA != nil && b.RSA != nil:
		return bytes.Equal(a.RSA.N, b.RSA.N) && bytes.Equal(a.RSA.E, b.RSA.E)
	case a.OKP != nil && b.OKP != nil:
		return a.OKP.Curve == b.OKP.Curve && bytes.Equal(a.OKP.X, b.OKP.X)
	}
	return false
}
