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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString: %v", err)
	}
	return b
}

func TestParseCOSEKeyES256(t *testing.T) {
	// A5       map, 5 elements
	// 01 02    kty: EC2
	// 03 26    alg: ES256
	// 20 01    crv: P-256
	// 21 58 20 x
	// 22 58 20 y
	b := mustHex(t, "a501020326200121582065eda5a12577c2bae829437fe338701a10aaa375e1bb5b5de108de439c08551d2258201e52ed75701163f7f9e40ddf9f341b3dc9ba860af7e0ca7ca7e9eecd0084d19c")
	key, err := ParseCOSEKey(b)
	if err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}
	if key.Alg != ES256 {
		t.Errorf("Unexpected alg. Got %s, want ES256", key.Alg)
	}
	if key.EC2 == nil {
		t.Fatal("Expected an EC2 key")
	}
	if key.EC2.Curve != SECP256R1 {
		t.Errorf("Unexpected curve: %d", key.EC2.Curve)
	}
	wantX := mustHex(t, "65eda5a12577c2bae829437fe338701a10aaa375e1bb5b5de108de439c08551d")
	wantY := mustHex(t, "1e52ed75701163f7f9e40ddf9f341b3dc9ba860af7e0ca7ca7e9eecd0084d19c")
	if diff := deep.Equal(key.EC2.X, wantX); diff != nil {
		t.Errorf("Unexpected x: %v", diff)
	}
	if diff := deep.Equal(key.EC2.Y, wantY); diff != nil {
		t.Errorf("Unexpected y: %v", diff)
	}
}

func TestParseCOSEKeyES384(t *testing.T) {
	b := mustHex(t, "a50102033822200221583"+"0ceeaf818731db7af2d02e029854823d71bdbf65fb0c6ff6942c9cf891efe18ea81430517d777f5c43550da801be5bf2f"+"225830dda1d0ead72e042efb7c36a38cc021abb2ca1a2e38159edda8c25f391e9a38d79dd56b9427d1c7c70cfa778ab849b087")
	key, err := ParseCOSEKey(b)
	if err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}
	if key.Alg != ES384 || key.EC2 == nil || key.EC2.Curve != SECP384R1 {
		t.Errorf("Unexpected key: %+v", key)
	}
}

func TestParseCOSEKeyES512(t *testing.T) {
	b := mustHex(t, "a501020338232003215842"+"0106cfaacf34b13f24bbb2f806fd9cfacff9a2a5ef9ecfcd85664609a0b2f6d4fdb8e1d58630905f13f38d8eed8714eceb716920a3a235581623261fed961f7b7d72"+"225842"+"0089597a052a8d3c8b2b5692d467dea19f8e1b9ca17fa563a1a826855dade04811b2881819e72f1706daeaf7d3773b2e284983a0eec33c2fe3ff5697722e95b29536")
	key, err := ParseCOSEKey(b)
	if err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}
	if key.Alg != ES512 || key.EC2 == nil || key.EC2.Curve != SECP521R1 {
		t.Errorf("Unexpected key: %+v", key)
	}
	if len(key.EC2.X) != 66 || len(key.EC2.Y) != 66 {
		t.Errorf("Unexpected coordinate sizes: %d, %d", len(key.EC2.X), len(key.EC2.Y))
	}
}

func TestParseCOSEKeyMissingLabel(t *testing.T) {
	// Same ES256 map with the y coordinate removed.
	b := mustHex(t, "a401020326200121582065eda5a12577c2bae829437fe338701a10aaa375e1bb5b5de108de439c08551d")
	if _, err := ParseCOSEKey(b); !errors.Is(err, ErrCOSEKeyInvalidCBORValue) {
		t.Errorf("Expected ErrCOSEKeyInvalidCBORValue, got %v", err)
	}
}

func TestParseCOSEKeyInconsistentType(t *testing.T) {
	// kty RSA with alg ES256.
	b := mustHex(t, "a401030326205820"+"65eda5a12577c2bae829437fe338701a10aaa375e1bb5b5de108de439c08551d"+"215820"+"1e52ed75701163f7f9e40ddf9f341b3dc9ba860af7e0ca7ca7e9eecd0084d19c")
	if _, err := ParseCOSEKey(b); !errors.Is(err, ErrCOSEKeyInvalidType) {
		t.Errorf("Expected ErrCOSEKeyInvalidType, got %v", err)
	}
}

func TestParseCOSEKeyBadCoordinates(t *testing.T) {
	// ES256 with a 31-byte x coordinate.
	b := mustHex(t, "a50102032620012158"+"1f"+"eda5a12577c2bae829437fe338701a10aaa375e1bb5b5de108de439c08551d"+"225820"+"1e52ed75701163f7f9e40ddf9f341b3dc9ba860af7e0ca7ca7e9eecd0084d19c")
	if _, err := ParseCOSEKey(b); !errors.Is(err, ErrCOSEKeyECDSAXYInvalid) {
		t.Errorf("Expected ErrCOSEKeyECDSAXYInvalid, got %v", err)
	}
}

func TestParseCOSEKeyOKP(t *testing.T) {
	// kty OKP, alg EdDSA, crv Ed25519, x 32 bytes. Parses, but won't
	// verify.
	b := mustHex(t, "a4010103272006215820"+"65eda5a12577c2bae829437fe338701a10aaa375e1bb5b5de108de439c08551d")
	key, err := ParseCOSEKey(b)
	if err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}
	if key.OKP == nil || key.OKP.Curve != ED25519 {
		t.Fatalf("Expected an Ed25519 OKP key, got %+v", key)
	}
	if err := key.Verify([]byte("sig"), []byte("msg")); !errors.Is(err, ErrEDUnsupported) {
		t.Errorf("Expected ErrEDUnsupported, got %v", err)
	}
}

func TestCOSEKeyRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	b, err := esCOSEKey(ES256, &priv.PublicKey)
	if err != nil {
		t.Fatalf("esCOSEKey: %v", err)
	}
	key, err := ParseCOSEKey(b)
	if err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}
	key2, err := ParseCOSEKey(key.Raw)
	if err != nil {
		t.Fatalf("ParseCOSEKey(Raw): %v", err)
	}
	if !coseKeyEqual(key, key2) {
		t.Error("Round-tripped key differs")
	}
}

func TestVerifySignatureAllAlgorithms(t *testing.T) {
	msg := []byte("test")
	for _, alg := range []COSEAlgorithm{ES256, ES384, ES512} {
		priv, err := ecdsa.GenerateKey(ECDSACurve(algCurve(alg)).curve(), rand.Reader)
		if err != nil {
			t.Fatalf("ecdsa.GenerateKey: %v", err)
		}
		b, err := esCOSEKey(alg, &priv.PublicKey)
		if err != nil {
			t.Fatalf("esCOSEKey: %v", err)
		}
		key, err := ParseCOSEKey(b)
		if err != nil {
			t.Fatalf("%s: ParseCOSEKey: %v", alg, err)
		}
		sig, err := priv.Sign(rand.Reader, hashFor(alg, msg), cryptoHash(alg))
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if err := key.Verify(sig, msg); err != nil {
			t.Errorf("%s: Verify: %v", alg, err)
		}
		if err := key.Verify(sig, []byte("other")); !errors.Is(err, ErrSignatureVerificationFailed) {
			t.Errorf("%s: Verify of wrong message: %v", alg, err)
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	b, err := rs256COSEKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("rs256COSEKey: %v", err)
	}
	key, err := ParseCOSEKey(b)
	if err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}
	sig, err := priv.Sign(rand.Reader, hashFor(RS256, msg), cryptoHash(RS256))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := key.Verify(sig, msg); err != nil {
		t.Errorf("RS256: Verify: %v", err)
	}
}

func algCurve(alg COSEAlgorithm) int {
	switch alg {
	case ES256:
		return int(SECP256R1)
	case ES384:
		return int(SECP384R1)
	default:
		return int(SECP521R1)
	}
}

func TestInsecureRS1AlwaysRejected(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	for _, sig := range [][]byte{nil, []byte("x"), make([]byte, 256)} {
		if err := verifySignature(&priv.PublicKey, InsecureRS1, sig, []byte("data")); !errors.Is(err, ErrInsecureCryptography) {
			t.Errorf("Expected ErrInsecureCryptography, got %v", err)
		}
	}
}

func TestX962Raw(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	b, err := esCOSEKey(ES256, &priv.PublicKey)
	if err != nil {
		t.Fatalf("esCOSEKey: %v", err)
	}
	key, err := ParseCOSEKey(b)
	if err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}
	raw, err := key.X962Raw()
	if err != nil {
		t.Fatalf("X962Raw: %v", err)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		t.Errorf("Unexpected x9.62 encoding: %d bytes, first 0x%02x", len(raw), raw[0])
	}
}
