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
	"encoding/base64"
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/uuid"
)

func testUser() User {
	return User{ID: []byte("user-1234"), Name: "claire@example.com", DisplayName: "Claire"}
}

// register runs a full registration ceremony against the fake authenticator.
func register(t *testing.T, rp *RelyingParty, auth *FakeAuthenticator, opts RegistrationOptions) (*Credential, error) {
	t.Helper()
	ccr, state, err := rp.StartRegistration(testUser(), opts)
	if err != nil {
		t.Fatalf("StartRegistration: %v", err)
	}
	clientDataJSON, attestationObject, err := auth.Create(ccr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resp := &RegisterPublicKeyCredential{
		Type: "public-key",
		Response: AuthenticatorAttestationResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AttestationObject: base64.RawURLEncoding.EncodeToString(attestationObject),
		},
	}
	return rp.FinishRegistration(state, resp)
}

func TestRegistrationNoneAttestation(t *testing.T) {
	for _, alg := range []COSEAlgorithm{ES256, ES384, ES512, RS256} {
		auth, err := NewFakeAuthenticator()
		if err != nil {
			t.Fatalf("NewFakeAuthenticator: %v", err)
		}
		auth.UserVerified = true
		rpAlg, err := NewRelyingParty(Config{
			RPID:           "example.com",
			AllowedOrigins: []string{"https://example.com"},
			Algorithms:     []COSEAlgorithm{alg},
		})
		if err != nil {
			t.Fatalf("NewRelyingParty: %v", err)
		}
		cred, err := register(t, rpAlg, auth, RegistrationOptions{})
		if err != nil {
			t.Fatalf("%s: FinishRegistration: %v", alg, err)
		}
		if cred.Key.Alg != alg {
			t.Errorf("Unexpected credential alg. Got %s, want %s", cred.Key.Alg, alg)
		}
		if cred.SignCount != 0 {
			t.Errorf("Unexpected sign count: %d", cred.SignCount)
		}
		if cred.BackupEligible || cred.BackupState {
			t.Error("Expected BE and BS to be clear")
		}
		if cred.AAGUID != uuid.Nil {
			t.Errorf("Unexpected AAGUID: %s", cred.AAGUID)
		}
		if cred.Attestation.TrustPath != TrustPathNone {
			t.Errorf("Unexpected trust path: %d", cred.Attestation.TrustPath)
		}
	}
}

func TestRegistrationPackedSelfAttestation(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	auth.Format = "packed"
	cred, err := register(t, rp, auth, RegistrationOptions{})
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if cred.Attestation.Format != AttestationFormatPacked {
		t.Errorf("Unexpected format: %s", cred.Attestation.Format)
	}
	if cred.Attestation.TrustPath != TrustPathSelf {
		t.Errorf("Unexpected trust path: %d", cred.Attestation.TrustPath)
	}
	// The stored key is the exact COSE encoding the authenticator sent.
	key, err := ParseCOSEKey(cred.Key.Raw)
	if err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}
	if diff := deep.Equal(key.EC2, cred.Key.EC2); diff != nil {
		t.Errorf("Key differs: %v", diff)
	}
}

func TestRegistrationPackedFullAttestation(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	auth.Format = "packed-x5c"
	rootDER, err := auth.AttestationRootDER()
	if err != nil {
		t.Fatalf("AttestationRootDER: %v", err)
	}
	anchor, err := NewTrustAnchor(rootDER)
	if err != nil {
		t.Fatalf("NewTrustAnchor: %v", err)
	}
	cred, err := register(t, rp, auth, RegistrationOptions{
		TrustAnchors: NewTrustAnchorList(anchor),
	})
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if cred.Attestation.TrustPath != TrustPathAttestationCA {
		t.Errorf("Unexpected trust path: %d", cred.Attestation.TrustPath)
	}
	if cred.Attestation.AnchorSubject == "" {
		t.Error("Expected an anchor subject")
	}
}

func TestRegistrationPackedWrongOU(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	auth.Format = "packed-x5c"
	auth.PackedOU = "Other"
	if _, err := register(t, rp, auth, RegistrationOptions{}); !errors.Is(err, ErrAttestationCertificateRequirementsNotMet) {
		t.Errorf("Expected ErrAttestationCertificateRequirementsNotMet, got %v", err)
	}
}

func TestRegistrationPackedAAGUIDBinding(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	auth.Format = "packed-x5c"
	copy(auth.AAGUID[:], []byte("0123456789abcdef"))
	rootDER, err := auth.AttestationRootDER()
	if err != nil {
		t.Fatalf("AttestationRootDER: %v", err)
	}

	// Anchor registered for a different AAGUID only.
	otherID := uuid.MustParse("f0f0f0f0-f0f0-f0f0-f0f0-f0f0f0f0f0f0")
	anchor, err := NewTrustAnchor(rootDER, otherID)
	if err != nil {
		t.Fatalf("NewTrustAnchor: %v", err)
	}
	if _, err := register(t, rp, auth, RegistrationOptions{
		TrustAnchors: NewTrustAnchorList(anchor),
	}); !errors.Is(err, ErrAttestationChainUnknown) {
		t.Errorf("Expected ErrAttestationChainUnknown, got %v", err)
	}

	// Anchor registered for the authenticator's AAGUID.
	id, err := uuid.FromBytes(auth.AAGUID[:])
	if err != nil {
		t.Fatalf("uuid.FromBytes: %v", err)
	}
	anchor, err = NewTrustAnchor(rootDER, id)
	if err != nil {
		t.Fatalf("NewTrustAnchor: %v", err)
	}
	if _, err := register(t, rp, auth, RegistrationOptions{
		TrustAnchors: NewTrustAnchorList(anchor),
	}); err != nil {
		t.Errorf("FinishRegistration: %v", err)
	}
}

func TestRegistrationFidoU2F(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	auth.Format = "fido-u2f"
	rootDER, err := auth.AttestationRootDER()
	if err != nil {
		t.Fatalf("AttestationRootDER: %v", err)
	}
	anchor, err := NewTrustAnchor(rootDER)
	if err != nil {
		t.Fatalf("NewTrustAnchor: %v", err)
	}
	cred, err := register(t, rp, auth, RegistrationOptions{
		TrustAnchors: NewTrustAnchorList(anchor),
	})
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if cred.Attestation.Format != AttestationFormatFidoU2F {
		t.Errorf("Unexpected format: %s", cred.Attestation.Format)
	}
}

func TestRegistrationTPM(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	auth.Format = "tpm"
	rootDER, err := auth.AttestationRootDER()
	if err != nil {
		t.Fatalf("AttestationRootDER: %v", err)
	}
	anchor, err := NewTrustAnchor(rootDER)
	if err != nil {
		t.Fatalf("NewTrustAnchor: %v", err)
	}
	cred, err := register(t, rp, auth, RegistrationOptions{
		TrustAnchors: NewTrustAnchorList(anchor),
	})
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if cred.Attestation.Format != AttestationFormatTPM {
		t.Errorf("Unexpected format: %s", cred.Attestation.Format)
	}
}

func TestRegistrationTPMUnknownManufacturer(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	auth.Format = "tpm"
	auth.TPMManufacturer = "id:DEADBEEF"
	if _, err := register(t, rp, auth, RegistrationOptions{}); !errors.Is(err, ErrAttestationCertificateRequirementsNotMet) {
		t.Errorf("Expected ErrAttestationCertificateRequirementsNotMet, got %v", err)
	}
}

func TestRegistrationDirectRequiresAttestation(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	if _, err := register(t, rp, auth, RegistrationOptions{
		Attestation: AttestationDirect,
	}); !errors.Is(err, ErrAttestationRequired) {
		t.Errorf("Expected ErrAttestationRequired, got %v", err)
	}
}

func TestRegistrationUserVerificationPolicy(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	// UV flag clear while the default policy requires it.
	if _, err := register(t, rp, auth, RegistrationOptions{}); !errors.Is(err, ErrUserVerificationRequired) {
		t.Errorf("Expected ErrUserVerificationRequired, got %v", err)
	}
	if _, err := register(t, rp, auth, RegistrationOptions{Policy: UserVerificationDiscouraged}); err != nil {
		t.Errorf("FinishRegistration: %v", err)
	}
}

func TestRegistrationExcludedCredential(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true

	// The fake authenticator picks a fresh random 32-byte credential id,
	// so excluding it requires replaying the ceremony by hand.
	ccr, state, err := rp.StartRegistration(testUser(), RegistrationOptions{})
	if err != nil {
		t.Fatalf("StartRegistration: %v", err)
	}
	clientDataJSON, attestationObject, err := auth.Create(ccr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	att, err := ParseAttestationObject(attestationObject)
	if err != nil {
		t.Fatalf("ParseAttestationObject: %v", err)
	}
	state.ExcludeCredentials = []string{
		base64.RawURLEncoding.EncodeToString(att.AuthData.AttestedCredentials.ID),
	}
	resp := &RegisterPublicKeyCredential{
		Type: "public-key",
		Response: AuthenticatorAttestationResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AttestationObject: base64.RawURLEncoding.EncodeToString(attestationObject),
		},
	}
	if _, err := rp.FinishRegistration(state, resp); !errors.Is(err, ErrCredentialExcluded) {
		t.Errorf("Expected ErrCredentialExcluded, got %v", err)
	}
}

func TestRegistrationRPIDHashMismatch(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	ccr, state, err := rp.StartRegistration(testUser(), RegistrationOptions{})
	if err != nil {
		t.Fatalf("StartRegistration: %v", err)
	}
	ccr.RelyingParty.ID = "evil.com"
	clientDataJSON, attestationObject, err := auth.Create(ccr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resp := &RegisterPublicKeyCredential{
		Type: "public-key",
		Response: AuthenticatorAttestationResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AttestationObject: base64.RawURLEncoding.EncodeToString(attestationObject),
		},
	}
	if _, err := rp.FinishRegistration(state, resp); !errors.Is(err, ErrRPIDHashMismatch) {
		t.Errorf("Expected ErrRPIDHashMismatch, got %v", err)
	}
}

func TestRegistrationAlgorithmNotAllowed(t *testing.T) {
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	rp, err := NewRelyingParty(Config{
		RPID:           "example.com",
		AllowedOrigins: []string{"https://example.com"},
		Algorithms:     []COSEAlgorithm{ES384},
	})
	if err != nil {
		t.Fatalf("NewRelyingParty: %v", err)
	}
	ccr, state, err := rp.StartRegistration(testUser(), RegistrationOptions{})
	if err != nil {
		t.Fatalf("StartRegistration: %v", err)
	}
	// The authenticator ignores the advertised params and produces ES256.
	ccr.PubKeyCredParams = []PubKeyCredParam{{Type: "public-key", Alg: int(ES256)}}
	clientDataJSON, attestationObject, err := auth.Create(ccr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resp := &RegisterPublicKeyCredential{
		Type: "public-key",
		Response: AuthenticatorAttestationResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AttestationObject: base64.RawURLEncoding.EncodeToString(attestationObject),
		},
	}
	if _, err := rp.FinishRegistration(state, resp); !errors.Is(err, ErrAlgorithmNotAllowed) {
		t.Errorf("Expected ErrAlgorithmNotAllowed, got %v", err)
	}
}
