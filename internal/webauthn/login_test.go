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
)

// authenticate runs a full authentication ceremony against the fake
// authenticator.
func authenticate(t *testing.T, rp *RelyingParty, auth *FakeAuthenticator, creds []Credential, opts AuthenticationOptions) (*AuthenticationResult, error) {
	t.Helper()
	rcr, state, err := rp.StartAuthentication(creds, opts)
	if err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	id, clientDataJSON, authData, signature, _, err := auth.Get(rcr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp := &PublicKeyCredential{
		ID:    id,
		RawID: id,
		Type:  "public-key",
		Response: AuthenticatorAssertionResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
			Signature:         base64.RawURLEncoding.EncodeToString(signature),
		},
	}
	return rp.FinishAuthentication(state, resp)
}

func registerForLogin(t *testing.T, rp *RelyingParty, auth *FakeAuthenticator) *Credential {
	t.Helper()
	cred, err := register(t, rp, auth, RegistrationOptions{})
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	return cred
}

func TestAuthentication(t *testing.T) {
	for _, alg := range []COSEAlgorithm{ES256, RS256} {
		rp, err := NewRelyingParty(Config{
			RPID:           "example.com",
			AllowedOrigins: []string{"https://example.com"},
			Algorithms:     []COSEAlgorithm{alg},
		})
		if err != nil {
			t.Fatalf("NewRelyingParty: %v", err)
		}
		auth, err := NewFakeAuthenticator()
		if err != nil {
			t.Fatalf("NewFakeAuthenticator: %v", err)
		}
		auth.UserVerified = true
		cred := registerForLogin(t, rp, auth)
		result, err := authenticate(t, rp, auth, []Credential{*cred}, AuthenticationOptions{})
		if err != nil {
			t.Fatalf("%s: FinishAuthentication: %v", alg, err)
		}
		if result.SignCount != 1 {
			t.Errorf("Unexpected sign count: %d", result.SignCount)
		}
		if !result.UserVerified {
			t.Error("Expected UserVerified")
		}
	}
}

func TestAuthenticationCounterRegression(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	cred := registerForLogin(t, rp, auth)

	// The server has seen counter 5; the authenticator reports 4.
	cred.SignCount = 5
	auth.SetSignCount(base64.RawURLEncoding.EncodeToString(cred.ID), 3)
	result, err := authenticate(t, rp, auth, []Credential{*cred}, AuthenticationOptions{})
	if !errors.Is(err, ErrCredentialPossiblyCloned) {
		t.Fatalf("Expected ErrCredentialPossiblyCloned, got %v", err)
	}
	if result == nil || result.SignCount != 4 {
		t.Errorf("Expected the advisory result with sign count 4, got %+v", result)
	}
}

func TestAuthenticationUnknownCredential(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	cred := registerForLogin(t, rp, auth)

	rcr, state, err := rp.StartAuthentication([]Credential{*cred}, AuthenticationOptions{})
	if err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	id, clientDataJSON, authData, signature, _, err := auth.Get(rcr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = id
	resp := &PublicKeyCredential{
		ID:   "bm90LWEta25vd24tY3JlZGVudGlhbA",
		Type: "public-key",
		Response: AuthenticatorAssertionResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
			Signature:         base64.RawURLEncoding.EncodeToString(signature),
		},
	}
	if _, err := rp.FinishAuthentication(state, resp); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("Expected ErrUnknownCredential, got %v", err)
	}
}

func TestAuthenticationBadSignature(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	cred := registerForLogin(t, rp, auth)

	rcr, state, err := rp.StartAuthentication([]Credential{*cred}, AuthenticationOptions{})
	if err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	id, clientDataJSON, authData, signature, _, err := auth.Get(rcr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	signature[10] ^= 0xff
	resp := &PublicKeyCredential{
		ID:   id,
		Type: "public-key",
		Response: AuthenticatorAssertionResponse{
			ClientDataJSON:    base64.RawURLEncoding.EncodeToString(clientDataJSON),
			AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
			Signature:         base64.RawURLEncoding.EncodeToString(signature),
		},
	}
	if _, err := rp.FinishAuthentication(state, resp); !errors.Is(err, ErrSignatureVerificationFailed) {
		t.Errorf("Expected ErrSignatureVerificationFailed, got %v", err)
	}
}

func TestAuthenticationUserVerificationPolicy(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	cred := registerForLogin(t, rp, auth)

	// The authenticator stops verifying the user.
	auth.UserVerified = false
	if _, err := authenticate(t, rp, auth, []Credential{*cred}, AuthenticationOptions{}); !errors.Is(err, ErrUserVerificationRequired) {
		t.Errorf("Expected ErrUserVerificationRequired, got %v", err)
	}
	if _, err := authenticate(t, rp, auth, []Credential{*cred}, AuthenticationOptions{
		Policy: UserVerificationDiscouraged,
	}); err != nil {
		t.Errorf("FinishAuthentication: %v", err)
	}
}

func TestAuthenticationBackupStateTransitions(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	auth.BackupEligible = true
	cred := registerForLogin(t, rp, auth)
	if !cred.BackupEligible || cred.BackupState {
		t.Fatalf("Unexpected BE/BS after registration: %+v", cred)
	}

	// BS flips on: the credential was synced.
	auth.BackupState = true
	result, err := authenticate(t, rp, auth, []Credential{*cred}, AuthenticationOptions{})
	if err != nil {
		t.Fatalf("FinishAuthentication: %v", err)
	}
	if !result.BackupState {
		t.Error("Expected BackupState")
	}
	cred.BackupState = true
	cred.SignCount = result.SignCount

	// BS may not flip back off.
	auth.BackupState = false
	if _, err := authenticate(t, rp, auth, []Credential{*cred}, AuthenticationOptions{}); !errors.Is(err, ErrBackupStateInvariant) {
		t.Errorf("Expected ErrBackupStateInvariant, got %v", err)
	}
}

func TestAuthenticationBackupEligibleUpgrade(t *testing.T) {
	rp := newTestRP(t)
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.UserVerified = true
	cred := registerForLogin(t, rp, auth)

	// The authenticator joins a sync fabric after registration.
	auth.BackupEligible = true
	if _, err := authenticate(t, rp, auth, []Credential{*cred}, AuthenticationOptions{}); !errors.Is(err, ErrBackupStateInvariant) {
		t.Errorf("Expected ErrBackupStateInvariant, got %v", err)
	}
	if _, err := authenticate(t, rp, auth, []Credential{*cred}, AuthenticationOptions{
		AllowBackupEligibleUpgrade: true,
	}); err != nil {
		t.Errorf("FinishAuthentication with upgrade allowed: %v", err)
	}
}
