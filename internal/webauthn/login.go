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
	"encoding/base64"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"

	"c2tleQ/internal/log"
)

// AuthenticationOptions tune a single authentication ceremony.
type AuthenticationOptions struct {
	// Policy selects the user verification requirement. Defaults to
	// required when any allowed credential registered under the required
	// policy, otherwise to discouraged; the default is always discouraged
	// when the relying party is configured for user presence only.
	Policy UserVerificationPolicy
	// AllowBackupEligibleUpgrade permits a credential that registered
	// with BE clear to set it once, e.g. after an authenticator joined a
	// sync fabric.
	AllowBackupEligibleUpgrade bool
	// Extensions are passed through to the user agent.
	Extensions map[string]interface{}
}

// allowedCredential is the per-credential data carried in the
// authentication state.
type allowedCredential struct {
	ID             string          `json:"id"`
	Key            []byte          `json:"key"`
	SignCount      uint32          `json:"signCount"`
	BackupEligible bool            `json:"backupEligible"`
	BackupState    bool            `json:"backupState"`
}

// AuthenticationState is the server-side half of an authentication ceremony.
// It must be stored server side and consumed exactly once by
// FinishAuthentication.
type AuthenticationState struct {
	Challenge                  string                 `json:"challenge"`
	Policy                     UserVerificationPolicy `json:"policy"`
	AllowBackupEligibleUpgrade bool                   `json:"allowBackupEligibleUpgrade,omitempty"`
	AllowCredentials           []allowedCredential    `json:"allowCredentials"`
}

// AuthenticationResult is returned on a successful authentication. The
// caller should persist the new SignCount and BackupState on the credential.
type AuthenticationResult struct {
	CredentialID   []byte
	SignCount      uint32
	UserVerified   bool
	BackupEligible bool
	BackupState    bool
	Extensions     cbor.RawMessage
}

// StartAuthentication begins an authentication ceremony over the given
// credentials.
func (rp *RelyingParty) StartAuthentication(creds []Credential, opts AuthenticationOptions) (*RequestChallengeResponse, *AuthenticationState, error) {
	if len(creds) == 0 {
		return nil, nil, fmt.Errorf("%w: no credentials", ErrConfiguration)
	}
	if opts.Policy == "" {
		opts.Policy = UserVerificationDiscouraged
		for _, c := range creds {
			if c.Policy == UserVerificationRequired {
				opts.Policy = UserVerificationRequired
				break
			}
		}
		if rp.UserPresenceOnly {
			opts.Policy = UserVerificationDiscouraged
		}
	}
	challenge, err := rp.newChallenge()
	if err != nil {
		return nil, nil, err
	}
	rcr := &RequestChallengeResponse{
		Challenge:        challenge,
		Timeout:          defaultTimeoutMS,
		RPID:             rp.RPID,
		UserVerification: string(opts.Policy),
		Extensions:       opts.Extensions,
	}
	state := &AuthenticationState{
		Challenge:                  challenge,
		Policy:                     opts.Policy,
		AllowBackupEligibleUpgrade: opts.AllowBackupEligibleUpgrade,
	}
	for _, c := range creds {
		id := base64.RawURLEncoding.EncodeToString(c.ID)
		rcr.AllowCredentials = append(rcr.AllowCredentials, CredentialDescriptor{
			Type:       "public-key",
			ID:         id,
			Transports: c.Transports,
		})
		state.AllowCredentials = append(state.AllowCredentials, allowedCredential{
			ID:             id,
			Key:            c.Key.Raw,
			SignCount:      c.SignCount,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		})
	}
	return rcr, state, nil
}

// FinishAuthentication completes an authentication ceremony. This implements
// the verification procedure of
// https://w3c.github.io/webauthn/#sctn-verifying-assertion
//
// A sign counter regression returns the AuthenticationResult together with
// ErrCredentialPossiblyCloned: the signature did verify, but the credential
// may have been cloned. Callers decide whether to accept the authentication;
// they should invalidate the credential either way.
func (rp *RelyingParty) FinishAuthentication(state *AuthenticationState, resp *PublicKeyCredential) (*AuthenticationResult, error) {
	clientDataJSON, err := base64.RawURLEncoding.DecodeString(resp.Response.ClientDataJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: clientDataJSON: %v", ErrParse, err)
	}
	cd, err := ParseClientData(clientDataJSON)
	if err != nil {
		return nil, err
	}
	if err := cd.verify(rp, clientDataTypeGet, state.Challenge); err != nil {
		return nil, err
	}

	var cred *allowedCredential
	for i := range state.AllowCredentials {
		if state.AllowCredentials[i].ID == resp.ID {
			cred = &state.AllowCredentials[i]
			break
		}
	}
	if cred == nil {
		return nil, ErrUnknownCredential
	}
	key, err := ParseCOSEKey(cred.Key)
	if err != nil {
		return nil, err
	}

	rawAuthData, err := base64.RawURLEncoding.DecodeString(resp.Response.AuthenticatorData)
	if err != nil {
		return nil, fmt.Errorf("%w: authenticatorData: %v", ErrParse, err)
	}
	ad, err := ParseAuthenticatorData(rawAuthData)
	if err != nil {
		return nil, err
	}
	if wantHash := sha256.Sum256([]byte(rp.RPID)); ad.RPIDHash != wantHash {
		return nil, ErrRPIDHashMismatch
	}
	if !ad.UserPresence {
		return nil, ErrUserPresenceRequired
	}
	if state.Policy == UserVerificationRequired && !ad.UserVerification {
		return nil, ErrUserVerificationRequired
	}

	signature, err := base64.RawURLEncoding.DecodeString(resp.Response.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrParse, err)
	}
	clientDataHash := sha256.Sum256(clientDataJSON)
	verificationData := make([]byte, 0, len(rawAuthData)+len(clientDataHash))
	verificationData = append(verificationData, rawAuthData...)
	verificationData = append(verificationData, clientDataHash[:]...)
	if err := key.Verify(signature, verificationData); err != nil {
		return nil, err
	}

	// Backup flag bookkeeping. BE is fixed at registration, except that
	// it may go from clear to set once when the ceremony allows the
	// upgrade; BS may flip on, once, and never off again.
	if ad.BackupEligible != cred.BackupEligible {
		if !ad.BackupEligible || cred.BackupState {
			return nil, fmt.Errorf("%w: BE changed", ErrBackupStateInvariant)
		}
		if !state.AllowBackupEligibleUpgrade {
			return nil, fmt.Errorf("%w: BE upgrade not allowed", ErrBackupStateInvariant)
		}
	}
	if cred.BackupState && !ad.BackupState {
		return nil, fmt.Errorf("%w: BS cleared", ErrBackupStateInvariant)
	}

	result := &AuthenticationResult{
		CredentialID:   append([]byte(nil), adCredentialID(resp)...),
		SignCount:      ad.SignCount,
		UserVerified:   ad.UserVerification,
		BackupEligible: ad.BackupEligible,
		BackupState:    ad.BackupState,
		Extensions:     ad.Extensions,
	}

	// If either counter is non-zero, the authenticator supports counters
	// and the received value must have advanced.
	if (cred.SignCount > 0 || ad.SignCount > 0) && ad.SignCount <= cred.SignCount {
		log.Errorf("sign counter regression for credential %s: stored %d, received %d", cred.ID, cred.SignCount, ad.SignCount)
		return result, ErrCredentialPossiblyCloned
	}
	return result, nil
}

func adCredentialID(resp *PublicKeyCredential) []byte {
	id, err := base64.RawURLEncoding.DecodeString(resp.ID)
	if err != nil {
		return nil
	}
	return id
}
