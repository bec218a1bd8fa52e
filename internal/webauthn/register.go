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
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"c2tleQ/internal/log"
)

// Default ceremony timeout advertised to the user agent, in milliseconds.
// Not enforced here: the caller decides how long it keeps a state loadable.
const defaultTimeoutMS = 60000

// User identifies the account a credential is registered for.
type User struct {
	// ID is the user handle. It may be stored in the authenticator; do
	// not put identifying information in it.
	ID []byte
	// Name is a friendly account name, e.g. "claire@example.com".
	Name string
	// DisplayName is the name the person chose to be identified by.
	DisplayName string
}

// RegistrationOptions tune a single registration ceremony.
type RegistrationOptions struct {
	// Policy selects the user verification requirement. Defaults to
	// required, or discouraged when the relying party is configured for
	// user presence only.
	Policy UserVerificationPolicy
	// ExcludeCredentials lists credential IDs that may not register
	// again.
	ExcludeCredentials [][]byte
	// Attestation is the conveyance preference. Defaults to none, or
	// direct when TrustAnchors is non-empty.
	Attestation AttestationPreference
	// TrustAnchors restricts which authenticator models may register.
	TrustAnchors *TrustAnchorList
	// RequireResidentKey asks for a discoverable credential.
	RequireResidentKey bool
	// AuthenticatorAttachment hints platform or cross-platform.
	AuthenticatorAttachment string
	// Extensions are passed through to the user agent.
	Extensions map[string]interface{}
}

// RegistrationState is the server-side half of a registration ceremony. It
// must be stored server side and consumed exactly once by
// FinishRegistration.
type RegistrationState struct {
	Challenge          string                 `json:"challenge"`
	UserID             string                 `json:"userId"`
	Policy             UserVerificationPolicy `json:"policy"`
	ExcludeCredentials []string               `json:"excludeCredentials,omitempty"`
	Algorithms         []COSEAlgorithm        `json:"algorithms"`
	Attestation        AttestationPreference  `json:"attestation"`
	RequireResidentKey bool                   `json:"requireResidentKey,omitempty"`

	// Trust anchors are kept by reference, not serialized: a forged
	// anchor list would defeat attestation entirely.
	trustAnchors *TrustAnchorList
}

// Credential is the persisted outcome of a successful registration.
type Credential struct {
	ID             []byte
	Key            *COSEKey
	SignCount      uint32
	AAGUID         uuid.UUID
	UserVerified   bool
	BackupEligible bool
	BackupState    bool
	Attestation    *ParsedAttestation
	// Policy is the user verification policy the credential was
	// registered under.
	Policy     UserVerificationPolicy
	Transports []string
	Extensions cbor.RawMessage
}

// StartRegistration begins a registration ceremony: it issues a fresh
// challenge and returns the options for navigator.credentials.create()
// together with the state that FinishRegistration consumes.
func (rp *RelyingParty) StartRegistration(user User, opts RegistrationOptions) (*CreationChallengeResponse, *RegistrationState, error) {
	if len(user.ID) == 0 {
		return nil, nil, fmt.Errorf("%w: empty user id", ErrConfiguration)
	}
	if opts.Policy == "" {
		if rp.UserPresenceOnly {
			opts.Policy = UserVerificationDiscouraged
		} else {
			opts.Policy = UserVerificationRequired
		}
	}
	if opts.Attestation == "" {
		if opts.TrustAnchors.Empty() {
			opts.Attestation = AttestationNone
		} else {
			opts.Attestation = AttestationDirect
		}
	}
	challenge, err := rp.newChallenge()
	if err != nil {
		return nil, nil, err
	}

	ccr := &CreationChallengeResponse{
		Challenge:    challenge,
		RelyingParty: RelyingPartyEntity{Name: rp.RPName, ID: rp.RPID},
		User: UserEntity{
			ID:          base64.RawURLEncoding.EncodeToString(user.ID),
			Name:        user.Name,
			DisplayName: user.DisplayName,
		},
		Timeout:     defaultTimeoutMS,
		Attestation: string(opts.Attestation),
		AuthenticatorSelection: AuthenticatorSelection{
			AuthenticatorAttachment: opts.AuthenticatorAttachment,
			RequireResidentKey:      opts.RequireResidentKey,
			UserVerification:        string(opts.Policy),
		},
		Extensions: opts.Extensions,
	}
	if opts.RequireResidentKey {
		ccr.AuthenticatorSelection.ResidentKey = "required"
	}
	for _, alg := range rp.Algorithms {
		ccr.PubKeyCredParams = append(ccr.PubKeyCredParams, PubKeyCredParam{
			Type: "public-key",
			Alg:  int(alg),
		})
	}
	state := &RegistrationState{
		Challenge:          challenge,
		UserID:             base64.RawURLEncoding.EncodeToString(user.ID),
		Policy:             opts.Policy,
		Algorithms:         rp.Algorithms,
		Attestation:        opts.Attestation,
		RequireResidentKey: opts.RequireResidentKey,
		trustAnchors:       opts.TrustAnchors,
	}
	for _, id := range opts.ExcludeCredentials {
		encoded := base64.RawURLEncoding.EncodeToString(id)
		ccr.ExcludeCredentials = append(ccr.ExcludeCredentials, CredentialDescriptor{
			Type: "public-key",
			ID:   encoded,
		})
		state.ExcludeCredentials = append(state.ExcludeCredentials, encoded)
	}
	return ccr, state, nil
}

// FinishRegistration completes a registration ceremony. This implements the
// verification procedure of
// https://w3c.github.io/webauthn/#sctn-registering-a-new-credential
func (rp *RelyingParty) FinishRegistration(state *RegistrationState, resp *RegisterPublicKeyCredential) (*Credential, error) {
	return rp.finishRegistration(state, resp, time.Now())
}

func (rp *RelyingParty) finishRegistration(state *RegistrationState, resp *RegisterPublicKeyCredential, now time.Time) (*Credential, error) {
	clientDataJSON, err := base64.RawURLEncoding.DecodeString(resp.Response.ClientDataJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: clientDataJSON: %v", ErrParse, err)
	}
	cd, err := ParseClientData(clientDataJSON)
	if err != nil {
		return nil, err
	}
	if err := cd.verify(rp, clientDataTypeCreate, state.Challenge); err != nil {
		return nil, err
	}
	clientDataHash := sha256.Sum256(clientDataJSON)

	attestationObject, err := base64.RawURLEncoding.DecodeString(resp.Response.AttestationObject)
	if err != nil {
		return nil, fmt.Errorf("%w: attestationObject: %v", ErrParse, err)
	}
	att, err := ParseAttestationObject(attestationObject)
	if err != nil {
		return nil, err
	}
	ad := att.AuthData
	if !ad.UserPresence {
		return nil, ErrUserPresenceRequired
	}
	if state.Policy == UserVerificationRequired && !ad.UserVerification {
		return nil, ErrUserVerificationRequired
	}
	if ad.AttestedCredentials == nil {
		return nil, fmt.Errorf("%w: no attested credential data", ErrParse)
	}
	if wantHash := sha256.Sum256([]byte(rp.RPID)); ad.RPIDHash != wantHash {
		return nil, ErrRPIDHashMismatch
	}

	key := ad.AttestedCredentials.Key
	allowed := false
	for _, alg := range state.Algorithms {
		if key.Alg == alg {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, key.Alg)
	}

	if att.Format == string(AttestationFormatNone) && state.Attestation == AttestationDirect {
		return nil, ErrAttestationRequired
	}
	parsed, err := verifyAttestation(att, clientDataHash[:], state.trustAnchors, now)
	if err != nil {
		return nil, err
	}

	credID := base64.RawURLEncoding.EncodeToString(ad.AttestedCredentials.ID)
	for _, excluded := range state.ExcludeCredentials {
		if credID == excluded {
			return nil, ErrCredentialExcluded
		}
	}

	log.Debugf("registered credential %s (aaguid %s, %s attestation)", credID, ad.AttestedCredentials.AAGUID, parsed.Format)
	return &Credential{
		ID:             ad.AttestedCredentials.ID,
		Key:            key,
		SignCount:      ad.SignCount,
		AAGUID:         ad.AttestedCredentials.AAGUID,
		UserVerified:   ad.UserVerification,
		BackupEligible: ad.BackupEligible,
		BackupState:    ad.BackupState,
		Attestation:    parsed,
		Policy:         state.Policy,
		Transports:     resp.Response.Transports,
		Extensions:     ad.Extensions,
	}, nil
}
