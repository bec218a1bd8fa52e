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

// The JSON types below follow the W3C WebAuthn Level 2 encodings. All binary
// values (challenge, user id, credential ids, response fields) travel as
// base64url without padding, matching PublicKeyCredential.toJSON().

// PubKeyCredParam is a public key credential parameter.
type PubKeyCredParam struct {
	// The type of credentials. Always "public-key".
	Type string `json:"type"`
	// The COSE algorithm identifier: -7 for ES256, -257 for RS256, etc.
	Alg int `json:"alg"`
}

// CredentialDescriptor identifies a credential in exclude and allow lists.
type CredentialDescriptor struct {
	// The type of credentials. Always "public-key".
	Type string `json:"type"`
	// The credential ID, base64url encoded.
	ID string `json:"id"`
	// The available transports for this credential.
	Transports []string `json:"transports,omitempty"`
}

// RelyingPartyEntity describes the relying party to the user agent.
type RelyingPartyEntity struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// UserEntity describes the account a credential is being registered for.
type UserEntity struct {
	// ID is the user handle, base64url encoded. It may be stored in the
	// authenticator; do not put identifying information in it.
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// AuthenticatorSelection narrows which authenticators may participate.
type AuthenticatorSelection struct {
	AuthenticatorAttachment string `json:"authenticatorAttachment,omitempty"`
	RequireResidentKey      bool   `json:"requireResidentKey,omitempty"`
	ResidentKey             string `json:"residentKey,omitempty"`
	// required, preferred, or discouraged
	UserVerification string `json:"userVerification"`
}

// CreationChallengeResponse encapsulates the options to
// navigator.credentials.create().
type CreationChallengeResponse struct {
	// The cryptographic challenge is 32 random bytes.
	Challenge        string             `json:"challenge"`
	RelyingParty     RelyingPartyEntity `json:"rp"`
	User             UserEntity         `json:"user"`
	PubKeyCredParams []PubKeyCredParam  `json:"pubKeyCredParams"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout,omitempty"`
	// A list of credentials already registered for this user.
	ExcludeCredentials []CredentialDescriptor `json:"excludeCredentials,omitempty"`
	// The type of attestation: none, indirect, or direct.
	Attestation            string                 `json:"attestation,omitempty"`
	AuthenticatorSelection AuthenticatorSelection `json:"authenticatorSelection"`
	Extensions             map[string]interface{} `json:"extensions,omitempty"`
}

// RequestChallengeResponse encapsulates the options to
// navigator.credentials.get().
type RequestChallengeResponse struct {
	Challenge string `json:"challenge"`
	Timeout   int    `json:"timeout,omitempty"`
	RPID      string `json:"rpId,omitempty"`
	// The credentials that may answer this challenge. Empty means any
	// discoverable credential for the rp id.
	AllowCredentials []CredentialDescriptor `json:"allowCredentials"`
	// required, preferred, or discouraged
	UserVerification string                 `json:"userVerification"`
	Extensions       map[string]interface{} `json:"extensions,omitempty"`
}

// RegisterPublicKeyCredential mirrors the browser PublicKeyCredential
// returned by navigator.credentials.create().
type RegisterPublicKeyCredential struct {
	ID       string                          `json:"id"`
	RawID    string                          `json:"rawId"`
	Type     string                          `json:"type"`
	Response AuthenticatorAttestationResponse `json:"response"`
}

// AuthenticatorAttestationResponse carries the attestation object and client
// data produced during registration.
type AuthenticatorAttestationResponse struct {
	ClientDataJSON    string   `json:"clientDataJSON"`
	AttestationObject string   `json:"attestationObject"`
	Transports        []string `json:"transports,omitempty"`
}

// PublicKeyCredential mirrors the browser PublicKeyCredential returned by
// navigator.credentials.get().
type PublicKeyCredential struct {
	ID       string                         `json:"id"`
	RawID    string                         `json:"rawId"`
	Type     string                         `json:"type"`
	Response AuthenticatorAssertionResponse `json:"response"`
}

// AuthenticatorAssertionResponse carries the assertion produced during
// authentication.
type AuthenticatorAssertionResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}
