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
	"errors"
)

// The errors returned by this package. Callers classify failures with
// errors.Is; everything is fatal to the ceremony except
// ErrCredentialPossiblyCloned, which is advisory (see FinishAuthentication).
var (
	// ErrConfiguration indicates an invalid rp_id / origin pairing, or
	// some other invalid value passed to NewRelyingParty.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrTooShort indicates that the message is too short and can't be
	// decoded.
	ErrTooShort = errors.New("too short")

	// ErrCBORTrailing indicates unexpected bytes after a CBOR item.
	ErrCBORTrailing = errors.New("trailing bytes after cbor item")

	// ErrCBORInvalid indicates a CBOR value of an unexpected type.
	ErrCBORInvalid = errors.New("invalid cbor value")

	// ErrParse indicates a CBOR, DER, or JSON decode failure.
	ErrParse = errors.New("parse error")

	// ErrChallengeMismatch indicates that the challenge in the client data
	// doesn't match the challenge issued at the start of the ceremony.
	ErrChallengeMismatch = errors.New("challenge mismatch")

	// ErrOriginMismatch indicates that the client data origin is not one
	// of the allowed origins.
	ErrOriginMismatch = errors.New("origin not allowed")

	// ErrRPIDHashMismatch indicates that the authenticator data was
	// produced for a different relying party.
	ErrRPIDHashMismatch = errors.New("rpIdHash mismatch")

	// ErrUserPresenceRequired indicates that the UP flag was not set.
	ErrUserPresenceRequired = errors.New("user presence required")

	// ErrUserVerificationRequired indicates that the UV flag was not set
	// while the ceremony policy requires it.
	ErrUserVerificationRequired = errors.New("user verification required")

	// ErrCOSEKeyInvalidType indicates a (key type, algorithm) combination
	// outside the consistency table.
	ErrCOSEKeyInvalidType = errors.New("cose key type and algorithm are inconsistent")

	// ErrCOSEKeyInvalidCBORValue indicates a COSE key map with a missing
	// or mistyped label.
	ErrCOSEKeyInvalidCBORValue = errors.New("cose key label missing or invalid")

	// ErrCOSEKeyECDSAXYInvalid indicates EC2 coordinates with the wrong
	// length for the curve, or a point not on the curve.
	ErrCOSEKeyECDSAXYInvalid = errors.New("cose ec2 key coordinates invalid")

	// ErrCOSEKeyRSANEInvalid indicates RSA n or e with the wrong length.
	ErrCOSEKeyRSANEInvalid = errors.New("cose rsa key n or e invalid")

	// ErrCOSEKeyEDDSAXInvalid indicates an OKP x value with the wrong
	// length for the curve.
	ErrCOSEKeyEDDSAXInvalid = errors.New("cose okp key x invalid")

	// ErrInsecureCryptography indicates that SHA-1 or another forbidden
	// algorithm was negotiated.
	ErrInsecureCryptography = errors.New("insecure cryptography")

	// ErrEDUnsupported indicates a signature verification attempt with an
	// EdDSA key. OKP keys parse, but the backend doesn't verify them yet.
	ErrEDUnsupported = errors.New("eddsa verification unsupported")

	// ErrAlgorithmNotAllowed indicates a credential algorithm outside the
	// set negotiated at the start of the registration.
	ErrAlgorithmNotAllowed = errors.New("algorithm not allowed")

	// ErrAttestationCertificateRequirementsNotMet indicates a packed or
	// TPM attestation certificate profile violation.
	ErrAttestationCertificateRequirementsNotMet = errors.New("attestation certificate requirements not met")

	// ErrAttestationStatementInvalid indicates that the signature over the
	// attestation payload failed to verify.
	ErrAttestationStatementInvalid = errors.New("attestation statement invalid")

	// ErrAttestationFormatUnsupported indicates an attestation statement
	// format this package doesn't implement.
	ErrAttestationFormatUnsupported = errors.New("attestation format unsupported")

	// ErrAttestationChainUnknown indicates that the attestation chain does
	// not terminate at a trusted anchor, or that the AAGUID is not
	// registered with any anchor.
	ErrAttestationChainUnknown = errors.New("attestation chain unknown")

	// ErrAttestationRequired indicates a "none" attestation while the
	// registration required direct attestation.
	ErrAttestationRequired = errors.New("attestation required")

	// ErrCredentialExcluded indicates that the newly registered credential
	// ID is in the ceremony's exclude list.
	ErrCredentialExcluded = errors.New("credential already excluded")

	// ErrUnknownCredential indicates a credential ID outside the allowed
	// set of the authentication ceremony.
	ErrUnknownCredential = errors.New("unknown credential")

	// ErrSignatureVerificationFailed indicates an invalid assertion
	// signature.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")

	// ErrCredentialPossiblyCloned indicates a sign counter regression.
	// FinishAuthentication still returns the AuthenticationResult with
	// this error; callers may accept the authentication while invalidating
	// the credential.
	ErrCredentialPossiblyCloned = errors.New("credential possibly cloned")

	// ErrBackupStateInvariant indicates a disallowed BE/BS flag value or
	// transition.
	ErrBackupStateInvariant = errors.New("backup state invariant violated")

	// ErrCryptoBackend indicates an error from the underlying crypto
	// libraries.
	ErrCryptoBackend = errors.New("crypto backend error")
)
