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
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxChainDepth caps the length of an attestation certificate path.
const maxChainDepth = 8

var (
	oidExtensionSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

	// id-fido-gen-ce-aaguid
	oidFidoGenCeAAGUID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 45724, 1, 1, 4}

	// TCG EK certificate attributes and the AIK extended key usage.
	oidTCGManufacturer = asn1.ObjectIdentifier{2, 23, 133, 2, 1}
	oidTCGModel        = asn1.ObjectIdentifier{2, 23, 133, 2, 2}
	oidTCGVersion      = asn1.ObjectIdentifier{2, 23, 133, 2, 3}
	oidTCGKpAIK        = asn1.ObjectIdentifier{2, 23, 133, 8, 3}
)

var errDuplicateExtension = errors.New("extension present multiple times")

// parseCertificates decodes a list of DER certificates, e.g. an x5c chain.
func parseCertificates(der [][]byte) ([]*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ErrParse)
	}
	out := make([]*x509.Certificate, 0, len(der))
	for _, d := range der {
		cert, err := x509.ParseCertificate(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		out = append(out, cert)
	}
	return out, nil
}

// certExtension returns the extension with the given OID, or nil if absent.
// A certificate carrying the same OID twice is malformed and gets a distinct
// error so that callers can tell it apart from absence.
func certExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) (*pkix.Extension, error) {
	var found *pkix.Extension
	for i := range cert.Extensions {
		if cert.Extensions[i].Id.Equal(oid) {
			if found != nil {
				return nil, errDuplicateExtension
			}
			found = &cert.Extensions[i]
		}
	}
	return found, nil
}

// verifyChain checks that the chain (the leaf followed by x5c[1:]) terminates
// at one of the anchors: every link's signature verifies, every certificate is
// within its validity window at time now, and intermediates are CA
// certificates. The anchor that signed, or is identical to, the terminal
// certificate is returned.
func verifyChain(chain []*x509.Certificate, anchors []*x509.Certificate, now time.Time) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrAttestationChainUnknown)
	}
	if len(chain) > maxChainDepth {
		return nil, fmt.Errorf("%w: chain too long", ErrAttestationChainUnknown)
	}
	for _, cert := range chain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, fmt.Errorf("%w: certificate outside validity window", ErrAttestationChainUnknown)
		}
	}
	for i := 0; i+1 < len(chain); i++ {
		issuer := chain[i+1]
		if !issuer.IsCA {
			return nil, fmt.Errorf("%w: intermediate is not a CA", ErrAttestationChainUnknown)
		}
		if err := chain[i].CheckSignatureFrom(issuer); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAttestationChainUnknown, err)
		}
		if err := issuerAllows(issuer, chain[:i+1]); err != nil {
			return nil, err
		}
	}
	terminal := chain[len(chain)-1]
	for _, anchor := range anchors {
		if now.Before(anchor.NotBefore) || now.After(anchor.NotAfter) {
			continue
		}
		if terminal.Equal(anchor) {
			return anchor, nil
		}
		if err := terminal.CheckSignatureFrom(anchor); err != nil {
			continue
		}
		if err := issuerAllows(anchor, chain); err != nil {
			continue
		}
		return anchor, nil
	}
	return nil, fmt.Errorf("%w: no trusted anchor signs the chain", ErrAttestationChainUnknown)
}

// issuerAllows enforces the RFC 5280 issuer-side constraints on the
// certificates below a CA: a CA that declares a key usage must include
// certificate signing, a path length constraint caps the number of CAs it
// dominates, and DNS name constraints bind every subject alternative name
// below it.
func issuerAllows(issuer *x509.Certificate, below []*x509.Certificate) error {
	if issuer.KeyUsage != 0 && issuer.KeyUsage&x509.KeyUsageCertSign == 0 {
		return fmt.Errorf("%w: issuer lacks the certSign key usage", ErrAttestationChainUnknown)
	}
	if issuer.BasicConstraintsValid && (issuer.MaxPathLen > 0 || issuer.MaxPathLenZero) {
		// The end-entity certificate does not count toward the path
		// length.
		if len(below)-1 > issuer.MaxPathLen {
			return fmt.Errorf("%w: path length constraint exceeded", ErrAttestationChainUnknown)
		}
	}
	if len(issuer.PermittedDNSDomains) == 0 && len(issuer.ExcludedDNSDomains) == 0 {
		return nil
	}
	for _, cert := range below {
		for _, name := range cert.DNSNames {
			if matchesAnyDNSConstraint(name, issuer.ExcludedDNSDomains) {
				return fmt.Errorf("%w: name %q excluded by constraint", ErrAttestationChainUnknown, name)
			}
			if len(issuer.PermittedDNSDomains) > 0 && !matchesAnyDNSConstraint(name, issuer.PermittedDNSDomains) {
				return fmt.Errorf("%w: name %q not permitted by constraint", ErrAttestationChainUnknown, name)
			}
		}
	}
	return nil
}

func matchesAnyDNSConstraint(name string, constraints []string) bool {
	for _, c := range constraints {
		if matchesDNSConstraint(name, c) {
			return true
		}
	}
	return false
}

// matchesDNSConstraint follows the RFC 5280 DNS name constraint rules: an
// empty constraint matches everything, a leading dot requires a subdomain,
// and a bare domain matches itself and its subdomains.
func matchesDNSConstraint(name, constraint string) bool {
	if constraint == "" {
		return true
	}
	if strings.HasPrefix(constraint, ".") {
		return strings.HasSuffix(name, constraint)
	}
	return name == constraint || strings.HasSuffix(name, "."+constraint)
}

// tpmSanAttributes are the TCG manufacturer / model / version attributes from
// a TPM AIK certificate's subject alternative name.
type tpmSanAttributes struct {
	manufacturer string
	model        string
	version      string
}

func (a *tpmSanAttributes) complete() bool {
	return a.manufacturer != "" && a.model != "" && a.version != ""
}

// parseSANDirectoryNames extracts the TCG attributes from the directoryName
// entries of a subject alternative name extension. The stdlib only surfaces
// DNS/email/IP/URI names, so the GeneralNames sequence is walked by hand.
func parseSANDirectoryNames(ext *pkix.Extension) ([]tpmSanAttributes, error) {
	var seq asn1.RawValue
	rest, err := asn1.Unmarshal(ext.Value, &seq)
	if err != nil || len(rest) != 0 || !seq.IsCompound || seq.Tag != asn1.TagSequence {
		return nil, fmt.Errorf("%w: malformed subjectAltName", ErrParse)
	}
	var out []tpmSanAttributes
	data := seq.Bytes
	for len(data) > 0 {
		var name asn1.RawValue
		if data, err = asn1.Unmarshal(data, &name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		// directoryName is [4] EXPLICIT Name.
		if name.Class != asn1.ClassContextSpecific || name.Tag != 4 {
			continue
		}
		var rdn pkix.RDNSequence
		if _, err := asn1.Unmarshal(name.Bytes, &rdn); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		var attrs tpmSanAttributes
		for _, set := range rdn {
			for _, atv := range set {
				s, ok := atv.Value.(string)
				if !ok {
					continue
				}
				switch {
				case atv.Type.Equal(oidTCGManufacturer):
					attrs.manufacturer = s
				case atv.Type.Equal(oidTCGModel):
					attrs.model = s
				case atv.Type.Equal(oidTCGVersion):
					attrs.version = s
				}
			}
		}
		out = append(out, attrs)
	}
	return out, nil
}

// assertPackedAttestCertRequirements checks the packed attestation statement
// certificate requirements (WebAuthn Level 2, section 8.2.1).
func assertPackedAttestCertRequirements(cert *x509.Certificate, aaguid []byte) error {
	// Version MUST be set to 3.
	if cert.Version != 3 {
		return fmt.Errorf("%w: version != 3", ErrAttestationCertificateRequirementsNotMet)
	}
	subject := cert.Subject
	if len(subject.Country) == 0 || len(subject.Organization) == 0 || subject.CommonName == "" {
		return fmt.Errorf("%w: subject missing C, O, or CN", ErrAttestationCertificateRequirementsNotMet)
	}
	if len(subject.OrganizationalUnit) == 0 || subject.OrganizationalUnit[0] != "Authenticator Attestation" {
		return fmt.Errorf("%w: subject OU", ErrAttestationCertificateRequirementsNotMet)
	}
	// The Basic Constraints extension MUST have the CA component set to
	// false.
	if !cert.BasicConstraintsValid || cert.IsCA {
		return fmt.Errorf("%w: basic constraints", ErrAttestationCertificateRequirementsNotMet)
	}
	// id-fido-gen-ce-aaguid is not actually required, but when present it
	// must not be critical and must match the authenticator data AAGUID.
	ext, err := certExtension(cert, oidFidoGenCeAAGUID)
	if err != nil {
		return fmt.Errorf("%w: id-fido-gen-ce-aaguid: %v", ErrAttestationCertificateRequirementsNotMet, err)
	}
	if ext != nil {
		if ext.Critical {
			return fmt.Errorf("%w: id-fido-gen-ce-aaguid is critical", ErrAttestationCertificateRequirementsNotMet)
		}
		var value []byte
		if rest, err := asn1.Unmarshal(ext.Value, &value); err != nil || len(rest) != 0 {
			return fmt.Errorf("%w: id-fido-gen-ce-aaguid value", ErrAttestationCertificateRequirementsNotMet)
		}
		if !bytes.Equal(value, aaguid) {
			return fmt.Errorf("%w: id-fido-gen-ce-aaguid != aaguid", ErrAttestationCertificateRequirementsNotMet)
		}
	}
	return nil
}

// assertTPMAttestCertRequirements checks the TPM AIK certificate requirements
// (WebAuthn Level 2, section 8.3, and the TCG EK credential profile).
func assertTPMAttestCertRequirements(cert *x509.Certificate) error {
	if cert.Version != 3 {
		return fmt.Errorf("%w: version != 3", ErrAttestationCertificateRequirementsNotMet)
	}
	// Subject field MUST be set to empty.
	if len(cert.Subject.Names) != 0 {
		return fmt.Errorf("%w: subject not empty", ErrAttestationCertificateRequirementsNotMet)
	}
	san, err := certExtension(cert, oidExtensionSubjectAltName)
	if err != nil {
		return fmt.Errorf("%w: subjectAltName: %v", ErrAttestationCertificateRequirementsNotMet, err)
	}
	if san == nil {
		return fmt.Errorf("%w: subjectAltName missing", ErrAttestationCertificateRequirementsNotMet)
	}
	// The extension MUST be critical when the subject is empty.
	if !san.Critical {
		return fmt.Errorf("%w: subjectAltName not critical", ErrAttestationCertificateRequirementsNotMet)
	}
	names, err := parseSANDirectoryNames(san)
	if err != nil {
		return err
	}
	ok := false
	for _, attrs := range names {
		if !attrs.complete() {
			continue
		}
		if tpmVendorKnown(attrs.manufacturer) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: no directoryName with a known TPM manufacturer", ErrAttestationCertificateRequirementsNotMet)
	}
	// EKU MUST contain tcg-kp-AIKCertificate.
	ok = false
	for _, eku := range cert.UnknownExtKeyUsage {
		if eku.Equal(oidTCGKpAIK) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: EKU missing tcg-kp-AIKCertificate", ErrAttestationCertificateRequirementsNotMet)
	}
	if !cert.BasicConstraintsValid || cert.IsCA {
		return fmt.Errorf("%w: basic constraints", ErrAttestationCertificateRequirementsNotMet)
	}
	return nil
}
