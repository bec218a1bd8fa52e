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
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// TPM 2.0 constants, from the TPM library specification part 2 (structures).
const (
	tpmGeneratedValue  = 0xff544347
	tpmStAttestCertify = 0x8017

	tpmAlgRSA    = 0x0001
	tpmAlgSHA1   = 0x0004
	tpmAlgSHA256 = 0x000b
	tpmAlgSHA384 = 0x000c
	tpmAlgSHA512 = 0x000d
	tpmAlgNull   = 0x0010
	tpmAlgECC    = 0x0023

	tpmEccNistP256 = 0x0003
	tpmEccNistP384 = 0x0004
	tpmEccNistP521 = 0x0005
)

// tpmVendors maps TCG vendor IDs (the hex part of the "id:XXXXXXXX"
// manufacturer attribute) to registered TPM manufacturers.
// https://trustedcomputinggroup.org/resource/vendor-id-registry/
var tpmVendors = map[string]string{
	"414D4400": "AMD",
	"41544D4C": "Atmel",
	"4252434D": "Broadcom",
	"474F4F47": "Google",
	"48504500": "HPE",
	"49424D00": "IBM",
	"49465800": "Infineon",
	"494E5443": "Intel",
	"4C454E00": "Lenovo",
	"4D534654": "Microsoft",
	"4E534D20": "National Semiconductor",
	"4E545A00": "Nationz",
	"4E544300": "Nuvoton Technology",
	"51434F4D": "Qualcomm",
	"524F4343": "Fuzhou Rockchip",
	"534D5343": "SMSC",
	"534D534E": "Samsung",
	"534E5300": "Sinosun",
	"53544D20": "ST Microelectronics",
	"54584E00": "Texas Instruments",
	"57454300": "Winbond",
	"FFFFF1D0": "FIDO testing",
}

// tpmVendorKnown reports whether the SAN manufacturer attribute ("id:" + 8
// hex digits) names a registered TPM vendor.
func tpmVendorKnown(manufacturer string) bool {
	if len(manufacturer) != 11 || manufacturer[:3] != "id:" {
		return false
	}
	_, ok := tpmVendors[manufacturer[3:]]
	return ok
}

// tpmReader walks the big-endian TPM wire structures.
type tpmReader struct {
	b   []byte
	err error
}

func (r *tpmReader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 1 {
		r.err = ErrTooShort
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *tpmReader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 2 {
		r.err = ErrTooShort
		return 0
	}
	v := binary.BigEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v
}

func (r *tpmReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 4 {
		r.err = ErrTooShort
		return 0
	}
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

func (r *tpmReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 8 {
		r.err = ErrTooShort
		return 0
	}
	v := binary.BigEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v
}

// sized reads a TPM2B buffer: a 16-bit length followed by that many bytes.
func (r *tpmReader) sized() []byte {
	n := int(r.u16())
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = ErrTooShort
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *tpmReader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%w: trailing tpm structure bytes", ErrParse)
	}
	return nil
}

// tpmtPublic is a parsed TPMT_PUBLIC structure.
type tpmtPublic struct {
	typ     uint16
	nameAlg uint16

	// RSA
	exponent uint32
	modulus  []byte

	// ECC
	curveID uint16
	x, y    []byte
}

func parseTPMTPublic(b []byte) (*tpmtPublic, error) {
	r := &tpmReader{b: b}
	var p tpmtPublic
	p.typ = r.u16()
	p.nameAlg = r.u16()
	r.u32()   // objectAttributes
	r.sized() // authPolicy

	switch p.typ {
	case tpmAlgRSA:
		if sym := r.u16(); sym != tpmAlgNull {
			r.u16() // keyBits
			r.u16() // mode
		}
		if scheme := r.u16(); scheme != tpmAlgNull {
			r.u16() // scheme hash
		}
		r.u16() // keyBits
		p.exponent = r.u32()
		if p.exponent == 0 {
			p.exponent = 65537
		}
		p.modulus = r.sized()
	case tpmAlgECC:
		if sym := r.u16(); sym != tpmAlgNull {
			r.u16()
			r.u16()
		}
		if scheme := r.u16(); scheme != tpmAlgNull {
			r.u16()
		}
		p.curveID = r.u16()
		if kdf := r.u16(); kdf != tpmAlgNull {
			r.u16()
		}
		p.x = r.sized()
		p.y = r.sized()
	default:
		return nil, fmt.Errorf("%w: tpm public type 0x%04x", ErrParse, p.typ)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &p, nil
}

// matchesCOSEKey reports whether the TPM public area holds exactly the
// credential public key.
func (p *tpmtPublic) matchesCOSEKey(k *COSEKey) bool {
	switch p.typ {
	case tpmAlgRSA:
		if k.RSA == nil {
			return false
		}
		e := new(big.Int).SetBytes(k.RSA.E)
		return bytes.Equal(p.modulus, k.RSA.N) && e.IsInt64() && e.Int64() == int64(p.exponent)
	case tpmAlgECC:
		if k.EC2 == nil {
			return false
		}
		var curve ECDSACurve
		switch p.curveID {
		case tpmEccNistP256:
			curve = SECP256R1
		case tpmEccNistP384:
			curve = SECP384R1
		case tpmEccNistP521:
			curve = SECP521R1
		default:
			return false
		}
		return curve == k.EC2.Curve && bytes.Equal(p.x, k.EC2.X) && bytes.Equal(p.y, k.EC2.Y)
	}
	return false
}

// tpmsAttest is a parsed TPMS_ATTEST structure of type certify.
type tpmsAttest struct {
	magic     uint32
	typ       uint16
	extraData []byte
	name      []byte
}

func parseTPMSAttest(b []byte) (*tpmsAttest, error) {
	r := &tpmReader{b: b}
	var a tpmsAttest
	a.magic = r.u32()
	a.typ = r.u16()
	r.sized() // qualifiedSigner
	a.extraData = r.sized()
	r.u64() // clockInfo.clock
	r.u32() // clockInfo.resetCount
	r.u32() // clockInfo.restartCount
	r.u8()  // clockInfo.safe
	r.u64() // firmwareVersion
	a.name = r.sized()
	r.sized() // qualifiedName
	if err := r.done(); err != nil {
		return nil, err
	}
	return &a, nil
}

// tpmHash computes the digest selected by a TPM hash algorithm identifier.
func tpmHash(alg uint16, data []byte) ([]byte, error) {
	switch alg {
	case tpmAlgSHA1:
		// SHA-1 names still appear in the wild and are accepted for the
		// name binding.
		h := sha1.Sum(data)
		return h[:], nil
	case tpmAlgSHA256:
		h := sha256.Sum256(data)
		return h[:], nil
	case tpmAlgSHA384:
		h := sha512.Sum384(data)
		return h[:], nil
	case tpmAlgSHA512:
		h := sha512.Sum512(data)
		return h[:], nil
	}
	return nil, fmt.Errorf("%w: tpm hash alg 0x%04x", ErrParse, alg)
}

// verifyTPMAttestation implements the tpm attestation format.
// https://w3c.github.io/webauthn/#sctn-tpm-attestation
func verifyTPMAttestation(att *Attestation, verificationData []byte, anchors *TrustAnchorList, now time.Time) (*ParsedAttestation, error) {
	var stmt struct {
		Ver      string            `cbor:"ver"`
		Alg      int64             `cbor:"alg"`
		X5C      []cbor.RawMessage `cbor:"x5c"`
		Sig      []byte            `cbor:"sig"`
		CertInfo []byte            `cbor:"certInfo"`
		PubArea  []byte            `cbor:"pubArea"`
	}
	if err := cborExact(att.AttStmt, &stmt); err != nil {
		return nil, err
	}
	if stmt.Ver != "2.0" {
		return nil, fmt.Errorf("%w: tpm version %q", ErrAttestationStatementInvalid, stmt.Ver)
	}
	if len(stmt.Sig) == 0 || len(stmt.X5C) == 0 || len(stmt.CertInfo) == 0 || len(stmt.PubArea) == 0 {
		return nil, fmt.Errorf("%w: incomplete tpm statement", ErrParse)
	}
	alg := COSEAlgorithm(stmt.Alg)

	// The public area must hold the credential key, bit for bit.
	pub, err := parseTPMTPublic(stmt.PubArea)
	if err != nil {
		return nil, err
	}
	if !pub.matchesCOSEKey(att.AuthData.AttestedCredentials.Key) {
		return nil, fmt.Errorf("%w: pubArea does not match the credential key", ErrAttestationStatementInvalid)
	}

	certInfo, err := parseTPMSAttest(stmt.CertInfo)
	if err != nil {
		return nil, err
	}
	if certInfo.magic != tpmGeneratedValue {
		return nil, fmt.Errorf("%w: certInfo magic 0x%08x", ErrAttestationStatementInvalid, certInfo.magic)
	}
	if certInfo.typ != tpmStAttestCertify {
		return nil, fmt.Errorf("%w: certInfo type 0x%04x", ErrAttestationStatementInvalid, certInfo.typ)
	}
	if alg == InsecureRS1 {
		return nil, ErrInsecureCryptography
	}
	if !bytes.Equal(certInfo.extraData, hashFor(alg, verificationData)) {
		return nil, fmt.Errorf("%w: certInfo extraData mismatch", ErrAttestationStatementInvalid)
	}

	// attested.name is nameAlg || H_nameAlg(pubArea).
	if len(certInfo.name) < 2 {
		return nil, fmt.Errorf("%w: certInfo name", ErrParse)
	}
	nameAlg := binary.BigEndian.Uint16(certInfo.name[:2])
	if nameAlg != pub.nameAlg {
		return nil, fmt.Errorf("%w: name algorithm mismatch", ErrAttestationStatementInvalid)
	}
	digest, err := tpmHash(nameAlg, stmt.PubArea)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(certInfo.name[2:], digest) {
		return nil, fmt.Errorf("%w: attested name does not match pubArea", ErrAttestationStatementInvalid)
	}

	x5c, err := rawChain(stmt.X5C)
	if err != nil {
		return nil, err
	}
	chain, err := parseCertificates(x5c)
	if err != nil {
		return nil, err
	}
	if err := verifySignature(chain[0].PublicKey, alg, stmt.Sig, stmt.CertInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationStatementInvalid, err)
	}
	if err := assertTPMAttestCertRequirements(chain[0]); err != nil {
		return nil, err
	}
	p := &ParsedAttestation{Format: AttestationFormatTPM}
	return chainTrust(p, att, x5c, anchors, now)
}
