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
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// FakeAuthenticator mimics the behavior of a WebAuthn authenticator for
// testing. The attestation format, flags, and certificate contents are all
// adjustable so that tests can produce both valid and deliberately broken
// responses.
type FakeAuthenticator struct {
	// Origin reported in client data.
	Origin string
	// Format of attestation statements produced by Create: none, packed,
	// packed-x5c, fido-u2f, or tpm.
	Format string
	// UserVerified sets the UV flag.
	UserVerified bool
	// BackupEligible and BackupState set the BE and BS flags.
	BackupEligible bool
	BackupState    bool
	// AAGUID reported in attested credential data.
	AAGUID [16]byte
	// PackedOU is the OU of packed attestation certificates.
	PackedOU string
	// TPMManufacturer is the SAN manufacturer attribute of TPM AIK
	// certificates.
	TPMManufacturer string

	keys     map[string]*fakeAuthKey
	rpIDHash []byte

	caKey  *rsa.PrivateKey
	caCert *x509.Certificate
	caDER  []byte
}

type fakeAuthKey struct {
	id         []byte
	uid        []byte
	rk         bool
	alg        COSEAlgorithm
	privateKey crypto.Signer
	signCount  uint32
}

// NewFakeAuthenticator returns a new FakeAuthenticator for testing.
func NewFakeAuthenticator() (*FakeAuthenticator, error) {
	return &FakeAuthenticator{
		Origin:          "https://example.com",
		Format:          "none",
		PackedOU:        "Authenticator Attestation",
		TPMManufacturer: "id:FFFFF1D0",
		keys:            make(map[string]*fakeAuthKey),
	}, nil
}

// AttestationRootDER returns the DER encoding of the fake attestation CA,
// for use as a trust anchor.
func (a *FakeAuthenticator) AttestationRootDER() ([]byte, error) {
	if err := a.ensureCA(); err != nil {
		return nil, err
	}
	return a.caDER, nil
}

// SetSignCount overrides the counter of a registered credential.
func (a *FakeAuthenticator) SetSignCount(keyID string, n uint32) {
	if k, ok := a.keys[keyID]; ok {
		k.signCount = n
	}
}

// Create mimics the behavior of the WebAuthn create call.
func (a *FakeAuthenticator) Create(options *CreationChallengeResponse) (clientDataJSON, attestationObject []byte, err error) {
	if len(options.PubKeyCredParams) == 0 {
		return nil, nil, errors.New("no pubKeyCredParams")
	}
	authKey := &fakeAuthKey{alg: COSEAlgorithm(options.PubKeyCredParams[0].Alg)}
	var coseKey []byte
	switch authKey.alg {
	case ES256, ES384, ES512:
		var curve elliptic.Curve
		switch authKey.alg {
		case ES256:
			curve = elliptic.P256()
		case ES384:
			curve = elliptic.P384()
		default:
			curve = elliptic.P521()
		}
		privKey, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		if coseKey, err = esCOSEKey(authKey.alg, &privKey.PublicKey); err != nil {
			return nil, nil, err
		}
		authKey.privateKey = privKey
	case RS256:
		privKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, err
		}
		if coseKey, err = rs256COSEKey(&privKey.PublicKey); err != nil {
			return nil, nil, err
		}
		authKey.privateKey = privKey
	default:
		return nil, nil, errors.New("unexpected options.PubKeyCredParams alg")
	}
	cd := ClientData{
		Type:      clientDataTypeCreate,
		Challenge: options.Challenge,
		Origin:    a.Origin,
	}
	if clientDataJSON, err = json.Marshal(cd); err != nil {
		return nil, nil, err
	}
	clientDataHash := sha256.Sum256(clientDataJSON)

	if options.User.ID != "" {
		if authKey.uid, err = base64.RawURLEncoding.DecodeString(options.User.ID); err != nil {
			return nil, nil, err
		}
	}
	authKey.rk = options.AuthenticatorSelection.RequireResidentKey

	authKey.id = make([]byte, 32)
	if _, err := rand.Read(authKey.id); err != nil {
		return nil, nil, err
	}
	rpID := options.RelyingParty.ID
	rpIDHash := sha256.Sum256([]byte(rpID))
	a.rpIDHash = rpIDHash[:]

	authData, err := a.makeAuthData(authKey, coseKey)
	if err != nil {
		return nil, nil, err
	}
	attStmt, err := a.makeAttStmt(authKey, authData, clientDataHash[:], coseKey)
	if err != nil {
		return nil, nil, err
	}
	att := Attestation{
		Format:      a.Format,
		AttStmt:     attStmt,
		RawAuthData: authData,
	}
	if att.Format == "packed-x5c" {
		att.Format = "packed"
	}
	if attestationObject, err = cbor.Marshal(att); err != nil {
		return nil, nil, err
	}
	a.keys[base64.RawURLEncoding.EncodeToString(authKey.id)] = authKey
	return
}

// Get mimics the behavior of the WebAuthn get call.
func (a *FakeAuthenticator) Get(options *RequestChallengeResponse) (id string, clientDataJSON, authData, signature, userHandle []byte, err error) {
	var authKey *fakeAuthKey
	if len(options.AllowCredentials) > 0 {
		for _, k := range options.AllowCredentials {
			if ak, ok := a.keys[k.ID]; ok {
				id = k.ID
				authKey = ak
				break
			}
		}
	} else {
		for kid, key := range a.keys {
			if key.rk {
				id = kid
				authKey = key
				userHandle = key.uid
				break
			}
		}
	}
	if authKey == nil {
		err = errors.New("key not found")
		return
	}
	cd := ClientData{
		Type:      clientDataTypeGet,
		Challenge: options.Challenge,
		Origin:    a.Origin,
	}
	if clientDataJSON, err = json.Marshal(cd); err != nil {
		return
	}
	authKey.signCount++
	if authData, err = a.makeAuthData(authKey, nil); err != nil {
		return
	}
	signature, err = a.sign(authKey, authKey.alg, append(append([]byte(nil), authData...), hash32(clientDataJSON)...))
	return
}

func hash32(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func (a *FakeAuthenticator) makeAuthData(k *fakeAuthKey, coseKey []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(a.rpIDHash)

	var bits uint8
	bits |= flagUP
	if a.UserVerified {
		bits |= flagUV
	}
	if a.BackupEligible {
		bits |= flagBE
	}
	if a.BackupState {
		bits |= flagBS
	}
	if coseKey != nil {
		bits |= flagAT
	}
	buf.Write([]byte{bits})
	binary.Write(&buf, binary.BigEndian, k.signCount)

	if coseKey != nil {
		buf.Write(a.AAGUID[:])
		binary.Write(&buf, binary.BigEndian, uint16(len(k.id)))
		buf.Write(k.id)
		buf.Write(coseKey)
	}
	return buf.Bytes(), nil
}

func (a *FakeAuthenticator) makeAttStmt(k *fakeAuthKey, authData, clientDataHash, coseKey []byte) (cbor.RawMessage, error) {
	verificationData := append(append([]byte(nil), authData...), clientDataHash...)
	switch a.Format {
	case "none":
		return cbor.Marshal(struct{}{})
	case "packed":
		sig, err := a.sign(k, k.alg, verificationData)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal(struct {
			Alg int64  `cbor:"alg"`
			Sig []byte `cbor:"sig"`
		}{int64(k.alg), sig})
	case "packed-x5c":
		leafKey, leafDER, err := a.packedLeafCert()
		if err != nil {
			return nil, err
		}
		sig, err := signWith(leafKey, ES256, verificationData)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal(struct {
			Alg int64    `cbor:"alg"`
			Sig []byte   `cbor:"sig"`
			X5C [][]byte `cbor:"x5c"`
		}{int64(ES256), sig, [][]byte{leafDER}})
	case "fido-u2f":
		key, err := ParseCOSEKey(coseKey)
		if err != nil {
			return nil, err
		}
		pubRaw, err := key.X962Raw()
		if err != nil {
			return nil, err
		}
		var vd bytes.Buffer
		vd.WriteByte(0x00)
		vd.Write(a.rpIDHash)
		vd.Write(clientDataHash)
		vd.Write(k.id)
		vd.Write(pubRaw)
		leafKey, leafDER, err := a.packedLeafCert()
		if err != nil {
			return nil, err
		}
		sig, err := signWith(leafKey, ES256, vd.Bytes())
		if err != nil {
			return nil, err
		}
		return cbor.Marshal(struct {
			Sig []byte   `cbor:"sig"`
			X5C [][]byte `cbor:"x5c"`
		}{sig, [][]byte{leafDER}})
	case "tpm":
		return a.tpmAttStmt(k, verificationData, coseKey)
	default:
		return nil, errors.New("unknown attestation format")
	}
}

func (a *FakeAuthenticator) sign(k *fakeAuthKey, alg COSEAlgorithm, data []byte) ([]byte, error) {
	return signWith(k.privateKey, alg, data)
}

func signWith(key crypto.Signer, alg COSEAlgorithm, data []byte) ([]byte, error) {
	return key.Sign(rand.Reader, hashFor(alg, data), cryptoHash(alg))
}

func (a *FakeAuthenticator) ensureCA() error {
	if a.caCert != nil {
		return nil
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "c2tleQ fake attestation root", Organization: []string{"c2tleQ"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	a.caKey, a.caCert, a.caDER = key, cert, der
	return nil
}

// packedLeafCert issues an ES256 attestation certificate with the subject
// required by the packed format.
func (a *FakeAuthenticator) packedLeafCert() (crypto.Signer, []byte, error) {
	if err := a.ensureCA(); err != nil {
		return nil, nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			Country:            []string{"US"},
			Organization:       []string{"c2tleQ"},
			OrganizationalUnit: []string{a.PackedOU},
			CommonName:         "c2tleQ fake authenticator",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

// aikCert issues a TPM AIK certificate: empty subject, critical SAN with the
// TCG directoryName attributes, and the AIK extended key usage.
func (a *FakeAuthenticator) aikCert() (crypto.Signer, []byte, error) {
	if err := a.ensureCA(); err != nil {
		return nil, nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	rdn := pkix.RDNSequence{
		pkix.RelativeDistinguishedNameSET{
			pkix.AttributeTypeAndValue{Type: oidTCGManufacturer, Value: a.TPMManufacturer},
			pkix.AttributeTypeAndValue{Type: oidTCGModel, Value: "c2tleQ-fake-tpm"},
			pkix.AttributeTypeAndValue{Type: oidTCGVersion, Value: "id:13"},
		},
	}
	nameDER, err := asn1.Marshal(rdn)
	if err != nil {
		return nil, nil, err
	}
	sanDER, err := asn1.Marshal([]asn1.RawValue{{
		Class:      asn1.ClassContextSpecific,
		Tag:        4,
		IsCompound: true,
		Bytes:      nameDER,
	}})
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(3),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		UnknownExtKeyUsage:    []asn1.ObjectIdentifier{oidTCGKpAIK},
		ExtraExtensions: []pkix.Extension{{
			Id:       oidExtensionSubjectAltName,
			Critical: true,
			Value:    sanDER,
		}},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

// tpmAttStmt builds a TPM 2.0 attestation statement over the credential key.
func (a *FakeAuthenticator) tpmAttStmt(k *fakeAuthKey, verificationData, coseKey []byte) (cbor.RawMessage, error) {
	key, err := ParseCOSEKey(coseKey)
	if err != nil {
		return nil, err
	}
	pubArea, err := tpmPubAreaFor(key)
	if err != nil {
		return nil, err
	}
	var certInfo bytes.Buffer
	binary.Write(&certInfo, binary.BigEndian, uint32(tpmGeneratedValue))
	binary.Write(&certInfo, binary.BigEndian, uint16(tpmStAttestCertify))
	writeSized(&certInfo, nil) // qualifiedSigner
	writeSized(&certInfo, hash32(verificationData))
	binary.Write(&certInfo, binary.BigEndian, uint64(0)) // clock
	binary.Write(&certInfo, binary.BigEndian, uint32(0)) // resetCount
	binary.Write(&certInfo, binary.BigEndian, uint32(0)) // restartCount
	certInfo.WriteByte(1)                                // safe
	binary.Write(&certInfo, binary.BigEndian, uint64(0)) // firmwareVersion
	var name bytes.Buffer
	binary.Write(&name, binary.BigEndian, uint16(tpmAlgSHA256))
	name.Write(hash32(pubArea))
	writeSized(&certInfo, name.Bytes())
	writeSized(&certInfo, nil) // qualifiedName

	aikKey, aikDER, err := a.aikCert()
	if err != nil {
		return nil, err
	}
	sig, err := signWith(aikKey, RS256, certInfo.Bytes())
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(struct {
		Ver      string   `cbor:"ver"`
		Alg      int64    `cbor:"alg"`
		X5C      [][]byte `cbor:"x5c"`
		Sig      []byte   `cbor:"sig"`
		CertInfo []byte   `cbor:"certInfo"`
		PubArea  []byte   `cbor:"pubArea"`
	}{"2.0", int64(RS256), [][]byte{aikDER}, sig, certInfo.Bytes(), pubArea})
}

func writeSized(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint16(len(b)))
	buf.Write(b)
}

func tpmPubAreaFor(key *COSEKey) ([]byte, error) {
	var buf bytes.Buffer
	switch {
	case key.RSA != nil:
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgRSA))
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgSHA256))
		binary.Write(&buf, binary.BigEndian, uint32(0)) // objectAttributes
		writeSized(&buf, nil)                           // authPolicy
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgNull))
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgNull))
		binary.Write(&buf, binary.BigEndian, uint16(2048))
		binary.Write(&buf, binary.BigEndian, uint32(0)) // exponent: default 65537
		writeSized(&buf, key.RSA.N)
	case key.EC2 != nil:
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgECC))
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgSHA256))
		binary.Write(&buf, binary.BigEndian, uint32(0))
		writeSized(&buf, nil)
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgNull))
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgNull))
		var curveID uint16
		switch key.EC2.Curve {
		case SECP256R1:
			curveID = tpmEccNistP256
		case SECP384R1:
			curveID = tpmEccNistP384
		default:
			curveID = tpmEccNistP521
		}
		binary.Write(&buf, binary.BigEndian, curveID)
		binary.Write(&buf, binary.BigEndian, uint16(tpmAlgNull)) // kdf
		writeSized(&buf, key.EC2.X)
		writeSized(&buf, key.EC2.Y)
	default:
		return nil, errors.New("unsupported key type for tpm pubArea")
	}
	return buf.Bytes(), nil
}

// esCOSEKey converts an ECDSA public key to COSE.
func esCOSEKey(alg COSEAlgorithm, publicKey *ecdsa.PublicKey) ([]byte, error) {
	var crv ECDSACurve
	switch alg {
	case ES256:
		crv = SECP256R1
	case ES384:
		crv = SECP384R1
	case ES512:
		crv = SECP521R1
	default:
		return nil, errors.New("unexpected EC alg")
	}
	sz := crv.coordinateSize()
	ecKey := struct {
		KTY   int    `cbor:"1,keyasint"`
		ALG   int    `cbor:"3,keyasint"`
		Curve int    `cbor:"-1,keyasint"`
		X     []byte `cbor:"-2,keyasint"`
		Y     []byte `cbor:"-3,keyasint"`
	}{
		KTY:   coseKeyTypeEC2,
		ALG:   int(alg),
		Curve: int(crv),
		X:     publicKey.X.FillBytes(make([]byte, sz)),
		Y:     publicKey.Y.FillBytes(make([]byte, sz)),
	}
	return cbor.Marshal(ecKey)
}

// rs256COSEKey converts an RSA public key to COSE.
func rs256COSEKey(publicKey *rsa.PublicKey) ([]byte, error) {
	rsaKey := struct {
		KTY int    `cbor:"1,keyasint"`
		ALG int    `cbor:"3,keyasint"`
		N   []byte `cbor:"-1,keyasint"`
		E   []byte `cbor:"-2,keyasint"`
	}{
		KTY: coseKeyTypeRSA,
		ALG: int(RS256),
		N:   publicKey.N.FillBytes(make([]byte, 256)),
		E:   big.NewInt(int64(publicKey.E)).FillBytes(make([]byte, 3)),
	}
	return cbor.Marshal(rsaKey)
}
