package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// Extension OIDs written for PQC certificates.
var (
	oidExtSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtAuthorityKeyID   = asn1.ObjectIdentifier{2, 5, 29, 35}
)

// X.509 structures for certificates crypto/x509 cannot create.
type tbsCertificate struct {
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           validity
	Subject            asn1.RawValue
	PublicKey          asn1.RawValue
	Extensions         []pkix.Extension `asn1:"optional,explicit,tag:3"`
}

type validity struct {
	NotBefore, NotAfter time.Time
}

type certificate struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

type authorityKeyID struct {
	ID []byte `asn1:"optional,tag:0"`
}

// CreateCertificate issues a certificate for pub signed by signer, in the
// manner of x509.CreateCertificate. When either key is ML-DSA or ML-KEM
// the certificate is encoded directly, carrying only subject and issuer
// names, validity, basic constraints, key usage and key identifiers.
//
// A missing subject key identifier is derived from the public key for every
// certificate, not only for CAs.
func CreateCertificate(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) ([]byte, error) {
	spki, err := MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}
	if len(template.SubjectKeyId) == 0 {
		tmpl := *template
		sum := sha256.Sum256(spki)
		tmpl.SubjectKeyId = sum[:20]
		if parent == template {
			parent = &tmpl
		}
		template = &tmpl
	}

	if !AlgorithmFromPublicKey(pub).IsPQC() && !AlgorithmFromPublicKey(signer.Public()).IsPQC() {
		return x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	}
	if template.SerialNumber == nil {
		return nil, fmt.Errorf("serial number is required")
	}
	subject, err := rawName(template.RawSubject, template.Subject)
	if err != nil {
		return nil, err
	}
	issuer, err := rawName(parent.RawSubject, parent.Subject)
	if err != nil {
		return nil, err
	}
	sigAlg, _, err := SignatureAlgorithm(signer.Public())
	if err != nil {
		return nil, err
	}

	exts, err := buildExtensions(template, parent, template.SubjectKeyId)
	if err != nil {
		return nil, err
	}

	tbs, err := asn1.Marshal(tbsCertificate{
		Version:            2,
		SerialNumber:       template.SerialNumber,
		SignatureAlgorithm: sigAlg,
		Issuer:             asn1.RawValue{FullBytes: issuer},
		Validity:           validity{NotBefore: template.NotBefore.UTC(), NotAfter: template.NotAfter.UTC()},
		Subject:            asn1.RawValue{FullBytes: subject},
		PublicKey:          asn1.RawValue{FullBytes: spki},
		Extensions:         exts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TBSCertificate: %w", err)
	}
	sig, sigAlg, err := SignMessage(rand.Reader, signer, tbs)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return asn1.Marshal(certificate{
		TBSCertificate:     asn1.RawValue{FullBytes: tbs},
		SignatureAlgorithm: sigAlg,
		SignatureValue:     asn1.BitString{Bytes: sig, BitLength: 8 * len(sig)},
	})
}

func rawName(raw []byte, name pkix.Name) ([]byte, error) {
	if len(raw) > 0 {
		return raw, nil
	}
	return asn1.Marshal(name.ToRDNSequence())
}

func buildExtensions(template, parent *x509.Certificate, ski []byte) ([]pkix.Extension, error) {
	var exts []pkix.Extension

	if template.BasicConstraintsValid {
		bc := basicConstraints{IsCA: template.IsCA, MaxPathLen: -1}
		if template.IsCA && (template.MaxPathLen > 0 || template.MaxPathLenZero) {
			bc.MaxPathLen = template.MaxPathLen
		}
		der, err := asn1.Marshal(bc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal BasicConstraints: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtBasicConstraints, Critical: true, Value: der})
	}

	if template.KeyUsage != 0 {
		var bits asn1.BitString
		for i := 0; i < 9; i++ {
			if template.KeyUsage&(1<<uint(i)) == 0 {
				continue
			}
			for len(bits.Bytes) <= i/8 {
				bits.Bytes = append(bits.Bytes, 0)
			}
			bits.Bytes[i/8] |= 0x80 >> uint(i%8)
			bits.BitLength = i + 1
		}
		der, err := asn1.Marshal(bits)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal KeyUsage: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtKeyUsage, Critical: true, Value: der})
	}

	der, err := asn1.Marshal(ski)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SubjectKeyIdentifier: %w", err)
	}
	exts = append(exts, pkix.Extension{Id: oidExtSubjectKeyID, Value: der})

	if parent != template && len(parent.SubjectKeyId) > 0 {
		der, err := asn1.Marshal(authorityKeyID{ID: parent.SubjectKeyId})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal AuthorityKeyIdentifier: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtAuthorityKeyID, Value: der})
	}
	return exts, nil
}
