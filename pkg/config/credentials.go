package config

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// loader resolves file references of one configuration. Credentials are
// loaded once per distinct definition, so that profiles sharing a key also
// share the signer (and its HSM session).
type loader struct {
	baseDir string
	hsm     *pkicrypto.HSMConfig
	signers map[string]*protection.SignatureCredentials
}

func (l *loader) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.baseDir, p)
}

// LoadCertificates reads all certificates of a PEM file. A file without
// PEM blocks is parsed as a single DER certificate.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to parse certificate: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("%s: no certificate found", path)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func (l *loader) certificates(paths []string) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for _, p := range paths {
		certs, err := LoadCertificates(l.path(p))
		if err != nil {
			return nil, err
		}
		out = append(out, certs...)
	}
	return out, nil
}

var keyUsageNames = map[string]x509.KeyUsage{
	"digitalSignature":  x509.KeyUsageDigitalSignature,
	"contentCommitment": x509.KeyUsageContentCommitment,
	"keyEncipherment":   x509.KeyUsageKeyEncipherment,
	"dataEncipherment":  x509.KeyUsageDataEncipherment,
	"keyAgreement":      x509.KeyUsageKeyAgreement,
	"keyCertSign":       x509.KeyUsageCertSign,
	"cRLSign":           x509.KeyUsageCRLSign,
}

func (l *loader) trust(ty *trustYAML) (*protection.VerificationContext, error) {
	vc := &protection.VerificationContext{}
	var err error
	if vc.TrustAnchors, err = l.certificates(ty.Anchors); err != nil {
		return nil, err
	}
	if vc.Intermediates, err = l.certificates(ty.Intermediates); err != nil {
		return nil, err
	}
	if len(ty.SharedSecrets) > 0 {
		vc.SharedSecrets = make(map[string][]byte, len(ty.SharedSecrets))
		for kid, secret := range ty.SharedSecrets {
			vc.SharedSecrets[kid] = []byte(secret)
		}
	}
	for _, name := range ty.KeyUsage {
		ku, ok := keyUsageNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown key usage %q", name)
		}
		vc.AllowedKeyUsage |= ku
	}
	if len(vc.TrustAnchors) == 0 && len(vc.SharedSecrets) == 0 {
		return nil, fmt.Errorf("trust needs anchors or shared_secrets")
	}
	return vc, nil
}

func (l *loader) credentials(cy *credentialsYAML) (protection.Credentials, error) {
	if cy.MAC != nil {
		if cy.Cert != "" || cy.Key != "" || cy.PKCS11 != nil {
			return nil, fmt.Errorf("mac cannot be combined with cert, key or pkcs11")
		}
		return macCredentials(cy.MAC)
	}
	return l.signatureCredentials(cy)
}

func macCredentials(my *macYAML) (*protection.MACCredentials, error) {
	secret := my.Secret
	if my.SecretEnv != "" {
		secret = os.Getenv(my.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("environment variable %s is not set or empty", my.SecretEnv)
		}
	}
	if secret == "" {
		return nil, fmt.Errorf("mac.secret or mac.secret_env is required")
	}
	alg, err := protection.ParseMACAlgorithm(my.Algorithm)
	if err != nil {
		return nil, err
	}
	return &protection.MACCredentials{
		Secret:     []byte(secret),
		SenderKID:  []byte(my.KID),
		Algorithm:  alg,
		Iterations: my.Iterations,
	}, nil
}

func (l *loader) signatureCredentials(cy *credentialsYAML) (*protection.SignatureCredentials, error) {
	if cy.Cert == "" {
		return nil, fmt.Errorf("cert is required")
	}
	key := cy.Key
	if cy.PKCS11 != nil {
		key = "pkcs11:" + cy.PKCS11.KeyLabel + "/" + cy.PKCS11.KeyID
	}
	cacheKey := l.path(cy.Cert) + "|" + key
	if c, ok := l.signers[cacheKey]; ok {
		return c, nil
	}

	chain, err := LoadCertificates(l.path(cy.Cert))
	if err != nil {
		return nil, err
	}

	var signer pkicrypto.Signer
	switch {
	case cy.PKCS11 != nil:
		if l.hsm == nil {
			return nil, fmt.Errorf("pkcs11 credentials need an hsm section")
		}
		p11, err := l.hsm.Open(cy.PKCS11.KeyLabel, cy.PKCS11.KeyID)
		if err != nil {
			return nil, err
		}
		s, err := pkicrypto.NewPKCS11Signer(*p11)
		if err != nil {
			return nil, err
		}
		signer = s
	case cy.Key != "":
		var passphrase []byte
		if cy.PassphraseEnv != "" {
			passphrase = []byte(os.Getenv(cy.PassphraseEnv))
		}
		s, err := pkicrypto.LoadPrivateKey(l.path(cy.Key), passphrase)
		if err != nil {
			return nil, err
		}
		signer = s
	default:
		return nil, fmt.Errorf("key or pkcs11 is required")
	}

	certPub, err := pkicrypto.CertificatePublicKey(chain[0])
	if err != nil {
		return nil, err
	}
	if !pkicrypto.PublicKeysEqual(certPub, signer.Public()) {
		return nil, fmt.Errorf("key does not match certificate %q", chain[0].Subject.CommonName)
	}

	c := &protection.SignatureCredentials{Signer: signer, Chain: chain}
	if l.signers == nil {
		l.signers = make(map[string]*protection.SignatureCredentials)
	}
	l.signers[cacheKey] = c
	return c, nil
}

func (l *loader) support(sy supportYAML, out map[string]SupportMessageHandler) error {
	if len(sy.CACerts) > 0 {
		certs, err := l.certificates(sy.CACerts)
		if err != nil {
			return fmt.Errorf("ca_certs: %w", err)
		}
		out[cmp.OIDCACerts.String()] = &CACertsHandler{Certs: certs}
	}
	if sy.CertReqTemplate != "" {
		data, err := os.ReadFile(l.path(sy.CertReqTemplate))
		if err != nil {
			return fmt.Errorf("cert_req_template: %w", err)
		}
		if block, _ := pem.Decode(data); block != nil {
			data = block.Bytes
		}
		out[cmp.OIDCertReqTemplate.String()] = &CertReqTemplateHandler{Template: data}
	}
	if ry := sy.RootCAUpdate; ry != nil {
		h := &RootCAUpdateHandler{}
		for _, f := range []struct {
			path string
			dst  **x509.Certificate
		}{
			{ry.NewWithNew, &h.NewWithNew},
			{ry.NewWithOld, &h.NewWithOld},
			{ry.OldWithNew, &h.OldWithNew},
		} {
			if f.path == "" {
				continue
			}
			certs, err := LoadCertificates(l.path(f.path))
			if err != nil {
				return fmt.Errorf("root_ca_update: %w", err)
			}
			*f.dst = certs[0]
		}
		if h.NewWithNew == nil {
			return fmt.Errorf("root_ca_update: new_with_new is required")
		}
		out[cmp.OIDRootCACert.String()] = h
	}
	return nil
}

// DescribeCredentials describes credentials without secrets, for logs and the CLI.
func DescribeCredentials(c protection.Credentials) string {
	switch c := c.(type) {
	case *protection.SignatureCredentials:
		if cert := c.Certificate(); cert != nil {
			return fmt.Sprintf("signature (%s, %s)", cert.Subject.String(), pkicrypto.AlgorithmFromPublicKey(c.Signer.Public()))
		}
		return "signature"
	case *protection.MACCredentials:
		return fmt.Sprintf("mac (%s, kid %q)", c.Algorithm, strings.TrimSpace(string(c.SenderKID)))
	case nil:
		return "none"
	}
	return fmt.Sprintf("%T", c)
}
