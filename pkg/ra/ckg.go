package ra

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/internal/cms"
	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/internal/transaction"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// generateKey creates the key pair a request asks the RA to generate and
// returns the request carrying its public key, with raVerified as POP.
func (r *RA) generateKey(q *request, ckg *config.CKGContext, req cmp.CertReqMsg) (cmp.CertReqMsg, *pkicrypto.KeyPair, error) {
	if q.result == nil || q.result.Kind != protection.KindSignature || q.result.Certificate == nil {
		return req, nil, newError("ckg", ErrUnsupportedOperation, "central key generation requires signature-based protection")
	}
	if !canReceiveKey(q.result.Certificate) {
		return req, nil, newError("ckg", ErrUnsupportedOperation,
			"cannot encrypt a private key for a %s requester certificate", q.result.Certificate.PublicKeyAlgorithm)
	}
	if ckg.SigningCredentials == nil || ckg.SigningCredentials.Certificate() == nil {
		return req, nil, fmt.Errorf("central key generation has no signing credentials")
	}

	alg, err := ckgAlgorithm(req.Template, ckg.Algorithm)
	if err != nil {
		return req, nil, err
	}
	if !alg.IsSignature() {
		return req, nil, newError("ckg", ErrUnsupportedOperation, "central key generation of %s keys is not supported", alg)
	}
	kp, err := pkicrypto.GenerateKeyPair(alg)
	if err != nil {
		return req, nil, fmt.Errorf("generate %s key: %w", alg, err)
	}
	spki, err := pkicrypto.MarshalPublicKey(kp.PublicKey)
	if err != nil {
		return req, nil, fmt.Errorf("encode generated public key: %w", err)
	}
	t, err := req.Template.WithPublicKeyInfo(spki)
	if err != nil {
		return req, nil, fmt.Errorf("set generated public key: %w", err)
	}

	r.logger.Info("generated key for requester",
		append(txFields(q.msg, q.profile), zap.Stringer("algorithm", alg))...)
	return req.WithTemplate(t).WithPOPO(cmp.RAVerified()), kp, nil
}

// ckgAlgorithm picks the algorithm of a centrally generated key: the one
// named by the template's public key field if any, else the configured
// one.
func ckgAlgorithm(t cmp.CertTemplate, configured pkicrypto.AlgorithmID) (pkicrypto.AlgorithmID, error) {
	if configured == pkicrypto.AlgUnknown {
		configured = pkicrypto.AlgECDSAP256
	}
	ai, ok := t.PublicKeyAlgorithm()
	if !ok || len(ai.Algorithm) == 0 {
		return configured, nil
	}

	switch {
	case ai.Algorithm.Equal(pkicrypto.OIDPublicKeyECDSA):
		var curve asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(ai.Parameters.FullBytes, &curve); err != nil {
			if isECDSA(configured) {
				return configured, nil
			}
			return pkicrypto.AlgECDSAP256, nil
		}
		for _, a := range []pkicrypto.AlgorithmID{pkicrypto.AlgECDSAP256, pkicrypto.AlgECDSAP384, pkicrypto.AlgECDSAP521} {
			if a.OID().Equal(curve) {
				return a, nil
			}
		}
		return "", newError("ckg", ErrUnsupportedOperation, "unsupported curve %s", curve)
	case ai.Algorithm.Equal(pkicrypto.OIDPublicKeyRSA):
		if isRSA(configured) {
			return configured, nil
		}
		return pkicrypto.AlgRSA2048, nil
	}
	for _, a := range pkicrypto.SignatureAlgorithms() {
		if a.OID().Equal(ai.Algorithm) {
			return a, nil
		}
	}
	return "", newError("ckg", ErrUnsupportedOperation, "cannot generate keys for algorithm %s", ai.Algorithm)
}

func isECDSA(a pkicrypto.AlgorithmID) bool {
	return a == pkicrypto.AlgECDSAP256 || a == pkicrypto.AlgECDSAP384 || a == pkicrypto.AlgECDSAP521
}

func isRSA(a pkicrypto.AlgorithmID) bool {
	return a == pkicrypto.AlgRSA2048 || a == pkicrypto.AlgRSA3072 || a == pkicrypto.AlgRSA4096
}

// canReceiveKey reports whether a private key can be enveloped for the
// holder of cert.
func canReceiveKey(cert *x509.Certificate) bool {
	pub, err := pkicrypto.CertificatePublicKey(cert)
	if err != nil {
		return false
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return true
	}
	return pkicrypto.AlgorithmFromPublicKey(pub).IsKEM()
}

// deliverKey places the centrally generated key of tx into the response
// that certifies it. The key is wrapped as an AsymmetricKeyPackage, signed
// with the CKG credentials and enveloped for the requester.
func (r *RA) deliverKey(tx *transaction.Transaction, rep *cmp.CertRepMessage) error {
	ckg := r.cfg.CKG(tx.Profile, tx.Body)
	if ckg == nil || ckg.SigningCredentials == nil || ckg.SigningCredentials.Certificate() == nil {
		return fmt.Errorf("central key generation has no signing credentials")
	}
	if tx.Requester == nil {
		return newError("ckg", ErrUnsupportedOperation, "no requester certificate to encrypt the key for")
	}

	target := -1
	for i, resp := range rep.Responses {
		ckp := resp.CertifiedKeyPair
		if ckp == nil || ckp.Certificate == nil {
			continue
		}
		cert, err := x509.ParseCertificate(ckp.Certificate)
		if err != nil {
			continue
		}
		if pub, err := pkicrypto.CertificatePublicKey(cert); err == nil && pkicrypto.PublicKeysEqual(pub, tx.CKGKey.PublicKey) {
			target = i
			break
		}
	}
	if target < 0 {
		return newError("ckg", ErrBadUpstreamProtection, "no issued certificate carries the generated key")
	}

	pkcs8, err := pkicrypto.MarshalPKCS8PrivateKey(tx.CKGKey.PrivateKey)
	if err != nil {
		return fmt.Errorf("encode generated key: %w", err)
	}
	pkg, err := cms.MarshalAsymmetricKeyPackage(pkcs8)
	if err != nil {
		return fmt.Errorf("encode key package: %w", err)
	}
	sc := ckg.SigningCredentials
	signed, err := cms.NewSignedData(pkg, &cms.SignerConfig{
		Certificate: sc.Certificate(),
		Signer:      sc.Signer,
		Chain:       sc.Chain[1:],
		ContentType: cms.OIDAsymmetricKeyPackage,
		SigningTime: r.now(),
	})
	if err != nil {
		return fmt.Errorf("sign key package: %w", err)
	}
	env, err := cms.Envelope(signed, &cms.EnvelopeOptions{
		Recipient:   tx.Requester,
		ContentType: cms.OIDSignedData,
	})
	if err != nil {
		return fmt.Errorf("encrypt key package: %w", err)
	}
	rep.Responses[target].CertifiedKeyPair.PrivateKey = env

	e := audit.NewEvent(audit.EventKeyGenerated, audit.ResultSuccess).
		WithActor(audit.Actor{Type: "requester", ID: tx.Requester.Subject.String()}).
		WithObject(audit.Object{Type: "key", Subject: tx.Requester.Subject.String()}).
		WithContext(audit.Context{
			TransactionID: hex.EncodeToString(tx.ID),
			Profile:       tx.Profile,
			BodyType:      tx.Body.String(),
			Algorithm:     tx.CKGKey.Algorithm.String(),
		})
	if err := r.audit.Write(e); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}
