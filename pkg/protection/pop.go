package protection

import (
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"fmt"

	pkicrypto "github.com/remiblancher/cmp-ra/internal/crypto"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
)

// SignPOP returns a copy of req carrying a signature proof of possession
// over its CertRequest, made with the key being certified.
func SignPOP(req cmp.CertReqMsg, signer crypto.Signer) (cmp.CertReqMsg, error) {
	data, err := req.CertRequestBytes()
	if err != nil {
		return req, &Error{Op: "pop", Err: err}
	}
	sig, alg, err := pkicrypto.SignMessage(rand.Reader, signer, data)
	if err != nil {
		return req, &Error{Op: "pop", Err: err}
	}
	return req.WithPOPO(cmp.SignaturePOPO(alg, sig)), nil
}

// VerifyPOP checks a signature proof of possession against the public key
// requested in the template, or the one in poposkInput when the template
// has none. raVerified and the encryption-based alternatives cannot be
// checked here and are reported as ErrBadPOP; callers decide whether to
// accept raVerified before calling.
func VerifyPOP(req cmp.CertReqMsg) error {
	if req.POPO.Kind != cmp.POPOSignature || req.POPO.Signing == nil {
		return popErr("cannot verify %s proof of possession", req.POPO.Kind)
	}
	sk := req.POPO.Signing

	var data, spki []byte
	if sk.Input != nil {
		data = sk.Input
		k, err := poposkInputKey(sk.Input)
		if err != nil {
			return popErr("%v", err)
		}
		spki = k
	} else {
		var err error
		if data, err = req.CertRequestBytes(); err != nil {
			return popErr("%v", err)
		}
		var ok bool
		if spki, ok = req.Template.PublicKeyInfo(); !ok || req.Template.PublicKeyMissing() {
			return popErr("template carries no public key")
		}
	}

	pub, err := pkicrypto.ParsePublicKey(spki)
	if err != nil {
		return popErr("%v", err)
	}
	if err := pkicrypto.VerifyMessage(pub, sk.Algorithm, data, sk.Signature.RightAlign()); err != nil {
		return popErr("%v", err)
	}
	return nil
}

// poposkInputKey extracts the publicKey of a POPOSigningKeyInput, which
// follows the authInfo choice.
func poposkInputKey(der []byte) ([]byte, error) {
	var input struct {
		AuthInfo  asn1.RawValue
		PublicKey asn1.RawValue
	}
	if _, err := asn1.Unmarshal(der, &input); err != nil {
		return nil, fmt.Errorf("invalid POPOSigningKeyInput: %w", err)
	}
	return input.PublicKey.FullBytes, nil
}

func popErr(format string, args ...any) error {
	return &Error{Op: "pop", Err: fmt.Errorf("%w: "+format, append([]any{ErrBadPOP}, args...)...)}
}
