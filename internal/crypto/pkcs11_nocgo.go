//go:build !cgo

package crypto

import (
	"crypto"
	"fmt"
	"io"
)

// PKCS11Config holds PKCS#11 configuration.
type PKCS11Config struct {
	ModulePath  string
	TokenLabel  string
	TokenSerial string
	PIN         string
	KeyLabel    string
	KeyID       string
	SlotID      *uint
}

// PKCS11Signer is unavailable without CGO.
type PKCS11Signer struct{}

var _ Signer = (*PKCS11Signer)(nil)

var errNoCGO = fmt.Errorf("HSM support requires CGO (build with CGO_ENABLED=1)")

// NewPKCS11Signer always fails when CGO is not available.
func NewPKCS11Signer(_ PKCS11Config) (*PKCS11Signer, error) {
	return nil, errNoCGO
}

func (s *PKCS11Signer) Algorithm() AlgorithmID { return "" }

func (s *PKCS11Signer) Public() crypto.PublicKey { return nil }

func (s *PKCS11Signer) Sign(_ io.Reader, _ []byte, _ crypto.SignerOpts) ([]byte, error) {
	return nil, errNoCGO
}

func (s *PKCS11Signer) Close() error { return nil }
