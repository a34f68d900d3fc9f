package cms

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// MarshalAsymmetricKeyPackage encodes
//
//	AsymmetricKeyPackage ::= SEQUENCE SIZE (1..MAX) OF OneAsymmetricKey
//
// from PKCS#8 / OneAsymmetricKey encodings.
func MarshalAsymmetricKeyPackage(keys ...[]byte) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("key package must contain at least one key")
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, k := range keys {
			b.AddBytes(k)
		}
	})
	return b.Bytes()
}

// ParseAsymmetricKeyPackage returns the OneAsymmetricKey encodings of a key
// package.
func ParseAsymmetricKeyPackage(der []byte) ([][]byte, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: AsymmetricKeyPackage", ErrMalformed)
	}
	var keys [][]byte
	for !seq.Empty() {
		var k cryptobyte.String
		if !seq.ReadASN1Element(&k, cbasn1.SEQUENCE) {
			return nil, fmt.Errorf("%w: OneAsymmetricKey", ErrMalformed)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty AsymmetricKeyPackage", ErrMalformed)
	}
	return keys, nil
}
