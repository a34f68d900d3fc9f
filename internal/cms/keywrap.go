package cms

import (
	"crypto/aes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var keyWrapIV = []byte{0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6}

// errKeyUnwrap is returned when the wrapped key fails its integrity check.
var errKeyUnwrap = errors.New("key unwrap integrity check failed")

// aesKeyWrap implements RFC 3394 AES Key Wrap.
func aesKeyWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext) < 16 || len(plaintext)%8 != 0 {
		return nil, fmt.Errorf("invalid key length %d for key wrap", len(plaintext))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(plaintext) / 8
	a := make([]byte, 8)
	copy(a, keyWrapIV)
	r := make([]byte, len(plaintext))
	copy(r, plaintext)

	buf := make([]byte, 16)
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a)
			copy(buf[8:], r[8*(i-1):8*i])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(a, binary.BigEndian.Uint64(buf[:8])^t)
			copy(r[8*(i-1):8*i], buf[8:])
		}
	}
	return append(a, r...), nil
}

// aesKeyUnwrap implements RFC 3394 AES Key Unwrap.
func aesKeyUnwrap(kek, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 || len(ciphertext)%8 != 0 {
		return nil, fmt.Errorf("invalid wrapped key length %d", len(ciphertext))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(ciphertext)/8 - 1
	a := make([]byte, 8)
	copy(a, ciphertext[:8])
	r := make([]byte, n*8)
	copy(r, ciphertext[8:])

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(buf[:8], binary.BigEndian.Uint64(a)^t)
			copy(buf[8:], r[8*(i-1):8*i])
			block.Decrypt(buf, buf)
			copy(a, buf[:8])
			copy(r[8*(i-1):8*i], buf[8:])
		}
	}
	if subtle.ConstantTimeCompare(a, keyWrapIV) != 1 {
		return nil, errKeyUnwrap
	}
	return r, nil
}

// x963KDF implements the ANSI X9.63 KDF with SHA-256 (RFC 5753 Section 7.2).
func x963KDF(sharedSecret []byte, keySize int, sharedInfo []byte) []byte {
	var out []byte
	counter := make([]byte, 4)
	for i := uint32(1); len(out) < keySize; i++ {
		binary.BigEndian.PutUint32(counter, i)
		h := sha256.New()
		h.Write(sharedSecret)
		h.Write(counter)
		h.Write(sharedInfo)
		out = h.Sum(out)
	}
	return out[:keySize]
}

// hkdfSHA256 derives a KEK from a KEM shared secret with an empty salt.
func hkdfSHA256(sharedSecret []byte, keySize int, info []byte) ([]byte, error) {
	kek := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, info), kek); err != nil {
		return nil, err
	}
	return kek, nil
}
