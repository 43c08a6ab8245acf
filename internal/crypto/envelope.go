// Package crypto implements the message envelope exchanged with a node: an
// AES-CBC encrypted payload whose key and IV travel RSA-encrypted alongside it.
// Old client generations encrypted the key material with textbook (unpadded)
// RSA, newer ones use OAEP; decryption transparently recovers from either.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// Reason classifies an envelope failure. BadPadding is the only reason that
// triggers the legacy fallback path; everything else is terminal.
type Reason int

const (
	// BadPadding means a padding check failed: for asymmetric decryption the
	// signal to retry without padding, for symmetric decryption a terminal
	// error for that message.
	BadPadding Reason = iota
	// KeyMismatch covers wrong key or IV sizes and oversized plaintext.
	KeyMismatch
	// IOFailure covers everything else the cipher can throw at us.
	IOFailure
)

func (r Reason) String() string {
	switch r {
	case BadPadding:
		return "bad padding"
	case KeyMismatch:
		return "key mismatch"
	default:
		return "io failure"
	}
}

// Error is the typed failure for all envelope operations.
type Error struct {
	Reason Reason
	msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("crypto: %s: %s", e.Reason, e.msg)
}

func newError(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, msg: fmt.Sprintf(format, args...)}
}

const (
	// KeySize is the AES-256 key length used for the payload.
	KeySize = 32
	// IVSize is the CBC initialization vector length.
	IVSize = 16
)

// EncryptSymmetric encrypts plaintext with AES-256 in CBC mode using PKCS#7
// padding. The key must be 32 bytes and the iv 16.
func EncryptSymmetric(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptSymmetric is the exact inverse of EncryptSymmetric. A padding
// mismatch after decryption reports BadPadding.
func DecryptSymmetric(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, newError(BadPadding, "ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, newError(KeyMismatch, "key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, newError(KeyMismatch, "iv must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newError(IOFailure, "aes: %v", err)
	}
	return block, nil
}

// EncryptAsymmetricPadded encrypts with RSA OAEP (SHA-1, MGF1), the scheme all
// current clients use.
func EncryptAsymmetricPadded(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, newError(KeyMismatch, "oaep encrypt: %v", err)
	}
	return out, nil
}

// EncryptAsymmetricRaw encrypts with textbook RSA, no padding at all. Only
// still around for compatibility with old clients; plaintext must not exceed
// the modulus and output is exactly the modulus length.
func EncryptAsymmetricRaw(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	k := pub.Size()
	if len(plaintext) > k {
		return nil, newError(KeyMismatch, "plaintext of %d bytes exceeds %d-byte modulus", len(plaintext), k)
	}
	m := new(big.Int).SetBytes(plaintext)
	if m.Cmp(pub.N) >= 0 {
		return nil, newError(KeyMismatch, "plaintext value exceeds modulus")
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	return leftPad(c.Bytes(), k), nil
}

// DecryptAsymmetric first attempts OAEP decryption; when that fails on the
// padding check it falls back to raw RSA. Raw RSA loses leading zero bytes of
// the original plaintext (they carry no weight in the modular representation),
// so the recovered value is left-padded with zeros until it reaches
// expectedSize. A successful OAEP decrypt ignores expectedSize entirely.
func DecryptAsymmetric(priv *rsa.PrivateKey, ciphertext []byte, expectedSize int) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha1.New(), nil, priv, ciphertext, nil)
	if err == nil {
		return out, nil
	}
	if err != rsa.ErrDecryption {
		return nil, newError(IOFailure, "oaep decrypt: %v", err)
	}
	// Bad padding, so this was probably produced by an old client that
	// encrypted without padding.
	raw, err := decryptAsymmetricRaw(priv, ciphertext)
	if err != nil {
		return nil, err
	}
	return leftPad(raw, expectedSize), nil
}

// decryptAsymmetricRaw undoes EncryptAsymmetricRaw. The big.Int round-trip
// strips any leading zero bytes of the original plaintext; callers that know
// the target length restore them via leftPad.
func decryptAsymmetricRaw(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(priv.N) >= 0 {
		return nil, newError(KeyMismatch, "ciphertext value exceeds modulus")
	}
	m := new(big.Int).Exp(c, priv.D, priv.N)
	return m.Bytes(), nil
}

func leftPad(input []byte, size int) []byte {
	if len(input) >= size {
		return input
	}
	out := make([]byte, size)
	copy(out[size-len(input):], input)
	return out
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, newError(BadPadding, "padded data length %d invalid", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, newError(BadPadding, "padding byte out of range")
	}
	// constant-time check of the whole padding run
	var bad byte
	for _, b := range data[len(data)-n:] {
		bad |= b ^ byte(n)
	}
	if subtle.ConstantTimeByteEq(bad, 0) != 1 {
		return nil, newError(BadPadding, "inconsistent padding bytes")
	}
	return data[:len(data)-n], nil
}
