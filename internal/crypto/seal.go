package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
)

// Envelope is the wire form of an encrypted message: the AES key and IV travel
// RSA-encrypted next to the CBC-encrypted payload, all base64.
type Envelope struct {
	Key     string `json:"key"`
	IV      string `json:"iv"`
	Message string `json:"message"`
}

// Seal encrypts payload under a fresh AES-256 key and wraps key and IV with
// the recipient's RSA public key. Raw (unpadded) wrapping is kept selectable
// until every client generation understands OAEP.
func Seal(pub *rsa.PublicKey, payload []byte, padded bool) (Envelope, error) {
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	if _, err := rand.Read(key); err != nil {
		return Envelope{}, newError(IOFailure, "read random: %v", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, newError(IOFailure, "read random: %v", err)
	}

	message, err := EncryptSymmetric(payload, key, iv)
	if err != nil {
		return Envelope{}, err
	}

	wrap := EncryptAsymmetricRaw
	if padded {
		wrap = EncryptAsymmetricPadded
	}
	wrappedKey, err := wrap(pub, key)
	if err != nil {
		return Envelope{}, err
	}
	wrappedIV, err := wrap(pub, iv)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Key:     base64.StdEncoding.EncodeToString(wrappedKey),
		IV:      base64.StdEncoding.EncodeToString(wrappedIV),
		Message: base64.StdEncoding.EncodeToString(message),
	}, nil
}

// Open decrypts an envelope regardless of which wrapping scheme the sender
// used. Malformed input is terminal for that message; there is nothing to
// retry.
func Open(priv *rsa.PrivateKey, env Envelope) ([]byte, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return nil, newError(IOFailure, "decode key: %v", err)
	}
	wrappedIV, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, newError(IOFailure, "decode iv: %v", err)
	}
	message, err := base64.StdEncoding.DecodeString(env.Message)
	if err != nil {
		return nil, newError(IOFailure, "decode message: %v", err)
	}

	key, err := DecryptAsymmetric(priv, wrappedKey, KeySize)
	if err != nil {
		return nil, err
	}
	iv, err := DecryptAsymmetric(priv, wrappedIV, IVSize)
	if err != nil {
		return nil, err
	}
	return DecryptSymmetric(message, key, iv)
}
