// Package keys loads the node's RSA key material and signs node API requests
// with it. Two file formats are supported: a JWK (preferred) and a JSON
// secrets file with base64 PKCS#8 / X.509 blobs left over from older
// deployments.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Material holds the node keypair. Loading failures abort startup; there is no
// per-request recovery from missing key material.
type Material struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

type secretsFile struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// Load reads key material from path. The file is tried as a JWK first, then as
// a legacy secrets file.
func Load(path string) (*Material, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key material: %w", err)
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err == nil {
		priv, ok := jwk.Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key material: JWK is not an RSA private key")
		}
		return &Material{Private: priv, Public: &priv.PublicKey}, nil
	}

	var secrets secretsFile
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("key material %s is neither JWK nor secrets file: %w", path, err)
	}
	return fromSecrets(secrets)
}

func fromSecrets(secrets secretsFile) (*Material, error) {
	privBytes, err := base64.StdEncoding.DecodeString(secrets.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}

	pub := &priv.PublicKey
	if secrets.PublicKey != "" {
		pubBytes, err := base64.StdEncoding.DecodeString(secrets.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		parsedPub, err := x509.ParsePKIXPublicKey(pubBytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok = parsedPub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &Material{Private: priv, Public: pub}, nil
}

// Sign produces a SHA256withRSA signature over the concatenation of parts.
func (m *Material) Sign(parts ...[]byte) ([]byte, error) {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.Private, crypto.SHA256, h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// AuthHeader builds the authorization header the node API expects: the node id
// and a millisecond nonce, signed together with the request body.
func (m *Material) AuthHeader(nodeID string, data []byte) (string, error) {
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := m.Sign([]byte(nodeID), []byte(nonce), data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("QTF %s %s:%s", nodeID, nonce, base64.StdEncoding.EncodeToString(sig)), nil
}
