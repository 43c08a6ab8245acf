package node

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smallbiznis/qrlink-auth/internal/config"
	"github.com/smallbiznis/qrlink-auth/internal/domain"
	"github.com/smallbiznis/qrlink-auth/internal/keys"
)

func testMaterial(t *testing.T) *keys.Material {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]string{
		"privateKey": base64.StdEncoding.EncodeToString(privDER),
		"publicKey":  base64.StdEncoding.EncodeToString(pubDER),
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.secrets")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	material, err := keys.Load(path)
	require.NoError(t, err)
	return material
}

func testClient(t *testing.T, srv *httptest.Server, policy config.CardPolicy) *Client {
	t.Helper()
	cfg := config.Config{
		NodeID:              "node-1",
		NodeEndpoint:        srv.URL,
		NodePassword:        "hunter2",
		CardMessageEndpoint: srv.URL,
		CardPolicy:          policy,
	}
	logger := zaptest.NewLogger(t)
	return NewClient(cfg, testMaterial(t), srv.Client(), logger)
}

func TestRegisterCallbackSignsAndReturnsToken(t *testing.T) {
	var seenAuth, seenPassword string
	var seenBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/cardowner/cardmsg"):
			require.Equal(t, "true", r.URL.Query().Get("oneWay"))
			json.NewEncoder(w).Encode(map[string]any{"title": "welcome"})
		case r.URL.Path == "/connect_tokens":
			seenAuth = r.Header.Get("Authorization")
			seenPassword = r.Header.Get("password")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&seenBody))
			json.NewEncoder(w).Encode(map[string]string{
				"identifier": "tok-1",
				"target":     "https://node.example/connect",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv, config.CardPolicyNone)
	token, err := c.RegisterCallback(context.Background(), CallbackDefinition{
		URI:    "https://op.example/qr/callback/abc",
		Method: http.MethodPost,
		Type:   "json",
	})
	require.NoError(t, err)
	require.Equal(t, "tok-1", token.Identifier)

	require.True(t, strings.HasPrefix(seenAuth, "QTF node-1 "))
	require.Equal(t, "hunter2", seenPassword)
	require.Equal(t, "welcome", seenBody["title"])
	require.NotNil(t, seenBody["callback"])
}

func TestRegisterCallbackSurvivesCardMessageOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/cardowner/cardmsg") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"identifier": "tok-2", "target": "t"})
	}))
	defer srv.Close()

	c := testClient(t, srv, config.CardPolicyNone)
	token, err := c.RegisterCallback(context.Background(), CallbackDefinition{URI: "u", Method: "POST", Type: "json"})
	require.NoError(t, err)
	require.Equal(t, "tok-2", token.Identifier)
}

func TestSharePublicKeyRoundTrip(t *testing.T) {
	shareKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&shareKey.PublicKey)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/cardowner/messages/key/share-9"))
		json.NewEncoder(w).Encode(base64.StdEncoding.EncodeToString(der))
	}))
	defer srv.Close()

	c := testClient(t, srv, config.CardPolicyWant)
	pub, err := c.SharePublicKey(context.Background(), "share-9")
	require.NoError(t, err)
	require.Equal(t, shareKey.PublicKey.N, pub.N)
}

func TestRepresentEncodesDeepLink(t *testing.T) {
	token := domain.ConnectToken{Identifier: "tok-3", Target: "https://node.example/connect"}
	rep, err := Represent(token, "https://op.example/qr/watch/abc")
	require.NoError(t, err)
	require.Equal(t, "https://op.example/qr/watch/abc", rep.NotificationURI)

	parts := strings.SplitN(rep.ConnectURI, "#", 2)
	require.Len(t, parts, 2)
	require.Equal(t, "https://node.example/connect", parts[0])

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "tok-3", decoded["identifier"])
}
