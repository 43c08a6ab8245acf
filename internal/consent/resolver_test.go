package consent

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smallbiznis/qrlink-auth/internal/config"
	"github.com/smallbiznis/qrlink-auth/internal/crypto"
	"github.com/smallbiznis/qrlink-auth/internal/domain"
	"github.com/smallbiznis/qrlink-auth/internal/keys"
	"github.com/smallbiznis/qrlink-auth/internal/node"
)

type fakeNode struct {
	connection map[string]any
	shareKeys  map[string]*rsa.PublicKey
	messages   []node.Message
	sent       map[string][]crypto.Envelope
}

func (f *fakeNode) Connection(context.Context, string) (map[string]any, error) {
	return f.connection, nil
}

func (f *fakeNode) SharePublicKey(_ context.Context, shareID string) (*rsa.PublicKey, error) {
	return f.shareKeys[shareID], nil
}

func (f *fakeNode) SendMessage(_ context.Context, shareID string, env crypto.Envelope) error {
	if f.sent == nil {
		f.sent = map[string][]crypto.Envelope{}
	}
	f.sent[shareID] = append(f.sent[shareID], env)
	return nil
}

func (f *fakeNode) Messages(context.Context) ([]node.Message, error) {
	return f.messages, nil
}

func testResolver(t *testing.T, policy config.CardPolicy, fn *fakeNode) (*Resolver, *keys.Material) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	material := &keys.Material{Private: priv, Public: &priv.PublicKey}

	mr := miniredis.RunT(t)
	tracker := NewTracker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := config.Config{CardPolicy: policy, WelcomeMessage: "welcome aboard"}
	return NewResolver(cfg, fn, material, tracker, zaptest.NewLogger(t)), material
}

func answer(t *testing.T, material *keys.Material, shareID, text string) node.Message {
	t.Helper()
	env, err := crypto.Seal(material.Public, []byte(text), true)
	require.NoError(t, err)
	return node.Message{ShareID: shareID, Key: env.Key, IV: env.IV, Message: env.Message}
}

func TestResolveWithoutCardsWaitsForConnection(t *testing.T) {
	fn := &fakeNode{}
	r, _ := testResolver(t, config.CardPolicyNone, fn)
	tmpl := domain.UserTemplate{Subject: "pid-1", Connection: "conn-1"}

	_, err := r.Resolve(context.Background(), tmpl)
	require.ErrorIs(t, err, domain.ErrNotResolvable)

	fn.connection = map[string]any{"state": "connected"}
	user, err := r.Resolve(context.Background(), tmpl)
	require.NoError(t, err)
	require.Equal(t, "pid-1", user.Subject)
}

func TestResolveGreetsEachShareOnce(t *testing.T) {
	shareKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	fn := &fakeNode{
		connection: map[string]any{"shareIds": []any{"share-a"}},
		shareKeys:  map[string]*rsa.PublicKey{"share-a": &shareKey.PublicKey},
	}
	r, _ := testResolver(t, config.CardPolicyWant, fn)
	tmpl := domain.UserTemplate{Subject: "pid-2", Connection: "conn-2"}

	user, err := r.Resolve(context.Background(), tmpl)
	require.NoError(t, err)
	require.Empty(t, user.ShareIDs)
	_, err = r.Resolve(context.Background(), tmpl)
	require.NoError(t, err)

	require.Len(t, fn.sent["share-a"], 1)
	plain, err := crypto.Open(shareKey, fn.sent["share-a"][0])
	require.NoError(t, err)
	require.Equal(t, "welcome aboard", string(plain))
}

func TestResolveRequiresConsentWhenCardMandatory(t *testing.T) {
	shareKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	fn := &fakeNode{
		connection: map[string]any{"shareIds": []any{"share-b"}},
		shareKeys:  map[string]*rsa.PublicKey{"share-b": &shareKey.PublicKey},
	}
	r, material := testResolver(t, config.CardPolicyRequire, fn)
	tmpl := domain.UserTemplate{Subject: "pid-3", Connection: "conn-3"}

	_, err = r.Resolve(context.Background(), tmpl)
	require.ErrorIs(t, err, domain.ErrNotResolvable)

	fn.messages = []node.Message{answer(t, material, "share-b", " Yes \n")}
	user, err := r.Resolve(context.Background(), tmpl)
	require.NoError(t, err)
	require.Equal(t, []string{"share-b"}, user.ShareIDs)
}

func TestResolveIgnoresDeclinesAndForeignMessages(t *testing.T) {
	shareKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	fn := &fakeNode{
		connection: map[string]any{"shareIds": []any{"share-c", "share-d"}},
		shareKeys: map[string]*rsa.PublicKey{
			"share-c": &shareKey.PublicKey,
			"share-d": &shareKey.PublicKey,
		},
	}
	r, material := testResolver(t, config.CardPolicyRequire, fn)
	tmpl := domain.UserTemplate{Subject: "pid-4", Connection: "conn-4"}

	declined := answer(t, material, "share-c", "no")
	garbled := node.Message{
		ShareID: "share-d",
		Key:     base64.StdEncoding.EncodeToString([]byte("not a wrapped key")),
		IV:      base64.StdEncoding.EncodeToString(make([]byte, 16)),
		Message: base64.StdEncoding.EncodeToString([]byte("junk")),
	}
	fn.messages = []node.Message{declined, garbled}

	_, err = r.Resolve(context.Background(), tmpl)
	require.ErrorIs(t, err, domain.ErrNotResolvable)

	for _, shareID := range []string{"share-c", "share-d"} {
		ok, err := r.track.Has(context.Background(), shareID, FlagIgnorable)
		require.NoError(t, err)
		require.True(t, ok, "share %s should be ignorable", shareID)
	}
}

func TestResolveSkipsOwnOutgoingMessages(t *testing.T) {
	shareKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	fn := &fakeNode{
		connection: map[string]any{"shareIds": []any{"share-e"}},
		shareKeys:  map[string]*rsa.PublicKey{"share-e": &shareKey.PublicKey},
		messages:   []node.Message{{ShareID: "share-e", Sender: true}},
	}
	r, _ := testResolver(t, config.CardPolicyRequire, fn)

	_, err = r.Resolve(context.Background(), domain.UserTemplate{Subject: "pid-5", Connection: "conn-5"})
	require.ErrorIs(t, err, domain.ErrNotResolvable)

	ok, err := r.track.Has(context.Background(), "share-e", FlagReceived)
	require.NoError(t, err)
	require.False(t, ok)
}
