// Package node talks to the trusted external device service ("the node") that
// confirms user identities. Every request is signed with the server's node
// key; the node answers with connect tokens, connections, and card messages.
package node

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/qrlink-auth/internal/config"
	"github.com/smallbiznis/qrlink-auth/internal/crypto"
	"github.com/smallbiznis/qrlink-auth/internal/domain"
	"github.com/smallbiznis/qrlink-auth/internal/keys"
)

// CallbackDefinition tells the node how to call us back once the user made a
// connection. The body echoes the original authentication request so no state
// has to be kept node-side.
type CallbackDefinition struct {
	URI    string `json:"uri"`
	Method string `json:"method"`
	Type   string `json:"type"`
	Body   []byte `json:"body,omitempty"`
}

// Message is one card message as listed by the node.
type Message struct {
	ShareID   string `json:"shareId"`
	MessageID string `json:"messageId"`
	Sender    bool   `json:"sender"`
	Key       string `json:"key"`
	IV        string `json:"iv"`
	Message   string `json:"message"`
}

// Envelope extracts the crypto envelope from the message.
func (m Message) Envelope() crypto.Envelope {
	return crypto.Envelope{Key: m.Key, IV: m.IV, Message: m.Message}
}

// Client is the signed HTTP client for the node API.
type Client struct {
	cfg    config.Config
	keys   *keys.Material
	http   *http.Client
	logger *zap.Logger

	cardMu    sync.Mutex
	cardShare map[string]any
}

// NewClient wires the node client. The http client may be nil, in which case
// a default with a sane timeout is used.
func NewClient(cfg config.Config, material *keys.Material, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Client{cfg: cfg, keys: material, http: httpClient, logger: logger}
}

// RegisterCallback registers the callback definition (together with the
// card-share data when cards are in play) and returns the connect token the
// node minted for it. Registering is always the first interaction of a flow.
func (c *Client) RegisterCallback(ctx context.Context, cb CallbackDefinition) (*domain.ConnectToken, error) {
	data, err := c.cardShareData(ctx)
	if err != nil {
		// a failed card message lookup downgrades the flow to login-only
		c.logger.Error("card share data unavailable, continuing without", zap.Error(err))
		data = map[string]any{}
	}
	data["callback"] = cb

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal callback registration: %w", err)
	}

	var token domain.ConnectToken
	if err := c.post(ctx, c.cfg.NodeEndpoint+"/connect_tokens", body, &token); err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return &token, nil
}

// cardShareData fetches the card message once and caches it; it never changes
// for the lifetime of the process.
func (c *Client) cardShareData(ctx context.Context) (map[string]any, error) {
	c.cardMu.Lock()
	defer c.cardMu.Unlock()
	if c.cardShare != nil {
		return copyMap(c.cardShare), nil
	}
	if c.cfg.CardMessageEndpoint == "" {
		c.logger.Debug("no card message endpoint set, only logging in")
		c.cardShare = map[string]any{}
		return map[string]any{}, nil
	}

	oneWay := c.cfg.CardPolicy == config.CardPolicyNone
	uri := c.cfg.CardMessageEndpoint + "/cardowner/cardmsg?oneWay=" + strconv.FormatBool(oneWay)
	var data map[string]any
	if err := c.get(ctx, uri, &data); err != nil {
		return nil, err
	}
	c.cardShare = data
	return copyMap(data), nil
}

// SharePublicKey fetches the RSA public key for a share, used to seal consent
// envelopes for that counterpart.
func (c *Client) SharePublicKey(ctx context.Context, shareID string) (*rsa.PublicKey, error) {
	// the cache buster changes every ~16 minutes, letting intermediaries
	// cache the key for about that long
	uri := fmt.Sprintf("%s/cardowner/messages/key/%s?%d",
		c.cfg.NodeEndpoint, shareID, time.Now().UnixMilli()/1_000_000)

	var b64 string
	if err := c.get(ctx, uri, &b64); err != nil {
		return nil, err
	}
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode share key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse share key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("share key is not RSA")
	}
	return pub, nil
}

// SendMessage posts a sealed consent message for the share.
func (c *Client) SendMessage(ctx context.Context, shareID string, env crypto.Envelope) error {
	payload, err := json.Marshal(map[string]any{
		"shareId": shareID,
		"key":     env.Key,
		"iv":      env.IV,
		"message": env.Message,
	})
	if err != nil {
		return fmt.Errorf("marshal consent message: %w", err)
	}
	if err := c.post(ctx, c.cfg.NodeEndpoint+"/cardowner/messages/", payload, nil); err != nil {
		return fmt.Errorf("send consent message: %w", err)
	}
	return nil
}

// Messages lists the pending card messages.
func (c *Client) Messages(ctx context.Context) ([]Message, error) {
	uri := fmt.Sprintf("%s/cardowner/messages/?%d", c.cfg.NodeEndpoint, time.Now().UnixMilli())
	var out []Message
	if err := c.get(ctx, uri, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Connection fetches the connection resource the callback referenced. A nil
// result without error means the connection does not (yet) exist.
func (c *Client) Connection(ctx context.Context, reference string) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, c.cfg.NodeEndpoint+"/connections/"+reference, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, uri string, out any) error {
	return c.do(ctx, http.MethodGet, uri, nil, out)
}

func (c *Client) post(ctx context.Context, uri string, body []byte, out any) error {
	return c.do(ctx, http.MethodPost, uri, body, out)
}

func (c *Client) do(ctx context.Context, method, uri string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	auth, err := c.keys.AuthHeader(c.cfg.NodeID, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if c.cfg.NodePassword != "" {
		req.Header.Set("password", c.cfg.NodePassword)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("node request %s %s: %w", method, uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("node request %s %s: unexpected status %d", method, uri, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode node response: %w", err)
	}
	return nil
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
