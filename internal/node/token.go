package node

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/smallbiznis/qrlink-auth/internal/domain"
)

// TokenRepresentation is what the browser receives when a flow starts: the raw
// token for QR rendering, a deep link for same-device apps, and the event
// stream to watch for the outcome.
type TokenRepresentation struct {
	Token           domain.ConnectToken `json:"connectToken"`
	ConnectURI      string              `json:"connectUri"`
	NotificationURI string              `json:"notificationUri"`
}

// Represent packages a connect token for the browser. The deep link carries
// the token JSON base64url-encoded so apps can consume it without a scan.
func Represent(token domain.ConnectToken, notificationURI string) (TokenRepresentation, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return TokenRepresentation{}, fmt.Errorf("marshal connect token: %w", err)
	}
	connectURI := fmt.Sprintf("%s#%s", token.Target, base64.RawURLEncoding.EncodeToString(raw))
	return TokenRepresentation{
		Token:           token,
		ConnectURI:      connectURI,
		NotificationURI: notificationURI,
	}, nil
}
