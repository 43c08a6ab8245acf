package domain

import "time"

// PendingLogin associates a one-time login identifier with the browser session
// that is waiting for the node to call back. Entries are only ever inserted and
// removed, never mutated.
type PendingLogin struct {
	ID        string
	SessionID string
	CreatedAt time.Time
}

// CallbackInput is what the node posts back once the user scanned the code and
// a persistent connection was established.
type CallbackInput struct {
	PID        string `json:"pid"`
	Connection string `json:"connection"`
	Body       []byte `json:"body,omitempty"`
}

// UserTemplate carries the identity-linking data from a callback; the resolver
// fills it in with the actual user once the connection can be inspected.
type UserTemplate struct {
	Subject    string
	Connection string
}

// TemplateFromCallback derives the resolver input from a node callback.
func TemplateFromCallback(in CallbackInput) UserTemplate {
	return UserTemplate{Subject: in.PID, Connection: in.Connection}
}

// User is a resolved identity. Cards may add claims later; for the handshake
// only the subject matters.
type User struct {
	Subject  string            `json:"subject"`
	ShareIDs []string          `json:"shareIds,omitempty"`
	Claims   map[string]string `json:"claims,omitempty"`
	LoggedIn time.Time         `json:"loggedIn"`
}

// ConnectToken is the opaque payload rendered into the QR code / deep link.
// Its fields come from the node verbatim; we never interpret them.
type ConnectToken struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret,omitempty"`
	Target     string `json:"target"`
	TmpSecret  string `json:"tmpSecret,omitempty"`
}
