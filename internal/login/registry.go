// Package login tracks which browser session is waiting for which node
// callback. The registry is in-memory on purpose: a pending login only makes
// sense on the instance that served the QR code.
package login

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/qrlink-auth/internal/domain"
)

// Registry maps one-time login identifiers to pending logins. All operations
// are safe for use from concurrent request handlers and retry workers.
type Registry struct {
	mu      sync.Mutex
	pending map[string]domain.PendingLogin
	logger  *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	return &Registry{
		pending: make(map[string]domain.PendingLogin),
		logger:  logger,
	}
}

// Create mints a fresh login identifier for the session and registers it.
// Identifier collisions are checked against the live set and regenerated.
func (r *Registry) Create(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = newIdentifier()
		if _, taken := r.pending[id]; !taken {
			break
		}
	}
	r.pending[id] = domain.PendingLogin{
		ID:        id,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	r.logger.Debug("pending login registered", zap.String("login_id", id))
	return id
}

// Get looks the pending login up without consuming it, so a retry loop can
// poll the same entry repeatedly. The second return is false for unknown or
// already completed identifiers.
func (r *Registry) Get(id string) (domain.PendingLogin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	return p, ok
}

// Complete removes the entry and returns it, atomically. Exactly one caller
// wins for a given identifier; this is the at-most-once delivery guard.
func (r *Registry) Complete(id string) (domain.PendingLogin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return p, ok
}

// Remove drops the entry if present. Removing an absent identifier is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// Len reports the number of pending logins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// newIdentifier renders 32 random bytes in base36. The conversion drops
// leading zero bytes, which is fine for an opaque identifier; the entropy
// stays far above 128 bits either way.
func newIdentifier() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return new(big.Int).SetBytes(buf).Text(36)
}
