// Package session keeps track of which browser session is logged in as whom.
// Redis-backed so a restart does not log everybody out; the bearer cache holds
// short-lived issued tokens.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/qrlink-auth/internal/domain"
)

const (
	userKeyPrefix   = "qrlink:session:user:"
	bearerKeyPrefix = "qrlink:bearer:"
)

// Store persists logged-in users per browser session.
type Store struct {
	client    redis.UniversalClient
	ttl       time.Duration
	bearerTTL time.Duration
}

// NewStore wires the redis client with the configured lifetimes.
func NewStore(client redis.UniversalClient, ttl, bearerTTL time.Duration) *Store {
	return &Store{client: client, ttl: ttl, bearerTTL: bearerTTL}
}

// Ping reports whether the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session store ping: %w", err)
	}
	return nil
}

// LoggedIn returns the user bound to the session, or nil when nobody is.
func (s *Store) LoggedIn(ctx context.Context, sessionID string) (*domain.User, error) {
	raw, err := s.client.Get(ctx, userKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session user: %w", err)
	}
	var user domain.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode session user: %w", err)
	}
	return &user, nil
}

// Login binds the user to the session for the configured lifetime.
func (s *Store) Login(ctx context.Context, sessionID string, user *domain.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode session user: %w", err)
	}
	if err := s.client.Set(ctx, userKeyPrefix+sessionID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist session user: %w", err)
	}
	return nil
}

// Logout drops the binding. A missing session is not an error.
func (s *Store) Logout(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, userKeyPrefix+sessionID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete session user: %w", err)
	}
	return nil
}

// CacheBearer remembers an issued bearer token for its short validity window.
func (s *Store) CacheBearer(ctx context.Context, token string, subject string) error {
	if err := s.client.Set(ctx, bearerKeyPrefix+token, subject, s.bearerTTL).Err(); err != nil {
		return fmt.Errorf("cache bearer: %w", err)
	}
	return nil
}

// BearerSubject resolves a cached bearer token to its subject; empty when
// unknown or expired.
func (s *Store) BearerSubject(ctx context.Context, token string) (string, error) {
	subject, err := s.client.Get(ctx, bearerKeyPrefix+token).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load bearer: %w", err)
	}
	return subject, nil
}
