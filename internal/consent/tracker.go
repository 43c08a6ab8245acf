// Package consent handles the card-consent leg of a login: sealed consent
// messages go out to each share, answers come back, and a redis-backed
// tracker remembers which step each share has reached.
package consent

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Flag is one bit in a share's message state. Bits are only ever set, never
// cleared; a share that reached "consented" stays consented.
type Flag int64

const (
	FlagSent Flag = iota
	FlagReceived
	FlagConsented
	FlagIgnorable
)

const trackerKeyPrefix = "qrlink:consent:"

// Tracker persists per-share consent progress as redis bitfields.
type Tracker struct {
	client redis.UniversalClient
}

func NewTracker(client redis.UniversalClient) *Tracker {
	return &Tracker{client: client}
}

func trackerKey(shareID string) string {
	return trackerKeyPrefix + shareID
}

// Mark sets the flag for the share.
func (t *Tracker) Mark(ctx context.Context, shareID string, flag Flag) error {
	if err := t.client.SetBit(ctx, trackerKey(shareID), int64(flag), 1).Err(); err != nil {
		return fmt.Errorf("consent mark share %s: %w", shareID, err)
	}
	return nil
}

// Has reports whether the flag is set for the share. A share never written to
// reports false for every flag.
func (t *Tracker) Has(ctx context.Context, shareID string, flag Flag) (bool, error) {
	bit, err := t.client.GetBit(ctx, trackerKey(shareID), int64(flag)).Result()
	if err != nil {
		return false, fmt.Errorf("consent check share %s: %w", shareID, err)
	}
	return bit == 1, nil
}

// Forget drops all state for the share.
func (t *Tracker) Forget(ctx context.Context, shareID string) error {
	if err := t.client.Del(ctx, trackerKey(shareID)).Err(); err != nil {
		return fmt.Errorf("consent forget share %s: %w", shareID, err)
	}
	return nil
}
