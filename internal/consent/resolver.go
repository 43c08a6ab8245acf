package consent

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/smallbiznis/qrlink-auth/internal/config"
	"github.com/smallbiznis/qrlink-auth/internal/crypto"
	"github.com/smallbiznis/qrlink-auth/internal/domain"
	"github.com/smallbiznis/qrlink-auth/internal/keys"
	"github.com/smallbiznis/qrlink-auth/internal/node"
)

// affirmatives are the answers counted as consent, lowercased and trimmed.
var affirmatives = map[string]struct{}{
	"yes": {},
	"ok":  {},
	"ja":  {},
}

// NodeAPI is the slice of the node client the resolver needs.
type NodeAPI interface {
	Connection(ctx context.Context, reference string) (map[string]any, error)
	SharePublicKey(ctx context.Context, shareID string) (*rsa.PublicKey, error)
	SendMessage(ctx context.Context, shareID string, env crypto.Envelope) error
	Messages(ctx context.Context) ([]node.Message, error)
}

// Resolver turns a callback template into a resolved user. Resolution is
// incremental: each call makes whatever progress it can (greeting shares,
// reading answers) and either returns the user or ErrNotResolvable so the
// caller polls again.
type Resolver struct {
	cfg    config.Config
	node   NodeAPI
	keys   *keys.Material
	track  *Tracker
	logger *zap.Logger
}

func NewResolver(cfg config.Config, api NodeAPI, material *keys.Material, tracker *Tracker, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.L()
	}
	return &Resolver{cfg: cfg, node: api, keys: material, track: tracker, logger: logger}
}

// Resolve attempts to identify the user behind the template.
func (r *Resolver) Resolve(ctx context.Context, tmpl domain.UserTemplate) (*domain.User, error) {
	conn, err := r.node.Connection(ctx, tmpl.Connection)
	if err != nil {
		return nil, fmt.Errorf("fetch connection: %w", err)
	}
	if len(conn) == 0 {
		return nil, domain.ErrNotResolvable
	}

	if r.cfg.CardPolicy == config.CardPolicyNone {
		return &domain.User{Subject: tmpl.Subject}, nil
	}

	shares := shareIDs(conn)
	if len(shares) == 0 {
		return nil, domain.ErrNotResolvable
	}

	if err := r.greetShares(ctx, shares); err != nil {
		return nil, err
	}
	if err := r.readAnswers(ctx); err != nil {
		return nil, err
	}

	var consented []string
	for _, shareID := range shares {
		ok, err := r.track.Has(ctx, shareID, FlagConsented)
		if err != nil {
			return nil, err
		}
		if ok {
			consented = append(consented, shareID)
		}
	}

	if r.cfg.CardPolicy == config.CardPolicyRequire && len(consented) == 0 {
		return nil, domain.ErrNotResolvable
	}
	return &domain.User{Subject: tmpl.Subject, ShareIDs: consented}, nil
}

// greetShares sends the sealed welcome message to every share that has not
// been greeted yet.
func (r *Resolver) greetShares(ctx context.Context, shares []string) error {
	for _, shareID := range shares {
		sent, err := r.track.Has(ctx, shareID, FlagSent)
		if err != nil {
			return err
		}
		if sent {
			continue
		}

		pub, err := r.node.SharePublicKey(ctx, shareID)
		if err != nil {
			return fmt.Errorf("greet share %s: %w", shareID, err)
		}
		env, err := crypto.Seal(pub, []byte(r.cfg.WelcomeMessage), true)
		if err != nil {
			return fmt.Errorf("seal greeting for share %s: %w", shareID, err)
		}
		if err := r.node.SendMessage(ctx, shareID, env); err != nil {
			return err
		}
		if err := r.track.Mark(ctx, shareID, FlagSent); err != nil {
			return err
		}
		r.logger.Info("greeted share", zap.String("shareId", shareID))
	}
	return nil
}

// readAnswers walks the pending messages and records consent decisions. A
// message that cannot be opened with our key was meant for someone else and
// is marked ignorable; truly broken envelopes are ignorable too.
func (r *Resolver) readAnswers(ctx context.Context) error {
	msgs, err := r.node.Messages(ctx)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range msgs {
		if msg.Sender {
			continue
		}
		received, err := r.track.Has(ctx, msg.ShareID, FlagReceived)
		if err != nil {
			return err
		}
		if received {
			continue
		}
		if err := r.track.Mark(ctx, msg.ShareID, FlagReceived); err != nil {
			return err
		}

		plain, err := crypto.Open(r.keys.Private, msg.Envelope())
		if err != nil {
			var cerr *crypto.Error
			if errors.As(err, &cerr) {
				r.logger.Debug("unreadable message, ignoring",
					zap.String("shareId", msg.ShareID), zap.Error(err))
				if err := r.track.Mark(ctx, msg.ShareID, FlagIgnorable); err != nil {
					return err
				}
				continue
			}
			return err
		}

		answer := strings.ToLower(strings.TrimSpace(string(plain)))
		if _, ok := affirmatives[answer]; ok {
			if err := r.track.Mark(ctx, msg.ShareID, FlagConsented); err != nil {
				return err
			}
			r.logger.Info("share consented", zap.String("shareId", msg.ShareID))
		} else {
			if err := r.track.Mark(ctx, msg.ShareID, FlagIgnorable); err != nil {
				return err
			}
		}
	}
	return nil
}

// shareIDs pulls the share references out of a raw connection document.
func shareIDs(conn map[string]any) []string {
	raw, ok := conn["shareIds"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
