// Package service orchestrates the login flow: it hands out connect tokens,
// receives node callbacks, drives user resolution with a bounded retry
// budget, and pushes the outcome onto the browser's event stream.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/qrlink-auth/internal/config"
	"github.com/smallbiznis/qrlink-auth/internal/domain"
	"github.com/smallbiznis/qrlink-auth/internal/login"
	"github.com/smallbiznis/qrlink-auth/internal/node"
	"github.com/smallbiznis/qrlink-auth/internal/stream"
)

// Registrar registers a callback with the node and returns its connect token.
type Registrar interface {
	RegisterCallback(ctx context.Context, cb node.CallbackDefinition) (*domain.ConnectToken, error)
}

// UserResolver identifies the user behind a callback. ErrNotResolvable means
// try again later; any other error counts against the retry budget too.
type UserResolver interface {
	Resolve(ctx context.Context, tmpl domain.UserTemplate) (*domain.User, error)
}

// SessionWriter persists a resolved login against the browser session and
// caches the bearer token minted for it.
type SessionWriter interface {
	Login(ctx context.Context, sessionID string, user *domain.User) error
	CacheBearer(ctx context.Context, token string, subject string) error
}

// Flow is the login flow controller.
type Flow struct {
	cfg      config.Config
	registry *login.Registry
	hub      *stream.Hub
	node     Registrar
	resolver UserResolver
	sessions SessionWriter
	logger   *zap.Logger
	tracer   trace.Tracer

	// workers caps how many resolution retry loops run at once; a slot is
	// held for the whole life of a loop, not per attempt.
	workers chan struct{}
	wg      sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewFlow wires the controller. Call Close to drain in-flight retry loops.
func NewFlow(cfg config.Config, registry *login.Registry, hub *stream.Hub, registrar Registrar,
	resolver UserResolver, sessions SessionWriter, logger *zap.Logger) *Flow {
	if logger == nil {
		logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		node:     registrar,
		resolver: resolver,
		sessions: sessions,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/qrlink-auth/internal/service"),
		workers:  make(chan struct{}, cfg.RetryWorkers),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Close stops all retry loops and waits for them to finish.
func (f *Flow) Close() {
	f.stop()
	f.wg.Wait()
}

// CallbackURI is where the node reports a finished connection for the login.
func (f *Flow) CallbackURI(loginID string) string {
	return f.cfg.BaseURI + "/qr/callback/" + loginID
}

// NotificationURI is where the browser listens for the outcome of the login.
func (f *Flow) NotificationURI(loginID string) string {
	return f.cfg.BaseURI + "/qr/watch/" + loginID
}

// Start begins a login flow for the session: it registers a pending login,
// asks the node for a connect token tied to our callback, and returns the
// representation the browser renders.
func (f *Flow) Start(ctx context.Context, sessionID string) (node.TokenRepresentation, error) {
	ctx, span := f.tracer.Start(ctx, "flow.start")
	defer span.End()

	loginID := f.registry.Create(sessionID)

	token, err := f.node.RegisterCallback(ctx, node.CallbackDefinition{
		URI:    f.CallbackURI(loginID),
		Method: http.MethodPost,
		Type:   "json",
	})
	if err != nil {
		f.registry.Remove(loginID)
		span.RecordError(err)
		return node.TokenRepresentation{}, fmt.Errorf("start login flow: %w", err)
	}

	rep, err := node.Represent(*token, f.NotificationURI(loginID))
	if err != nil {
		f.registry.Remove(loginID)
		return node.TokenRepresentation{}, err
	}
	f.logger.Info("login flow started",
		zap.String("login_id", loginID), zap.String("token", token.Identifier))
	return rep, nil
}

// Callback handles the node's report that a connection exists for the login.
// Resolution is attempted once inline; when the user is not identifiable yet
// the work moves to a background retry loop and the call returns immediately.
func (f *Flow) Callback(ctx context.Context, loginID string, in domain.CallbackInput) error {
	ctx, span := f.tracer.Start(ctx, "flow.callback")
	defer span.End()

	if _, ok := f.registry.Get(loginID); !ok {
		// late or duplicate callback, the attempt is already settled
		return domain.ErrLoginNotFound
	}

	tmpl := domain.TemplateFromCallback(in)
	user, err := f.resolver.Resolve(ctx, tmpl)
	if err == nil {
		f.finish(ctx, loginID, user)
		return nil
	}
	if !errors.Is(err, domain.ErrNotResolvable) {
		f.logger.Warn("first resolution attempt failed, retrying in background",
			zap.String("login_id", loginID), zap.Error(err))
	}

	f.wg.Add(1)
	go f.retry(loginID, tmpl)
	return nil
}

// retry polls the resolver on a fixed interval until the user is identified,
// the budget runs out, or the pending login disappears because another path
// settled it.
func (f *Flow) retry(loginID string, tmpl domain.UserTemplate) {
	defer f.wg.Done()

	select {
	case f.workers <- struct{}{}:
		defer func() { <-f.workers }()
	case <-f.baseCtx.Done():
		return
	}

	ticker := time.NewTicker(f.cfg.RetryInterval)
	defer ticker.Stop()

	budget := f.cfg.RetryAttempts()
	for attempt := 1; attempt <= budget; attempt++ {
		select {
		case <-f.baseCtx.Done():
			return
		case <-ticker.C:
		}

		if _, ok := f.registry.Get(loginID); !ok {
			return
		}

		user, err := f.resolver.Resolve(f.baseCtx, tmpl)
		if err == nil {
			f.finish(f.baseCtx, loginID, user)
			return
		}
		if !errors.Is(err, domain.ErrNotResolvable) {
			f.logger.Debug("resolution attempt failed",
				zap.String("login_id", loginID), zap.Int("attempt", attempt), zap.Error(err))
		}
	}

	f.logger.Info("resolution budget exhausted",
		zap.String("login_id", loginID), zap.Int("attempts", budget))
	if f.cfg.ErrorOnExhausted() {
		if _, ok := f.registry.Complete(loginID); ok {
			f.hub.Send(loginID, "error", map[string]string{
				"error": "login could not be completed",
			})
			f.hub.Remove(loginID)
			f.logger.Info("audit",
				zap.String("event", "login_failed"),
				zap.String("login_id", loginID),
				zap.Int("attempts", budget))
		}
	}
	// card flows stay pending silently; the user may still answer the
	// consent question long after the poll budget, and the registry entry
	// falls away with the stream's ttl
}

// loggedInEvent is the payload of the "loggedIn" stream event. The bearer
// token lets the client call authenticated endpoints right away.
type loggedInEvent struct {
	User   *domain.User `json:"user"`
	Bearer string       `json:"bearer,omitempty"`
}

// finish settles the login exactly once: the registry entry is consumed
// atomically, the session is marked logged in, a bearer token is minted, and
// the waiting browser gets its event.
func (f *Flow) finish(ctx context.Context, loginID string, user *domain.User) {
	pending, ok := f.registry.Complete(loginID)
	if !ok {
		return
	}
	user.LoggedIn = time.Now()

	if err := f.sessions.Login(ctx, pending.SessionID, user); err != nil {
		f.logger.Error("persisting login failed",
			zap.String("login_id", loginID), zap.Error(err))
	}

	bearer := uuid.NewString()
	if err := f.sessions.CacheBearer(ctx, bearer, user.Subject); err != nil {
		f.logger.Error("caching bearer failed",
			zap.String("login_id", loginID), zap.Error(err))
		bearer = ""
	}

	delivered := f.hub.Send(loginID, "loggedIn", loggedInEvent{User: user, Bearer: bearer})
	f.hub.Remove(loginID)
	f.logger.Info("audit",
		zap.String("event", "login_success"),
		zap.String("login_id", loginID),
		zap.String("subject", user.Subject),
		zap.Bool("delivered", delivered))
}

// Healthy exercises the URI construction with a fixed identifier so a probe
// can tell a misconfigured base URI from a live one.
func (f *Flow) Healthy() error {
	const probe = "healthcheck"
	for _, uri := range []string{f.CallbackURI(probe), f.NotificationURI(probe)} {
		if !strings.Contains(uri, probe) || !strings.HasPrefix(uri, f.cfg.BaseURI) {
			return fmt.Errorf("malformed flow uri %q", uri)
		}
	}
	return nil
}
