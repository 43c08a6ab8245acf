package handler_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	urlpkg "net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smallbiznis/qrlink-auth/internal/config"
	"github.com/smallbiznis/qrlink-auth/internal/domain"
	httptransport "github.com/smallbiznis/qrlink-auth/internal/http"
	httpHandler "github.com/smallbiznis/qrlink-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/qrlink-auth/internal/http/middleware"
	"github.com/smallbiznis/qrlink-auth/internal/login"
	"github.com/smallbiznis/qrlink-auth/internal/node"
	"github.com/smallbiznis/qrlink-auth/internal/service"
	"github.com/smallbiznis/qrlink-auth/internal/session"
	"github.com/smallbiznis/qrlink-auth/internal/stream"
)

type stubRegistrar struct{}

func (stubRegistrar) RegisterCallback(context.Context, node.CallbackDefinition) (*domain.ConnectToken, error) {
	return &domain.ConnectToken{Identifier: "tok", Target: "https://node.example/connect"}, nil
}

type stubResolver struct{ user *domain.User }

func (s stubResolver) Resolve(context.Context, domain.UserTemplate) (*domain.User, error) {
	if s.user == nil {
		return nil, domain.ErrNotResolvable
	}
	u := *s.user
	return &u, nil
}

type env struct {
	server   *httptest.Server
	client   *http.Client
	sessions *session.Store
	hub      *stream.Hub
	flow     *service.Flow
}

func newEnv(t *testing.T, resolver service.UserResolver) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	cfg := config.Config{
		Environment:        "development",
		ServiceName:        "qrlink-auth-test",
		BaseURI:            "https://op.example",
		CardPolicy:         config.CardPolicyNone,
		RetryInterval:      time.Millisecond,
		ShortRetryAttempts: 5,
		LongRetryAttempts:  5,
		RetryWorkers:       2,
		SessionTTL:         time.Hour,
		BearerTTL:          time.Minute,
	}

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := session.NewStore(redisClient, cfg.SessionTTL, cfg.BearerTTL)

	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := login.NewRegistry(logger)
	hub := stream.NewHub(100, time.Minute, time.Second, ids, logger)

	flow := service.NewFlow(cfg, registry, hub, stubRegistrar{}, resolver, sessions, logger)
	t.Cleanup(flow.Close)

	flowHandler := httpHandler.NewFlowHandler(flow, hub, sessions, logger)
	authMiddleware := &httpmiddleware.Auth{Sessions: sessions}
	engine := httptransport.NewRouter(cfg, flowHandler, authMiddleware, nil)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &env{
		server:   srv,
		client:   &http.Client{Jar: jar},
		sessions: sessions,
		hub:      hub,
		flow:     flow,
	}
}

func (e *env) startFlow(t *testing.T) node.TokenRepresentation {
	t.Helper()
	resp, err := e.client.Post(e.server.URL+"/qr/login", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep node.TokenRepresentation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	return rep
}

func loginIDFrom(t *testing.T, rep node.TokenRepresentation) string {
	t.Helper()
	idx := strings.LastIndex(rep.NotificationURI, "/")
	require.GreaterOrEqual(t, idx, 0)
	return rep.NotificationURI[idx+1:]
}

func TestStartSetsSessionAndReturnsToken(t *testing.T) {
	e := newEnv(t, stubResolver{})
	rep := e.startFlow(t)

	require.Equal(t, "tok", rep.Token.Identifier)
	require.Contains(t, rep.ConnectURI, "https://node.example/connect#")
	require.Contains(t, rep.NotificationURI, "https://op.example/qr/watch/")

	srvURL := mustParse(t, e.server.URL)
	var found bool
	for _, c := range e.client.Jar.Cookies(srvURL) {
		if c.Name == "qrlink_session" {
			found = true
		}
	}
	require.True(t, found, "session cookie not set")
}

func TestCallbackForUnknownLoginIs404(t *testing.T) {
	e := newEnv(t, stubResolver{})
	resp, err := e.client.Post(e.server.URL+"/qr/callback/unknown", "application/json",
		strings.NewReader(`{"pid":"p","connection":"c"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatchDeliversLoggedInOverSSE(t *testing.T) {
	e := newEnv(t, stubResolver{user: &domain.User{Subject: "carol"}})
	rep := e.startFlow(t)
	loginID := loginIDFrom(t, rep)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/qr/watch/"+loginID, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return e.hub.Len() == 1 }, 5*time.Second, time.Millisecond)

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	cb, err := e.client.Post(e.server.URL+"/qr/callback/"+loginID, "application/json",
		strings.NewReader(`{"pid":"carol","connection":"conn-1"}`))
	require.NoError(t, err)
	cb.Body.Close()
	require.Equal(t, http.StatusAccepted, cb.StatusCode)

	deadline := time.After(5 * time.Second)
	var sawEvent, sawData bool
	for !(sawEvent && sawData) {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended before the event arrived")
			}
			if line == "event: loggedIn" {
				sawEvent = true
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, "carol") {
				sawData = true
			}
		case <-deadline:
			t.Fatal("no loggedIn event within deadline")
		}
	}
}

func TestWatchShortCircuitsWhenAlreadyLoggedIn(t *testing.T) {
	e := newEnv(t, stubResolver{})

	// establish a session cookie first
	e.startFlow(t)
	srvURL := mustParse(t, e.server.URL)
	var sessionID string
	for _, c := range e.client.Jar.Cookies(srvURL) {
		if c.Name == "qrlink_session" {
			sessionID = c.Value
		}
	}
	require.NotEmpty(t, sessionID)
	require.NoError(t, e.sessions.Login(context.Background(), sessionID, &domain.User{Subject: "dave"}))

	resp, err := e.client.Get(e.server.URL + "/qr/watch/whatever")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "loggedIn", body["event"])
}

func TestMeRequiresBearer(t *testing.T) {
	e := newEnv(t, stubResolver{})

	resp, err := e.client.Get(e.server.URL + "/qr/me")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, e.sessions.CacheBearer(context.Background(), "tok-123", "frank"))
	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/qr/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-123")

	resp, err = e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "frank", body["subject"])
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, stubResolver{})
	resp, err := e.client.Get(e.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogout(t *testing.T) {
	e := newEnv(t, stubResolver{})
	e.startFlow(t)

	srvURL := mustParse(t, e.server.URL)
	var sessionID string
	for _, c := range e.client.Jar.Cookies(srvURL) {
		if c.Name == "qrlink_session" {
			sessionID = c.Value
		}
	}
	require.NoError(t, e.sessions.Login(context.Background(), sessionID, &domain.User{Subject: "erin"}))

	resp, err := e.client.Post(e.server.URL+"/qr/logout", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	user, err := e.sessions.LoggedIn(context.Background(), sessionID)
	require.NoError(t, err)
	require.Nil(t, user)
}

func mustParse(t *testing.T, raw string) *urlpkg.URL {
	t.Helper()
	u, err := urlpkg.Parse(raw)
	require.NoError(t, err)
	return u
}
