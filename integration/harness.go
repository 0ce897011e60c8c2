package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/kasuganosora/relationd/server/api/rest"
	apisse "github.com/kasuganosora/relationd/server/api/sse"
	apiws "github.com/kasuganosora/relationd/server/api/ws"
	"github.com/kasuganosora/relationd/server/cache"
	"github.com/kasuganosora/relationd/server/config"
	"github.com/kasuganosora/relationd/server/directory"
	"github.com/kasuganosora/relationd/server/engine"
	"github.com/kasuganosora/relationd/server/hub"
	mw "github.com/kasuganosora/relationd/server/middleware"
	"github.com/kasuganosora/relationd/server/notify"
	"github.com/kasuganosora/relationd/server/profile"
	"github.com/kasuganosora/relationd/server/scheduler"
	"github.com/kasuganosora/relationd/server/store"
	"github.com/kasuganosora/relationd/server/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// TestServer wraps a real HTTP server with the whole relationship stack wired
// together the way main.go does it.
type TestServer struct {
	DB       *gorm.DB
	Cache    cache.Cache
	PubSub   cache.PubSub
	Store    *store.Store
	Engine   *engine.Engine
	Hub      *hub.Hub
	Notifier *notify.Dispatcher
	Sched    *scheduler.Scheduler
	Server   *httptest.Server
	URL      string // http://127.0.0.1:<port>
	WSURL    string // ws://127.0.0.1:<port>/ws
	Sec      config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}

	// ---- Relationship stack ----
	s := store.New(db)
	dir := directory.NewGormDirectory(db)
	notifier := notify.New(db, logger)
	profiles := profile.New(s, dir, profile.DefaultTTL, logger)
	eng := engine.New(s, dir, pubsub, notifier, profiles, engine.Options{}, logger)
	relHub := hub.New(s, pubsub, logger)
	sched := scheduler.New(logger)

	// ---- Gin HTTP server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	authH := apirest.NewAuthHandler(db, c, sec)
	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(sec, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(sec, c), authH.Refresh)
		authG.PUT("/profile", mw.Auth(sec, c), authH.UpdateProfile)

		relG := api.Group("")
		relG.Use(mw.Auth(sec, c))
		apirest.NewRelationshipHandler(eng).Register(relG)
	}

	sseH := apisse.NewHandler(relHub, c, sec, logger)
	r.GET("/sse", sseH.ServeSSE)

	wsH := apiws.NewHandler(relHub, c, sec, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- Start server ----
	server := httptest.NewServer(r)
	url := server.URL
	wsURL := "ws" + url[len("http"):] + "/ws"

	ts := &TestServer{
		DB:       db,
		Cache:    c,
		PubSub:   pubsub,
		Store:    s,
		Engine:   eng,
		Hub:      relHub,
		Notifier: notifier,
		Sched:    sched,
		Server:   server,
		URL:      url,
		WSURL:    wsURL,
		Sec:      sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts the harness down in reverse wiring order.
func (ts *TestServer) Close() {
	ts.Server.Close()
	ts.Hub.Close()
	ts.Sched.Stop()
	ts.Notifier.Stop(context.Background())
}

// --- REST helpers ---

// Login registers/logs in a user and returns (token, userID).
func (ts *TestServer) Login(t *testing.T, username string) (string, string) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", "", map[string]string{
		"username": username,
		"password": "pass-" + username,
	})
	require.Equal(t, http.StatusOK, resp.Code, "login %s: %s", username, resp.Body)
	body := decode(t, resp)
	return body["token"].(string), body["user_id"].(string)
}

// PostJSON issues a POST with optional bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path, token string, payload interface{}) *httpResult {
	return ts.request(t, http.MethodPost, path, token, payload)
}

// Do issues an arbitrary request with optional bearer token.
func (ts *TestServer) Do(t *testing.T, method, path, token string, payload interface{}) *httpResult {
	return ts.request(t, method, path, token, payload)
}

type httpResult struct {
	Code int
	Body []byte
}

func (ts *TestServer) request(t *testing.T, method, path, token string, payload interface{}) *httpResult {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return &httpResult{Code: resp.StatusCode, Body: data}
}

func decode(t *testing.T, res *httpResult) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Body, &m), "body: %s", res.Body)
	return m
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// Uses a background readLoop so a recv timeout never corrupts the connection.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	url := ts.WSURL + "?token=" + token
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	t.Cleanup(func() { wc.Conn.Close() })
	go wc.readLoop()
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a JSON op message to the WebSocket.
func (wc *WSClient) Send(op, channel string) {
	wc.t.Helper()
	data, err := json.Marshal(map[string]string{"op": op, "channel": channel})
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one message with a timeout.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(res.data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvType reads messages until one with the given type arrives.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := wc.RecvAny(time.Until(deadline))
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
	wc.t.Fatalf("timed out waiting for message type %q", msgType)
	return nil
}
