package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/broker"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Auth.Secret = "server-test-secret"
	cfg.WebSocket.RateLimit = false
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()

	srv, err := New(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
	})
	return srv
}

func baseURL(srv *Server) string {
	return "http://" + srv.HTTPAddr().String()
}

func doJSON(t *testing.T, method, url, body, token string) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.HTTPAddr().String()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// TestNewRejectsInvalidConfig tests that configuration errors surface at construction
func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth.Secret = ""
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

// TestHandlerRoutes tests the chi routes without a listener
func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	srv, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "healthz", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK, wantBody: `"status":"ok"`},
		{name: "ping", method: http.MethodGet, path: "/ping", wantStatus: http.StatusOK, wantBody: "pong"},
		{name: "unknown route", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotFound},
		{name: "method not allowed preflight", method: http.MethodOptions, path: "/nope", wantStatus: http.StatusMethodNotAllowed},
		{name: "protected route", method: http.MethodGet, path: "/connections", wantStatus: http.StatusUnauthorized},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK, wantBody: "kephasgate_http_requests_total"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

// TestCustomHandler tests routes registered through Handle
func TestCustomHandler(t *testing.T) {
	t.Parallel()

	srv, err := New(context.Background(), testConfig(), nil, WithoutControllers())
	require.NoError(t, err)

	echo := kephasgate.HandlerFunc(func(_ context.Context, call *kephasgate.Call) (*kephasgate.Response, error) {
		return kephasgate.JSON(http.StatusOK, map[string]string{
			"name": call.Binding("name"),
			"size": strings.Repeat("x", 2048),
		}), nil
	})
	require.NoError(t, srv.Handle(http.MethodGet, "/echo/{name}", echo, kephasgate.RouteConfig{}))

	req := httptest.NewRequest(http.MethodGet, "/echo/ana?x=1", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"ana"`)
	assert.Equal(t, "kephasgate", rec.Header().Get("Server"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	big := httptest.NewRequest(http.MethodPost, "/echo/ana", bytes.NewReader(make([]byte, maxBodySize+1)))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// TestStartStop tests the listener lifecycle
func TestStartStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.TCPAddr = "127.0.0.1:0"

	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, srv.HTTPAddr())

	require.NoError(t, srv.Start(context.Background()))
	assert.Error(t, srv.Start(context.Background()))
	require.NotNil(t, srv.HTTPAddr())
	require.NotNil(t, srv.TCPAddr())

	status, body := doJSON(t, http.MethodGet, baseURL(srv)+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, srv.Dispatcher().ServerID(), body["server_id"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
	assert.Nil(t, srv.HTTPAddr())
}

// TestStopOnContextCancel tests that cancelling the start context stops the server
func TestStopOnContextCancel(t *testing.T) {
	t.Parallel()

	srv, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return srv.HTTPAddr() == nil }, 5*time.Second, 10*time.Millisecond)
}

// TestUserFlowOverHTTP tests registration, login and authenticated lookups end to end
func TestUserFlowOverHTTP(t *testing.T) {
	t.Parallel()

	srv := startServer(t, testConfig())
	url := baseURL(srv)

	status, body := doJSON(t, http.MethodPost, url+"/users",
		`{"email":"eva@example.com","password":"pw","password_confirmation":"pw"}`, "")
	require.Equal(t, http.StatusCreated, status)
	userID := body["id"].(string)

	status, body = doJSON(t, http.MethodPost, url+"/auth/token", `{"email":"eva@example.com","password":"pw"}`, "")
	require.Equal(t, http.StatusOK, status)
	token := body["token"].(string)

	status, body = doJSON(t, http.MethodGet, url+"/users/me", "", token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, userID, body["id"])

	status, _ = doJSON(t, http.MethodGet, url+"/users/me", "", "forged")
	assert.Equal(t, http.StatusUnauthorized, status)
}

// TestBroadcastAcrossServers tests HTTP and WebSocket broadcasts relayed through a shared broker
func TestBroadcastAcrossServers(t *testing.T) {
	t.Parallel()

	bus := broker.NewMemory(zap.NewNop())
	t.Cleanup(func() { bus.Close() })

	nodeA := startServer(t, testConfig(), WithBroker(bus))
	nodeB := startServer(t, testConfig(), WithBroker(bus))
	require.NotEqual(t, nodeA.Dispatcher().ServerID(), nodeB.Dispatcher().ServerID())

	ws := dialWS(t, nodeA)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(fmt.Sprintf(`{"id":%q,"action":"subscribe","channels":["room"]}`, uuid.NewString()))))
	ack := readJSON(t, ws)
	require.Equal(t, 200.0, ack["status"])

	token, err := nodeB.Authenticator().ToBearer(uuid.New(), "user")
	require.NoError(t, err)

	status, body := doJSON(t, http.MethodPost, baseURL(nodeB)+"/channels/room/broadcast", `{"data":{"text":"from b"}}`, token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, body["delivered"])

	event := readJSON(t, ws)
	assert.Equal(t, kephasgate.ActionBroadcast, event["action"])
	assert.Equal(t, "from b", event["data"].(map[string]any)["text"])

	status, body = doJSON(t, http.MethodGet, baseURL(nodeA)+"/connections", "", token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["connections"])
}

// TestTCPListener tests that plain connections share the registry with WebSocket clients
func TestTCPListener(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.TCPAddr = "127.0.0.1:0"
	srv := startServer(t, cfg)

	ws := dialWS(t, srv)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(fmt.Sprintf(`{"id":%q,"action":"subscribe","channels":["mixed"]}`, uuid.NewString()))))
	readJSON(t, ws)

	nc, err := net.Dial("tcp", srv.TCPAddr().String())
	require.NoError(t, err)
	defer nc.Close()

	cmd := fmt.Sprintf(`{"id":%q,"action":"broadcast","channels":["mixed"],"data":{"n":1}}`, uuid.NewString())
	require.NoError(t, protocol.WriteFrame(nc, []byte(cmd)))

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(3*time.Second)))
	frame, err := protocol.ReadFrame(nc)
	require.NoError(t, err)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(frame, &ack))
	assert.Equal(t, 1.0, ack["data"].(map[string]any)["delivered"])

	event := readJSON(t, ws)
	assert.Equal(t, 1.0, event["data"].(map[string]any)["n"])
}

// TestForwardedHeadersIgnoredByDefault tests that rotating X-Forwarded-For does
// not earn a fresh throttle window unless proxy headers are trusted
func TestForwardedHeadersIgnoredByDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		trustProxy  bool
		wantLimited int
	}{
		{name: "untrusted", trustProxy: false, wantLimited: 2},
		{name: "trusted proxy", trustProxy: true, wantLimited: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			cfg.Server.TrustProxyHeaders = tt.trustProxy
			srv, err := New(context.Background(), cfg, nil)
			require.NoError(t, err)
			handler := srv.Handler()

			limited := 0
			for i := 0; i < 12; i++ {
				req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{}`))
				req.RemoteAddr = "192.0.2.10:4000"
				req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
				req.Header.Set("X-Real-IP", fmt.Sprintf("10.0.1.%d", i))
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				if rec.Code == http.StatusTooManyRequests {
					limited++
				}
			}
			assert.Equal(t, tt.wantLimited, limited)
		})
	}
}
