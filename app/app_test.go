package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
)

// TestLoadConfigAndServe tests the public facade end to end without a listener
func TestLoadConfigAndServe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  name: facade\n"), 0o600))
	t.Setenv("KEPHASGATE_AUTH_SECRET", "facade-secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "facade", cfg.Server.Name)
	assert.Equal(t, "facade-secret", cfg.Auth.Secret)

	cfg.Log.Level = ""
	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	srv, err := New(context.Background(), cfg, logger, WithoutControllers())
	require.NoError(t, err)

	hello := kephasgate.HandlerFunc(func(_ context.Context, call *kephasgate.Call) (*kephasgate.Response, error) {
		return kephasgate.Message(http.StatusOK, "hello "+call.Binding("name")), nil
	})
	require.NoError(t, srv.Handle(http.MethodGet, "/hello/{name}", hello, kephasgate.RouteConfig{}))
	assert.Error(t, srv.Handle(http.MethodGet, "/dup/{a}/{a}", hello, kephasgate.RouteConfig{}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello/world", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"hello world"}`, rec.Body.String())
	assert.Equal(t, "facade", rec.Header().Get("Server"))
}

// TestDefaultConfigNeedsSecret tests that the defaults are not usable as is
func TestDefaultConfigNeedsSecret(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), DefaultConfig(), nil)
	assert.Error(t, err)
}
