package tcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/registry"
)

func startServer(t *testing.T, rl *protocol.RateLimitConfig) (*Server, *registry.Registry) {
	t.Helper()

	reg := registry.New(registry.NewArena(), nil)
	srv := New(&ServerConfig{
		Dispatcher:      protocol.NewDispatcher(reg, protocol.DispatcherConfig{}),
		RateLimitConfig: rl,
	})
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Close(ctx)
		assert.NoError(t, <-served)
	})
	return srv, reg
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return nc
}

func command(t *testing.T, nc net.Conn, action, fields string) string {
	t.Helper()

	id := uuid.NewString()
	if fields != "" {
		fields = "," + fields
	}
	msg := fmt.Sprintf(`{"id":%q,"action":%q%s}`, id, action, fields)
	require.NoError(t, protocol.WriteFrame(nc, []byte(msg)))
	return id
}

func readJSON(t *testing.T, nc net.Conn) map[string]any {
	t.Helper()

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := protocol.ReadFrame(nc)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(frame, &out))
	return out
}

// TestListenTwice tests that a bound server refuses a second bind
func TestListenTwice(t *testing.T) {
	t.Parallel()

	srv, _ := startServer(t, protocol.NoRateLimit())
	assert.Error(t, srv.Listen("127.0.0.1:0"))

	idle := New(&ServerConfig{})
	assert.Nil(t, idle.Addr())
	assert.Error(t, idle.Serve())
}

// TestCommandsOverTCP tests acks and broadcast delivery between plain connections
func TestCommandsOverTCP(t *testing.T) {
	t.Parallel()

	srv, reg := startServer(t, protocol.NoRateLimit())
	listener := dial(t, srv)
	sender := dial(t, srv)

	id := command(t, listener, kephasgate.ActionSubscribe, `"channels":["news"]`)
	ack := readJSON(t, listener)
	assert.Equal(t, kephasgate.ActionAck, ack["action"])
	assert.Equal(t, id, ack["id"])
	assert.Equal(t, 200.0, ack["status"])
	assert.Len(t, reg.Subscribers("news"), 1)

	command(t, sender, kephasgate.ActionBroadcast, `"channels":["news"],"data":{"headline":"up"}`)
	ack = readJSON(t, sender)
	assert.Equal(t, 1.0, ack["data"].(map[string]any)["delivered"])

	event := readJSON(t, listener)
	assert.Equal(t, kephasgate.ActionBroadcast, event["action"])
	assert.Equal(t, "up", event["data"].(map[string]any)["headline"])

	require.NoError(t, protocol.WriteFrame(sender, []byte(`[]`)))
	ack = readJSON(t, sender)
	assert.Equal(t, 422.0, ack["status"])

	assert.Equal(t, 2, srv.Len())
}

// TestRateLimitDisconnects tests that a flooding client gets a 429 ack and is dropped
func TestRateLimitDisconnects(t *testing.T) {
	t.Parallel()

	srv, reg := startServer(t, &protocol.RateLimitConfig{MessagesPerSecond: 0.001, Burst: 1, Enabled: true})
	nc := dial(t, srv)

	command(t, nc, kephasgate.ActionSubscribe, `"channels":["a"]`)
	assert.Equal(t, 200.0, readJSON(t, nc)["status"])

	command(t, nc, kephasgate.ActionSubscribe, `"channels":["b"]`)
	ack := readJSON(t, nc)
	assert.Equal(t, 429.0, ack["status"])
	assert.Equal(t, kephasgate.MsgTooManyRequests, ack["message"])

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(nc)
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestPeerDisconnectCleansRegistry tests cleanup after the client hangs up
func TestPeerDisconnectCleansRegistry(t *testing.T) {
	t.Parallel()

	srv, reg := startServer(t, protocol.NoRateLimit())
	nc := dial(t, srv)

	command(t, nc, kephasgate.ActionSubscribe, `"channels":["a"]`)
	readJSON(t, nc)
	require.Equal(t, 1, reg.Len())

	nc.Close()
	assert.Eventually(t, func() bool { return reg.Len() == 0 && srv.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, reg.Subscribers("a"))
}

// TestConnSendAfterClose tests the closed connection contract
func TestConnSendAfterClose(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()

	conn := NewConn(server, nil)
	assert.Equal(t, kephasgate.ModePlain, conn.Mode())
	assert.True(t, conn.IsAlive())

	go func() {
		frame, err := protocol.ReadFrame(client)
		if err == nil {
			protocol.WriteFrame(client, frame)
		}
	}()
	require.NoError(t, conn.Send(context.Background(), []byte(`{"ok":true}`)))

	echo, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(echo))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
	assert.False(t, conn.IsAlive())
	assert.False(t, conn.Sending())
	assert.EqualError(t, conn.Send(context.Background(), []byte("x")), kephasgate.ErrConnectionClosed)
	assert.NoError(t, conn.Close(ctx))
}

// TestStalledPeerIsDropped tests that a peer which stops reading fails fast
// instead of blocking the sender
func TestStalledPeerIsDropped(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	conn := NewConn(accepted, nil)

	payload := make([]byte, 1<<20)
	flooded := make(chan error, 1)
	go func() {
		var firstErr error
		for i := 0; i < 400; i++ {
			if err := conn.Send(context.Background(), payload); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		flooded <- firstErr
	}()

	select {
	case err := <-flooded:
		require.Error(t, err)
		assert.Equal(t, kephasgate.ErrSendQueueFull, err.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("sender blocked on a stalled peer")
	}
	assert.False(t, conn.IsAlive())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	conn.Close(ctx)
	assert.Less(t, time.Since(start), time.Second)
}
