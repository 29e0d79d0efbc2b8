package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/validator"
)

// ChannelBroadcast publishes the request data to the subscribers of a channel,
// locally and on peer processes.
type ChannelBroadcast struct {
	counter
	deps Deps
}

type broadcastResponse struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Delivered int    `json:"delivered"`
}

// Rules implements kephasgate.Handler.
func (h *ChannelBroadcast) Rules() kephasgate.Rules {
	return kephasgate.Rules{
		validator.RootAttribute: validator.RuleIsObject,
		"data":                  validator.RuleIsObject,
	}
}

// Invoke implements kephasgate.Handler.
func (h *ChannelBroadcast) Invoke(ctx context.Context, call *kephasgate.Call) (*kephasgate.Response, error) {
	h.hit()

	channel := call.Binding("channel")
	data := call.Object()["data"].(map[string]any)
	id := uuid.NewString()

	n, err := h.deps.Broadcaster.Broadcast(ctx, id, []string{channel}, data)
	if err != nil {
		return nil, err
	}
	return kephasgate.JSON(http.StatusOK, broadcastResponse{ID: id, Channel: channel, Delivered: n}), nil
}

// Connections reports registry statistics.
type Connections struct {
	counter
	deps Deps
}

// Rules implements kephasgate.Handler.
func (h *Connections) Rules() kephasgate.Rules { return nil }

// Invoke implements kephasgate.Handler.
func (h *Connections) Invoke(_ context.Context, _ *kephasgate.Call) (*kephasgate.Response, error) {
	h.hit()
	return kephasgate.JSON(http.StatusOK, h.deps.Stats.Stats()), nil
}
