package protocol

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/errors"
)

// Relay re-broadcasts events published by peer processes to local
// connections.
type Relay struct {
	dispatcher *Dispatcher
}

// NewRelay creates a relay for the broker and registry of d.
func NewRelay(d *Dispatcher) *Relay {
	return &Relay{dispatcher: d}
}

// Start subscribes to the broker channel. The subscription lasts until ctx is
// cancelled. Without a broker Start does nothing.
func (r *Relay) Start(ctx context.Context) error {
	d := r.dispatcher
	if d.broker == nil {
		return nil
	}
	if err := d.broker.Subscribe(ctx, d.channel, r.handle); err != nil {
		d.metrics.BrokerError("subscribe")
		return errors.Wrap(err, "Relay", "Start", "subscribe to "+d.channel)
	}
	d.logger.Info("Relaying peer broadcasts",
		zap.String("channel", d.channel),
		zap.String("server_id", d.serverID),
	)
	return nil
}

func (r *Relay) handle(ctx context.Context, payload []byte) {
	d := r.dispatcher

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.metrics.BrokerError("decode")
		d.logger.Warn("Dropped malformed broker message", zap.Error(err))
		return
	}
	if msg.ServerID == d.serverID {
		return
	}

	var n int
	switch msg.Kind {
	case kephasgate.ActionBroadcast:
		n = d.registry.Broadcast(ctx, msg.Channels, msg.Event)
	case kephasgate.ActionBroadcastAll:
		n = d.registry.BroadcastAll(ctx, msg.Event)
	default:
		d.metrics.BrokerError("decode")
		d.logger.Warn("Dropped broker message with unknown kind", zap.String("kind", msg.Kind))
		return
	}
	d.metrics.Delivered(scopeRelay, n)
}
