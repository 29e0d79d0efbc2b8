// Package protocol handles the command envelopes exchanged over WebSocket and
// TCP connections, relays broadcasts between server processes and frames
// messages on raw TCP streams.
//
// A command is a JSON object {id, action, ...}. Every command is answered
// with an acknowledgement {action: "ack", id, message, status, data?}.
// Broadcast events are delivered as {action, id, channels?, data}.
package protocol

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/broker"
	"github.com/luciancaetano/kephasgate/internal/errors"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/registry"
	"github.com/luciancaetano/kephasgate/internal/validator"
)

// Delivery scopes reported to metrics.
const (
	scopeChannel = "channel"
	scopeAll     = "all"
	scopeRelay   = "relay"

	labelInvalid = "invalid"
)

var envelopeRules = kephasgate.Rules{
	validator.RootAttribute: validator.RuleIsObject,
	"id":                    validator.RuleIsUUID,
	"action":                validator.RuleIsString,
}

var actionRules = map[string]kephasgate.Rules{
	kephasgate.ActionSubscribe:    {"channels": validator.RuleIsArrayOfStrings},
	kephasgate.ActionUnsubscribe:  {"channels": validator.RuleIsArrayOfStrings},
	kephasgate.ActionBroadcast:    {"channels": validator.RuleIsArrayOfStrings, "data": validator.RuleIsObject},
	kephasgate.ActionBroadcastAll: {"data": validator.RuleIsObject},
}

// Ack is the reply to a command.
type Ack struct {
	Action  string `json:"action"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Data    any    `json:"data,omitempty"`
}

// Encode returns the JSON encoding of the ack.
func (a Ack) Encode() []byte {
	data, err := json.Marshal(a)
	if err != nil {
		// Data only ever holds decoded JSON values.
		data, _ = json.Marshal(Ack{Action: a.Action, ID: a.ID, Message: kephasgate.MsgInternalError, Status: http.StatusInternalServerError})
	}
	return data
}

// SubscriptionResult is the ack data of subscribe and unsubscribe.
type SubscriptionResult struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
}

// DeliveryResult is the ack data of broadcast commands.
type DeliveryResult struct {
	Delivered int `json:"delivered"`
}

// ValidationResult is the ack data of rejected commands.
type ValidationResult struct {
	Errors map[string][]string `json:"errors"`
}

// Event is the message delivered to connections by a broadcast.
type Event struct {
	Action   string         `json:"action"`
	ID       string         `json:"id"`
	Channels []string       `json:"channels,omitempty"`
	Data     map[string]any `json:"data"`
}

// Message is the envelope published on the broker channel.
type Message struct {
	ServerID string          `json:"server_id"`
	Kind     string          `json:"kind"`
	Channels []string        `json:"channels,omitempty"`
	Event    json.RawMessage `json:"event"`
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// ServerID tags published messages so a process ignores its own echo.
	// A random id is generated when empty.
	ServerID string
	// Channel is the broker channel. Defaults to kephasgate.DefaultBrokerChannel.
	Channel string
	// Broker is optional; without it broadcasts stay local.
	Broker  broker.Broker
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Dispatcher executes connection commands against the registry.
type Dispatcher struct {
	registry *registry.Registry
	broker   broker.Broker
	serverID string
	channel  string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher writing into reg.
func NewDispatcher(reg *registry.Registry, cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		broker:   cfg.Broker,
		serverID: cfg.ServerID,
		channel:  cfg.Channel,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if d.serverID == "" {
		d.serverID = uuid.NewString()
	}
	if d.channel == "" {
		d.channel = kephasgate.DefaultBrokerChannel
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// ServerID returns the id this process tags published messages with.
func (d *Dispatcher) ServerID() string {
	return d.serverID
}

// Registry returns the registry commands write into.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Handle executes one raw command sent by connection connID.
func (d *Dispatcher) Handle(ctx context.Context, connID string, raw []byte) Ack {
	action, ack := d.handle(ctx, connID, raw)
	d.metrics.Command(action, ack.Status)
	return ack
}

// handle returns the action label for metrics along with the ack. Commands
// rejected before the action is known are labelled "invalid".
func (d *Dispatcher) handle(ctx context.Context, connID string, raw []byte) (string, Ack) {
	value, err := validator.Decode(raw)
	if err != nil {
		return labelInvalid, reject("", kephasgate.MsgInvalidCommand, map[string][]string{
			validator.RootAttribute: {validator.MsgInvalidJSON},
		})
	}

	cmd, _ := value.(map[string]any)
	id, _ := cmd["id"].(string)

	if res := validator.Validate(envelopeRules, value); !res.Success {
		return labelInvalid, reject(id, kephasgate.MsgInvalidCommand, res.Errors)
	}

	action := cmd["action"].(string)
	rules, known := actionRules[action]
	if !known {
		return labelInvalid, reject(id, kephasgate.MsgUnknownAction, map[string][]string{"action": {kephasgate.MsgUnknownAction}})
	}
	if res := validator.Validate(rules, cmd); !res.Success {
		return action, reject(id, kephasgate.MsgInvalidCommand, res.Errors)
	}

	switch action {
	case kephasgate.ActionSubscribe:
		return action, d.subscribe(id, connID, stringList(cmd["channels"]), d.registry.Subscribe, kephasgate.MsgSubscribed)
	case kephasgate.ActionUnsubscribe:
		return action, d.subscribe(id, connID, stringList(cmd["channels"]), d.registry.Unsubscribe, kephasgate.MsgUnsubscribed)
	case kephasgate.ActionBroadcast:
		n, err := d.Broadcast(ctx, id, stringList(cmd["channels"]), cmd["data"].(map[string]any))
		if err != nil {
			return action, d.failure(id, action, err)
		}
		return action, acknowledge(id, kephasgate.MsgBroadcasted, DeliveryResult{Delivered: n})
	default:
		n, err := d.BroadcastAll(ctx, id, cmd["data"].(map[string]any))
		if err != nil {
			return action, d.failure(id, action, err)
		}
		return action, acknowledge(id, kephasgate.MsgBroadcasted, DeliveryResult{Delivered: n})
	}
}

func (d *Dispatcher) subscribe(id, connID string, channels []string, apply func(string, string) bool, msg string) Ack {
	res := SubscriptionResult{Accepted: []string{}, Rejected: []string{}}
	for _, channel := range channels {
		if apply(connID, channel) {
			res.Accepted = append(res.Accepted, channel)
		} else {
			res.Rejected = append(res.Rejected, channel)
		}
	}
	return acknowledge(id, msg, res)
}

// Broadcast delivers data to local subscribers of channels and publishes it
// to peer processes. It returns the number of local deliveries. An empty id
// is replaced by a random one.
func (d *Dispatcher) Broadcast(ctx context.Context, id string, channels []string, data map[string]any) (int, error) {
	event, err := encodeEvent(kephasgate.ActionBroadcast, id, channels, data)
	if err != nil {
		return 0, err
	}

	n := d.registry.Broadcast(ctx, channels, event)
	d.metrics.Delivered(scopeChannel, n)
	d.publish(ctx, kephasgate.ActionBroadcast, channels, event)
	return n, nil
}

// BroadcastAll delivers data to every local connection and publishes it to
// peer processes. It returns the number of local deliveries.
func (d *Dispatcher) BroadcastAll(ctx context.Context, id string, data map[string]any) (int, error) {
	event, err := encodeEvent(kephasgate.ActionBroadcastAll, id, nil, data)
	if err != nil {
		return 0, err
	}

	n := d.registry.BroadcastAll(ctx, event)
	d.metrics.Delivered(scopeAll, n)
	d.publish(ctx, kephasgate.ActionBroadcastAll, nil, event)
	return n, nil
}

// publish relays an event to peers. Failures are logged and ignored.
func (d *Dispatcher) publish(ctx context.Context, kind string, channels []string, event []byte) {
	if d.broker == nil {
		return
	}

	msg, err := json.Marshal(Message{ServerID: d.serverID, Kind: kind, Channels: channels, Event: event})
	if err != nil {
		d.logger.Warn("Failed to encode broker message", zap.Error(err))
		return
	}

	if err := d.broker.Publish(ctx, d.channel, msg); err != nil {
		d.metrics.BrokerError("publish")
		d.logger.Warn("Failed to publish broadcast to peers",
			zap.String("channel", d.channel),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

func encodeEvent(action, id string, channels []string, data map[string]any) ([]byte, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if data == nil {
		data = map[string]any{}
	}
	event, err := json.Marshal(Event{Action: action, ID: id, Channels: channels, Data: data})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Dispatcher", action, "encode event")
	}
	return event, nil
}

func acknowledge(id, msg string, data any) Ack {
	return Ack{Action: kephasgate.ActionAck, ID: id, Message: msg, Status: http.StatusOK, Data: data}
}

func reject(id, msg string, errs map[string][]string) Ack {
	return Ack{
		Action:  kephasgate.ActionAck,
		ID:      id,
		Message: msg,
		Status:  http.StatusUnprocessableEntity,
		Data:    ValidationResult{Errors: errs},
	}
}

func (d *Dispatcher) failure(id, action string, err error) Ack {
	d.logger.Error("Command failed", zap.String("id", id), zap.String("action", action), zap.Error(err))
	return Ack{Action: kephasgate.ActionAck, ID: id, Message: kephasgate.MsgInternalError, Status: http.StatusInternalServerError}
}

// stringList converts a validated array of strings.
func stringList(v any) []string {
	arr, _ := v.([]any)
	out := make([]string, 0, len(arr))
	for _, el := range arr {
		if s, ok := el.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
