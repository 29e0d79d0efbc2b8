// Package registry tracks connection ids and their channel subscriptions and
// fans events out to them.
//
// Subscriptions are kept in two indexes, connection to channels and channel to
// connections, under one mutex. The mutex only guards membership: broadcasts
// snapshot the target ids, resolve them through the Arena and send after the
// lock is released. Ids that no longer resolve are pruned with all their
// subscriptions.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
)

type set map[string]struct{}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
}

// Registry indexes connection ids and subscriptions.
type Registry struct {
	arena  *Arena
	logger *zap.Logger

	mu        sync.Mutex
	conns     set
	byConn    map[string]set
	byChannel map[string]set
}

// New creates a registry resolving connections through arena.
func New(arena *Arena, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		arena:     arena,
		logger:    logger,
		conns:     make(set),
		byConn:    make(map[string]set),
		byChannel: make(map[string]set),
	}
}

// Arena returns the arena the registry resolves through.
func (r *Registry) Arena() *Arena {
	return r.arena
}

// Register adds a connection id.
func (r *Registry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = struct{}{}
}

// Unregister removes a connection id and all its subscriptions.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

// Subscribe adds the (id, channel) relation. It reports false when the
// relation already existed or the id is not registered.
func (r *Registry) Subscribe(id, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}

	channels := r.byConn[id]
	if channels == nil {
		channels = make(set)
		r.byConn[id] = channels
	}
	if _, ok := channels[channel]; ok {
		return false
	}
	channels[channel] = struct{}{}

	members := r.byChannel[channel]
	if members == nil {
		members = make(set)
		r.byChannel[channel] = members
	}
	members[id] = struct{}{}
	return true
}

// Unsubscribe removes the (id, channel) relation. It reports false when the
// relation did not exist.
func (r *Registry) Unsubscribe(id, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := r.byConn[id]
	if _, ok := channels[channel]; !ok {
		return false
	}
	delete(channels, channel)
	if len(channels) == 0 {
		delete(r.byConn, id)
	}

	members := r.byChannel[channel]
	delete(members, id)
	if len(members) == 0 {
		delete(r.byChannel, channel)
	}
	return true
}

// Channels returns the sorted channels id is subscribed to.
func (r *Registry) Channels(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.byConn[id])
}

// Subscribers returns the sorted ids subscribed to channel.
func (r *Registry) Subscribers(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.byChannel[channel])
}

// Len returns the number of registered connection ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Stats returns the connection count and subscriber count per channel.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Connections: len(r.conns), Channels: make(map[string]int, len(r.byChannel))}
	for channel, members := range r.byChannel {
		stats.Channels[channel] = len(members)
	}
	return stats
}

// Broadcast sends payload once to every connection subscribed to at least one
// of channels and returns how many sends were queued.
func (r *Registry) Broadcast(ctx context.Context, channels []string, payload []byte) int {
	r.mu.Lock()
	targets := make(set)
	for _, channel := range channels {
		for id := range r.byChannel[channel] {
			targets[id] = struct{}{}
		}
	}
	r.mu.Unlock()

	return r.deliver(ctx, targets, payload)
}

// BroadcastAll sends payload to every registered connection and returns how
// many sends were queued.
func (r *Registry) BroadcastAll(ctx context.Context, payload []byte) int {
	r.mu.Lock()
	targets := make(set, len(r.conns))
	for id := range r.conns {
		targets[id] = struct{}{}
	}
	r.mu.Unlock()

	return r.deliver(ctx, targets, payload)
}

// deliver resolves each id and sends without holding the mutex.
func (r *Registry) deliver(ctx context.Context, targets set, payload []byte) int {
	live := make([]kephasgate.Conn, 0, len(targets))
	var stale []string
	for id := range targets {
		conn, ok := r.arena.Resolve(id)
		if !ok {
			stale = append(stale, id)
			continue
		}
		live = append(live, conn)
	}

	if len(stale) > 0 {
		r.mu.Lock()
		for _, id := range stale {
			r.removeLocked(id)
		}
		r.mu.Unlock()
		r.logger.Debug("Pruned unreachable connections", zap.Int("count", len(stale)))
	}

	delivered := 0
	for _, conn := range live {
		if err := conn.Send(ctx, payload); err != nil {
			r.logger.Debug("Skipped connection during broadcast",
				zap.String("conn_id", conn.ID()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) removeLocked(id string) {
	delete(r.conns, id)
	for channel := range r.byConn[id] {
		members := r.byChannel[channel]
		delete(members, id)
		if len(members) == 0 {
			delete(r.byChannel, channel)
		}
	}
	delete(r.byConn, id)
}

func sortedKeys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
