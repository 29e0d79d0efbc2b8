package registry

import (
	"sync"

	"github.com/luciancaetano/kephasgate"
)

// Arena owns the live connections of a process. Transports attach a
// connection when it is accepted and detach it when its session ends; the
// Registry only resolves ids through the arena and never keeps a connection
// alive on its own.
type Arena struct {
	conns sync.Map // map[string]kephasgate.Conn
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Attach stores conn under its id.
func (a *Arena) Attach(conn kephasgate.Conn) {
	a.conns.Store(conn.ID(), conn)
}

// Detach removes the connection with the given id.
func (a *Arena) Detach(id string) {
	a.conns.Delete(id)
}

// Resolve returns the live connection for id. A connection that was detached
// or is no longer alive does not resolve.
func (a *Arena) Resolve(id string) (kephasgate.Conn, bool) {
	v, ok := a.conns.Load(id)
	if !ok {
		return nil, false
	}
	conn := v.(kephasgate.Conn)
	if !conn.IsAlive() {
		return nil, false
	}
	return conn, true
}

// Range calls fn for each attached connection until fn returns false.
func (a *Arena) Range(fn func(conn kephasgate.Conn) bool) {
	a.conns.Range(func(_, v any) bool {
		return fn(v.(kephasgate.Conn))
	})
}
