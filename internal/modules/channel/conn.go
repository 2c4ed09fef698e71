package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const writeWait = 10 * time.Second

// AgentConn is one live agent connection with its pending command table.
type AgentConn struct {
	nodeID string
	conn   *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan CommandResult
	closed  bool
}

func newAgentConn(nodeID string, conn *websocket.Conn) *AgentConn {
	return &AgentConn{
		nodeID:  nodeID,
		conn:    conn,
		pending: make(map[string]chan CommandResult),
	}
}

// NodeID returns the node this connection belongs to.
func (c *AgentConn) NodeID() string { return c.nodeID }

// send writes one frame with a bounded deadline. nhooyr serializes
// concurrent writers internally; the deadline is ours.
func (c *AgentConn) send(ctx context.Context, frame Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return writeJSON(writeCtx, c.conn, frame)
}

// register adds a waiter for a command id.
func (c *AgentConn) register(commandID string) (chan CommandResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	ch := make(chan CommandResult, 1)
	c.pending[commandID] = ch
	return ch, true
}

// unregister drops a waiter that timed out or was cancelled.
func (c *AgentConn) unregister(commandID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, commandID)
}

// resolve delivers a result to its waiter. Unknown ids (late results after
// a timeout) are dropped.
func (c *AgentConn) resolve(commandID string, result CommandResult) bool {
	c.mu.Lock()
	ch, ok := c.pending[commandID]
	if ok {
		delete(c.pending, commandID)
	}
	c.mu.Unlock()
	if ok {
		ch <- result
	}
	return ok
}

// close fails every pending command and closes the transport.
func (c *AgentConn) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan CommandResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- CommandResult{Success: false, Error: "connection closed"}
	}
	c.conn.Close(websocket.StatusNormalClosure, reason)
}

// ConnectionRegistry maps node ids to their live connections.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*AgentConn
}

// NewConnectionRegistry creates an empty connection registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]*AgentConn)}
}

// Add stores a connection, replacing (and closing) any previous one for
// the same node.
func (r *ConnectionRegistry) Add(c *AgentConn) {
	r.mu.Lock()
	old := r.conns[c.nodeID]
	r.conns[c.nodeID] = c
	r.mu.Unlock()

	if old != nil {
		old.close("replaced by new connection")
	}
}

// Remove drops a connection, but only if it is still the current one for
// its node: a stale reader must not evict its replacement.
func (r *ConnectionRegistry) Remove(c *AgentConn) {
	r.mu.Lock()
	if r.conns[c.nodeID] == c {
		delete(r.conns, c.nodeID)
	}
	r.mu.Unlock()
	c.close("removed")
}

// Get returns the live connection for a node, or nil.
func (r *ConnectionRegistry) Get(nodeID string) *AgentConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[nodeID]
}

// ListConnected returns the node ids with a live connection, sorted.
func (r *ConnectionRegistry) ListConnected() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll tears down every connection, failing their pending commands.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*AgentConn)
	r.mu.Unlock()

	for _, c := range conns {
		c.close("shutdown")
	}
}
