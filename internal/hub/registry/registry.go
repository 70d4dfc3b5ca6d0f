// Package registry tracks the two client classes connected to the hub:
// exactly one Automator (the browser extension) and any number of
// Requesters (tool clients). Relationships are lookups by client id;
// connections hold the id only as a value.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabhub/tabhub/internal/hub/conn"
	"github.com/tabhub/tabhub/internal/hub/id"
	"github.com/tabhub/tabhub/internal/metrics"
	"github.com/tabhub/tabhub/internal/wire"
)

// Requester is one registered tool client.
type Requester struct {
	Conn         *conn.Conn
	Info         wire.ClientInfo
	RegisteredAt time.Time
	requestCount atomic.Int64
}

// IncRequests bumps the requester's forwarded-request counter.
func (r *Requester) IncRequests() { r.requestCount.Add(1) }

// RequestCount returns the number of requests forwarded for this client.
func (r *Requester) RequestCount() int64 { return r.requestCount.Load() }

// Registry is the hub's client table. Thread-safe.
type Registry struct {
	mu             sync.RWMutex
	automator      *conn.Conn
	automatorExtID string
	requesters     map[string]*Requester // client id -> entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		requesters: make(map[string]*Requester),
	}
}

// SetAutomator installs c as the sole Automator and returns the evicted
// previous connection, if any. The caller is responsible for closing the
// old connection with a "replaced" reason.
func (r *Registry) SetAutomator(c *conn.Conn, extensionID string) (old *conn.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old = r.automator
	r.automator = c
	r.automatorExtID = extensionID
	metrics.AutomatorConnected.Set(1)
	return old
}

// ClearAutomator removes c only if it is still the registered Automator.
// This prevents a stale connection's deferred cleanup from removing a
// newer replacement. Returns true if the connection was removed.
func (r *Registry) ClearAutomator(c *conn.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.automator != c {
		return false
	}
	r.automator = nil
	r.automatorExtID = ""
	metrics.AutomatorConnected.Set(0)
	return true
}

// Automator returns the live Automator connection, or nil.
func (r *Registry) Automator() *conn.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.automator
}

// AutomatorExtensionID returns the opaque extension id presented at
// registration, or "".
func (r *Registry) AutomatorExtensionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.automatorExtID
}

// AddRequester records a requester under its client id. A missing id is
// synthesized; a colliding id gets a unique suffix. The assigned id is
// returned and must be reported back in registration_confirmed.
func (r *Registry) AddRequester(c *conn.Conn, info wire.ClientInfo) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	assigned := info.ID
	if assigned == "" {
		assigned = "client-" + id.Suffix()
	}
	if _, taken := r.requesters[assigned]; taken {
		assigned = assigned + "-" + id.Suffix()
		slog.Warn("requester id collision, assigned suffix",
			"requested_id", info.ID, "assigned_id", assigned)
	}
	info.ID = assigned

	r.requesters[assigned] = &Requester{
		Conn:         c,
		Info:         info,
		RegisteredAt: time.Now(),
	}
	metrics.ActiveRequesters.Set(float64(len(r.requesters)))
	return assigned
}

// RemoveRequester deletes the entry only if it still points at c.
// Returns true if the entry was removed.
func (r *Registry) RemoveRequester(clientID string, c *conn.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.requesters[clientID]
	if !ok || entry.Conn != c {
		return false
	}
	delete(r.requesters, clientID)
	metrics.ActiveRequesters.Set(float64(len(r.requesters)))
	return true
}

// Requester returns the entry for a client id, or nil.
func (r *Registry) Requester(clientID string) *Requester {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requesters[clientID]
}

// RequesterCount returns the number of registered requesters.
func (r *Registry) RequesterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.requesters)
}

// ClientList snapshots all registered requesters for a
// client_list_update frame.
func (r *Registry) ClientList() []wire.ClientSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]wire.ClientSummary, 0, len(r.requesters))
	for _, entry := range r.requesters {
		list = append(list, wire.ClientSummary{
			ID:           entry.Info.ID,
			Name:         entry.Info.Name,
			Type:         entry.Info.Type,
			Capabilities: entry.Info.Capabilities,
			RegisteredAt: entry.RegisteredAt.UnixMilli(),
			RequestCount: entry.RequestCount(),
			LastActivity: entry.Conn.LastActivity().UnixMilli(),
		})
	}
	return list
}

// EachRequester calls fn for every registered requester. Used for
// shutdown notification fan-out.
func (r *Registry) EachRequester(fn func(*Requester)) {
	r.mu.RLock()
	entries := make([]*Requester, 0, len(r.requesters))
	for _, e := range r.requesters {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	for _, e := range entries {
		fn(e)
	}
}
