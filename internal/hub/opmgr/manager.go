// Package opmgr tracks long-running browser operations independently of
// the client connections that initiated them. An async tool returns an
// operationId immediately; the Automator then reports progress
// milestones until a terminal status, and Requesters block on
// WaitForCompletion or poll the operation record.
package opmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tabhub/tabhub/internal/metrics"
	"github.com/tabhub/tabhub/internal/wire"
)

// Status is an operation's lifecycle state.
type Status string

const (
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is sticky.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Milestone is one ordered event within an operation.
type Milestone struct {
	Name      string         `json:"name"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Operation is the long-lived record keyed by operationId.
type Operation struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Owner       string         `json:"owner"` // requester client id
	CreatedAt   int64          `json:"createdAt"`
	LastUpdated int64          `json:"lastUpdated"`
	Status      Status         `json:"status"`
	Milestones  []Milestone    `json:"milestones"`
	Result      map[string]any `json:"result,omitempty"`
	Err         *wire.Error    `json:"error,omitempty"`
}

func (o *Operation) clone() *Operation {
	cp := *o
	cp.Milestones = append([]Milestone(nil), o.Milestones...)
	return &cp
}

// Manager owns the operation table. Thread-safe; milestone appends are
// atomic and arrival-ordered.
type Manager struct {
	mu   sync.Mutex
	ops  map[string]*Operation
	subs map[string][]chan *Operation

	cleanupAge  time.Duration
	hardCeiling time.Duration
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHardCeiling sets the age at which non-terminal operations are
// abandoned. Defaults to four times the cleanup age.
func WithHardCeiling(d time.Duration) Option {
	return func(m *Manager) { m.hardCeiling = d }
}

// New creates a Manager that retains terminal operations for cleanupAge.
func New(cleanupAge time.Duration, opts ...Option) *Manager {
	m := &Manager{
		ops:         make(map[string]*Operation),
		subs:        make(map[string][]chan *Operation),
		cleanupAge:  cleanupAge,
		hardCeiling: 4 * cleanupAge,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register creates an operation in the started state. Registering an
// existing id is a no-op that returns the current record; a later call
// with a non-empty owner claims ownership of an auto-created record.
func (m *Manager) Register(id, owner, opType string) *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op, ok := m.ops[id]; ok {
		if op.Owner == "" && owner != "" {
			op.Owner = owner
		}
		if op.Type == "" && opType != "" {
			op.Type = opType
		}
		return op.clone()
	}

	now := m.now().UnixMilli()
	op := &Operation{
		ID:          id,
		Type:        opType,
		Owner:       owner,
		CreatedAt:   now,
		LastUpdated: now,
		Status:      StatusStarted,
	}
	m.ops[id] = op
	metrics.OperationsActive.Set(float64(len(m.ops)))
	return op.clone()
}

// Get returns a copy of the operation record, or nil.
func (m *Manager) Get(id string) *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil
	}
	return op.clone()
}

// Count returns the number of tracked operations.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// ApplyMilestone appends a milestone in arrival order. Milestones named
// completed, error or cancelled move the operation to the matching
// terminal status; a milestone for an unknown id creates the operation
// (the progress beat the response that would have registered it). Late
// milestones after a terminal status are ignored with a warning.
// Returns a copy of the record and whether the milestone was applied.
func (m *Manager) ApplyMilestone(id, name string, data map[string]any) (*Operation, bool) {
	m.mu.Lock()

	op, ok := m.ops[id]
	if !ok {
		now := m.now().UnixMilli()
		op = &Operation{
			ID:          id,
			CreatedAt:   now,
			LastUpdated: now,
			Status:      StatusStarted,
		}
		m.ops[id] = op
		metrics.OperationsActive.Set(float64(len(m.ops)))
	}

	if op.Status.Terminal() {
		cp := op.clone()
		m.mu.Unlock()
		slog.Warn("milestone after terminal status ignored",
			"operation_id", id, "milestone", name, "status", cp.Status)
		return cp, false
	}

	now := m.now().UnixMilli()
	op.Milestones = append(op.Milestones, Milestone{Name: name, Timestamp: now, Data: data})
	op.LastUpdated = now

	switch name {
	case string(StatusCompleted):
		op.Status = StatusCompleted
		op.Result = data
	case string(StatusError):
		op.Status = StatusError
		op.Err = errorFromData(data)
	case string(StatusCancelled):
		op.Status = StatusCancelled
	default:
		op.Status = StatusProgress
	}

	cp := op.clone()
	var waiters []chan *Operation
	if op.Status.Terminal() {
		metrics.OperationsTotal.WithLabelValues(string(op.Status)).Inc()
		waiters = m.subs[id]
		delete(m.subs, id)
	}
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- cp // buffered; subscribers never block the manager
	}
	return cp, true
}

func errorFromData(data map[string]any) *wire.Error {
	e := &wire.Error{Code: "ERROR"}
	if s, ok := data["code"].(string); ok && s != "" {
		e.Code = s
	}
	if s, ok := data["message"].(string); ok {
		e.Message = s
	}
	return e
}

// WaitForCompletion blocks until the operation reaches a terminal
// status, the timeout expires, or ctx is cancelled. The subscription is
// installed before the current state is read so a concurrent terminal
// milestone is never lost. Cancelling the wait removes the subscriber
// but does not cancel the operation.
func (m *Manager) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*Operation, error) {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return nil, wire.NewError(wire.CodeUnknownOperation, "operation "+id+" is not tracked")
	}

	ch := make(chan *Operation, 1)
	m.subs[id] = append(m.subs[id], ch)

	if op.Status.Terminal() {
		cp := op.clone()
		m.removeSubLocked(id, ch)
		m.mu.Unlock()
		return cp, nil
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.removeSubLocked(id, ch)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case terminal := <-ch:
		return terminal, nil
	case <-timer.C:
		return nil, wire.NewError(wire.CodeOperationTimeout,
			"operation "+id+" did not complete within the deadline")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) removeSubLocked(id string, ch chan *Operation) {
	subs := m.subs[id]
	for i, s := range subs {
		if s == ch {
			m.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[id]) == 0 {
		delete(m.subs, id)
	}
}

// Sweep removes terminal operations older than the cleanup age and
// abandons non-terminal operations older than the hard ceiling.
// Returns the number removed and abandoned.
func (m *Manager) Sweep() (removed, abandoned int) {
	m.mu.Lock()
	now := m.now().UnixMilli()

	var abandonedIDs []string
	for id, op := range m.ops {
		switch {
		case op.Status.Terminal() && now-op.LastUpdated > m.cleanupAge.Milliseconds():
			delete(m.ops, id)
			removed++
		case !op.Status.Terminal() && now-op.CreatedAt > m.hardCeiling.Milliseconds():
			abandonedIDs = append(abandonedIDs, id)
		}
	}
	metrics.OperationsActive.Set(float64(len(m.ops)))
	m.mu.Unlock()

	for _, id := range abandonedIDs {
		m.abandon(id)
		m.mu.Lock()
		delete(m.ops, id)
		metrics.OperationsActive.Set(float64(len(m.ops)))
		m.mu.Unlock()
		abandoned++
	}

	if removed > 0 || abandoned > 0 {
		slog.Debug("operation sweep", "removed", removed, "abandoned", abandoned)
	}
	return removed, abandoned
}

func (m *Manager) abandon(id string) {
	m.ApplyMilestone(id, string(StatusError), map[string]any{
		"code":    wire.CodeAbandoned,
		"message": "operation abandoned: no terminal milestone arrived",
	})
	metrics.OperationsTotal.WithLabelValues("abandoned").Inc()
}

// Run sweeps periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
