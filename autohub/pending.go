package autohub

import (
	"sync"
	"time"

	"github.com/tabhub/tabhub/internal/wire"
)

// defaultRequestTimeout bounds a request with no per-call timeout.
const defaultRequestTimeout = 30 * time.Second

// outcome resolves one pending request: a response frame or an error,
// never both.
type outcome struct {
	frame wire.Frame
	err   *wire.Error
}

type pendingEntry struct {
	ch       chan outcome
	timer    *time.Timer
	toolName string
}

// pendingTable tracks in-flight request/response pairs. Each entry has
// its own timeout; a timed-out entry is removed and the caller rejected
// with REQUEST_TIMEOUT naming the tool.
type pendingTable struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{pending: make(map[string]*pendingEntry)}
}

// Add installs an entry and arms its timeout. The returned channel
// receives exactly one outcome.
func (p *pendingTable) Add(requestID, toolName string, timeout time.Duration) <-chan outcome {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	entry := &pendingEntry{
		ch:       make(chan outcome, 1),
		toolName: toolName,
	}
	entry.timer = time.AfterFunc(timeout, func() {
		p.Fail(requestID, wire.NewError(wire.CodeRequestTimeout,
			"request "+requestID+" ("+toolName+") timed out after "+timeout.String()))
	})

	p.mu.Lock()
	p.pending[requestID] = entry
	p.mu.Unlock()
	return entry.ch
}

// Complete resolves the entry with a response frame. Returns false when
// no entry is pending under that id (late or unknown response).
func (p *pendingTable) Complete(requestID string, f wire.Frame) bool {
	entry := p.take(requestID)
	if entry == nil {
		return false
	}
	entry.ch <- outcome{frame: f}
	return true
}

// Fail rejects the entry with a protocol error.
func (p *pendingTable) Fail(requestID string, werr *wire.Error) bool {
	entry := p.take(requestID)
	if entry == nil {
		return false
	}
	entry.ch <- outcome{err: werr}
	return true
}

// FailAll rejects every pending entry with the same error. Used on
// reconnect: requests are never replayed, callers decide whether to retry.
func (p *pendingTable) FailAll(werr *wire.Error) int {
	p.mu.Lock()
	entries := p.pending
	p.pending = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.ch <- outcome{err: werr}
	}
	return len(entries)
}

// Len returns the number of in-flight requests.
func (p *pendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *pendingTable) take(requestID string) *pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.pending[requestID]
	if !ok {
		return nil
	}
	delete(p.pending, requestID)
	entry.timer.Stop()
	return entry
}
