// Package cost implements per-session cost and token accounting: the
// additive Entry ledger, cache-hit-rate, and the threshold-crossing
// warning used by the cost-awareness hook.
package cost

import (
	"sync"
	"time"
)

// Entry records the usage and price of a single completed provider request.
type Entry struct {
	Timestamp           time.Time
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
}

// Summary is the additive rollup of every Entry recorded for a session.
type Summary struct {
	TotalCostUSD               float64
	TotalInputTokens           int
	TotalOutputTokens          int
	TotalCacheReadTokens       int
	TotalCacheCreationTokens   int
	RequestCount               int
}

// SessionCosts accumulates Entry records for exactly one session. It is
// safe for concurrent use; callers keep one instance per session so that
// costs are isolated even when multiple sessions share a process.
type SessionCosts struct {
	mu       sync.Mutex
	entries  []Entry
	observer func(e Entry, totalCostUSD float64)
}

// SetObserver registers fn to run after every Record with the new entry
// and the updated running total — the Prometheus bridge hangs off this.
func (s *SessionCosts) SetObserver(fn func(e Entry, totalCostUSD float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// NewSessionCosts returns an empty accumulator.
func NewSessionCosts() *SessionCosts {
	return &SessionCosts{}
}

// Record appends e to the ledger.
func (s *SessionCosts) Record(e Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	var total float64
	for _, en := range s.entries {
		total += en.CostUSD
	}
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(e, total)
	}
}

// Entries returns a snapshot of every recorded entry, oldest first.
func (s *SessionCosts) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// TotalCostUSD is the sum of every recorded entry's cost. Additive by
// construction: sum(entry.cost) == TotalCostUSD for any sequence of entries.
func (s *SessionCosts) TotalCostUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, e := range s.entries {
		total += e.CostUSD
	}
	return total
}

// Summarize computes the additive rollup described above.
func (s *SessionCosts) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum Summary
	for _, e := range s.entries {
		sum.TotalCostUSD += e.CostUSD
		sum.TotalInputTokens += e.InputTokens
		sum.TotalOutputTokens += e.OutputTokens
		sum.TotalCacheReadTokens += e.CacheReadTokens
		sum.TotalCacheCreationTokens += e.CacheCreationTokens
	}
	sum.RequestCount = len(s.entries)
	return sum
}

// CacheHitRate is cache_read / (input + cache_read + cache_creation). The
// denominator includes plain (non-cached) input tokens deliberately: some
// content is intentionally never cached (single-turn hook context), and
// excluding it would overstate efficiency. Returns 0 when the session has
// recorded no tokens at all.
func (s *SessionCosts) CacheHitRate() float64 {
	sum := s.Summarize()
	denom := sum.TotalInputTokens + sum.TotalCacheReadTokens + sum.TotalCacheCreationTokens
	if denom == 0 {
		return 0
	}
	return float64(sum.TotalCacheReadTokens) / float64(denom)
}

// WarningThresholds are the exact USD values at which the cost-awareness
// hook (Awareness.onMessagePost) stages a pending warning for the next
// user turn.
var WarningThresholds = []float64{
	0.10, 0.50, 1, 5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 200, 500, 1000,
}

// CrossedThreshold returns the highest threshold in WarningThresholds that
// lies in the open interval (before, after], or 0 (ok=false) if none was
// crossed by this request.
func CrossedThreshold(before, after float64) (threshold float64, ok bool) {
	for i := len(WarningThresholds) - 1; i >= 0; i-- {
		t := WarningThresholds[i]
		if before < t && after >= t {
			return t, true
		}
	}
	return 0, false
}

// Tracker is the process-wide registry of SessionCosts keyed by session
// ID, constructed once and injected rather than living as a package-level
// global.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*SessionCosts
	metrics  *Metrics
}

// AttachMetrics makes every subsequently started session report its
// entries to m.
func (t *Tracker) AttachMetrics(m *Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// NewTracker returns an empty Tracker. Call sites that want a process-wide
// singleton construct exactly one and inject it, rather than relying on a
// package-level global.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*SessionCosts)}
}

// StartSession creates (or resets) the ledger for sessionID.
func (t *Tracker) StartSession(sessionID string) *SessionCosts {
	t.mu.Lock()
	defer t.mu.Unlock()
	sc := NewSessionCosts()
	if m := t.metrics; m != nil {
		sc.SetObserver(func(e Entry, total float64) {
			m.Observe(sessionID, total, e)
		})
	}
	t.sessions[sessionID] = sc
	return sc
}

// Session returns the ledger for sessionID, or nil if no session with that
// ID has been started.
func (t *Tracker) Session(sessionID string) *SessionCosts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID]
}

// EndSession removes sessionID's ledger, freeing it for garbage collection.
func (t *Tracker) EndSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
