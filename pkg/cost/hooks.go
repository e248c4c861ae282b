package cost

import (
	"fmt"
	"sync"
	"time"

	"github.com/loopcore/loopcore/pkg/hook"
	"github.com/loopcore/loopcore/pkg/message"
)

// Awareness implements the cost- and token-awareness hooks. Cost warnings
// are staged when a threshold is crossed and injected into the next turn
// rather than the current one, so the warning lands where the next model
// call will actually see it. Token counts are tracked incrementally per
// session instead of re-tokenizing the whole log on every tool run.
type Awareness struct {
	// Lookup resolves a session ID to its cost ledger; typically
	// Tracker.Session.
	Lookup func(sessionID string) *SessionCosts

	// TokenBudget is the per-session token budget announced at session
	// start. Zero disables the token-awareness messages.
	TokenBudget int

	mu       sync.Mutex
	lastCost map[string]float64
	pending  map[string]string
	counted  map[string]int // messages already counted, per session
	used     map[string]int // estimated tokens used, per session
}

// NewAwareness returns an Awareness with no per-session state yet.
func NewAwareness(lookup func(string) *SessionCosts, tokenBudget int) *Awareness {
	return &Awareness{
		Lookup:      lookup,
		TokenBudget: tokenBudget,
		lastCost:    make(map[string]float64),
		pending:     make(map[string]string),
		counted:     make(map[string]int),
		used:        make(map[string]int),
	}
}

// RegisterHooks installs the awareness handlers on bus.
func (a *Awareness) RegisterHooks(bus *hook.Bus) {
	bus.Register(hook.MessagePostProcess, 0, a.onMessagePost)
	bus.Register(hook.MessagePreProcess, 0, a.onMessagePre)
	if a.TokenBudget > 0 {
		bus.Register(hook.SessionStart, 0, a.onSessionStart)
		bus.Register(hook.ToolPostExecute, 0, a.onToolPost)
	}
}

// onMessagePost checks whether the session's cumulative cost crossed a
// warning threshold since the previous request and, if so, stages a
// pending warning for the next turn.
func (a *Awareness) onMessagePost(hc hook.Context) ([]message.Message, error) {
	if a.Lookup == nil {
		return nil, nil
	}
	sc := a.Lookup(hc.SessionID)
	if sc == nil {
		return nil, nil
	}
	total := sc.TotalCostUSD()

	a.mu.Lock()
	defer a.mu.Unlock()
	before := a.lastCost[hc.SessionID]
	a.lastCost[hc.SessionID] = total
	if threshold, crossed := CrossedThreshold(before, total); crossed {
		a.pending[hc.SessionID] = fmt.Sprintf(
			"<cost_warning>Session cost has passed $%.2f (now $%.4f).</cost_warning>", threshold, total)
	}
	return nil, nil
}

// onMessagePre injects any staged cost warning as a hidden system message
// at the start of the next turn, then clears it.
func (a *Awareness) onMessagePre(hc hook.Context) ([]message.Message, error) {
	a.mu.Lock()
	warning, ok := a.pending[hc.SessionID]
	if ok {
		delete(a.pending, hc.SessionID)
	}
	a.mu.Unlock()
	if !ok {
		return nil, nil
	}
	m := message.New(message.RoleSystem, warning, time.Now)
	m.Hide = true
	return []message.Message{m}, nil
}

func (a *Awareness) onSessionStart(hc hook.Context) ([]message.Message, error) {
	m := message.New(message.RoleSystem, TokenBudgetTag(a.TokenBudget), time.Now)
	m.Hide = true
	return []message.Message{m}, nil
}

// onToolPost re-estimates the session's token usage from only the log
// messages appended since the last check and yields an updated budget
// warning.
func (a *Awareness) onToolPost(hc hook.Context) ([]message.Message, error) {
	a.mu.Lock()
	from := a.counted[hc.SessionID]
	if from > len(hc.Log) {
		from = 0 // log was truncated (/undo); recount
		a.used[hc.SessionID] = 0
	}
	for _, m := range hc.Log[from:] {
		a.used[hc.SessionID] += EstimateTokens(m.Content)
	}
	a.counted[hc.SessionID] = len(hc.Log)
	used := a.used[hc.SessionID]
	a.mu.Unlock()

	m := message.New(message.RoleSystem, TokenUsageWarning(used, a.TokenBudget), time.Now)
	m.Hide = true
	return []message.Message{m}, nil
}

// EstimateTokens approximates the token count of content. Four characters
// per token is the conventional rough cut for English prose and code; the
// budget messages are advisory, not billing.
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}
