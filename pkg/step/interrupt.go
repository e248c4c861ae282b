package step

import "sync/atomic"

// Interrupt is a cooperative cancellation flag: raising it asks the
// current step to stop at its next check point (between a streamed token,
// before starting a tool, between multi-tool executions) without tearing
// down the whole session the way a context cancellation would. The step
// engine clears it automatically once a step observes and honors it.
type Interrupt struct {
	flag atomic.Bool
}

// NewInterrupt returns a lowered Interrupt.
func NewInterrupt() *Interrupt {
	return &Interrupt{}
}

// Raise requests the current step stop as soon as it next checks.
func (i *Interrupt) Raise() {
	i.flag.Store(true)
}

// Requested reports whether Raise has been called since the last Clear.
func (i *Interrupt) Requested() bool {
	return i.flag.Load()
}

// Clear lowers the flag, called once the engine has acted on it.
func (i *Interrupt) Clear() {
	i.flag.Store(false)
}
