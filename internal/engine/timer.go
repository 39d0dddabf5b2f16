package engine

import "fmt"

// Scope is the timing and submission unit currently active.
type Scope string

const (
	ScopeTest    Scope = "test"
	ScopeSection Scope = "section"
)

// TimerState is the observable state of the countdown.
type TimerState struct {
	RemainingSeconds int    `json:"remaining_seconds"`
	Scope            Scope  `json:"scope"`
	IsPaused         bool   `json:"is_paused"`
	Running          bool   `json:"running"`
	Formatted        string `json:"formatted"`
}

// Timer counts down the active scope one tick at a time. It is driven by the
// Machine's run loop and holds no goroutine of its own.
type Timer struct {
	remaining int
	scope     Scope
	paused    bool
	running   bool
	expired   bool
}

// NewTimer returns a stopped timer.
func NewTimer() *Timer {
	return &Timer{scope: ScopeTest}
}

// Reset arms the timer for a new scope with the given allotment.
func (t *Timer) Reset(seconds int, scope Scope) {
	if seconds < 0 {
		seconds = 0
	}
	t.remaining = seconds
	t.scope = scope
	t.running = true
	t.expired = false
}

// Sync adopts a server-authoritative remaining time without re-arming expiry.
func (t *Timer) Sync(seconds int) {
	if !t.running || t.expired {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	t.remaining = seconds
}

// Stop halts the countdown for good, e.g. once the test is completed.
func (t *Timer) Stop() {
	t.running = false
}

// SetPaused pauses or resumes advancement. Paused ticks are dropped, so
// wall-clock time spent offline never decrements the countdown.
func (t *Timer) SetPaused(paused bool) {
	t.paused = paused
}

// Tick advances one second. It reports true exactly once per scope: on the
// tick that finds the countdown at zero.
func (t *Timer) Tick() bool {
	if !t.running || t.paused || t.expired {
		return false
	}
	if t.remaining > 0 {
		t.remaining--
	}
	if t.remaining == 0 {
		t.expired = true
		return true
	}
	return false
}

// Expired reports whether the current scope ran out.
func (t *Timer) Expired() bool {
	return t.expired
}

// Remaining returns the seconds left in the current scope.
func (t *Timer) Remaining() int {
	return t.remaining
}

// State returns the observable timer state.
func (t *Timer) State() TimerState {
	return TimerState{
		RemainingSeconds: t.remaining,
		Scope:            t.scope,
		IsPaused:         t.paused,
		Running:          t.running,
		Formatted:        FormatTimeRemaining(t.remaining),
	}
}

// FormatTimeRemaining renders seconds as HH:MM:SS, or MM:SS under an hour.
func FormatTimeRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
