package engine

import (
	"strings"

	"github.com/stemsi/exstem-taker/internal/model"
)

// ResolutionKind is the class a start failure falls into.
type ResolutionKind string

const (
	// ResolutionRejoin: an existing resumable session should be rejoined.
	ResolutionRejoin ResolutionKind = "rejoin"
	// ResolutionChoose: the user must pick between resuming and starting fresh.
	ResolutionChoose ResolutionKind = "choose"
	// ResolutionRecoveryFailed: prior session is unrecoverable; attempt-neutral.
	ResolutionRecoveryFailed ResolutionKind = "recovery_failed"
	// ResolutionFatal: no automatic retry.
	ResolutionFatal ResolutionKind = "fatal"
)

// Resolution is the outcome of classifying a start failure.
type Resolution struct {
	Kind     ResolutionKind
	Conflict *model.ExistingSession
	Err      *Error
}

// Restoration is the choice surfaced to the user after a failed recovery.
type Restoration struct {
	Reason   ErrorType              `json:"reason"`
	Conflict *model.ExistingSession `json:"conflict,omitempty"`
	Options  []Option               `json:"options"`
	// AttemptNeutral is true when the failure does not count against the attempt limit.
	AttemptNeutral bool `json:"attempt_neutral"`
}

var recoveryMarkers = []string{
	"technical recovery",
	"recovery failed",
	"could not be restored",
	"session_recovery_failed",
}

// ResolveStartFailure classifies a StartSession failure.
func ResolveStartFailure(err error) Resolution {
	e := classify(err)

	switch e.Type {
	case ErrorConflict:
		if e.Conflict != nil && e.Conflict.Resumable && e.Conflict.SessionID != "" {
			return Resolution{Kind: ResolutionRejoin, Conflict: e.Conflict, Err: e}
		}
		return Resolution{Kind: ResolutionChoose, Conflict: e.Conflict, Err: e}
	case ErrorRecoveryFailed:
		return Resolution{Kind: ResolutionRecoveryFailed, Err: e}
	}

	if isRecoveryMessage(e.Message) || (e.Err != nil && isRecoveryMessage(e.Err.Error())) {
		return Resolution{Kind: ResolutionRecoveryFailed, Err: NewRecoveryFailure(e)}
	}

	if e.Type != ErrorFatal {
		fatal := NewFatalError(e.Code, e.Message, e)
		fatal.Retryable = e.Retryable
		return Resolution{Kind: ResolutionFatal, Err: fatal}
	}
	return Resolution{Kind: ResolutionFatal, Err: e}
}

func isRecoveryMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range recoveryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func restorationFor(conflict *model.ExistingSession) *Restoration {
	opts := []Option{OptionStartFresh}
	if conflict != nil && conflict.SessionID != "" {
		opts = []Option{OptionResume, OptionStartFresh}
	}
	return &Restoration{Reason: ErrorConflict, Conflict: conflict, Options: opts}
}

func recoveryRestoration() *Restoration {
	return &Restoration{
		Reason:         ErrorRecoveryFailed,
		Options:        []Option{OptionStartFresh},
		AttemptNeutral: true,
	}
}
