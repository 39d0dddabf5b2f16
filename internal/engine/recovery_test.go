package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stemsi/exstem-taker/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestResolveStartFailure(t *testing.T) {
	resumable := &model.ExistingSession{SessionID: "old", TestID: "t-1", Resumable: true}
	stale := &model.ExistingSession{SessionID: "old", TestID: "t-1"}

	tests := []struct {
		name string
		err  error
		want ResolutionKind
		typ  ErrorType
	}{
		{"resumable conflict", NewConflictError(resumable, nil), ResolutionRejoin, ErrorConflict},
		{"non resumable conflict", NewConflictError(stale, nil), ResolutionChoose, ErrorConflict},
		{"wrapped conflict", fmt.Errorf("start: %w", NewConflictError(resumable, nil)), ResolutionRejoin, ErrorConflict},
		{"recovery failure", NewRecoveryFailure(nil), ResolutionRecoveryFailed, ErrorRecoveryFailed},
		{"recovery by message", errors.New("previous session could not be restored"), ResolutionRecoveryFailed, ErrorRecoveryFailed},
		{"recovery by fatal message", NewFatalError(CodeServer, "Technical recovery failed", nil), ResolutionRecoveryFailed, ErrorRecoveryFailed},
		{"offline", NewOfflineError(nil), ResolutionFatal, ErrorFatal},
		{"deadline", context.DeadlineExceeded, ResolutionFatal, ErrorFatal},
		{"unknown", errors.New("boom"), ResolutionFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolveStartFailure(tt.err)
			assert.Equal(t, tt.want, res.Kind)
			if assert.NotNil(t, res.Err) {
				assert.Equal(t, tt.typ, res.Err.Type)
			}
		})
	}
}

func TestRecoveryFailureOffersOnlyStartFresh(t *testing.T) {
	res := ResolveStartFailure(NewRecoveryFailure(nil))
	assert.Equal(t, []Option{OptionStartFresh}, res.Err.Options)
	assert.Contains(t, res.Err.Message, "will not count against your attempt limit")

	r := recoveryRestoration()
	assert.Equal(t, []Option{OptionStartFresh}, r.Options)
	assert.True(t, r.AttemptNeutral)
}

func TestRestorationFor(t *testing.T) {
	r := restorationFor(&model.ExistingSession{SessionID: "old"})
	assert.Equal(t, []Option{OptionResume, OptionStartFresh}, r.Options)

	r = restorationFor(nil)
	assert.Equal(t, []Option{OptionStartFresh}, r.Options)
}

func TestOfflineErrorIsRetryable(t *testing.T) {
	e := classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, ErrorOffline, e.Type)
	assert.True(t, e.Retryable)
	assert.True(t, IsType(e, ErrorOffline))
	assert.ErrorIs(t, e, context.DeadlineExceeded)
}
