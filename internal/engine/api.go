package engine

import (
	"context"
	"encoding/json"

	"github.com/stemsi/exstem-taker/internal/model"
)

// API is the server collaborator. Implementations must classify their failures
// into *Error values; the engine never re-interprets them.
type API interface {
	StartSession(ctx context.Context, testID string, forceNew bool) (*model.SessionInfo, error)
	RejoinSession(ctx context.Context, sessionID string) (*model.SessionInfo, error)
	SubmitAnswer(ctx context.Context, sessionID string, questionIndex int, answer json.RawMessage) (*model.Ack, error)
	SkipQuestion(ctx context.Context, sessionID string, questionIndex int) (*model.Ack, error)
	NavigateToQuestion(ctx context.Context, sessionID string, index int) (*model.QuestionState, error)
	SubmitSection(ctx context.Context, sessionID string) (*model.SectionSummary, error)
	SubmitTest(ctx context.Context, sessionID string) (*model.FinalScore, error)
	AbandonTest(ctx context.Context, sessionID string) (*model.Ack, error)
}

// EventPublisher receives attempt lifecycle events for the proctor monitor.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.AttemptEvent)
}

// DraftSink mirrors staged answers over the real-time channel.
// Mirroring is best effort and must not block.
type DraftSink interface {
	MirrorDraft(sessionID string, questionIndex int, answer json.RawMessage)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.AttemptEvent) {}

type nopDraftSink struct{}

func (nopDraftSink) MirrorDraft(string, int, json.RawMessage) {}
