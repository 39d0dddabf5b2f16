package engine

import (
	"encoding/json"

	"github.com/stemsi/exstem-taker/internal/model"
)

// Message is anything Machine.Dispatch accepts: UI intents and asynchronous
// events from the timer, the network and the real-time channel.
type Message interface {
	Name() string
}

// ─── UI intents ─────────────────────────────────────────────────────

type StartIntent struct {
	TestID   string
	ForceNew bool
}

type RejoinIntent struct {
	SessionID string
}

// NavigateIntent targets a question of the current section. Section is set
// only when the UI addresses another section explicitly.
type NavigateIntent struct {
	Index   int
	Section *int
}

type UpdateAnswerIntent struct {
	Value json.RawMessage
}

type ClearAnswerIntent struct{}
type SubmitAnswerIntent struct{}
type SkipIntent struct{}
type StartReviewIntent struct{}
type ContinueAnsweringIntent struct{}
type SubmitIntent struct{}
type SubmitSectionIntent struct{}
type SubmitTestIntent struct{}
type AbandonIntent struct{}

type RestoreIntent struct {
	Choice Option
}

type RetryIntent struct{}

func (StartIntent) Name() string             { return "start" }
func (RejoinIntent) Name() string            { return "rejoin" }
func (NavigateIntent) Name() string          { return "navigate" }
func (UpdateAnswerIntent) Name() string      { return "update_answer" }
func (ClearAnswerIntent) Name() string       { return "clear_answer" }
func (SubmitAnswerIntent) Name() string      { return "submit_answer" }
func (SkipIntent) Name() string              { return "skip" }
func (StartReviewIntent) Name() string       { return "start_review" }
func (ContinueAnsweringIntent) Name() string { return "continue_answering" }
func (SubmitIntent) Name() string            { return "submit" }
func (SubmitSectionIntent) Name() string     { return "submit_section" }
func (SubmitTestIntent) Name() string        { return "submit_test" }
func (AbandonIntent) Name() string           { return "abandon" }
func (RestoreIntent) Name() string           { return "restore" }
func (RetryIntent) Name() string             { return "retry" }

// ─── Asynchronous events ────────────────────────────────────────────

type TickEvent struct{}

type NetworkEvent struct {
	Online bool
}

type ChannelEvent struct {
	Connected bool
}

// TimeSyncEvent carries the server-authoritative remaining time.
type TimeSyncEvent struct {
	RemainingSeconds int
}

// ForceSubmitEvent is raised when the server ends the current scope.
type ForceSubmitEvent struct{}

func (TickEvent) Name() string        { return "tick" }
func (NetworkEvent) Name() string     { return "network" }
func (ChannelEvent) Name() string     { return "channel" }
func (TimeSyncEvent) Name() string    { return "time_sync" }
func (ForceSubmitEvent) Name() string { return "force_submit" }

// Snapshot is an immutable copy of engine state handed to the UI layer.
type Snapshot struct {
	State        State                `json:"state"`
	TestID       string               `json:"test_id,omitempty"`
	Session      *Session             `json:"session,omitempty"`
	Question     *model.QuestionState `json:"question,omitempty"`
	Navigation   *NavigationContext   `json:"navigation,omitempty"`
	SubmitRoute  SubmitRoute          `json:"submit_route,omitempty"`
	StagedAnswer json.RawMessage      `json:"staged_answer,omitempty"`
	Timer        TimerState           `json:"timer"`
	Connection   ConnectionStatus     `json:"connection"`
	InFlight     string               `json:"in_flight,omitempty"`
	Restoration  *Restoration         `json:"restoration,omitempty"`
	Error        *Error               `json:"error,omitempty"`
	FinalScore   *model.FinalScore    `json:"final_score,omitempty"`
}
