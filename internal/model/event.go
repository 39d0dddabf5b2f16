package model

import "time"

// AttemptEventType enumerates the lifecycle events published to the proctor monitor.
type AttemptEventType string

const (
	AttemptEventStarted          AttemptEventType = "session_started"
	AttemptEventRejoined         AttemptEventType = "session_rejoined"
	AttemptEventAnswerSubmitted  AttemptEventType = "answer_submitted"
	AttemptEventQuestionSkipped  AttemptEventType = "question_skipped"
	AttemptEventSectionSubmitted AttemptEventType = "section_submitted"
	AttemptEventTestSubmitted    AttemptEventType = "test_submitted"
	AttemptEventAbandoned        AttemptEventType = "test_abandoned"
	AttemptEventTimerExpired     AttemptEventType = "timer_expired"
	AttemptEventOffline          AttemptEventType = "network_offline"
	AttemptEventOnline           AttemptEventType = "network_online"
)

// AttemptEvent is one entry of the live monitor feed.
type AttemptEvent struct {
	Type      AttemptEventType `json:"type"`
	SessionID string           `json:"session_id"`
	TestID    string           `json:"test_id"`
	UserID    string           `json:"user_id,omitempty"`
	Payload   any              `json:"payload,omitempty"`
	At        time.Time        `json:"at"`
}
