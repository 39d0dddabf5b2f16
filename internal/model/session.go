package model

import (
	"encoding/json"
	"time"
)

// SessionStatus enumerates the lifecycle states of a test-taking session.
type SessionStatus string

const (
	SessionStatusStarting   SessionStatus = "starting"
	SessionStatusActive     SessionStatus = "active"
	SessionStatusReviewing  SessionStatus = "reviewing"
	SessionStatusSubmitting SessionStatus = "submitting"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusAbandoned  SessionStatus = "abandoned"
	SessionStatusError      SessionStatus = "error"
)

// IsTerminal reports whether no further transition can leave the status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

// SectionStatus enumerates the states of one section of a sectioned test.
type SectionStatus string

const (
	SectionStatusPending   SectionStatus = "pending"
	SectionStatusActive    SectionStatus = "active"
	SectionStatusSubmitted SectionStatus = "submitted"
	SectionStatusExpired   SectionStatus = "expired"
)

// IsTerminal reports whether the section has been finalized, manually or by time.
func (s SectionStatus) IsTerminal() bool {
	return s == SectionStatusSubmitted || s == SectionStatusExpired
}

// Section is a named, separately timed subdivision of a sectioned test.
type Section struct {
	Name            string        `json:"name"`
	QuestionCount   int           `json:"question_count"`
	DurationSeconds int           `json:"duration_seconds"`
	Status          SectionStatus `json:"status"`
}

// QuestionState is the question currently being answered.
// Payload is opaque to the engine; only the question renderer interprets it.
type QuestionState struct {
	SectionIndex   int             `json:"section_index"`
	QuestionIndex  int             `json:"question_index"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RecordedAnswer json.RawMessage `json:"recorded_answer,omitempty"`
}

// SessionInfo is the server-authoritative snapshot returned by start and rejoin.
type SessionInfo struct {
	SessionID            string         `json:"session_id"`
	TestID               string         `json:"test_id"`
	UserID               string         `json:"user_id"`
	UseSections          bool           `json:"use_sections"`
	Sections             []Section      `json:"sections,omitempty"`
	CurrentSectionIndex  int            `json:"current_section_index"`
	CurrentQuestionIndex int            `json:"current_question_index"`
	AnsweredQuestions    []int          `json:"answered_questions"`
	SkippedQuestions     []int          `json:"skipped_questions"`
	TotalQuestions       int            `json:"total_questions"`
	RemainingSeconds     int            `json:"remaining_seconds"`
	Reviewing            bool           `json:"reviewing"`
	Question             *QuestionState `json:"question,omitempty"`
	AttemptsUsed         int            `json:"attempts_used"`
	AttemptsAllowed      int            `json:"attempts_allowed"`
}

// ExistingSession describes a session that blocks a new start.
type ExistingSession struct {
	SessionID string    `json:"session_id"`
	TestID    string    `json:"test_id"`
	StartedAt time.Time `json:"started_at"`
	Resumable bool      `json:"resumable"`
}

// Ack is the acknowledgement returned by answer, skip and abandon calls.
type Ack struct {
	OK      bool      `json:"ok"`
	SavedAt time.Time `json:"saved_at"`
}

// SectionSummary is returned when a section is finalized.
type SectionSummary struct {
	SectionIndex       int            `json:"section_index"`
	Answered           int            `json:"answered"`
	Skipped            int            `json:"skipped"`
	NextSectionIndex   int            `json:"next_section_index"`
	NextSectionSeconds int            `json:"next_section_seconds"`
	Question           *QuestionState `json:"question,omitempty"`
}

// FinalScore is returned when the whole test is submitted.
type FinalScore struct {
	Score      float64   `json:"score"`
	MaxScore   float64   `json:"max_score"`
	Answered   int       `json:"answered"`
	Skipped    int       `json:"skipped"`
	FinishedAt time.Time `json:"finished_at"`
}

// StartSessionRequest is the body sent when starting an attempt.
type StartSessionRequest struct {
	ForceNew bool `json:"force_new"`
}

// SubmitAnswerRequest is the body sent when persisting an answer.
type SubmitAnswerRequest struct {
	Answer json.RawMessage `json:"answer"`
}
