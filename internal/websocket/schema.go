package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing     Action = "ping"
	ActionAutosave Action = "autosave"
	// ActionNetwork is sent by the UI to report browser online/offline events.
	ActionNetwork Action = "network"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AutosaveRequest mirrors a staged, not yet submitted answer to the server.
type AutosaveRequest struct {
	Action        Action          `json:"action"`
	SessionID     string          `json:"session_id"`
	QuestionIndex int             `json:"question_index"`
	Answer        json.RawMessage `json:"answer"`
}

// NetworkRequest reports the UI's view of network reachability.
type NetworkRequest struct {
	Action Action `json:"action"`
	Online bool   `json:"online"`
}

type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError       Event = "error"
	EventPong        Event = "pong"
	EventTimeSync    Event = "time_sync"
	EventForceSubmit Event = "force_submit"
	EventSnapshot    Event = "snapshot"
)

// EventEnvelope is used to peek at the event before full parsing.
type EventEnvelope struct {
	Event Event `json:"event"`
}

// TimeSyncEvent carries the server-authoritative remaining time of the active scope.
type TimeSyncEvent struct {
	Event            Event  `json:"event"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Scope            string `json:"scope,omitempty"`
}

// ForceSubmitEvent tells the client the server ended the current scope.
type ForceSubmitEvent struct {
	Event  Event  `json:"event"`
	Reason string `json:"reason,omitempty"`
}

// SnapshotEvent pushes engine state to the UI.
type SnapshotEvent struct {
	Event    Event `json:"event"`
	Snapshot any   `json:"snapshot"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
