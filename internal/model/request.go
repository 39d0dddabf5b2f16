package model

import "encoding/json"

// Request bodies accepted by the local UI adapter.

type StartRequest struct {
	TestID   string `json:"test_id" binding:"required,notblank,max=64"`
	ForceNew bool   `json:"force_new"`
}

type RejoinRequest struct {
	SessionID string `json:"session_id" binding:"required,notblank,max=64"`
}

type NavigateRequest struct {
	Index   *int `json:"index" binding:"required,min=0"`
	Section *int `json:"section" binding:"omitempty,min=0"`
}

type AnswerRequest struct {
	Answer json.RawMessage `json:"answer" binding:"required"`
}

type RestoreRequest struct {
	Choice string `json:"choice" binding:"required,oneof=resume start_fresh"`
}

type NetworkRequest struct {
	Online *bool `json:"online" binding:"required"`
}
