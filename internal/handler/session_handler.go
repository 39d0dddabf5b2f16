package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-taker/internal/engine"
	"github.com/stemsi/exstem-taker/internal/model"
	"github.com/stemsi/exstem-taker/internal/response"
	"github.com/stemsi/exstem-taker/internal/validator"
)

// SessionEngine is the part of engine.Machine the UI adapter drives.
type SessionEngine interface {
	Dispatch(ctx context.Context, msg engine.Message) error
	Snapshot() engine.Snapshot
	Subscribe() (<-chan engine.Snapshot, func())
}

// SessionHandler turns UI requests into engine intents and answers with the
// resulting snapshot.
type SessionHandler struct {
	engine SessionEngine
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(e SessionEngine) *SessionHandler {
	return &SessionHandler{engine: e}
}

// GetSnapshot godoc
// GET /api/v1/session
func (h *SessionHandler) GetSnapshot(c *gin.Context) {
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}

// Start godoc
// POST /api/v1/session/start
func (h *SessionHandler) Start(c *gin.Context) {
	var req model.StartRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.dispatch(c, engine.StartIntent{TestID: req.TestID, ForceNew: req.ForceNew})
}

// Rejoin godoc
// POST /api/v1/session/rejoin
func (h *SessionHandler) Rejoin(c *gin.Context) {
	var req model.RejoinRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.dispatch(c, engine.RejoinIntent{SessionID: req.SessionID})
}

// Navigate godoc
// POST /api/v1/session/navigate
// Section is only sent when the UI jumps to another section's question.
func (h *SessionHandler) Navigate(c *gin.Context) {
	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.dispatch(c, engine.NavigateIntent{Index: *req.Index, Section: req.Section})
}

// UpdateAnswer godoc
// PUT /api/v1/session/answer
// Stages the answer locally; nothing is sent to the exam server yet.
func (h *SessionHandler) UpdateAnswer(c *gin.Context) {
	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.dispatch(c, engine.UpdateAnswerIntent{Value: req.Answer})
}

// Restore godoc
// POST /api/v1/session/restore
func (h *SessionHandler) Restore(c *gin.Context) {
	var req model.RestoreRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.dispatch(c, engine.RestoreIntent{Choice: engine.Option(req.Choice)})
}

// Network godoc
// POST /api/v1/session/network
// Browser online/offline events.
func (h *SessionHandler) Network(c *gin.Context) {
	var req model.NetworkRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.dispatch(c, engine.NetworkEvent{Online: *req.Online})
}

// Intent returns a handler for bodyless intents such as skip or submit.
func (h *SessionHandler) Intent(msg engine.Message) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.dispatch(c, msg)
	}
}

func (h *SessionHandler) dispatch(c *gin.Context, msg engine.Message) {
	if err := h.engine.Dispatch(c.Request.Context(), msg); err != nil {
		_ = c.Error(err)
		response.FailWithToast(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}
