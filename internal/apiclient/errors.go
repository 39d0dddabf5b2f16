package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stemsi/exstem-taker/internal/engine"
	"github.com/stemsi/exstem-taker/internal/model"
	"github.com/stemsi/exstem-taker/internal/response"
)

// UpstreamError is the raw failure reported by the exam server. It is kept as
// the cause of the classified engine error for logging.
type UpstreamError struct {
	Status  int
	Code    response.ErrCode
	Message string
	Fields  map[string]string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

// envelope is the exam server's response shape.
type envelope struct {
	Data     json.RawMessage     `json:"data"`
	Error    *response.ErrorBody `json:"error"`
	Metadata response.Metadata   `json:"metadata"`
}

type conflictData struct {
	ExistingSession *model.ExistingSession `json:"existing_session"`
}

// classifyTransport turns a failed round trip into an engine error. Every
// transport failure is treated as the network being unavailable.
func classifyTransport(err error) *engine.Error {
	if errors.Is(err, context.Canceled) {
		return engine.NewOfflineError(fmt.Errorf("request canceled: %w", err))
	}
	return engine.NewOfflineError(err)
}

// classifyResponse maps a non-success envelope to an engine error exactly once.
func classifyResponse(status int, env *envelope) *engine.Error {
	up := &UpstreamError{Status: status, Message: http.StatusText(status)}
	if env != nil && env.Error != nil {
		up.Code = env.Error.Code
		up.Fields = env.Error.Fields
		if env.Error.Message != "" {
			up.Message = env.Error.Message
		}
	}

	switch up.Code {
	case response.ErrExistingSession:
		return engine.NewConflictError(existingSession(env), up)
	case response.ErrRecoveryFailed:
		return engine.NewRecoveryFailure(up)
	case response.ErrNotFound:
		return engine.NewFatalError(engine.CodeSessionNotFound, "This session no longer exists.", up)
	case response.ErrValidation, response.ErrInvalidPayload, response.ErrInvalidID:
		e := engine.NewValidationError(engine.CodeInvalidState, up.Message)
		e.Err = up
		return e
	case response.ErrTokenExpired, response.ErrTokenInvalid, response.ErrTokenRequired:
		return engine.NewFatalError(engine.CodeTokenExpired, "Your login has expired. Please log in again.", up)
	}

	switch {
	case status == http.StatusConflict:
		if existing := existingSession(env); existing != nil {
			return engine.NewConflictError(existing, up)
		}
		return engine.NewFatalError(engine.CodeServer, up.Message, up)
	case status == http.StatusNotFound:
		return engine.NewFatalError(engine.CodeSessionNotFound, "This session no longer exists.", up)
	case status == http.StatusUnauthorized:
		return engine.NewFatalError(engine.CodeTokenExpired, "Your login has expired. Please log in again.", up)
	case status == http.StatusTooManyRequests, status >= 500:
		return engine.NewUnavailableError(up)
	case status >= 400:
		e := engine.NewValidationError(engine.CodeInvalidState, up.Message)
		e.Err = up
		return e
	}
	return engine.NewFatalError(engine.CodeServer, up.Message, up)
}

func existingSession(env *envelope) *model.ExistingSession {
	if env == nil || len(env.Data) == 0 {
		return nil
	}
	var data conflictData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil
	}
	return data.ExistingSession
}
