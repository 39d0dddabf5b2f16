package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-taker/internal/engine"
)

// ToastType is the severity a UI notification is rendered with.
type ToastType string

const (
	ToastInfo    ToastType = "info"
	ToastWarning ToastType = "warning"
	ToastError   ToastType = "error"
)

// Toast is the UI notification derived from an engine error.
type Toast struct {
	Type      ToastType        `json:"type"`
	Code      ErrCode          `json:"code"`
	ErrorType engine.ErrorType `json:"error_type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Options   []engine.Option  `json:"options,omitempty"`
}

// ToastFor maps an engine error to its HTTP status and toast.
func ToastFor(e *engine.Error) (int, Toast) {
	t := Toast{
		ErrorType: e.Type,
		Message:   e.Message,
		Retryable: e.Retryable,
		Options:   e.Options,
	}

	status := http.StatusInternalServerError
	switch e.Type {
	case engine.ErrorValidation:
		status, t.Type, t.Title = http.StatusUnprocessableEntity, ToastWarning, "Action not allowed"
		t.Code = validationCode(e.Code)
		if e.Code == engine.CodeInvalidState || e.Code == engine.CodeUnmounted {
			status = http.StatusConflict
		}
	case engine.ErrorAlreadySubmitting:
		status, t.Type, t.Title, t.Code = http.StatusConflict, ToastInfo, "Please wait", ErrAlreadySubmitting
	case engine.ErrorOffline:
		status, t.Type, t.Title, t.Code = http.StatusServiceUnavailable, ToastWarning, "You are offline", ErrOffline
		if e.Code == engine.CodeUnavailable {
			t.Title = "Server busy"
		}
	case engine.ErrorConflict:
		status, t.Type, t.Title, t.Code = http.StatusConflict, ToastWarning, "Session in progress", ErrExistingSession
	case engine.ErrorRecoveryFailed:
		status, t.Type, t.Title, t.Code = http.StatusConflict, ToastError, "Session could not be restored", ErrRecoveryFailed
	default:
		status, t.Type, t.Title, t.Code = http.StatusBadGateway, ToastError, "Something went wrong", ErrUpstream
		switch e.Code {
		case engine.CodeSessionNotFound:
			status, t.Code = http.StatusNotFound, ErrNotFound
		case engine.CodeTokenExpired:
			status, t.Code = http.StatusUnauthorized, ErrTokenExpired
		}
	}
	if t.Message == "" {
		t.Message = GetMessage(t.Code)
	}
	return status, t
}

func validationCode(code engine.Code) ErrCode {
	switch code {
	case engine.CodeOutOfRange:
		return ErrOutOfRange
	case engine.CodeLocked:
		return ErrSectionLocked
	case engine.CodeNoAnswer:
		return ErrNoAnswer
	case engine.CodeAnswerStaged:
		return ErrAnswerStaged
	case engine.CodeReviewReadOnly:
		return ErrReviewReadOnly
	case engine.CodeInvalidState, engine.CodeUnmounted:
		return ErrInvalidState
	}
	return ErrValidation
}

// FailWithToast sends an error response carrying the toast derived from err.
// Errors outside the engine taxonomy are reported as internal errors.
func FailWithToast(c *gin.Context, err error) {
	e, ok := engine.AsError(err)
	if !ok {
		Fail(c, http.StatusInternalServerError, ErrInternal)
		return
	}
	status, toast := ToastFor(e)
	c.JSON(status, Response{
		Data:     nil,
		Error:    &ErrorBody{Code: toast.Code, Message: toast.Message},
		Toast:    &toast,
		Metadata: buildMetadata(c),
	})
}
