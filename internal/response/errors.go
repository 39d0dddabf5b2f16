package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Session-specific ──────────────────────────────────────────────
	ErrExistingSession   ErrCode = "EXISTING_SESSION_CONFLICT"
	ErrRecoveryFailed    ErrCode = "SESSION_RECOVERY_FAILED"
	ErrAlreadySubmitting ErrCode = "ALREADY_SUBMITTING"
	ErrInvalidState      ErrCode = "INVALID_STATE"
	ErrOutOfRange        ErrCode = "OUT_OF_RANGE"
	ErrSectionLocked     ErrCode = "SECTION_LOCKED"
	ErrNoAnswer          ErrCode = "NO_ANSWER"
	ErrAnswerStaged      ErrCode = "ANSWER_STAGED"
	ErrReviewReadOnly    ErrCode = "REVIEW_READ_ONLY"

	// ─── Server ────────────────────────────────────────────────────────
	ErrOffline           ErrCode = "OFFLINE"
	ErrUpstream          ErrCode = "UPSTREAM_ERROR"
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"
	ErrMonitorDisabled   ErrCode = "MONITOR_DISABLED"
	ErrInternal          ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired. Please log in again."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Session-specific ──────────────────────────────────────────────
	case ErrExistingSession:
		return "You already have a session in progress for this test."
	case ErrRecoveryFailed:
		return "Your previous session could not be restored. This will not count against your attempt limit."
	case ErrAlreadySubmitting:
		return "Please wait, your previous action is still being saved."
	case ErrInvalidState:
		return "This action is not available right now."
	case ErrOutOfRange:
		return "That question does not exist in this section."
	case ErrSectionLocked:
		return "You can't go back to a previous section once it is submitted or its time has expired."
	case ErrNoAnswer:
		return "There is no answer to submit."
	case ErrAnswerStaged:
		return "Clear your answer before skipping this question."
	case ErrReviewReadOnly:
		return "Answers cannot be changed during review."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrOffline:
		return "You are offline. Your progress is kept."
	case ErrUpstream:
		return "The exam server returned an error."
	case ErrRateLimitExceeded:
		return "Too many requests. Please slow down."
	case ErrMonitorDisabled:
		return "The monitor feed is disabled. Set REDIS_URL to enable it."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
