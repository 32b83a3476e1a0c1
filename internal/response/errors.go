package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden ErrCode = "FORBIDDEN"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation       ErrCode = "VALIDATION_ERROR"
	ErrInvalidID        ErrCode = "INVALID_ID"
	ErrInvalidPayload   ErrCode = "INVALID_PAYLOAD"
	ErrInvalidEventType ErrCode = "INVALID_EVENT_TYPE"
	ErrInvalidSeverity  ErrCode = "INVALID_SEVERITY"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Session ───────────────────────────────────────────────────────
	ErrQuizLoadFailed        ErrCode = "QUIZ_LOAD_FAILED"
	ErrAttemptStartFailed    ErrCode = "ATTEMPT_START_FAILED"
	ErrConsentIncomplete     ErrCode = "CONSENT_INCOMPLETE"
	ErrAlreadyConsented      ErrCode = "ALREADY_CONSENTED"
	ErrSessionNotActive      ErrCode = "SESSION_NOT_ACTIVE"
	ErrUnknownQuestion       ErrCode = "UNKNOWN_QUESTION"
	ErrInvalidAnswer         ErrCode = "INVALID_ANSWER"
	ErrIndexOutOfRange       ErrCode = "INDEX_OUT_OF_RANGE"
	ErrFullscreenUnavailable ErrCode = "FULLSCREEN_UNAVAILABLE"
	ErrUnknownAction         ErrCode = "UNKNOWN_ACTION"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrUpstream ErrCode = "UPSTREAM_ERROR"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
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
		return "Authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You are not allowed to access this resource."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrInvalidEventType:
		return "Unknown proctoring event type."
	case ErrInvalidSeverity:
		return "Severity must be one of info, warning or critical."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Session ───────────────────────────────────────────────────────
	case ErrQuizLoadFailed:
		return "The quiz could not be loaded."
	case ErrAttemptStartFailed:
		return "The attempt could not be started."
	case ErrConsentIncomplete:
		return "Acknowledge the rules and grant camera and fullscreen access to begin."
	case ErrAlreadyConsented:
		return "The exam has already started."
	case ErrSessionNotActive:
		return "The exam is not in progress."
	case ErrUnknownQuestion:
		return "Unknown question."
	case ErrInvalidAnswer:
		return "The answer is not one of the question's options."
	case ErrIndexOutOfRange:
		return "Question index out of range."
	case ErrFullscreenUnavailable:
		return "Fullscreen could not be requested."
	case ErrUnknownAction:
		return "Unknown action."

	// ─── Upstream ──────────────────────────────────────────────────────
	case ErrUpstream:
		return "An upstream service failed. Please try again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
