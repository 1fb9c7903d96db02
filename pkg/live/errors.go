package live

import (
	"strings"

	"github.com/coder/websocket"
)

// ErrorCode enumerates every error condition the gateway can surface.
// Recoverability is a property of the code, not a free-form flag: callers
// decide between retry/continue and session termination via Recoverable.
type ErrorCode string

const (
	CodeAuthFailed         ErrorCode = "AUTH_FAILED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeStreamError        ErrorCode = "STREAM_ERROR"
	CodeToolTimeout        ErrorCode = "TOOL_TIMEOUT"
	CodeToolExecutionError ErrorCode = "TOOL_EXECUTION_ERROR"
	CodeInvalidParameters  ErrorCode = "INVALID_PARAMETERS"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolCancelled      ErrorCode = "TOOL_CANCELLED"
	CodeConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	CodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionExpired     ErrorCode = "SESSION_EXPIRED"
	CodeGoAway             ErrorCode = "GO_AWAY"
	CodeReconnectFailed    ErrorCode = "GEMINI_RECONNECTION_FAILED"
	CodeWSDisconnected     ErrorCode = "WS_DISCONNECTED"
	CodeRateLimitExceeded  ErrorCode = "WS_RATE_LIMIT_EXCEEDED"
	CodeDBWriteFailed      ErrorCode = "DB_WRITE_FAILED"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeValidationError    ErrorCode = "VALIDATION_ERROR"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"

	// CodeBedrockTimeout is a legacy peer code kept for wire compatibility
	// with clients migrated from the previous backend.
	CodeBedrockTimeout ErrorCode = "BEDROCK_TIMEOUT"
)

// Recoverable reports whether the correct response to this code is
// retry/continue rather than session termination.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeWSDisconnected, CodeRateLimited, CodeStreamError, CodeToolTimeout,
		CodeToolExecutionError, CodeGoAway, CodeDBWriteFailed, CodeBedrockTimeout,
		CodeConnectionFailed, CodeRateLimitExceeded, CodeValidationError:
		return true
	}
	return false
}

// userMessages maps error codes to the constant, client-safe message for
// each. Raw error text never reaches the client.
var userMessages = map[ErrorCode]string{
	CodeAuthFailed:         "Authentication with the voice service failed.",
	CodeRateLimited:        "The voice service is temporarily rate limited.",
	CodeStreamError:        "The audio stream was interrupted.",
	CodeToolTimeout:        "A survey action took too long to complete.",
	CodeToolExecutionError: "A survey action failed.",
	CodeInvalidParameters:  "Invalid parameters.",
	CodeToolNotFound:       "Unknown survey action.",
	CodeToolCancelled:      "The survey action was cancelled.",
	CodeConnectionFailed:   "Could not reach the voice service.",
	CodeInvalidMessage:     "Received a malformed message.",
	CodeSessionNotFound:    "The session could not be found.",
	CodeSessionExpired:     "The session has expired.",
	CodeGoAway:             "The voice service is reconnecting.",
	CodeReconnectFailed:    "The connection to the voice service could not be restored.",
	CodeWSDisconnected:     "The connection was lost.",
	CodeRateLimitExceeded:  "Too many messages; please slow down.",
	CodeDBWriteFailed:      "A storage operation failed.",
	CodeUnauthorized:       "Not authorized.",
	CodeValidationError:    "The message failed validation.",
	CodeInternalError:      "An internal error occurred.",
	CodeBedrockTimeout:     "The voice service timed out.",
}

// UserMessage returns the constant client-visible message for c.
func (c ErrorCode) UserMessage() string {
	if msg, ok := userMessages[c]; ok {
		return msg
	}
	return userMessages[CodeInternalError]
}

// Classify maps a transport error and, when present, a WebSocket close code
// onto the error taxonomy. The mapping is exhaustive: anything unmatched is
// CONNECTION_FAILED.
func Classify(err error) ErrorCode {
	if err == nil {
		return CodeConnectionFailed
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusGoingAway, websocket.StatusServiceRestart: // 1001, 1012
		return CodeGoAway
	case websocket.StatusTryAgainLater: // 1013
		return CodeRateLimited
	case websocket.StatusMessageTooBig, websocket.StatusInternalError: // 1009, 1011
		return CodeStreamError
	case websocket.StatusProtocolError, websocket.StatusUnsupportedData: // 1002, 1003
		return CodeInvalidMessage
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unauthorized", "unauthenticated", "auth", "401", "403", "permission denied"):
		return CodeAuthFailed
	case containsAny(msg, "rate limit", "quota", "429"):
		return CodeRateLimited
	case containsAny(msg, "tool timeout"):
		return CodeToolTimeout
	case containsAny(msg, "session not found", "session expired", "not found: session"):
		return CodeSessionNotFound
	case containsAny(msg, "parse", "malformed", "invalid json", "unmarshal"):
		return CodeInvalidMessage
	case containsAny(msg, "going away"):
		return CodeGoAway
	case containsAny(msg, "stream", "eof", "reset", "broken pipe", "closed network"):
		return CodeStreamError
	}
	return CodeConnectionFailed
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
