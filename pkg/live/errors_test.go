package live

import (
	"errors"
	"fmt"
	"testing"

	"github.com/coder/websocket"
)

func TestRecoverable(t *testing.T) {
	t.Parallel()

	recoverable := []ErrorCode{
		CodeWSDisconnected, CodeRateLimited, CodeStreamError, CodeToolTimeout,
		CodeToolExecutionError, CodeGoAway, CodeDBWriteFailed, CodeBedrockTimeout,
		CodeConnectionFailed, CodeRateLimitExceeded, CodeValidationError,
	}
	for _, code := range recoverable {
		if !code.Recoverable() {
			t.Errorf("%s.Recoverable() = false, want true", code)
		}
	}

	terminal := []ErrorCode{
		CodeAuthFailed, CodeInvalidParameters, CodeToolNotFound, CodeToolCancelled,
		CodeInvalidMessage, CodeSessionNotFound, CodeSessionExpired,
		CodeReconnectFailed, CodeUnauthorized, CodeInternalError,
	}
	for _, code := range terminal {
		if code.Recoverable() {
			t.Errorf("%s.Recoverable() = true, want false", code)
		}
	}
}

func TestUserMessageNeverEchoesRawError(t *testing.T) {
	t.Parallel()

	if msg := CodeAuthFailed.UserMessage(); msg == "" {
		t.Error("UserMessage() empty for AUTH_FAILED")
	}
	if msg := ErrorCode("NO_SUCH_CODE").UserMessage(); msg != userMessages[CodeInternalError] {
		t.Errorf("UserMessage() for unknown code = %q, want internal-error fallback", msg)
	}
}

func TestClassifyCloseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status websocket.StatusCode
		want   ErrorCode
	}{
		{websocket.StatusGoingAway, CodeGoAway},
		{websocket.StatusServiceRestart, CodeGoAway},
		{websocket.StatusTryAgainLater, CodeRateLimited},
		{websocket.StatusMessageTooBig, CodeStreamError},
		{websocket.StatusInternalError, CodeStreamError},
		{websocket.StatusProtocolError, CodeInvalidMessage},
		{websocket.StatusUnsupportedData, CodeInvalidMessage},
	}
	for _, tt := range tests {
		err := websocket.CloseError{Code: tt.status, Reason: "x"}
		if got := Classify(err); got != tt.want {
			t.Errorf("Classify(close %d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestClassifyMessageText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want ErrorCode
	}{
		{fmt.Errorf("server returned 401 Unauthorized"), CodeAuthFailed},
		{fmt.Errorf("quota exceeded for project"), CodeRateLimited},
		{fmt.Errorf("unexpected EOF"), CodeStreamError},
		{fmt.Errorf("connection reset by peer"), CodeStreamError},
		{fmt.Errorf("invalid json in payload"), CodeInvalidMessage},
		{errors.New("something novel"), CodeConnectionFailed},
		{nil, CodeConnectionFailed},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
