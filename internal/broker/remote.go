package broker

import (
	"errors"
	"fmt"
)

// Error codes carried by network transports in call responses.
const (
	CodeServiceNotFound = "SERVICE_NOT_FOUND"
	CodeActionNotFound  = "ACTION_NOT_FOUND"
	CodeInvalidAction   = "INVALID_ACTION"
	CodeInvalidParams   = "INVALID_PARAMS"
	CodeActionFailed    = "ACTION_FAILED"
)

// RemoteError is an action failure reported by the node that served a call.
type RemoteError struct {
	Action  string `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Action, e.Message)
}

// Unwrap maps well-known codes back onto the broker sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeServiceNotFound:
		return ErrServiceNotFound
	case CodeActionNotFound:
		return ErrActionNotFound
	case CodeInvalidAction:
		return ErrInvalidAction
	}
	return nil
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrServiceNotFound):
		return CodeServiceNotFound
	case errors.Is(err, ErrActionNotFound):
		return CodeActionNotFound
	case errors.Is(err, ErrInvalidAction):
		return CodeInvalidAction
	case errors.As(err, &verr):
		return CodeInvalidParams
	}
	return CodeActionFailed
}
