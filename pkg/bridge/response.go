package bridge

import (
	"context"
	"errors"
	"fmt"
)

// Response is the terminal (or, for event subscriptions, streamed) result of
// an invocation.
type Response struct {
	Code    Status `json:"code"`
	Content any    `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// Shared sentinel responses. They must not be modified.
var (
	Success         = &Response{Code: StatusSuccess}
	Cancel          = &Response{Code: StatusCancel, Message: "cancel"}
	Error           = &Response{Code: StatusError, Message: "error"}
	UserDenied      = &Response{Code: StatusUserDenied, Message: "user denied"}
	TooManyRequests = &Response{Code: StatusTooManyRequests, Message: "too many requests"}
	NoModule        = &Response{Code: StatusNoModule, Message: "no such module"}
	NoAction        = &Response{Code: StatusNoAction, Message: "no such action"}
)

// NewResponse builds a SUCCESS response carrying content.
func NewResponse(content any) *Response {
	return &Response{Code: StatusSuccess, Content: content}
}

// ErrorResponse builds a per-call failure response.
func ErrorResponse(code Status, message string) *Response {
	return &Response{Code: code, Message: message}
}

// FeatureError builds a capability-specific failure response with code
// StatusFeatureError+n.
func FeatureError(n int, message string) *Response {
	return &Response{Code: StatusFeatureError + Status(n), Message: message}
}

// OK reports whether the response carries StatusSuccess.
func (r *Response) OK() bool {
	return r != nil && r.Code == StatusSuccess
}

func (r *Response) String() string {
	if r == nil {
		return "<nil>"
	}
	if r.Message == "" {
		return r.Code.String()
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// ErrIllegalArgument marks malformed or missing parameters.
var ErrIllegalArgument = errors.New("illegal argument")

// CodedError carries an explicit status code through an error chain so a
// handler can return a Go error and still pick the response code.
type CodedError struct {
	Code    Status
	Message string
	Err     error
}

// NewCodedError creates a CodedError.
func NewCodedError(code Status, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// ResponseFromError maps an error to the response a caller should receive.
func ResponseFromError(err error) *Response {
	if err == nil {
		return Success
	}
	var se *CodedError
	switch {
	case errors.As(err, &se):
		return ErrorResponse(se.Code, se.Message)
	case errors.Is(err, ErrIllegalArgument):
		return ErrorResponse(StatusIllegalArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return Cancel
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorResponse(StatusTimeout, err.Error())
	default:
		return ErrorResponse(StatusError, err.Error())
	}
}
