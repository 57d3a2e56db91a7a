package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

// ErrNotConfigured is returned before any network activity when no backend
// URL or key was supplied.
var ErrNotConfigured = errors.New("backend is not configured")

// ErrNotFound reports that a single-row read matched nothing.
var ErrNotFound = errors.New("no rows found")

// Error is a failed backend call. It carries the HTTP status and the error
// code and message the service returned, and wraps the underlying cause.
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches ErrNotFound for an empty single-row read even when the error
// was built without a cause.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound &&
		(e.Status == http.StatusNotAcceptable || e.Code == "PGRST116")
}

// errorBody covers the error shapes of the row, auth and storage services.
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
	Err              string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func parseError(op string, status int, body []byte) *Error {
	e := &Error{Op: op, Status: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		e.Message = http.StatusText(status)
		return e
	}
	e.Code = firstNonEmpty(eb.ErrorCode, rawString(eb.Code), eb.Err)
	e.Message = firstNonEmpty(eb.ErrorDescription, eb.Message, eb.Msg, eb.Err, http.StatusText(status))
	if status == http.StatusNotAcceptable || e.Code == "PGRST116" {
		e.cause = ErrNotFound
	}
	return e
}

// rawString accepts codes sent either as JSON strings or numbers.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.Status
	}
	return 0
}

const maxUserMessage = 120

// UserMessage returns short human-readable text for err, never a raw payload.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "backend is not configured"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "service unavailable, try again later"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	}

	var be *Error
	if !errors.As(err, &be) {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ve.Error()
		}
		return "something went wrong"
	}
	switch {
	case be.Status == http.StatusTooManyRequests:
		return "too many requests, try again later"
	case be.Status >= 500:
		return "service unavailable, try again later"
	case be.Status == 0:
		return "could not reach the server"
	}
	msg := strings.TrimSpace(be.Message)
	if msg != "" && len(msg) <= maxUserMessage && !strings.ContainsAny(msg, "{}[]") {
		return msg
	}
	switch be.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "not authorized"
	case http.StatusConflict:
		return "already exists"
	}
	return "request failed"
}

// ValidationError reports bad input detected before any call was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}
