package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rickgao/arenalink/internal/retry"
)

// Kind classifies a normalized error.
type Kind int

const (
	KindNetwork       Kind = iota + 1 // No response received
	KindTimeout                       // Deadline or network timeout
	KindAuthExpired                   // 401 on a protected call, refresh did not help
	KindRefreshFailed                 // The refresh call itself failed
	KindServer                        // 5xx
	KindClient                        // 4xx other than 401 on a protected call
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindTimeout:
		return "timeout"
	case KindAuthExpired:
		return "auth_expired"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindServer:
		return "server_error"
	case KindClient:
		return "client_error"
	}
	return "unknown"
}

// Error is the normalized error returned to every caller.
type Error struct {
	Kind    Kind
	Message string
	Status  int   // HTTP status, 0 when no response was received
	Details []any // Server-provided details, if any
	Err     error // Underlying cause
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %d: %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Rejected reports whether this is a refresh the server refused outright
// (the refresh token is no longer valid).
func (e *Error) Rejected() bool {
	return e.Kind == KindRefreshFailed && e.Status == http.StatusUnauthorized
}

// Normalized is the wire shape {message, status, details?}.
type Normalized struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Details []any  `json:"details,omitempty"`
}

// Normalized returns the caller-facing shape of the error.
func (e *Error) Normalized() Normalized {
	return Normalized{Message: e.Message, Status: e.Status, Details: e.Details}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsAuthExpired reports whether err is an AuthExpired error.
func IsAuthExpired(err error) bool {
	return KindOf(err) == KindAuthExpired
}

// IsRefreshFailed reports whether err is a RefreshFailed error.
func IsRefreshFailed(err error) bool {
	return KindOf(err) == KindRefreshFailed
}

// errorBody covers the error shapes servers commonly return.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Details []any  `json:"details"`
	Errors  []any  `json:"errors"`
}

// responseError builds a normalized error from a failed response.
func responseError(kind Kind, status int, body []byte) *Error {
	e := &Error{
		Kind:    kind,
		Status:  status,
		Message: http.StatusText(status),
	}

	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Message != "":
			e.Message = eb.Message
		case eb.Error != "":
			e.Message = eb.Error
		case eb.Detail != "":
			e.Message = eb.Detail
		}
		e.Details = eb.Details
		if e.Details == nil {
			e.Details = eb.Errors
		}
	}

	if e.Message == "" {
		e.Message = fmt.Sprintf("request failed with status %d", status)
	}
	return e
}

// statusError classifies a non-401 failed response.
func statusError(status int, body []byte) *Error {
	if status >= 500 {
		return responseError(KindServer, status, body)
	}
	return responseError(KindClient, status, body)
}

// transportError classifies a request that got no response.
func transportError(err error) *Error {
	kind := KindNetwork
	if retry.IsTimeout(err) {
		kind = KindTimeout
	}
	return &Error{
		Kind:    kind,
		Message: strings.TrimSpace(rootMessage(err)),
		Err:     err,
	}
}

func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
