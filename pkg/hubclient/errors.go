// Copyright 2024-2026 Aiku AI

package hubclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix"
)

// Matrix error codes the client reacts to.
const (
	CodeLimitExceeded = "M_LIMIT_EXCEEDED"
	CodeUserInUse     = "M_USER_IN_USE"
	CodeRoomInUse     = "M_ROOM_IN_USE"
	CodeForbidden     = "M_FORBIDDEN"
	CodeNotFound      = "M_NOT_FOUND"
	CodeUnknown       = "M_UNKNOWN"
)

// RequestError is a failed hub API call. It carries the HTTP status and the
// Matrix error code the server answered with.
type RequestError struct {
	Op         string
	StatusCode int
	ErrCode    string
	Message    string
	RetryAfter time.Duration

	err error
}

func (e *RequestError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("failed to %s: %s (HTTP %d): %s", e.Op, e.ErrCode, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("failed to %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.err
}

// IsRateLimited reports whether the server asked us to slow down.
func (e *RequestError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.ErrCode == CodeLimitExceeded
}

// HasCode reports whether err is a RequestError with the given Matrix error code.
func HasCode(err error, code string) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.ErrCode == code
}

// IsAlreadyInRoom reports whether err is the hub refusing an invite because
// the target is already a member.
func IsAlreadyInRoom(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.ErrCode != CodeForbidden {
		return false
	}
	msg := strings.ToLower(reqErr.Message)
	return strings.Contains(msg, "already in the room") || strings.Contains(msg, "already joined")
}

// toRequestError classifies an error returned by mautrix. It returns nil for
// errors that did not come from an HTTP response (transport failures).
func toRequestError(op string, err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	httpErr := asHTTPError(err)
	if httpErr == nil || httpErr.Response == nil {
		return nil
	}
	out := &RequestError{
		Op:         op,
		StatusCode: httpErr.Response.StatusCode,
		err:        err,
	}
	if httpErr.RespError != nil {
		out.ErrCode = httpErr.RespError.ErrCode
		out.Message = httpErr.RespError.Err
		if ms, ok := httpErr.RespError.ExtraData["retry_after_ms"].(float64); ok {
			out.RetryAfter = time.Duration(ms) * time.Millisecond
		}
	}
	if httpErr.ResponseBody != "" {
		body := gjson.Parse(httpErr.ResponseBody)
		if out.ErrCode == "" {
			out.ErrCode = body.Get("errcode").String()
		}
		if out.Message == "" {
			out.Message = body.Get("error").String()
		}
		if out.RetryAfter == 0 {
			if ms := body.Get("retry_after_ms"); ms.Exists() {
				out.RetryAfter = time.Duration(ms.Int()) * time.Millisecond
			}
		}
	}
	if out.RetryAfter == 0 {
		if secs, perr := strconv.Atoi(httpErr.Response.Header.Get("Retry-After")); perr == nil {
			out.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if out.Message == "" {
		out.Message = http.StatusText(out.StatusCode)
	}
	return out
}

func asHTTPError(err error) *mautrix.HTTPError {
	var ptr *mautrix.HTTPError
	if errors.As(err, &ptr) {
		return ptr
	}
	var val mautrix.HTTPError
	if errors.As(err, &val) {
		return &val
	}
	return nil
}
