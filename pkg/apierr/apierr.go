// Package apierr provides the structured error envelope returned to API
// callers and the mapping from gateway failure kinds to HTTP statuses.
//
// Every failed request receives a JSON body of the form
//
//	{"error":{"message":"...","type":"error","code":<http status>}}
//
// so clients never see a bare status with an empty body.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Error is a gateway failure that maps to exactly one HTTP status.
// It implements the error interface so pipeline stages can return it and let
// the orchestrator perform the single Write at the end.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status=%d)", e.Message, e.Status)
}

type (
	payload struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	}
	envelope struct {
		Error payload `json:"error"`
	}
)

// Constructors for the failure taxonomy. One per kind, one status per kind.

func Unauthorized(message string) *Error {
	return &Error{Status: fasthttp.StatusUnauthorized, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Status: fasthttp.StatusForbidden, Message: message}
}

func BadRequest(message string) *Error {
	return &Error{Status: fasthttp.StatusBadRequest, Message: message}
}

func QuotaExceeded(message string) *Error {
	return &Error{Status: fasthttp.StatusTooManyRequests, Message: message}
}

func RateLimited(message string) *Error {
	return &Error{Status: fasthttp.StatusTooManyRequests, Message: message}
}

func NoUpstream(message string) *Error {
	return &Error{Status: fasthttp.StatusServiceUnavailable, Message: message}
}

// Upstream wraps a provider-side failure. When the provider status is known
// it is passed through unmodified; 0 means the status is unknown and the
// error is reported as 502 Bad Gateway.
func Upstream(status int, message string) *Error {
	if status == 0 {
		status = fasthttp.StatusBadGateway
	}
	return &Error{Status: status, Message: message}
}

func Internal(message string) *Error {
	return &Error{Status: fasthttp.StatusInternalServerError, Message: message}
}

// Write serializes e as the structured envelope onto the response.
func Write(ctx *fasthttp.RequestCtx, e *Error) {
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: payload{
		Message: e.Message,
		Type:    "error",
		Code:    e.Status,
	}})
	ctx.SetBody(body)
}
