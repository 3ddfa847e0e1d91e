// Package a2aerrors defines the enumerable error codes the inbound call
// pipeline maps HTTP failures onto, distinct from Go error wrapping: a
// Code is the stable, caller-visible identifier, while the underlying
// cause (if any) is logged with full detail but never echoed to a peer.
package a2aerrors

import "net/http"

// Code is a stable, machine-checkable error identifier returned to callers
// in the `error` field of an error body.
type Code string

const (
	MissingToken         Code = "missing_token"
	TokenInvalidOrExpired Code = "token_invalid_or_expired"
	TokenExpired         Code = "token_expired"
	TokenRevoked         Code = "token_revoked"
	PermissionDenied     Code = "permission_denied"
	RateLimited          Code = "rate_limited"
	MissingMessage       Code = "missing_message"
	MissingConversationID Code = "missing_conversation_id"
	ConversationNotFound Code = "conversation_not_found"
	InternalError        Code = "internal_error"
	BadGateway           Code = "bad_gateway"
)

// StatusCode returns the HTTP status the pipeline surfaces for this code,
// per spec §6/§7.
func (c Code) StatusCode() int {
	switch c {
	case MissingToken, TokenInvalidOrExpired, TokenExpired, TokenRevoked:
		return http.StatusUnauthorized
	case PermissionDenied, ConversationNotFound:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case MissingMessage, MissingConversationID:
		return http.StatusBadRequest
	case BadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Hint returns the operator-visible guidance attached to an error body.
// Authentication failures point the caller back at the invite flow;
// everything else gets a terser nudge.
func (c Code) Hint() string {
	switch c {
	case MissingToken:
		return "include an Authorization: Bearer <token> header"
	case TokenInvalidOrExpired, TokenExpired, TokenRevoked:
		return "request a fresh invite token from the owner"
	case PermissionDenied:
		return "this token is not scoped for the requested conversation"
	case RateLimited:
		return "retry after the current rate-limit window resets"
	case MissingMessage:
		return "the request body must include a non-empty message"
	case MissingConversationID:
		return "the request body must include a conversation_id"
	case ConversationNotFound:
		return "the conversation_id does not belong to this token or has already concluded"
	default:
		return ""
	}
}

// Error is a typed error carrying a Code plus an optional wrapped cause.
// The cause is retained for logging and is never serialized to HTTP
// callers (see Response).
type Error struct {
	Code  Code
	cause error
}

func New(code Code) *Error {
	return &Error{Code: code}
}

func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.cause.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Body is the wire shape of an error response per spec §6.
type Body struct {
	Success   bool   `json:"success"`
	Error     Code   `json:"error"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id"`
	RequestID string `json:"request_id"`
	Hint      string `json:"hint,omitempty"`
}

// NewBody constructs the response body for an error code, never including
// the underlying cause text.
func NewBody(code Code, message, traceID, requestID string) Body {
	return Body{
		Success:   false,
		Error:     code,
		Message:   message,
		TraceID:   traceID,
		RequestID: requestID,
		Hint:      code.Hint(),
	}
}
