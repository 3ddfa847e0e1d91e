// Package reqcontext carries the per-request trace_id/request_id pair
// assigned by the HTTP Server Frame (C9) down into the Inbound Call
// Pipeline (C6) and from there into every log event, without either
// package importing the other.
package reqcontext

import "context"

type traceKey struct{}
type requestKey struct{}

// WithIDs returns a context carrying traceID and requestID.
func WithIDs(ctx context.Context, traceID, requestID string) context.Context {
	ctx = context.WithValue(ctx, traceKey{}, traceID)
	return context.WithValue(ctx, requestKey{}, requestID)
}

// TraceID returns the trace_id assigned to this request, or "" if none.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceKey{}).(string)
	return v
}

// RequestID returns the request_id assigned to this request, or "" if none.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestKey{}).(string)
	return v
}
