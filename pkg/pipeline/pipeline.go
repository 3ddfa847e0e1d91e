// Package pipeline implements the Inbound Call Pipeline (C6): the
// ping/status/invoke/end HTTP handlers that authenticate a caller,
// admit the call against the Token Store, persist it to the Conversation
// Store, dispatch it through the Runtime Adapter, extract collaboration
// state, and shape the HTTP response, per spec.md §4.5.
package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kestrelctl/a2arelay/pkg/a2aerrors"
	"github.com/kestrelctl/a2arelay/pkg/collabstate"
	"github.com/kestrelctl/a2arelay/pkg/config"
	"github.com/kestrelctl/a2arelay/pkg/convstore"
	"github.com/kestrelctl/a2arelay/pkg/logger"
	"github.com/kestrelctl/a2arelay/pkg/logstore"
	"github.com/kestrelctl/a2arelay/pkg/monitor"
	"github.com/kestrelctl/a2arelay/pkg/reqcontext"
	"github.com/kestrelctl/a2arelay/pkg/runtime"
	"github.com/kestrelctl/a2arelay/pkg/tokens"
	"github.com/kestrelctl/a2arelay/pkg/version"
)

// Pipeline wires the stores and adapter that back every /api/a2a/ route.
// It holds no HTTP listener of its own — that is C9's job (pkg/server).
type Pipeline struct {
	cfg     *config.Config
	tokens  *tokens.Store
	conv    *convstore.Store
	runtime *runtime.Adapter
	monitor *monitor.Monitor
	logs    *logstore.Store
}

// New constructs a Pipeline from its already-opened dependencies.
func New(cfg *config.Config, tok *tokens.Store, conv *convstore.Store, rt *runtime.Adapter, mon *monitor.Monitor, logs *logstore.Store) *Pipeline {
	return &Pipeline{cfg: cfg, tokens: tok, conv: conv, runtime: rt, monitor: mon, logs: logs}
}

type pingResponse struct {
	Pong      bool      `json:"pong"`
	Timestamp time.Time `json:"timestamp"`
}

// Ping implements GET /api/a2a/ping — always 200 if the server is up.
func (p *Pipeline) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{Pong: true, Timestamp: time.Now().UTC()})
}

type statusResponse struct {
	A2A          bool               `json:"a2a"`
	Version      string             `json:"version"`
	Capabilities []string           `json:"capabilities"`
	RateLimits   tokens.RateLimits  `json:"rate_limits,omitempty"`
}

// Status implements GET /api/a2a/status — unauthenticated.
func (p *Pipeline) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		A2A:          true,
		Version:      version.Get().Version,
		Capabilities: []string{"invoke", "end", "collab_state"},
	})
}

type invokeRequest struct {
	Message          string              `json:"message"`
	ConversationID   string              `json:"conversation_id"`
	Caller           *callerInfo         `json:"caller"`
	Context          string              `json:"context"`
	TimeoutSeconds   int                 `json:"timeout_seconds"`
}

type callerInfo struct {
	Name string `json:"name"`
}

type invokeResponse struct {
	Success         bool   `json:"success"`
	TraceID         string `json:"trace_id"`
	RequestID       string `json:"request_id"`
	ConversationID  string `json:"conversation_id"`
	Response        string `json:"response"`
	CanContinue     bool   `json:"can_continue"`
	TokensRemaining *int64 `json:"tokens_remaining"`
}

// Invoke implements POST /api/a2a/invoke, the 11-step flow of spec.md §4.5.
func (p *Pipeline) Invoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID, requestID := reqcontext.TraceID(ctx), reqcontext.RequestID(ctx)

	// Step 2-3: bearer extraction + token validation.
	bearer := extractBearer(r)
	if bearer == "" {
		p.fail(w, ctx, traceID, requestID, a2aerrors.MissingToken, "missing bearer token")
		return
	}

	// Per spec.md §5: "simultaneous calls on the same token may all pass
	// validation but serialize at the meter" — Validate here is a cheap,
	// unlocked fast-path rejection; Admit (step 10, below) is the atomic
	// authority that enforces max_calls as a strict upper bound.
	validation := p.tokens.Validate(bearer)
	if !validation.Valid {
		p.fail(w, ctx, traceID, requestID, validation.Reason, "token validation failed")
		return
	}
	token := validation.Record

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.fail(w, ctx, traceID, requestID, a2aerrors.MissingMessage, "request body is not valid JSON")
		return
	}

	// Step 4.
	if strings.TrimSpace(req.Message) == "" {
		p.fail(w, ctx, traceID, requestID, a2aerrors.MissingMessage, "message is required")
		return
	}

	// Step 5: resolve or create the conversation, scoped to this token.
	started, err := p.conv.Start(ctx, convstore.StartSpec{
		ConversationID: req.ConversationID,
		ContactID:      token.LinkedContactID,
		TokenID:        token.ID,
		Direction:      convstore.DirectionInbound,
	})
	if err != nil {
		if errors.Is(err, convstore.ErrConversationConcluded) {
			p.fail(w, ctx, traceID, requestID, a2aerrors.ConversationNotFound, "conversation has already concluded")
			return
		}
		if req.ConversationID != "" {
			p.fail(w, ctx, traceID, requestID, a2aerrors.PermissionDenied, "conversation does not belong to this token")
			return
		}
		p.failInternal(w, ctx, traceID, requestID, err)
		return
	}

	convID := started.ID
	p.conv.Lock(convID)
	defer p.conv.Unlock(convID)

	callerName := ""
	if req.Caller != nil {
		callerName = req.Caller.Name
	}

	// Step 6: append inbound message, notify the monitor of activity.
	if _, err := p.conv.AppendMessage(ctx, convID, convstore.DirectionInbound, convstore.RoleUser, req.Message, ""); err != nil {
		p.failInternal(w, ctx, traceID, requestID, err)
		return
	}
	p.monitor.Track(convID, monitor.CallerInfo{
		Name:    callerName,
		TokenID: token.ID,
		TraceID: traceID,
		Notify:  runtime.NotifyLevel(token.Notify),
	})

	// Step 7: invoke the runtime with a clamped timeout.
	timeout := clampTimeout(time.Duration(req.TimeoutSeconds)*time.Second, p.cfg.ServerMaxTimeout)
	turnResult := p.runtime.RunTurn(ctx, runtime.TurnRequest{
		SessionID: convID,
		Message:   req.Message,
		Caller:    runtime.Caller{Name: callerName},
		Context:   req.Context,
		Timeout:   timeout,
	})

	// Step 8: collaboration-state codec, persist clean text + state.
	codecResult := collabstate.Decode(turnResult.Text)
	if _, err := p.conv.AppendMessage(ctx, convID, convstore.DirectionOutbound, convstore.RoleAssistant, codecResult.CleanText, ""); err != nil {
		p.failInternal(w, ctx, traceID, requestID, err)
		return
	}
	if codecResult.HasState {
		if raw, err := json.Marshal(codecResult.StatePatch); err == nil {
			_ = p.conv.SaveCollabState(ctx, convID, string(raw))
		}
	}

	// Step 9: can_continue.
	canContinue := true
	convAfter, err := p.conv.Get(ctx, convID, 0)
	turnCount := 1
	if err != nil {
		logger.G(ctx).WithError(err).WithField("conversation_id", convID).
			WithField("event", "turn_count_lookup_failed").
			Warn("failed to re-fetch conversation for turn count, close_signal may be ignored this turn")
	} else {
		turnCount = convAfter.Conversation.MessageCount / 2
	}
	if codecResult.HasState && codecResult.StatePatch.CloseSignal && turnCount >= p.cfg.MinTurns {
		canContinue = false
	}

	// Step 10: atomically admit against quota/rate limits and meter the
	// token. A concurrent caller on the same token may have exhausted
	// max_calls or a rate-limit window between this call's Validate and
	// this point; Admit is the strict upper-bound authority (spec.md §5).
	admitted, err := p.tokens.Admit(token.ID)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("event", "meter_failed").Warn("failed to meter token")
	}
	if !admitted {
		p.fail(w, ctx, traceID, requestID, a2aerrors.RateLimited, "token quota exhausted by a concurrent call")
		return
	}
	var tokensRemaining *int64
	if token.MaxCalls != nil {
		remaining := *token.MaxCalls - token.CallsMade - 1
		if current, ok := p.tokens.FindByID(token.ID); ok {
			remaining = *token.MaxCalls - current.CallsMade
		}
		if remaining < 0 {
			remaining = 0
		}
		tokensRemaining = &remaining
	}

	p.logs.Write(ctx, logstore.Entry{
		Level: logstore.LevelInfo, Component: "pipeline", Event: "invoke_completed",
		Message: "invoke call completed", TraceID: traceID, RequestID: requestID,
		ConversationID: convID, TokenID: token.ID,
	})

	// Step 11.
	writeJSON(w, http.StatusOK, invokeResponse{
		Success:         true,
		TraceID:         traceID,
		RequestID:       requestID,
		ConversationID:  convID,
		Response:        codecResult.CleanText,
		CanContinue:     canContinue,
		TokensRemaining: tokensRemaining,
	})

	if token.Notify == tokens.NotifyAll {
		go p.runtime.Notify(context.Background(), runtime.NotifyRequest{
			Level:          runtime.NotifyAll,
			Token:          token.ID,
			Caller:         runtime.Caller{Name: callerName},
			Message:        codecResult.CleanText,
			ConversationID: convID,
			TraceID:        traceID,
		})
	}
}

type endRequest struct {
	ConversationID string `json:"conversation_id"`
}

type endResponse struct {
	Success        bool   `json:"success"`
	TraceID        string `json:"trace_id"`
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Summary        string `json:"summary,omitempty"`
}

// End implements POST /api/a2a/end.
func (p *Pipeline) End(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID, requestID := reqcontext.TraceID(ctx), reqcontext.RequestID(ctx)

	bearer := extractBearer(r)
	if bearer == "" {
		p.fail(w, ctx, traceID, requestID, a2aerrors.MissingToken, "missing bearer token")
		return
	}
	validation := p.tokens.Validate(bearer)
	if !validation.Valid {
		p.fail(w, ctx, traceID, requestID, validation.Reason, "token validation failed")
		return
	}
	token := validation.Record

	var req endRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		p.fail(w, ctx, traceID, requestID, a2aerrors.MissingConversationID, "conversation_id is required")
		return
	}

	existing, err := p.conv.Get(ctx, req.ConversationID, 0)
	if err != nil || existing.Conversation.TokenID != token.ID {
		p.fail(w, ctx, traceID, requestID, a2aerrors.ConversationNotFound, "conversation does not belong to this token")
		return
	}

	result, err := p.conv.Conclude(ctx, req.ConversationID, convstore.StatusConcluded, convstore.ConcludeOptions{
		Summarizer: p.summarizer(),
	})
	if err != nil {
		p.failInternal(w, ctx, traceID, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, endResponse{
		Success:        true,
		TraceID:        traceID,
		RequestID:      requestID,
		ConversationID: req.ConversationID,
		Status:         string(convstore.StatusConcluded),
		Summary:        result.Summary,
	})
}

func (p *Pipeline) summarizer() convstore.Summarizer {
	return func(ctx context.Context, messages []convstore.Message, ownerContext string) (convstore.Summary, error) {
		runtimeMessages := make([]runtime.SummarizeMessage, 0, len(messages))
		for _, msg := range messages {
			runtimeMessages = append(runtimeMessages, runtime.SummarizeMessage{Role: string(msg.Role), Content: msg.Content})
		}
		summary := p.runtime.Summarize(ctx, runtime.SummarizeRequest{Messages: runtimeMessages})
		return convstore.Summary{Summary: summary.Text}, nil
	}
}

func (p *Pipeline) fail(w http.ResponseWriter, ctx context.Context, traceID, requestID string, code a2aerrors.Code, message string) {
	p.logs.Write(ctx, logstore.Entry{
		Level: logstore.LevelWarn, Component: "pipeline", Event: "request_rejected",
		Message: message, TraceID: traceID, RequestID: requestID,
		ErrorCode: string(code), StatusCode: code.StatusCode(),
	})
	writeJSON(w, code.StatusCode(), a2aerrors.NewBody(code, message, traceID, requestID))
}

func (p *Pipeline) failInternal(w http.ResponseWriter, ctx context.Context, traceID, requestID string, err error) {
	logger.G(ctx).WithError(err).WithField("event", "internal_error").Error("pipeline internal error")
	p.logs.Write(ctx, logstore.Entry{
		Level: logstore.LevelError, Component: "pipeline", Event: "internal_error",
		Message: err.Error(), TraceID: traceID, RequestID: requestID,
		ErrorCode: string(a2aerrors.InternalError), StatusCode: http.StatusInternalServerError,
	})
	writeJSON(w, http.StatusInternalServerError, a2aerrors.NewBody(a2aerrors.InternalError, "internal error", traceID, requestID))
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// clampTimeout bounds a client-requested duration to (0, max]; zero or
// negative requests fall back to max, per spec.md §4.5 step 7.
func clampTimeout(requested, max time.Duration) time.Duration {
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
