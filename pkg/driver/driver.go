// Package driver implements the Outbound Conversation Driver (C7): an
// adaptive multi-turn orchestrator that mirrors the inbound pipeline from
// the caller side, driving a remote peer's /api/a2a/invoke endpoint via
// the a2a:// invite URL wire format, per spec.md §4.6.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/kestrelctl/a2arelay/pkg/collabstate"
	"github.com/kestrelctl/a2arelay/pkg/convstore"
	"github.com/kestrelctl/a2arelay/pkg/inviteurl"
	"github.com/kestrelctl/a2arelay/pkg/logger"
	"github.com/kestrelctl/a2arelay/pkg/runtime"
)

// invokeRequestBody mirrors the inbound pipeline's /invoke wire request.
type invokeRequestBody struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Caller         *CallerInfo `json:"caller,omitempty"`
	Context        string `json:"context,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// CallerInfo identifies the local driver to the remote peer.
type CallerInfo struct {
	Name string `json:"name"`
}

// invokeResponseBody mirrors the inbound pipeline's /invoke success body.
type invokeResponseBody struct {
	Success        bool   `json:"success"`
	TraceID        string `json:"trace_id"`
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response"`
	CanContinue    bool   `json:"can_continue"`
	TokensRemaining *int64 `json:"tokens_remaining"`
	Error          string `json:"error"`
	Message        string `json:"message"`
}

// Config parameterizes a Driver run.
type Config struct {
	Endpoint    string // a2a://host[:port]/{wire_token}
	Runtime     *runtime.Adapter
	Conv        *convstore.Store
	LocalCaller CallerInfo
	MaxTurns    int
	MinTurns    int
	HTTPTimeout time.Duration
	RetryCount  uint
}

// Driver runs an outbound multi-turn call against a remote peer.
type Driver struct {
	cfg    Config
	invite *inviteurl.Invite
	client *http.Client
}

// New constructs a Driver from a parsed a2a:// invite endpoint.
func New(cfg Config) (*Driver, error) {
	invite, err := inviteurl.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse outbound endpoint")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 30
	}
	if cfg.MinTurns <= 0 {
		cfg.MinTurns = 8
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 2
	}

	return &Driver{
		cfg:    cfg,
		invite: invite,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

// Result is the outcome of Run.
type Result struct {
	LocalConversationID string
	TurnCount            int
	Summary               string
	StoppedReason          string
}

// Run drives the conversation from opening until a stop condition,
// persisting both legs of every turn locally, then concludes the local
// conversation and best-effort ends the remote one. It never returns an
// error for peer/network failures — those stop the driver gracefully
// (spec.md §4.6 step 5) and are reported via StoppedReason.
func (d *Driver) Run(ctx context.Context, opening string) (*Result, error) {
	local, err := d.cfg.Conv.Start(ctx, convstore.StartSpec{
		ContactID: d.invite.Host,
		TokenID:   "outbound:" + d.invite.WireToken,
		Direction: convstore.DirectionOutbound,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start local conversation")
	}

	var (
		remoteConvID string
		message      = opening
		turnCount    int
		localState   *collabstate.State
		stoppedReason = "max_turns"
	)

	for turnCount = 0; turnCount < d.cfg.MaxTurns; turnCount++ {
		if _, err := d.cfg.Conv.AppendMessage(ctx, local.ID, convstore.DirectionOutbound, convstore.RoleUser, message, ""); err != nil {
			logger.G(ctx).WithError(err).WithField("event", "driver_append_failed").Error("failed to persist outbound message")
		}

		resp, callErr := d.invokeOnce(ctx, remoteConvID, message)
		if callErr != nil {
			logger.G(ctx).WithError(callErr).WithField("event", "driver_peer_call_failed").Warn("outbound call to peer failed, stopping gracefully")
			stoppedReason = "peer_failure"
			break
		}
		if !resp.Success {
			logger.G(ctx).WithField("error", resp.Error).WithField("event", "driver_peer_error_response").
				Warn("peer returned an error response, stopping gracefully")
			stoppedReason = "peer_error"
			break
		}

		remoteConvID = resp.ConversationID

		codecResult := collabstate.Decode(resp.Response)
		if codecResult.HasState {
			localState = codecResult.StatePatch
		}

		if _, err := d.cfg.Conv.AppendMessage(ctx, local.ID, convstore.DirectionInbound, convstore.RoleAssistant, codecResult.CleanText, ""); err != nil {
			logger.G(ctx).WithError(err).WithField("event", "driver_append_failed").Error("failed to persist inbound message")
		}

		if !resp.CanContinue {
			stoppedReason = "peer_can_continue_false"
			turnCount++
			break
		}
		if localState != nil && localState.CloseSignal && turnCount+1 >= d.cfg.MinTurns {
			stoppedReason = "local_close_signal"
			turnCount++
			break
		}

		nextTurn, err := d.nextLocalMessage(ctx, codecResult.CleanText)
		if err != nil {
			stoppedReason = "local_runtime_failure"
			turnCount++
			break
		}
		message = nextTurn
	}

	if remoteConvID != "" {
		d.endRemote(ctx, remoteConvID)
	}

	concludeRes, err := d.cfg.Conv.Conclude(ctx, local.ID, convstore.StatusConcluded, convstore.ConcludeOptions{
		Summarizer: d.summarizer(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to conclude local conversation")
	}

	return &Result{
		LocalConversationID: local.ID,
		TurnCount:            turnCount,
		Summary:               concludeRes.Summary,
		StoppedReason:          stoppedReason,
	}, nil
}

func (d *Driver) nextLocalMessage(ctx context.Context, peerText string) (string, error) {
	result := d.cfg.Runtime.RunTurn(ctx, runtime.TurnRequest{
		Message: peerText,
		Caller:  runtime.Caller{Name: d.cfg.LocalCaller.Name},
	})
	return result.Text, nil
}

func (d *Driver) summarizer() convstore.Summarizer {
	return func(ctx context.Context, messages []convstore.Message, ownerContext string) (convstore.Summary, error) {
		runtimeMessages := make([]runtime.SummarizeMessage, 0, len(messages))
		for _, msg := range messages {
			runtimeMessages = append(runtimeMessages, runtime.SummarizeMessage{Role: string(msg.Role), Content: msg.Content})
		}
		summary := d.cfg.Runtime.Summarize(ctx, runtime.SummarizeRequest{Messages: runtimeMessages})
		return convstore.Summary{Summary: summary.Text}, nil
	}
}

func (d *Driver) invokeOnce(ctx context.Context, conversationID, message string) (*invokeResponseBody, error) {
	body := invokeRequestBody{
		Message:        message,
		ConversationID: conversationID,
		Caller:         &d.cfg.LocalCaller,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal invoke request")
	}

	url := d.invite.BaseURL() + "/api/a2a/invoke"

	var resp *invokeResponseBody
	err = retry.Do(
		func() error {
			r, rerr := d.doInvoke(ctx, url, payload)
			if rerr != nil {
				return rerr
			}
			resp = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.cfg.RetryCount+1),
		retry.RetryIf(isTransientError),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// isTransientError reports whether err is a connection-level failure
// worth retrying, as opposed to a well-formed non-2xx JSON response —
// the latter is a protocol answer and must stop the driver, not retry
// (SPEC_FULL.md §6.2).
func isTransientError(err error) bool {
	_, isProtocol := err.(*protocolError)
	return !isProtocol
}

// protocolError wraps a successfully-received 5xx response; other non-2xx
// responses are decoded and returned as an ordinary response body.
type protocolError struct{ status int }

func (e *protocolError) Error() string { return fmt.Sprintf("peer returned status %d", e.status) }

func (d *Driver) doInvoke(ctx context.Context, url string, payload []byte) (*invokeResponseBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build invoke request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.invite.WireToken)

	httpResp, err := d.client.Do(req)
	if err != nil {
		return nil, err // transient network error, retryable
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var resp invokeResponseBody
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode invoke response")
	}

	if httpResp.StatusCode >= 500 {
		return nil, &protocolError{status: httpResp.StatusCode}
	}
	return &resp, nil
}

// endRemote best-effort ends the remote conversation; failures are logged
// and never block local conclusion (spec.md §4.6 "On termination ... best-effort").
func (d *Driver) endRemote(ctx context.Context, remoteConvID string) {
	body, err := json.Marshal(map[string]string{"conversation_id": remoteConvID})
	if err != nil {
		return
	}
	url := d.invite.BaseURL() + "/api/a2a/end"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.invite.WireToken)

	resp, err := d.client.Do(req)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("event", "driver_end_failed").Warn("best-effort remote end call failed")
		return
	}
	resp.Body.Close()
}
