// Package runtime implements the Runtime Adapter (C4): the indirection
// between the inbound pipeline / outbound driver and the "agent brain",
// with failover to deterministic fallback responses so a caller-facing
// call never hard-fails on an internal runtime error.
//
// Three operations are exposed: RunTurn, Summarize, Notify. Three modes
// select how RunTurn/Summarize actually reach an agent: host-integrated
// (shell out to a discoverable named tool), generic (operator-supplied
// stdin-JSON command), and direct (in-process Anthropic Messages API
// call). Mode selection and failover follow spec.md §4.3 and
// SPEC_FULL.md §6.1.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/kestrelctl/a2arelay/pkg/config"
	"github.com/kestrelctl/a2arelay/pkg/logger"
	"github.com/kestrelctl/a2arelay/pkg/osutil"
)

// Mode selects how the adapter reaches the agent brain.
type Mode string

const (
	ModeHostIntegrated Mode = "host_integrated"
	ModeGeneric        Mode = "generic"
	ModeDirect         Mode = "direct"
)

// Caller identifies the remote agent making the call, used both for
// prompt construction and for deterministic fallback synthesis.
type Caller struct {
	Name string
}

// TurnRequest is the input to RunTurn.
type TurnRequest struct {
	SessionID     string
	Prompt        string
	Message       string
	Caller        Caller
	Context       string
	Timeout       time.Duration
	OwnerName     string
	AllowedTopics []string
}

// TurnResult is the output of RunTurn.
type TurnResult struct {
	Text string
	// Degraded is true unless the text came from the host-integrated tool
	// or the direct API call: generic-command results (in every mode,
	// generic mode included) and the deterministic fallback are Degraded.
	Degraded bool
}

// SummarizeRequest is the input to Summarize.
type SummarizeRequest struct {
	SessionID  string
	Prompt     string
	Messages   []SummarizeMessage
	CallerInfo Caller
}

// SummarizeMessage is one message handed to the summarizer.
type SummarizeMessage struct {
	Role    string
	Content string
}

// Summary is the structured output of Summarize.
type Summary struct {
	Text string
}

// NotifyLevel mirrors the token's configured notification verbosity.
type NotifyLevel string

const (
	NotifyAll     NotifyLevel = "all"
	NotifySummary NotifyLevel = "summary"
	NotifyNone    NotifyLevel = "none"
)

// NotifyRequest is the input to Notify.
type NotifyRequest struct {
	Level          NotifyLevel
	Token          string
	Caller         Caller
	Message        string
	ConversationID string
	TraceID        string
}

// genericOutput is the shape the generic-mode command may emit on stdout
// as JSON; any of the three keys is accepted. Plain (non-JSON) stdout is
// used verbatim as the response text.
type genericOutput struct {
	Response string `json:"response"`
	Text     string `json:"text"`
	Message  string `json:"message"`
}

func (g genericOutput) text() string {
	switch {
	case g.Response != "":
		return g.Response
	case g.Text != "":
		return g.Text
	default:
		return g.Message
	}
}

// Adapter is the Runtime Adapter. It is constructed once at startup and
// shared read-only by all request handlers — configuration does not
// change mid-request (spec.md §5).
type Adapter struct {
	mode            Mode
	failover        bool
	hostTool        string
	agentCommand    []string
	summaryCommand  []string
	notifyCommand   []string
	timeout         time.Duration
	anthropicClient *anthropic.Client
	anthropicModel  string
}

// New constructs an Adapter from resolved configuration. When cfg.RuntimeMode
// is auto, the mode is resolved once here by probing for the host tool on
// PATH — auto-detection never re-runs per request.
func New(cfg *config.Config) *Adapter {
	mode := Mode(cfg.RuntimeMode)
	if mode == Mode(config.RuntimeModeAuto) {
		if hostToolDiscoverable(cfg.RuntimeHostTool) {
			mode = ModeHostIntegrated
		} else {
			mode = ModeGeneric
		}
	}

	a := &Adapter{
		mode:           mode,
		failover:       cfg.RuntimeFailover,
		hostTool:       cfg.RuntimeHostTool,
		agentCommand:   cfg.RuntimeAgentCommand,
		summaryCommand: cfg.RuntimeSummaryCommand,
		notifyCommand:  cfg.RuntimeNotifyCommand,
		timeout:        cfg.RuntimeTimeout,
		anthropicModel: cfg.AnthropicModel,
	}

	if cfg.AnthropicAPIKey != "" {
		client := anthropic.NewClient()
		a.anthropicClient = &client
	}

	return a
}

func hostToolDiscoverable(tool string) bool {
	if tool == "" {
		return false
	}
	_, err := exec.LookPath(tool)
	return err == nil
}

// RunTurn produces agent text for one turn. It never returns an error to
// the caller — the worst case is a deterministic fallback response plus
// an error-level log entry (spec.md §4.3).
func (a *Adapter) RunTurn(ctx context.Context, req TurnRequest) TurnResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}

	switch a.mode {
	case ModeHostIntegrated:
		text, err := a.runHostIntegrated(ctx, timeout, req)
		if err == nil {
			return TurnResult{Text: text}
		}
		logger.G(ctx).WithError(err).WithField("event", "host_integrated_failed").Warn("host-integrated runtime failed")
		if !a.failover {
			return a.fallbackTurn(req)
		}
		return a.runTurnGenericThenFallback(ctx, timeout, req)

	case ModeDirect:
		text, err := a.runDirect(ctx, timeout, req)
		if err == nil {
			return TurnResult{Text: text}
		}
		logger.G(ctx).WithError(err).WithField("event", "direct_runtime_failed").Warn("direct runtime failed")
		if !a.failover {
			return a.fallbackTurn(req)
		}
		return a.runTurnGenericThenFallback(ctx, timeout, req)

	case ModeGeneric:
		return a.runTurnGenericThenFallback(ctx, timeout, req)

	default:
		return a.fallbackTurn(req)
	}
}

func (a *Adapter) runTurnGenericThenFallback(ctx context.Context, timeout time.Duration, req TurnRequest) TurnResult {
	text, err := a.runGeneric(ctx, timeout, req)
	if err == nil {
		return TurnResult{Text: text, Degraded: true}
	}
	logger.G(ctx).WithError(err).WithField("event", "generic_agent_command_failed").Error("generic runtime command failed")
	result := a.fallbackTurn(req)
	result.Degraded = true
	return result
}

// runHostIntegrated invokes the named host tool with the prompt as an
// argument, per spec.md §4.3(a). Arguments are passed as argv elements,
// never interpolated into a shell string (SPEC_FULL.md §5 "Subprocess
// invocation").
func (a *Adapter) runHostIntegrated(ctx context.Context, timeout time.Duration, req TurnRequest) (string, error) {
	if a.hostTool == "" {
		return "", errors.New("no host-integrated tool configured")
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := buildPrompt(req)
	cmd := exec.CommandContext(cctx, a.hostTool, "agent", prompt)
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", errors.Errorf("host-integrated tool timed out after %s", timeout)
		}
		return "", errors.Wrapf(err, "host-integrated tool failed: %s", strings.TrimSpace(stderr.String()))
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", errors.New("host-integrated tool produced no output")
	}
	return text, nil
}

// runGeneric invokes the operator-supplied command with a JSON payload on
// stdin, per spec.md §4.3(b).
func (a *Adapter) runGeneric(ctx context.Context, timeout time.Duration, req TurnRequest) (string, error) {
	if len(a.agentCommand) == 0 {
		return "", errors.New("no generic agent command configured")
	}

	payload, err := json.Marshal(map[string]any{
		"session_id": req.SessionID,
		"prompt":     req.Prompt,
		"message":    req.Message,
		"caller":     req.Caller.Name,
		"context":    req.Context,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal generic runtime payload")
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, a.agentCommand[0], a.agentCommand[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", errors.Errorf("generic agent command timed out after %s", timeout)
		}
		return "", errors.Wrapf(err, "generic agent command failed: %s", strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", errors.New("generic agent command produced no output")
	}

	var structured genericOutput
	if err := json.Unmarshal([]byte(out), &structured); err == nil {
		if t := structured.text(); t != "" {
			return t, nil
		}
	}
	return out, nil
}

// runDirect calls the Anthropic Messages API in-process, per SPEC_FULL.md §6.1.
func (a *Adapter) runDirect(ctx context.Context, timeout time.Duration, req TurnRequest) (string, error) {
	if a.anthropicClient == nil {
		return "", errors.New("direct mode requires an anthropic api key")
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := a.anthropicModel
	if model == "" {
		model = "claude-sonnet-4-0"
	}

	prompt := buildPrompt(req)
	msg, err := a.anthropicClient.Messages.New(cctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "anthropic messages call failed")
	}

	text := strings.TrimSpace(textOf(msg))
	if text == "" {
		return "", errors.New("anthropic response contained no text")
	}
	return text, nil
}

func textOf(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(variant.Text)
		}
	}
	return sb.String()
}

func buildPrompt(req TurnRequest) string {
	if req.Prompt != "" {
		return req.Prompt + "\n\n" + req.Message
	}
	return req.Message
}

// fallbackTurn synthesizes a deterministic, plausible response from the
// caller name, owner name, allowed topics, and an excerpt of the inbound
// message — the guaranteed worst case per spec.md §4.3.
func (a *Adapter) fallbackTurn(req TurnRequest) TurnResult {
	callerName := req.Caller.Name
	if callerName == "" {
		callerName = "there"
	}
	ownerName := req.OwnerName
	if ownerName == "" {
		ownerName = "the owner"
	}

	excerpt := excerptOf(req.Message, 80)

	var topics string
	if len(req.AllowedTopics) > 0 {
		topics = strings.Join(req.AllowedTopics, ", ")
	} else {
		topics = "general topics"
	}

	text := fmt.Sprintf(
		"Hi %s, thanks for reaching out to %s. I can discuss %s right now — regarding \"%s\", could you share a bit more detail?",
		callerName, ownerName, topics, excerpt,
	)
	return TurnResult{Text: text, Degraded: true}
}

func excerptOf(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// Summarize produces a structured summary from the supplied messages and
// owner context. It tries the mode's own summarizer (host-integrated or
// direct), then the summary command when one is configured, then a
// deterministic summary; the failover setting is not consulted. A failing
// or empty summarizer never blocks conclusion (spec.md §4.2/§4.3).
func (a *Adapter) Summarize(ctx context.Context, req SummarizeRequest) Summary {
	switch a.mode {
	case ModeHostIntegrated:
		if text, err := a.summarizeHostIntegrated(ctx, req); err == nil && text != "" {
			return Summary{Text: text}
		}
	case ModeDirect:
		if text, err := a.summarizeDirect(ctx, req); err == nil && text != "" {
			return Summary{Text: text}
		}
	}

	if len(a.summaryCommand) > 0 {
		if text, err := a.summarizeGeneric(ctx, req); err == nil && text != "" {
			return Summary{Text: text}
		} else if err != nil {
			logger.G(ctx).WithError(err).WithField("event", "summary_command_failed").Warn("summary command failed")
		}
	}

	return Summary{Text: a.fallbackSummary(req)}
}

func (a *Adapter) summarizeHostIntegrated(ctx context.Context, req SummarizeRequest) (string, error) {
	if a.hostTool == "" {
		return "", errors.New("no host-integrated tool configured")
	}
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, a.hostTool, "summarize", transcriptOf(req.Messages))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", errors.Wrap(err, "host-integrated summarize failed")
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (a *Adapter) summarizeDirect(ctx context.Context, req SummarizeRequest) (string, error) {
	if a.anthropicClient == nil {
		return "", errors.New("direct mode requires an anthropic api key")
	}
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	model := a.anthropicModel
	if model == "" {
		model = "claude-sonnet-4-0"
	}

	prompt := "Summarize this conversation in two sentences:\n\n" + transcriptOf(req.Messages)
	msg, err := a.anthropicClient.Messages.New(cctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "anthropic summarize call failed")
	}
	return strings.TrimSpace(textOf(msg)), nil
}

func (a *Adapter) summarizeGeneric(ctx context.Context, req SummarizeRequest) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"session_id": req.SessionID,
		"messages":   req.Messages,
		"caller":     req.CallerInfo.Name,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal summary payload")
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, a.summaryCommand[0], a.summaryCommand[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", errors.Wrap(err, "generic summary command failed")
	}

	out := strings.TrimSpace(stdout.String())
	var structured genericOutput
	if err := json.Unmarshal([]byte(out), &structured); err == nil {
		if t := structured.text(); t != "" {
			return t, nil
		}
	}
	return out, nil
}

// fallbackSummary synthesizes a summary from message counts, the caller
// name, and the last inbound excerpt (spec.md §4.3 "Summarization fallback").
func (a *Adapter) fallbackSummary(req SummarizeRequest) string {
	callerName := req.CallerInfo.Name
	if callerName == "" {
		callerName = "the caller"
	}

	var lastInbound string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastInbound = req.Messages[i].Content
			break
		}
	}

	return fmt.Sprintf(
		"Conversation with %s spanning %d message(s); last inbound message: \"%s\".",
		callerName, len(req.Messages), excerptOf(lastInbound, 100),
	)
}

func transcriptOf(messages []SummarizeMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Notify dispatches an owner notification, fire-and-forget, by running the
// notify command once. There is no other delivery path: with no command
// configured, or when the command fails, the notification is not delivered
// and only a log line records it. A level of NotifyNone is a no-op
// (spec.md §4.3).
func (a *Adapter) Notify(ctx context.Context, req NotifyRequest) {
	if req.Level == NotifyNone {
		return
	}
	if len(a.notifyCommand) == 0 {
		logger.G(ctx).WithField("event", "notify_skipped").
			WithField("conversation_id", req.ConversationID).
			Debug("no notify command configured")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"level":           req.Level,
		"token":           req.Token,
		"caller":          req.Caller.Name,
		"message":         req.Message,
		"conversation_id": req.ConversationID,
		"trace_id":        req.TraceID,
	})
	if err != nil {
		logger.G(ctx).WithError(err).WithField("event", "notify_marshal_failed").Warn("failed to marshal notify payload")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, a.notifyCommand[0], a.notifyCommand[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	if err := cmd.Run(); err != nil {
		logger.G(ctx).WithError(err).WithField("event", "notify_command_failed").
			WithField("conversation_id", req.ConversationID).Warn("notify command failed")
	}
}
