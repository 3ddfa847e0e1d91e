// Package monitor implements the Call Monitor (C5): a single background
// scheduler that concludes idle or over-duration conversations and
// dispatches owner notification, following spec.md §4.4. Tracking is
// explicit — the inbound pipeline calls Track on every successful turn —
// so the monitor never has to poll the conversation store for activity
// itself beyond the periodic sweep.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelctl/a2arelay/pkg/convstore"
	"github.com/kestrelctl/a2arelay/pkg/logger"
	"github.com/kestrelctl/a2arelay/pkg/runtime"
)

// CallerInfo is the caller context recorded by Track, surfaced back out
// through the conversation_concluded notification payload.
type CallerInfo struct {
	Name    string
	TokenID string
	TraceID string
	Notify  runtime.NotifyLevel
}

// Monitor ticks on a fixed interval (default 10s per spec.md §4.4),
// concluding conversations that have exceeded either the idle timeout
// or the maximum call duration.
type Monitor struct {
	conv          *convstore.Store
	adapter       *runtime.Adapter
	checkInterval time.Duration
	idleTimeout   time.Duration
	maxDuration   time.Duration
	cronExpr      string

	mu      sync.Mutex
	callers map[string]CallerInfo

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor from already-resolved durations (the config
// package's defaults, not this constructor, own the spec's 10s/60s/5m
// fallbacks). cronExpr, when non-empty, additionally triggers the
// nightly compress_older_than housekeeping sweep on its own schedule
// (SPEC_FULL.md §6.3); the fixed interval idle/duration sweep always
// runs independently.
func New(conv *convstore.Store, adapter *runtime.Adapter, checkInterval, idleTimeout, maxDuration time.Duration, cronExpr string) *Monitor {
	return &Monitor{
		conv:          conv,
		adapter:       adapter,
		checkInterval: checkInterval,
		idleTimeout:   idleTimeout,
		maxDuration:   maxDuration,
		cronExpr:      cronExpr,
		callers:       map[string]CallerInfo{},
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Track records that conv_id had activity from caller, so the monitor
// can attribute a later conversation_concluded notification.
func (m *Monitor) Track(convID string, caller CallerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callers[convID] = caller
}

func (m *Monitor) callerFor(convID string) CallerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callers[convID]
}

func (m *Monitor) forget(convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callers, convID)
}

// Start runs the periodic sweep in a goroutine until Stop is called.
func (m *Monitor) Start(ctx context.Context, compressAfterDays int) {
	var cronSched *cron.Cron
	if m.cronExpr != "" {
		cronSched = cron.New()
		_, err := cronSched.AddFunc(m.cronExpr, func() {
			m.runCompressSweep(ctx, compressAfterDays)
		})
		if err != nil {
			logger.G(ctx).WithError(err).WithField("event", "monitor_cron_invalid").
				Error("invalid monitor cron expression, compress sweep disabled")
		} else {
			cronSched.Start()
		}
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				if cronSched != nil {
					cronSched.Stop()
				}
				return
			case <-m.stop:
				if cronSched != nil {
					cronSched.Stop()
				}
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop signals the sweep goroutine to exit and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) sweep(ctx context.Context) {
	active, err := m.conv.ActiveConversations(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("event", "monitor_sweep_failed").Error("failed to list active conversations")
		return
	}

	now := time.Now().UTC()
	for _, c := range active {
		duration := now.Sub(c.StartedAt)
		idle := now.Sub(c.LastMessageAt)

		var status convstore.Status
		var reason string
		switch {
		case duration > m.maxDuration:
			status, reason = convstore.StatusTimeout, "max_duration"
		case idle > m.idleTimeout:
			status, reason = convstore.StatusTimeout, "idle_timeout"
		default:
			continue
		}

		m.concludeAndNotify(ctx, c.ID, status, reason)
	}
}

func (m *Monitor) concludeAndNotify(ctx context.Context, convID string, status convstore.Status, reason string) {
	m.conv.Lock(convID)
	res, err := m.conv.ConcludeLocked(ctx, convID, status, convstore.ConcludeOptions{
		Summarizer: m.summarizer(ctx),
	})
	m.conv.Unlock(convID)

	if err != nil {
		logger.G(ctx).WithError(err).WithField("conversation_id", convID).
			WithField("event", "monitor_conclude_failed").Error("failed to conclude conversation")
		return
	}
	if res.AlreadyConcluded {
		m.forget(convID)
		return
	}

	caller := m.callerFor(convID)
	logger.G(ctx).WithField("conversation_id", convID).WithField("reason", reason).
		WithField("event", "conversation_concluded").Info("conversation concluded by monitor")

	level := caller.Notify
	if level == "" {
		level = runtime.NotifySummary
	}
	go m.adapter.Notify(context.Background(), runtime.NotifyRequest{
		Level:          level,
		Token:          caller.TokenID,
		Caller:         runtime.Caller{Name: caller.Name},
		Message:        reason,
		ConversationID: convID,
		TraceID:        caller.TraceID,
	})

	m.forget(convID)
}

func (m *Monitor) summarizer(ctx context.Context) convstore.Summarizer {
	return func(ctx context.Context, messages []convstore.Message, ownerContext string) (convstore.Summary, error) {
		runtimeMessages := make([]runtime.SummarizeMessage, 0, len(messages))
		for _, msg := range messages {
			runtimeMessages = append(runtimeMessages, runtime.SummarizeMessage{
				Role: string(msg.Role), Content: msg.Content,
			})
		}
		summary := m.adapter.Summarize(ctx, runtime.SummarizeRequest{Messages: runtimeMessages})
		return convstore.Summary{Summary: summary.Text}, nil
	}
}

func (m *Monitor) runCompressSweep(ctx context.Context, compressAfterDays int) {
	if compressAfterDays <= 0 {
		return
	}
	res, err := m.conv.CompressOlderThan(ctx, compressAfterDays)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("event", "compress_sweep_failed").Error("scheduled compress sweep failed")
		return
	}
	logger.G(ctx).WithField("compressed", res.Compressed).WithField("total", res.Total).
		WithField("event", "compress_sweep_completed").Info("scheduled compress sweep completed")
}
