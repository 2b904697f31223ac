// Package recovery implements the startup-and-interval scan that
// reconciles threads a crash left marked incomplete: spec §4.9 resolves
// this system's Open Question in favor of mark-and-move-on rather than
// resume-from-state, since only the original process held the in-flight
// provider/tool calls a true resume would need to replay.
//
// Grounded on internal/config.RoutingWatcher's ticker/done-channel loop
// shape, generalized from file hot-reload to a periodic store scan, and
// on original_source/orchestrator/recovery.py's ScanAndRecover, which
// loads the latest checkpoint but never re-executes it.
package recovery

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/kadirpekel/agentcore/internal/telemetry"
	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/workflow"
)

const metadataAttemptsKey = "recovery_attempts"

// Outcome is the per-thread result of one recovery attempt.
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeSkipped   Outcome = "skipped"
)

// Report summarizes one ScanAndRecover pass, for logging and the
// caller's own bookkeeping on top of the metrics already emitted.
type Report struct {
	Recovered int
	Abandoned int
	Skipped   int
}

// Manager scans CheckpointStore for threads left incomplete past
// OlderThan and marks each one complete without rerunning it, capping
// attempts per thread at MaxAttempts.
type Manager struct {
	store       checkpoint.Store
	metrics     *telemetry.Metrics
	maxAttempts int
	olderThan   time.Duration

	done chan struct{}
}

// New builds a Manager. maxAttempts and olderThan come from
// internal/config.Config's max_recovery_attempts and a fixed
// T_incomplete window (spec §4.9 step 1).
func New(store checkpoint.Store, metrics *telemetry.Metrics, maxAttempts int, olderThan time.Duration) *Manager {
	return &Manager{store: store, metrics: metrics, maxAttempts: maxAttempts, olderThan: olderThan, done: make(chan struct{})}
}

// ScanAndRecover runs one pass over IncompleteThreads, processing each
// candidate and returning a summary report. It is idempotent: replaying
// it over the same corpus never increments a thread's attempt counter
// past MaxAttempts, and already-complete threads are not revisited
// since IncompleteThreads only returns threads still marked incomplete.
func (m *Manager) ScanAndRecover(ctx context.Context) (Report, error) {
	threadIDs, err := m.store.IncompleteThreads(ctx, time.Now().Add(-m.olderThan))
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, threadID := range threadIDs {
		outcome := m.recoverOne(ctx, threadID)
		switch outcome {
		case OutcomeRecovered:
			report.Recovered++
		case OutcomeAbandoned:
			report.Abandoned++
		case OutcomeSkipped:
			report.Skipped++
		}
		if m.metrics != nil {
			m.metrics.RecoveryAttempts.WithLabelValues(string(outcome)).Inc()
		}
	}

	slog.Info("recovery: scan complete", "candidates", len(threadIDs),
		"recovered", report.Recovered, "abandoned", report.Abandoned, "skipped", report.Skipped)
	return report, nil
}

// recoverOne implements spec §4.9 step 2-3 for a single candidate
// thread: skip if the attempt cap is already spent, otherwise load and
// validate the latest checkpoint, mark the thread complete, and record
// the new attempt count in the state's metadata so a later scan (even
// from a different Manager instance) can still see it.
func (m *Manager) recoverOne(ctx context.Context, threadID string) Outcome {
	latest, err := m.store.Latest(ctx, threadID)
	if err != nil || latest == nil {
		slog.Warn("recovery: no checkpoint found for incomplete thread", "thread_id", threadID, "error", err)
		m.markComplete(ctx, threadID)
		return OutcomeAbandoned
	}

	state, err := workflow.Decode(latest.State)
	if err != nil || state.ConversationID == "" {
		slog.Warn("recovery: checkpoint failed integrity check", "thread_id", threadID, "error", err)
		m.markComplete(ctx, threadID)
		return OutcomeAbandoned
	}

	attempts := attemptsOf(state)
	if attempts >= m.maxAttempts {
		slog.Warn("recovery: max recovery attempts exceeded", "thread_id", threadID, "attempts", attempts)
		return OutcomeSkipped
	}

	if state.Metadata == nil {
		state.Metadata = map[string]string{}
	}
	state.Metadata[metadataAttemptsKey] = strconv.Itoa(attempts + 1)
	if state.Error == "" {
		state.Error = "recovered after incomplete shutdown"
	}
	state.NextAction = workflow.ActionEnd

	blob, err := workflow.Encode(state)
	if err != nil {
		slog.Error("recovery: failed to encode recovered state", "thread_id", threadID, "error", err)
		m.markComplete(ctx, threadID)
		return OutcomeAbandoned
	}
	if _, err := m.store.Put(ctx, threadID, blob, &latest.CheckpointID); err != nil {
		slog.Error("recovery: failed to persist recovered checkpoint", "thread_id", threadID, "error", err)
	}
	m.markComplete(ctx, threadID)
	return OutcomeRecovered
}

func (m *Manager) markComplete(ctx context.Context, threadID string) {
	if err := m.store.MarkThread(ctx, threadID, checkpoint.ThreadComplete); err != nil {
		slog.Error("recovery: mark thread complete failed", "thread_id", threadID, "error", err)
	}
}

func attemptsOf(state *workflow.State) int {
	if state.Metadata == nil {
		return 0
	}
	n, err := strconv.Atoi(state.Metadata[metadataAttemptsKey])
	if err != nil {
		return 0
	}
	return n
}

// Run blocks, calling ScanAndRecover immediately and then every
// interval, until the context is cancelled or Close is called.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if _, err := m.ScanAndRecover(ctx); err != nil {
		slog.Error("recovery: startup scan failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.ScanAndRecover(ctx); err != nil {
				slog.Error("recovery: periodic scan failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// Close stops a running Run loop.
func (m *Manager) Close() {
	close(m.done)
}
