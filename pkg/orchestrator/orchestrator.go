// Package orchestrator implements the single request entry point that
// composes every other component: intent classification, the
// delegation fast path, the workflow engine, and checkpoint lifecycle
// bookkeeping.
//
// Grounded on the teacher's pkg/a2a request-handling shape (single
// Handle entry point assigning a request ID, dispatching, and
// translating internal errors into a user-visible response) and
// original_source/orchestrator/orchestrator.py's Query method, which
// this package's Query mirrors step for step.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kadirpekel/agentcore/internal/telemetry"
	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/delegation"
	"github.com/kadirpekel/agentcore/pkg/intent"
	"github.com/kadirpekel/agentcore/pkg/tool"
	"github.com/kadirpekel/agentcore/pkg/workflow"
)

// Metadata is the response envelope's side-channel accompanying
// answer text: what the turn actually did, for observability and UI
// display.
type Metadata struct {
	RequestID       string            `json:"request_id"`
	ThreadID        string            `json:"thread_id"`
	ToolsUsed       []string          `json:"tools_used,omitempty"`
	Iterations      int               `json:"iterations"`
	LatencyMS       int64             `json:"latency_ms"`
	Delegated       bool              `json:"delegated"`
	DelegationTrace *delegation.Trace `json:"delegation_trace,omitempty"`
	Clarification   bool              `json:"clarification,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Response is Query's return value.
type Response struct {
	Answer   string
	Metadata Metadata
}

// Deps bundles the components Orchestrator composes. All fields are
// required except Delegation, which is nil when delegation is disabled
// (spec §4.8 step 4 is then always skipped).
type Deps struct {
	Store      checkpoint.Store
	Classifier *intent.Classifier
	Delegation *delegation.Manager
	Engine     *workflow.Engine

	SystemPrompt   string
	RequestTimeout time.Duration
}

// Orchestrator wires all nine components behind a single Query call.
type Orchestrator struct {
	deps Deps

	mu        sync.Mutex
	threadMus map[string]*sync.Mutex

	turns metric.Int64Counter
}

// New builds an Orchestrator from deps. Deps.Engine must already be
// bound to the provider client/tool registry/checkpoint store the
// turn should use.
func New(deps Deps) *Orchestrator {
	turns, err := telemetry.Counter("agentcore.orchestrator.turns", "Completed Query calls by outcome.")
	if err != nil {
		slog.Warn("orchestrator: failed to build turns counter", "error", err)
	}
	return &Orchestrator{deps: deps, threadMus: make(map[string]*sync.Mutex), turns: turns}
}

func (o *Orchestrator) threadLock(threadID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.threadMus[threadID]
	if !ok {
		m = &sync.Mutex{}
		o.threadMus[threadID] = m
	}
	return m
}

// Query implements spec §4.8: assign a request ID, adopt or generate a
// thread ID, classify intent, take the delegation fast path or run the
// workflow engine to termination, and mark the thread's final status.
// Requests for different threads run fully in parallel; requests for
// the same thread are serialized here, matching the CheckpointStore's
// own single-writer-per-thread guarantee.
func (o *Orchestrator) Query(ctx context.Context, userQuery, threadID string) Response {
	requestID := uuid.NewString()
	if threadID == "" {
		threadID = uuid.NewString()
	}

	lock := o.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if o.deps.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deps.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	meta := Metadata{RequestID: requestID, ThreadID: threadID}

	if err := o.deps.Store.MarkThread(ctx, threadID, checkpoint.ThreadIncomplete); err != nil {
		slog.Error("orchestrator: mark thread incomplete failed", "thread_id", threadID, "error", err)
	}

	analysis := o.deps.Classifier.Analyze(userQuery)
	if analysis.RequiresClarification {
		meta.Clarification = true
		meta.LatencyMS = time.Since(start).Milliseconds()
		o.finish(ctx, threadID, "")
		o.recordTurn(ctx, meta)
		return Response{Answer: analysis.ClarifyingQuestion, Metadata: meta}
	}

	var (
		answer string
		err    error
	)

	if o.deps.Delegation != nil {
		decomposition := o.deps.Delegation.Route(userQuery)
		if decomposition.Strategy == delegation.StrategyDirect {
			meta.Delegated = true
			var trace delegation.Trace
			answer, trace, err = o.deps.Delegation.Execute(ctx, decomposition)
			meta.DelegationTrace = &trace
			meta.Iterations = 1
		} else {
			answer, meta, err = o.runDecomposed(ctx, decomposition, threadID, meta)
		}
	} else {
		answer, meta, err = o.runWorkflow(ctx, userQuery, threadID, meta)
	}

	meta.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		meta.Error = err.Error()
		answer = fmt.Sprintf("I couldn't complete that request: %s", err.Error())
		slog.Error("orchestrator: query failed", "request_id", requestID, "thread_id", threadID, "error", err)
	}

	o.finish(ctx, threadID, meta.Error)
	o.recordTurn(ctx, meta)
	return Response{Answer: answer, Metadata: meta}
}

func (o *Orchestrator) recordTurn(ctx context.Context, meta Metadata) {
	if o.turns == nil {
		return
	}
	outcome := "ok"
	if meta.Error != "" {
		outcome = "error"
	} else if meta.Clarification {
		outcome = "clarification"
	}
	o.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// runDecomposed executes a Decompose-strategy delegation plan and
// folds its trace into metadata.
func (o *Orchestrator) runDecomposed(ctx context.Context, d delegation.Decomposition, threadID string, meta Metadata) (string, Metadata, error) {
	meta.Delegated = true
	answer, trace, err := o.deps.Delegation.Execute(ctx, d)
	meta.DelegationTrace = &trace
	meta.Iterations = len(trace.SubTasks)
	return answer, meta, err
}

// runWorkflow seeds fresh workflow state (system prompt plus the user
// query) and drives the engine to ActionEnd. No earlier checkpoint of
// the thread is loaded.
func (o *Orchestrator) runWorkflow(ctx context.Context, userQuery, threadID string, meta Metadata) (string, Metadata, error) {
	state := workflow.NewState(threadID, o.deps.SystemPrompt, userQuery)

	final, err := o.deps.Engine.Run(ctx, threadID, state)
	if err != nil {
		return "", meta, err
	}
	if final.Error != "" {
		return "", meta, fmt.Errorf("%s", final.Error)
	}

	meta.Iterations = final.RetryCount
	meta.ToolsUsed = toolNames(final.ToolResults)

	last, ok := final.LastMessage()
	if !ok {
		return "", meta, fmt.Errorf("orchestrator: workflow ended with no assistant message")
	}
	return last.Content, meta, nil
}

func toolNames(results []tool.Result) []string {
	seen := make(map[string]bool, len(results))
	var names []string
	for _, r := range results {
		if r.ToolName == "" || seen[r.ToolName] {
			continue
		}
		seen[r.ToolName] = true
		names = append(names, r.ToolName)
	}
	return names
}

// finish marks the thread complete, embedding errMsg in the stored
// state if present so RecoveryManager never re-attempts an already
// terminal turn (spec §4.8's "errors ... produce ... MarkThread(...,
// complete) with the error embedded in state" rule).
func (o *Orchestrator) finish(ctx context.Context, threadID, errMsg string) {
	if errMsg != "" {
		if latest, err := o.deps.Store.Latest(ctx, threadID); err == nil && latest != nil {
			if state, derr := workflow.Decode(latest.State); derr == nil {
				state.Error = errMsg
				if blob, eerr := workflow.Encode(state); eerr == nil {
					_, _ = o.deps.Store.Put(ctx, threadID, blob, &latest.CheckpointID)
				}
			}
		}
	}
	if err := o.deps.Store.MarkThread(ctx, threadID, checkpoint.ThreadComplete); err != nil {
		slog.Error("orchestrator: mark thread complete failed", "thread_id", threadID, "error", err)
	}
}
