package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agentcore/internal/jsonx"
	"github.com/kadirpekel/agentcore/internal/render"
	"github.com/kadirpekel/agentcore/internal/telemetry"
	"github.com/kadirpekel/agentcore/internal/tokens"
	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/intent"
	"github.com/kadirpekel/agentcore/pkg/provider"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

// Config bounds one turn's execution, sourced from internal/config.Config.
type Config struct {
	MaxIterations       int
	ContextWindow       int
	MaxToolCallsPerTurn int
	ToolTimeout         time.Duration
	Temperature         float64
	SystemPrompt        string
}

// Engine interprets the entry→LLM→{Tools|Validate|End} state graph
// described in spec §4.6, checkpointing after every node transition.
type Engine struct {
	provider provider.Client
	tools    *tool.Registry
	store    checkpoint.Store
	cfg      Config
	counter  *tokens.Counter
	metrics  *telemetry.Metrics
}

// New builds an Engine bound to a single provider client, tool
// registry, and checkpoint store. Callers needing per-tier provider
// selection (delegation) resolve the Client themselves before
// constructing the Engine, since the engine's graph is sequential per
// request and does not itself choose tiers.
func New(client provider.Client, tools *tool.Registry, store checkpoint.Store, cfg Config, counter *tokens.Counter) *Engine {
	return &Engine{provider: client, tools: tools, store: store, cfg: cfg, counter: counter}
}

// SetMetrics attaches the Prometheus collectors Run reports iteration
// counts into. Wiring is optional; an Engine built with New and never
// given metrics runs exactly as before.
func (e *Engine) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// Run drives state from its current NextAction to ActionEnd, writing a
// checkpoint for threadID after every node transition. It returns the
// terminal state; callers read State.Error to detect turn failure.
func (e *Engine) Run(ctx context.Context, threadID string, state *State) (*State, error) {
	var parentID *int64
	if id, err := e.checkpoint(ctx, threadID, state, parentID); err == nil {
		parentID = &id
	}

	for state.NextAction != ActionEnd {
		select {
		case <-ctx.Done():
			state.Error = "deadline exceeded"
			state.NextAction = ActionEnd
			e.checkpoint(ctx, threadID, state, parentID)
			e.recordIterations(state)
			return state, ctx.Err()
		default:
		}

		nodeCtx, span := telemetry.StartSpan(ctx, "workflow.node."+string(state.NextAction))
		switch state.NextAction {
		case ActionLLM:
			e.compact(state)
			e.runLLM(nodeCtx, state)
		case ActionTools:
			e.runTools(nodeCtx, state)
		case ActionValidate:
			e.runValidate(state)
		default:
			state.Error = fmt.Sprintf("unknown next_action %q", state.NextAction)
			state.NextAction = ActionEnd
		}
		span.End()

		id, err := e.checkpoint(ctx, threadID, state, parentID)
		if err != nil {
			slog.Error("workflow: checkpoint write failed", "thread_id", threadID, "error", err)
		} else {
			parentID = &id
		}
	}

	e.recordIterations(state)
	return state, nil
}

func (e *Engine) recordIterations(state *State) {
	if e.metrics == nil {
		return
	}
	e.metrics.WorkflowIterations.Observe(float64(state.RetryCount))
}

func (e *Engine) checkpoint(ctx context.Context, threadID string, state *State, parentID *int64) (int64, error) {
	blob, err := Encode(state)
	if err != nil {
		return 0, err
	}
	return e.store.Put(ctx, threadID, blob, parentID)
}

// compactHighWaterMultiple sets the compaction trigger at this many
// times the configured context window, so compaction only ever fires
// well past the point where Trim alone would already be cutting
// history for the prompt.
const compactHighWaterMultiple = 4

// compact implements spec §4.6's optional context-compaction step:
// once the stored history grows past a high-water mark, older turns
// (everything except a leading System message and the most recent
// context window) are collapsed into a single summary Message. This is
// a deliberately cheap summary — a rendering of the dropped turns,
// not a second model call — since spec §4.6 marks compaction optional
// and the engine has no second "fast tier" client of its own to
// delegate summarization to.
func (e *Engine) compact(state *State) {
	highWater := e.cfg.ContextWindow * compactHighWaterMultiple
	if highWater <= 0 || len(state.Messages) <= highWater {
		return
	}

	keepFrom := len(state.Messages) - e.cfg.ContextWindow
	var system *Message
	start := 0
	if state.Messages[0].Role == RoleSystem {
		system = &state.Messages[0]
		start = 1
	}
	if keepFrom <= start {
		return
	}

	dropped := state.Messages[start:keepFrom]
	before := e.counter.CountAll(contentsOf(dropped))

	summary := Message{
		Role:    RoleSystem,
		Content: fmt.Sprintf("[%d earlier turns summarized: %s]", len(dropped), summarizeContents(dropped)),
	}
	after := e.counter.Count(summary.Content)
	slog.Debug("workflow: compacted history", "dropped_turns", len(dropped), "tokens_before", before, "tokens_after", after)

	out := make([]Message, 0, len(state.Messages)-len(dropped)+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, summary)
	out = append(out, state.Messages[keepFrom:]...)
	state.Messages = out
}

func contentsOf(messages []Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Content
	}
	return out
}

func summarizeContents(messages []Message) string {
	const maxLen = 280
	var out string
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		out += string(m.Role) + ": " + m.Content + " "
		if len(out) >= maxLen {
			break
		}
	}
	if len(out) > maxLen {
		out = out[:maxLen] + "..."
	}
	return out
}

// runLLM implements spec §4.6's LLM node: trim context, decide whether
// to inject tool schemas, call the provider, and parse its response
// into either a tool_call or a direct answer. A synthesis reply (one
// that follows a tool result) is kept as plain text unless it is itself
// a tool_call, which is dispatched like any other.
func (e *Engine) runLLM(ctx context.Context, state *State) {
	trimmed := Trim(state.Messages, e.cfg.ContextWindow)
	lastTool, synthesis := lastMessageIsTool(state.Messages)

	req := provider.Request{
		Messages:    toProviderMessages(trimmed),
		Temperature: e.cfg.Temperature,
	}

	if !synthesis {
		req.ResponseFormatJSON = true
		if intent.RequiresTools(state.LastUserMessage()) {
			req.ToolSchemas = toProviderToolSchemas(e.tools.ToOpenAISchema())
		}
	}

	text, _, err := e.provider.Generate(ctx, req)
	if err != nil {
		state.Error = fmt.Sprintf("provider error: %v", err)
		state.NextAction = ActionEnd
		return
	}

	parsed, ok := jsonx.Extract(text)
	if synthesis && (!ok || fmt.Sprintf("%v", parsed["type"]) != "tool_call") {
		state.Messages = append(state.Messages, Message{Role: RoleAssistant, Content: text})
		state.NextAction = ActionValidate
		_ = lastTool
		return
	}
	if !ok {
		state.Messages = append(state.Messages, Message{Role: RoleAssistant, Content: text})
		state.NextAction = ActionValidate
		return
	}

	switch fmt.Sprintf("%v", parsed["type"]) {
	case "tool_call":
		call := ToolCall{
			ID:        fmt.Sprintf("call_%d", len(state.Messages)),
			Name:      fmt.Sprintf("%v", parsed["tool"]),
			Arguments: toArgsMap(parsed["arguments"]),
		}
		state.Messages = append(state.Messages, Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}})
		state.NextAction = ActionTools
	case "answer":
		content := fmt.Sprintf("%v", parsed["content"])
		state.Messages = append(state.Messages, Message{Role: RoleAssistant, Content: content})
		state.NextAction = ActionValidate
	default:
		state.Messages = append(state.Messages, Message{Role: RoleAssistant, Content: text})
		state.NextAction = ActionValidate
	}
}

// runTools implements spec §4.6's Tools node: execute every ToolCall
// on the last Assistant message in parallel, capped and deadlined, and
// append one ToolMessage per call.
func (e *Engine) runTools(ctx context.Context, state *State) {
	last, ok := state.LastMessage()
	if !ok || len(last.ToolCalls) == 0 {
		state.NextAction = ActionValidate
		return
	}

	calls := last.ToolCalls
	if len(calls) > e.cfg.MaxToolCallsPerTurn {
		calls = calls[:e.cfg.MaxToolCallsPerTurn]
	}

	results := make([]tool.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			callCtx := gctx
			var cancel context.CancelFunc
			if e.cfg.ToolTimeout > 0 {
				callCtx, cancel = context.WithTimeout(gctx, e.cfg.ToolTimeout)
				defer cancel()
			}
			res := e.tools.Call(callCtx, call.Name, call.Arguments)
			if callCtx.Err() == context.DeadlineExceeded && res.Status != tool.StatusSuccess {
				res.Status = tool.StatusTimeout
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		res := results[i]
		rendered := render.ToolResult(call.Name, string(res.Status), res.Payload, res.ErrorMessage)
		state.Messages = append(state.Messages, Message{
			Role:       RoleTool,
			Content:    rendered,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
		state.ToolResults = append(state.ToolResults, res)
	}

	state.NextAction = ActionValidate
}

// runValidate implements spec §4.6's Validate node routing table.
func (e *Engine) runValidate(state *State) {
	if state.RetryCount >= e.cfg.MaxIterations {
		state.Error = "max iterations exceeded"
		state.NextAction = ActionEnd
		return
	}
	if state.Error != "" {
		state.NextAction = ActionEnd
		return
	}

	last, ok := state.LastMessage()
	if !ok {
		state.RetryCount++
		state.NextAction = ActionLLM
		return
	}

	switch {
	case last.Role == RoleTool:
		state.RetryCount++
		state.NextAction = ActionLLM
	case last.Role == RoleAssistant && last.Content != "" && len(last.ToolCalls) == 0:
		state.NextAction = ActionEnd
	default:
		state.RetryCount++
		state.NextAction = ActionLLM
	}
}

func lastMessageIsTool(messages []Message) (Message, bool) {
	if len(messages) == 0 {
		return Message{}, false
	}
	last := messages[len(messages)-1]
	return last, last.Role == RoleTool
}

func toProviderMessages(messages []Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, provider.Message{
			Role:       provider.Role(m.Role),
			Content:    m.Content,
			Name:       m.ToolName,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func toProviderToolSchemas(specs []tool.FunctionSpec) []provider.ToolSchema {
	out := make([]provider.ToolSchema, 0, len(specs))
	for _, s := range specs {
		out = append(out, provider.ToolSchema{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

func toArgsMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
