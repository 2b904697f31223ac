// Package delegation implements pre-engine query routing across model
// tiers: task-type classification, complexity scoring, and either a
// single Direct call or a dependency-ordered Decompose/aggregate/verify
// pipeline.
//
// Grounded on the teacher's team package (multi-agent task routing and
// result aggregation shape) and workflow/executor.go's
// dependency-ordered execution posture, generalized from hector's
// static multi-agent team definition to this spec's per-query dynamic
// decomposition.
package delegation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agentcore/internal/config"
	"github.com/kadirpekel/agentcore/pkg/provider"
)

// TaskType is the coarse classification a query falls into.
type TaskType string

const (
	TaskConversation TaskType = "conversation"
	TaskFactual      TaskType = "factual"
	TaskReasoning    TaskType = "reasoning"
	TaskCode         TaskType = "code"
	TaskMultiStep    TaskType = "multi-step"
)

// Strategy selects between a single-tier call and a decomposed plan.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyDecompose Strategy = "decompose"
)

// SubTask is one unit of a Decomposition, naming the tier it should run
// on and which earlier sub-tasks (by index) it depends on.
type SubTask struct {
	Description string
	TargetTier  string
	DependsOn   []int
}

// SubTaskResult is the outcome of running one SubTask.
type SubTaskResult struct {
	SubTask
	Status string // success | error
	Output string
	Err    string
}

// Decomposition is DelegationManager.Route's output: a strategy and the
// sub-tasks (one, for Direct) needed to answer the query.
type Decomposition struct {
	Strategy        Strategy
	SubTasks        []SubTask
	ComplexityScore float64
	TaskType        TaskType
}

// Trace records what Execute actually did, for the orchestrator's
// response metadata.
type Trace struct {
	Decomposition Decomposition
	SubTasks      []SubTaskResult
	Verified      bool
}

// Manager routes and executes delegated turns against a provider pool,
// reading routing thresholds from a hot-reloadable document.
type Manager struct {
	pool    *provider.Pool
	routing atomic.Pointer[config.RoutingConfig]
}

// New builds a Manager bound to pool, seeded with the watcher's current
// routing document and subscribed to future hot-reloads.
func New(pool *provider.Pool, watcher *config.RoutingWatcher) *Manager {
	m := &Manager{pool: pool}
	m.routing.Store(watcher.Current())
	watcher.OnChange(m.OnConfigChanged)
	return m
}

// OnConfigChanged atomically swaps the routing rules used for future
// classification and tier selection.
func (m *Manager) OnConfigChanged(rc *config.RoutingConfig) {
	m.routing.Store(rc)
}

// Route classifies query and returns the Decomposition to execute.
func (m *Manager) Route(query string) Decomposition {
	taskType := classify(query)
	score := complexityScore(query, taskType)
	rc := m.routing.Load()

	if score < rc.ComplexityThreshold && taskType != TaskMultiStep {
		return Decomposition{
			Strategy:        StrategyDirect,
			ComplexityScore: score,
			TaskType:        taskType,
			SubTasks: []SubTask{{
				Description: query,
				TargetTier:  rc.DefaultTier(string(taskType)),
			}},
		}
	}

	return Decomposition{
		Strategy:        StrategyDecompose,
		ComplexityScore: score,
		TaskType:        taskType,
		SubTasks:        decompose(query, taskType, rc),
	}
}

// Execute runs a Decomposition to completion and returns the turn's
// answer text plus an execution trace.
func (m *Manager) Execute(ctx context.Context, d Decomposition) (string, Trace, error) {
	rc := m.routing.Load()

	if d.Strategy == StrategyDirect {
		sub := d.SubTasks[0]
		client, tier, err := m.pool.MustGet(sub.TargetTier, string(d.TaskType))
		if err != nil {
			return "", Trace{Decomposition: d}, err
		}
		text, _, err := client.Generate(ctx, provider.Request{
			Messages: []provider.Message{{Role: provider.RoleUser, Content: sub.Description}},
		})
		result := SubTaskResult{SubTask: sub, Output: text}
		result.TargetTier = tier
		if err != nil {
			result.Status = "error"
			result.Err = err.Error()
			return "", Trace{Decomposition: d, SubTasks: []SubTaskResult{result}}, err
		}
		result.Status = "success"
		return text, Trace{Decomposition: d, SubTasks: []SubTaskResult{result}}, nil
	}

	results := m.runSubTasks(ctx, d.SubTasks)
	answer, err := m.aggregate(ctx, d, results, rc)
	if err != nil {
		return "", Trace{Decomposition: d, SubTasks: results}, err
	}

	verified := false
	if d.ComplexityScore > rc.VerificationThreshold && rc.VerificationTier != "" {
		if revised, ok := m.verify(ctx, d, answer, rc); ok {
			answer = revised
			verified = true
		}
	}

	return answer, Trace{Decomposition: d, SubTasks: results, Verified: verified}, nil
}

// runSubTasks executes sub-tasks in dependency order, running every
// level whose dependencies are already satisfied concurrently. A
// sub-task that errors is retried once on a different reachable tier;
// persistent failure produces a status:error result rather than
// aborting the turn.
func (m *Manager) runSubTasks(ctx context.Context, subTasks []SubTask) []SubTaskResult {
	results := make([]SubTaskResult, len(subTasks))
	done := make([]bool, len(subTasks))

	for remaining := len(subTasks); remaining > 0; {
		var level []int
		for i, st := range subTasks {
			if done[i] {
				continue
			}
			if dependenciesSatisfied(st.DependsOn, done) {
				level = append(level, i)
			}
		}
		if len(level) == 0 {
			// Dependency cycle or unresolvable graph: fail everything
			// still pending rather than loop forever.
			for i := range subTasks {
				if !done[i] {
					results[i] = SubTaskResult{SubTask: subTasks[i], Status: "error", Err: "unresolvable dependency"}
					done[i] = true
				}
			}
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range level {
			idx := idx
			g.Go(func() error {
				results[idx] = m.runOne(gctx, subTasks[idx], results)
				return nil
			})
		}
		_ = g.Wait()
		for _, idx := range level {
			done[idx] = true
		}
		remaining -= len(level)
	}

	return results
}

func dependenciesSatisfied(deps []int, done []bool) bool {
	for _, d := range deps {
		if d < 0 || d >= len(done) || !done[d] {
			return false
		}
	}
	return true
}

func (m *Manager) runOne(ctx context.Context, st SubTask, upstream []SubTaskResult) SubTaskResult {
	description := st.Description
	if len(st.DependsOn) > 0 {
		var withContext strings.Builder
		withContext.WriteString(description)
		withContext.WriteString("\n\nContext from prior steps:\n")
		for _, d := range st.DependsOn {
			if d >= 0 && d < len(upstream) && upstream[d].Status == "success" {
				withContext.WriteString("- ")
				withContext.WriteString(upstream[d].Output)
				withContext.WriteString("\n")
			}
		}
		description = withContext.String()
	}

	text, err := m.callTier(ctx, st.TargetTier, description)
	if err == nil {
		return SubTaskResult{SubTask: st, Status: "success", Output: text}
	}

	for _, alt := range m.pool.Tiers() {
		if alt == st.TargetTier {
			continue
		}
		text, altErr := m.callTier(ctx, alt, description)
		if altErr == nil {
			retried := st
			retried.TargetTier = alt
			return SubTaskResult{SubTask: retried, Status: "success", Output: text}
		}
		break
	}

	return SubTaskResult{SubTask: st, Status: "error", Err: err.Error()}
}

func (m *Manager) callTier(ctx context.Context, tier, prompt string) (string, error) {
	client, ok := m.pool.Get(tier)
	if !ok {
		return "", fmt.Errorf("delegation: tier %q unreachable", tier)
	}
	text, _, err := client.Generate(ctx, provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: prompt}},
	})
	return text, err
}

func (m *Manager) aggregate(ctx context.Context, d Decomposition, results []SubTaskResult, rc *config.RoutingConfig) (string, error) {
	var b strings.Builder
	b.WriteString("Original request:\n")
	for _, st := range d.SubTasks {
		b.WriteString("- ")
		b.WriteString(st.Description)
		b.WriteString("\n")
	}
	var listing strings.Builder
	for _, r := range results {
		if r.Status == "success" {
			fmt.Fprintf(&listing, "- %s\n", r.Output)
		} else {
			fmt.Fprintf(&listing, "- [failed: %s]\n", r.Err)
		}
	}
	b.WriteString("\nSub-task results:\n")
	b.WriteString(listing.String())
	b.WriteString("\nProduce one coherent answer from the above.")

	tier := rc.AggregationTier
	if tier == "" {
		tier = rc.DefaultTier(string(d.TaskType))
	}
	answer, err := m.callTier(ctx, tier, b.String())
	if err != nil {
		// The aggregation tier gave no answer: the sub-task results
		// themselves, failures included, become the answer.
		return strings.TrimSpace(listing.String()), nil
	}
	return answer, nil
}

func (m *Manager) verify(ctx context.Context, d Decomposition, answer string, rc *config.RoutingConfig) (string, bool) {
	prompt := fmt.Sprintf("Critique the following answer for correctness and completeness. If it is already correct, repeat it verbatim. Otherwise return a corrected version.\n\nAnswer:\n%s", answer)
	revised, err := m.callTier(ctx, rc.VerificationTier, prompt)
	if err != nil || strings.TrimSpace(revised) == "" {
		return answer, false
	}
	return revised, true
}

var (
	codeKeywords      = []string{"function", "code", "bug", "compile", "syntax", "program", "script", "```", "stack trace", "refactor"}
	reasoningKeywords = []string{"why", "prove", "explain how", "step by step", "because", "reason about"}
	factualKeywords   = []string{"what is", "who is", "when did", "where is", "how many", "define"}
)

func classify(query string) TaskType {
	lower := strings.ToLower(query)

	if hasMultipleClauses(lower) {
		return TaskMultiStep
	}
	for _, kw := range codeKeywords {
		if strings.Contains(lower, kw) {
			return TaskCode
		}
	}
	for _, kw := range reasoningKeywords {
		if strings.Contains(lower, kw) {
			return TaskReasoning
		}
	}
	for _, kw := range factualKeywords {
		if strings.Contains(lower, kw) {
			return TaskFactual
		}
	}
	return TaskConversation
}

func hasMultipleClauses(lower string) bool {
	return strings.Contains(lower, " and then ") ||
		(strings.Contains(lower, " and ") && strings.Count(lower, " and ") >= 1 && len(strings.Fields(lower)) > 8) ||
		strings.Contains(lower, " then ")
}

func complexityScore(query string, taskType TaskType) float64 {
	words := strings.Fields(query)
	score := float64(len(words)) / 40.0
	if score > 0.4 {
		score = 0.4
	}

	score += 0.1 * float64(questionWordCount(query))
	if score > 0.6 {
		score = 0.6
	}

	if hasMultipleClauses(strings.ToLower(query)) {
		score += 0.3
	}
	if taskType == TaskMultiStep {
		score += 0.2
	}
	if taskType == TaskReasoning || taskType == TaskCode {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

var questionWords = []string{"what", "why", "how", "when", "where", "who", "which"}

func questionWordCount(query string) int {
	lower := strings.ToLower(query)
	count := 0
	for _, w := range questionWords {
		if strings.Contains(lower, w) {
			count++
		}
	}
	return count
}

// referentialCuePattern matches a clause that refers back to a prior
// clause's output rather than introducing an independent unit of work:
// a bare anaphoric pronoun ("it", "that", "this", "those", "them") or a
// phrase naming the previous step's result directly ("the result", "the
// output", "the previous [step/answer]", "the above").
var referentialCuePattern = regexp.MustCompile(`(?i)\b(it|its|that|this|those|them|the result|the output|the previous|the above)\b`)

// decompose splits a multi-clause query into sub-tasks along "and"/
// "then" boundaries, each assigned the configured default tier for its
// own re-classified task type. A sub-task only depends on its immediate
// predecessor when its own clause carries a referential cue pointing
// back at the prior clause's output; clauses with no such cue are
// independent and run in the same fan-out level (spec §4.7's "run
// independent sub-tasks concurrently").
func decompose(query string, taskType TaskType, rc *config.RoutingConfig) []SubTask {
	clauses := splitClauses(query)
	if len(clauses) < 2 {
		clauses = []string{query}
	}

	subTasks := make([]SubTask, 0, len(clauses))
	for i, clause := range clauses {
		ct := classify(clause)
		st := SubTask{
			Description: strings.TrimSpace(clause),
			TargetTier:  rc.DefaultTier(string(ct)),
		}
		if i > 0 && referentialCuePattern.MatchString(clause) {
			st.DependsOn = []int{i - 1}
		}
		subTasks = append(subTasks, st)
	}
	return subTasks
}

func splitClauses(query string) []string {
	replacer := strings.NewReplacer(" and then ", "|", " then ", "|", " AND THEN ", "|")
	normalized := replacer.Replace(query)
	if normalized == query {
		normalized = strings.ReplaceAll(query, " and ", "|")
	}
	return strings.Split(normalized, "|")
}
