package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/internal/config"
	"github.com/kadirpekel/agentcore/internal/tokens"
	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/delegation"
	"github.com/kadirpekel/agentcore/pkg/intent"
	"github.com/kadirpekel/agentcore/pkg/orchestrator"
	"github.com/kadirpekel/agentcore/pkg/provider"
	"github.com/kadirpekel/agentcore/pkg/tool"
	"github.com/kadirpekel/agentcore/pkg/workflow"
)

type memStore struct {
	mu       sync.Mutex
	records  map[string][]checkpoint.Record
	statuses map[string]checkpoint.ThreadStatus
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]checkpoint.Record), statuses: make(map[string]checkpoint.ThreadStatus)}
}

func (s *memStore) Put(ctx context.Context, threadID string, state []byte, parentID *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records[threadID] = append(s.records[threadID], checkpoint.Record{
		ThreadID: threadID, CheckpointID: s.nextID, ParentID: parentID, Timestamp: time.Unix(0, int64(s.nextID)), State: state,
	})
	return s.nextID, nil
}

func (s *memStore) Latest(ctx context.Context, threadID string) (*checkpoint.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[threadID]
	if len(recs) == 0 {
		return nil, nil
	}
	r := recs[len(recs)-1]
	return &r, nil
}

func (s *memStore) History(ctx context.Context, threadID string, limit int) ([]checkpoint.Record, error) {
	return s.records[threadID], nil
}

func (s *memStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, threadID)
	return nil
}

func (s *memStore) ListThreads(ctx context.Context, limit int) ([]checkpoint.ThreadSummary, error) {
	return nil, nil
}

func (s *memStore) MarkThread(ctx context.Context, threadID string, status checkpoint.ThreadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[threadID] = status
	return nil
}

func (s *memStore) statusOf(threadID string) checkpoint.ThreadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[threadID]
}

func (s *memStore) IncompleteThreads(ctx context.Context, olderThan time.Time) ([]string, error) {
	return nil, nil
}

func (s *memStore) Vacuum(ctx context.Context) error { return nil }
func (s *memStore) Close() error                     { return nil }

type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *scriptedProvider) Generate(ctx context.Context, req provider.Request) (string, provider.Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return "", provider.Usage{}, fmt.Errorf("scriptedProvider: no more responses queued")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, provider.Usage{}, nil
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req provider.Request) (<-chan provider.StreamToken, error) {
	return nil, fmt.Errorf("not implemented")
}

func newCounter(t *testing.T) *tokens.Counter {
	t.Helper()
	c, err := tokens.NewCounter("gpt-4")
	require.NoError(t, err)
	return c
}

func TestOrchestrator_Query_RunsWorkflowAndMarksComplete(t *testing.T) {
	p := &scriptedProvider{responses: []string{`{"type":"answer","content":"hi there!"}`}}
	registry := tool.New()
	store := newMemStore()
	engine := workflow.New(p, registry, store, workflow.Config{
		MaxIterations: 5, ContextWindow: 12, MaxToolCallsPerTurn: 5, ToolTimeout: 2 * time.Second, Temperature: 0.15,
	}, newCounter(t))

	o := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Classifier: intent.New(nil),
		Engine:     engine,
	})

	resp := o.Query(context.Background(), "hello there", "")
	assert.Equal(t, "hi there!", resp.Answer)
	assert.Empty(t, resp.Metadata.Error)
	assert.NotEmpty(t, resp.Metadata.ThreadID)
	assert.Equal(t, checkpoint.ThreadComplete, store.statusOf(resp.Metadata.ThreadID))
}

func TestOrchestrator_Query_AdoptsGivenThreadID(t *testing.T) {
	p := &scriptedProvider{responses: []string{`{"type":"answer","content":"ok"}`}}
	registry := tool.New()
	store := newMemStore()
	engine := workflow.New(p, registry, store, workflow.Config{
		MaxIterations: 5, ContextWindow: 12, MaxToolCallsPerTurn: 5, ToolTimeout: 2 * time.Second, Temperature: 0.15,
	}, newCounter(t))

	o := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Classifier: intent.New(nil),
		Engine:     engine,
	})

	resp := o.Query(context.Background(), "continue please", "thread-42")
	assert.Equal(t, "thread-42", resp.Metadata.ThreadID)
}

func TestOrchestrator_Query_ClarificationShortCircuitsWithNoProviderCall(t *testing.T) {
	p := &scriptedProvider{} // no responses queued: a Generate call would error
	registry := tool.New()
	store := newMemStore()
	engine := workflow.New(p, registry, store, workflow.Config{
		MaxIterations: 5, ContextWindow: 12, MaxToolCallsPerTurn: 5, ToolTimeout: 2 * time.Second, Temperature: 0.15,
	}, newCounter(t))

	classifier := intent.New([]intent.Intent{
		{
			Name:            "book_flight",
			Keywords:        []string{"book a flight"},
			Slot:            "destination",
			SlotKeywords:    map[string]string{"paris": "paris"},
			ClarifyTemplate: "Which destination?",
		},
	})

	o := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Classifier: classifier,
		Engine:     engine,
	})

	resp := o.Query(context.Background(), "book a flight", "")
	assert.True(t, resp.Metadata.Clarification)
	assert.Equal(t, "Which destination?", resp.Answer)
	assert.Equal(t, checkpoint.ThreadComplete, store.statusOf(resp.Metadata.ThreadID))
	assert.Equal(t, 0, p.calls)
}

func TestOrchestrator_Query_WorkflowErrorProducesUserVisibleMessage(t *testing.T) {
	p := &scriptedProvider{} // immediately exhausted: Generate errors
	registry := tool.New()
	store := newMemStore()
	engine := workflow.New(p, registry, store, workflow.Config{
		MaxIterations: 5, ContextWindow: 12, MaxToolCallsPerTurn: 5, ToolTimeout: 2 * time.Second, Temperature: 0.15,
	}, newCounter(t))

	o := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Classifier: intent.New(nil),
		Engine:     engine,
	})

	resp := o.Query(context.Background(), "anything", "")
	assert.NotEmpty(t, resp.Metadata.Error)
	assert.Contains(t, resp.Answer, "couldn't complete")
	assert.Equal(t, checkpoint.ThreadComplete, store.statusOf(resp.Metadata.ThreadID))
}

func newDelegationPool(t *testing.T, tier string, reply string) (*provider.Pool, *config.RoutingWatcher) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	body := fmt.Sprintf(
		"tiers:\n  %s:\n    name: %s\n    type: local\n    base_url: x\n    model: m\ndefault_tier_by_task_type:\n  conversation: %s\ncomplexity_threshold: 0.9\nverification_threshold: 2.0\naggregation_tier: %s\nverification_tier: %s\n",
		tier, tier, tier, tier, tier,
	)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	watcher, err := config.NewRoutingWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	pool := provider.NewPool(watcher, func(te config.TierEndpoint) (provider.Client, error) {
		return &scriptedProvider{responses: []string{reply, reply, reply}}, nil
	})
	return pool, watcher
}

func TestOrchestrator_Query_DelegationDirectPathSkipsWorkflowEngine(t *testing.T) {
	store := newMemStore()
	pool, watcher := newDelegationPool(t, "fast", "a direct delegated answer")
	manager := delegation.New(pool, watcher)

	// An engine wired to a provider that always errors proves the
	// delegation fast path never reaches it.
	brokenEngine := workflow.New(&scriptedProvider{}, tool.New(), store, workflow.Config{
		MaxIterations: 5, ContextWindow: 12, MaxToolCallsPerTurn: 5, ToolTimeout: 2 * time.Second, Temperature: 0.15,
	}, newCounter(t))

	o := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Classifier: intent.New(nil),
		Delegation: manager,
		Engine:     brokenEngine,
	})

	resp := o.Query(context.Background(), "hi", "")
	assert.Empty(t, resp.Metadata.Error)
	assert.Contains(t, resp.Answer, "a direct delegated answer")
	assert.True(t, resp.Metadata.Delegated)
	require.NotNil(t, resp.Metadata.DelegationTrace)
}
