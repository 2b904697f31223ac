package provider_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/internal/config"
	"github.com/kadirpekel/agentcore/pkg/provider"
)

// fakeClient lets tests control reachability without dialing real
// network endpoints.
type fakeClient struct {
	mu        sync.Mutex
	reachable bool
}

func (f *fakeClient) Generate(ctx context.Context, req provider.Request) (string, provider.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		return "", provider.Usage{}, errors.New("connection refused")
	}
	return "pong", provider.Usage{}, nil
}

func (f *fakeClient) GenerateStream(ctx context.Context, req provider.Request) (<-chan provider.StreamToken, error) {
	return nil, errors.New("not implemented")
}

func writeRoutingFile(t *testing.T, tiers map[string]config.TierEndpoint) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")

	body := "tiers:\n"
	for name, tier := range tiers {
		body += "  " + name + ":\n"
		body += "    name: " + tier.Name + "\n"
		body += "    type: " + tier.Type + "\n"
		body += "    base_url: " + tier.BaseURL + "\n"
		body += "    model: " + tier.Model + "\n"
	}
	body += "default_tier_by_task_type:\n  chat: fast\n"

	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPool_DropsUnreachableTiersAtStartup(t *testing.T) {
	path := writeRoutingFile(t, map[string]config.TierEndpoint{
		"fast": {Name: "fast", Type: "local", BaseURL: "x", Model: "m"},
		"slow": {Name: "slow", Type: "local", BaseURL: "y", Model: "m"},
	})
	watcher, err := config.NewRoutingWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	clients := map[string]*fakeClient{
		"fast": {reachable: true},
		"slow": {reachable: false},
	}

	pool := provider.NewPool(watcher, func(tier config.TierEndpoint) (provider.Client, error) {
		return clients[tier.Name], nil
	})

	_, ok := pool.Get("fast")
	assert.True(t, ok)
	_, ok = pool.Get("slow")
	assert.False(t, ok)
}

func TestPool_MustGetFallsBackToDefaultTier(t *testing.T) {
	path := writeRoutingFile(t, map[string]config.TierEndpoint{
		"fast":   {Name: "fast", Type: "local", BaseURL: "x", Model: "m"},
		"broken": {Name: "broken", Type: "local", BaseURL: "y", Model: "m"},
	})
	watcher, err := config.NewRoutingWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	pool := provider.NewPool(watcher, func(tier config.TierEndpoint) (provider.Client, error) {
		return &fakeClient{reachable: tier.Name == "fast"}, nil
	})

	client, resolved, err := pool.MustGet("broken", "chat")
	require.NoError(t, err)
	assert.Equal(t, "fast", resolved)
	assert.NotNil(t, client)
}

func TestPool_MustGetErrorsWhenNothingReachable(t *testing.T) {
	path := writeRoutingFile(t, map[string]config.TierEndpoint{
		"only": {Name: "only", Type: "local", BaseURL: "x", Model: "m"},
	})
	watcher, err := config.NewRoutingWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	pool := provider.NewPool(watcher, func(tier config.TierEndpoint) (provider.Client, error) {
		return &fakeClient{reachable: false}, nil
	})

	_, _, err = pool.MustGet("only", "chat")
	assert.Error(t, err)
}

func TestPool_ReloadPicksUpNewlyReachableTier(t *testing.T) {
	path := writeRoutingFile(t, map[string]config.TierEndpoint{
		"fast": {Name: "fast", Type: "local", BaseURL: "x", Model: "m"},
	})
	watcher, err := config.NewRoutingWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	reached := &fakeClient{reachable: true}
	pool := provider.NewPool(watcher, func(tier config.TierEndpoint) (provider.Client, error) {
		return reached, nil
	})

	_, ok := pool.Get("fast")
	require.True(t, ok)

	body := "tiers:\n  fast:\n    name: fast\n    type: local\n    base_url: x\n    model: m\n  extra:\n    name: extra\n    type: local\n    base_url: z\n    model: m\ndefault_tier_by_task_type:\n  chat: fast\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	require.Eventually(t, func() bool {
		_, ok := pool.Get("extra")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}
