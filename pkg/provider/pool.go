package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kadirpekel/agentcore/internal/config"
)

// probeTimeout bounds how long a single reachability probe may take
// before a tier is considered unreachable at startup.
const probeTimeout = 5 * time.Second

// buildFunc constructs a Client for one tier endpoint. Exposed so
// tests can substitute a fake without dialing real network endpoints.
type buildFunc func(config.TierEndpoint) (Client, error)

// Pool maps tier names to live provider clients, rebuilding and
// atomically swapping its membership whenever the routing document
// changes. Per spec §4.4, tiers that fail an initial reachability
// probe are dropped rather than registered as permanently broken —
// a later hot-reload can bring them back once they start answering.
type Pool struct {
	build buildFunc

	mu      sync.RWMutex
	clients map[string]Client
	config  atomic.Pointer[config.RoutingConfig]

	closeMu sync.Mutex
	closers []closerIface
}

// closerIface matches io.Closer without importing io solely for this
// one method set; provider clients that own a connection (LocalClient)
// implement it structurally.
type closerIface interface {
	Close() error
}

// NewPool probes every tier in the initial routing document and keeps
// only the reachable ones. It subscribes to watcher.OnChange so future
// edits to the routing document hot-reload the pool's membership.
func NewPool(watcher *config.RoutingWatcher, build buildFunc) *Pool {
	if build == nil {
		build = defaultBuild
	}
	p := &Pool{build: build, clients: make(map[string]Client)}
	p.reload(watcher.Current())
	watcher.OnChange(p.reload)
	return p
}

func defaultBuild(t config.TierEndpoint) (Client, error) {
	if t.Type == "local" {
		return NewLocalClient(LocalConfig{Target: t.BaseURL, Model: t.Model, Insecure: true})
	}
	return NewHTTPClient(HTTPConfig{BaseURL: t.BaseURL, APIKey: t.APIKey, Model: t.Model}), nil
}

// probe exercises a minimal Generate call with retry/backoff so a
// cold-starting local endpoint gets a few chances before being marked
// unreachable, rather than being dropped on the first connection
// refusal.
func probe(ctx context.Context, c Client) error {
	op := func() error {
		_, _, err := c.Generate(ctx, Request{
			Messages:  []Message{{Role: RoleUser, Content: "ping"}},
			MaxTokens: 1,
		})
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

func (p *Pool) reload(rc *config.RoutingConfig) {
	next := make(map[string]Client, len(rc.Tiers))
	var newClosers []closerIface

	for name, tier := range rc.Tiers {
		client, err := p.build(tier)
		if err != nil {
			slog.Warn("provider pool: build failed, dropping tier", "tier", name, "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err = probe(ctx, client)
		cancel()
		if err != nil {
			slog.Warn("provider pool: tier unreachable, dropping", "tier", name, "error", err)
			if closer, ok := client.(closerIface); ok {
				closer.Close()
			}
			continue
		}

		next[name] = client
		if closer, ok := client.(closerIface); ok {
			newClosers = append(newClosers, closer)
		}
	}

	p.mu.Lock()
	old := p.clients
	p.clients = next
	p.mu.Unlock()
	p.config.Store(rc)

	p.closeMu.Lock()
	p.closers = newClosers
	p.closeMu.Unlock()

	for name, c := range old {
		if closer, ok := c.(closerIface); ok {
			if _, stillPresent := next[name]; !stillPresent {
				closer.Close()
			}
		}
	}
}

// Get returns the client registered for a tier, or false if that tier
// is not currently reachable.
func (p *Pool) Get(tier string) (Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[tier]
	return c, ok
}

// MustGet returns the client for a tier or falls back to the
// configured default tier for taskType, per spec §4.4's degradation
// rule: an unreachable preferred tier should not hard-fail a request
// if a default tier is available.
func (p *Pool) MustGet(tier, taskType string) (Client, string, error) {
	if c, ok := p.Get(tier); ok {
		return c, tier, nil
	}
	rc := p.config.Load()
	fallback := rc.DefaultTier(taskType)
	if fallback != "" && fallback != tier {
		if c, ok := p.Get(fallback); ok {
			return c, fallback, nil
		}
	}
	return nil, "", fmt.Errorf("provider pool: no reachable client for tier %q", tier)
}

// Tiers returns the names of currently reachable tiers.
func (p *Pool) Tiers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	return names
}

// Close shuts down every client the pool currently owns.
func (p *Pool) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	var firstErr error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
