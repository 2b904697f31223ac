// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TierEndpoint describes one reachable model tier (spec §4.4's
// ClientPool and §6's routing-configuration document).
type TierEndpoint struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // local | perplexity | openai | anthropic | nvidia | openclaw
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// RateLimitRPS caps outbound calls per second against this tier;
	// zero means unlimited. Local (gRPC) tiers ignore it.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// RoutingConfig is the live, hot-reloadable document described in spec
// §6: tier endpoints, routing thresholds by task-type, and verification
// thresholds. It is loaded as a whole document and swapped atomically.
type RoutingConfig struct {
	Tiers                 map[string]TierEndpoint `yaml:"tiers"`
	DefaultTierByTaskType map[string]string       `yaml:"default_tier_by_task_type"`
	ComplexityThreshold   float64                 `yaml:"complexity_threshold"`
	VerificationThreshold float64                 `yaml:"verification_threshold"`
	AggregationTier       string                  `yaml:"aggregation_tier"`
	VerificationTier      string                  `yaml:"verification_tier"`
}

// DefaultTier returns the configured default tier for a task type, or
// the empty string if none is configured.
func (r *RoutingConfig) DefaultTier(taskType string) string {
	if r == nil {
		return ""
	}
	return r.DefaultTierByTaskType[taskType]
}

// LoadRoutingConfig reads and parses a routing-configuration YAML
// document, expanding ${VAR} references against the environment.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read routing config %s: %w", path, err)
	}

	expanded := expandEnvVars(string(raw))

	var rc RoutingConfig
	if err := yaml.Unmarshal([]byte(expanded), &rc); err != nil {
		return nil, fmt.Errorf("config: parse routing config %s: %w", path, err)
	}
	return &rc, nil
}

// RoutingObserver is notified whenever the routing configuration
// changes. Implementations must not block.
type RoutingObserver func(*RoutingConfig)

// RoutingWatcher hot-reloads a RoutingConfig document from disk and
// atomically publishes updates to registered observers, following the
// teacher's fsnotify-backed config hot-reload story.
type RoutingWatcher struct {
	path      string
	current   atomic.Pointer[RoutingConfig]
	observers []RoutingObserver
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewRoutingWatcher loads the initial document and starts watching path
// for changes. Call Close to stop watching.
func NewRoutingWatcher(path string) (*RoutingWatcher, error) {
	rc, err := LoadRoutingConfig(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch routing config %s: %w", path, err)
	}

	rw := &RoutingWatcher{
		path:    path,
		watcher: w,
		done:    make(chan struct{}),
	}
	rw.current.Store(rc)

	go rw.loop()
	return rw, nil
}

// Current returns the currently active RoutingConfig snapshot.
func (w *RoutingWatcher) Current() *RoutingConfig {
	return w.current.Load()
}

// OnChange registers an observer invoked after every successful reload.
func (w *RoutingWatcher) OnChange(obs RoutingObserver) {
	w.observers = append(w.observers, obs)
}

func (w *RoutingWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rc, err := LoadRoutingConfig(w.path)
			if err != nil {
				slog.Warn("routing config reload failed", "path", w.path, "error", err)
				continue
			}
			w.current.Store(rc)
			for _, obs := range w.observers {
				obs(rc)
			}
			slog.Info("routing config reloaded", "path", w.path, "tiers", len(rc.Tiers))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("routing config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher.
func (w *RoutingWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
