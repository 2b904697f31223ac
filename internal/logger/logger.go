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

// Package logger configures the process-wide structured logger.
//
// Every component in the orchestration core logs through log/slog using
// the default logger installed by Init. Third-party library chatter is
// suppressed below debug level so operators see orchestrator signal
// first.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const agentcorePackagePrefix = "github.com/kadirpekel/agentcore"

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown values default to warn.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// filteringHandler wraps a slog handler and hides third-party logs unless
// the configured level is debug.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	if h.minLevel <= slog.LevelDebug {
		return true
	}
	return isAgentcoreCaller()
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// isAgentcoreCaller walks a few stack frames looking for a frame inside
// this module, so that non-agentcore call sites (vendored or standard
// library log callers) don't leak through at info/warn/error level.
func isAgentcoreCaller() bool {
	var pcs [16]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.Function, agentcorePackagePrefix) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

// Options configures Init.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// JSON selects structured JSON output instead of text.
	JSON bool
	// Writer is the output sink; defaults to os.Stderr.
	Writer *os.File
}

// Init installs the process-wide default slog logger and returns it.
func Init(opts Options) *slog.Logger {
	level, _ := ParseLevel(opts.Level)

	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if opts.JSON {
		base = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		base = slog.NewTextHandler(writer, handlerOpts)
	}

	wrapped := &filteringHandler{handler: base, minLevel: level}
	l := slog.New(wrapped)
	slog.SetDefault(l)
	return l
}

// WithRequest returns a logger scoped to a single request/turn, tagging
// every record with the request and thread identifiers.
func WithRequest(l *slog.Logger, requestID, threadID string) *slog.Logger {
	return l.With("request_id", requestID, "thread_id", threadID)
}
