// Package tokens provides approximate token counting used to decide when
// the workflow engine's context-compaction high-water mark has been
// crossed.
//
// Grounded on the teacher's pkg/utils/tokens.go, which wraps
// github.com/pkoukk/tiktoken-go with a per-model encoding cache.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens for a specific model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewCounter returns a Counter for model, falling back to the
// cl100k_base encoding (used by most modern chat models) when the model
// name isn't recognized by tiktoken-go.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("tokens: no encoding available for model %q: %w", model, err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()

	return &Counter{encoding: enc, model: model}, nil
}

// Count returns the approximate token count of text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return len(text) / 4
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountAll sums Count across multiple strings.
func (c *Counter) CountAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}
