package tool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/pkg/breaker"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

func echoHandler(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"status": "success", "echo": args["text"]}, nil
}

func TestRegistry_CallUnknownToolNeverInvokesHandler(t *testing.T) {
	r := tool.New()
	called := false
	_ = r.Register("present", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		called = true
		return map[string]any{"status": "success"}, nil
	}, tool.Descriptor{Description: "present"}, breaker.DefaultConfig())

	res := r.Call(context.Background(), "absent", nil)

	assert.Equal(t, tool.StatusError, res.Status)
	assert.Equal(t, "tool not found", res.ErrorMessage)
	assert.False(t, called)
}

func TestRegistry_RegisterDuplicateFails(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("echo", echoHandler, tool.Descriptor{Description: "echoes"}, breaker.DefaultConfig()))

	err := r.Register("echo", echoHandler, tool.Descriptor{Description: "echoes"}, breaker.DefaultConfig())
	assert.Error(t, err)
}

func TestRegistry_CallSuccessWrapsMissingStatus(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("raw", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"value": 42}, nil
	}, tool.Descriptor{Description: "raw"}, breaker.DefaultConfig()))

	res := r.Call(context.Background(), "raw", nil)

	assert.Equal(t, tool.StatusSuccess, res.Status)
	payload, ok := res.Payload.(map[string]any)
	require.True(t, ok)
	data, ok := payload["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42, data["value"])
}

func TestRegistry_CallHandlerErrorRecordsFailure(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("fails", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}, tool.Descriptor{Description: "fails"}, breaker.Config{MaxFailures: 1, FailureWindow: time.Minute, ResetTimeout: time.Hour}))

	res := r.Call(context.Background(), "fails", nil)
	assert.Equal(t, tool.StatusError, res.Status)
	assert.Equal(t, "boom", res.ErrorMessage)

	// Breaker tripped after one failure; next call should report circuit open.
	res2 := r.Call(context.Background(), "fails", nil)
	assert.Equal(t, tool.StatusError, res2.Status)
	assert.Contains(t, res2.ErrorMessage, "circuit")
}

func TestRegistry_CallPanicRecovered(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("panics", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		panic("kaboom")
	}, tool.Descriptor{Description: "panics"}, breaker.DefaultConfig()))

	res := r.Call(context.Background(), "panics", nil)

	assert.Equal(t, tool.StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "kaboom")
}

func TestRegistry_CallValidatesArguments(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("greet", echoHandler, tool.Descriptor{
		Description: "greets",
		Parameters: []tool.Parameter{
			{Name: "text", Type: "string", Required: true},
		},
	}, breaker.DefaultConfig()))

	res := r.Call(context.Background(), "greet", map[string]any{})
	assert.Equal(t, tool.StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "invalid arguments")

	res2 := r.Call(context.Background(), "greet", map[string]any{"text": "hi"})
	assert.Equal(t, tool.StatusSuccess, res2.Status)
}

func TestRegistry_AvailableExcludesOpenBreakers(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("ok", echoHandler, tool.Descriptor{Description: "ok"}, breaker.DefaultConfig()))
	require.NoError(t, r.Register("bad", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, errors.New("down")
	}, tool.Descriptor{Description: "bad"}, breaker.Config{MaxFailures: 1, FailureWindow: time.Minute, ResetTimeout: time.Hour}))

	r.Call(context.Background(), "bad", nil)

	avail := r.Available()
	assert.Contains(t, avail, "ok")
	assert.NotContains(t, avail, "bad")
}

func TestRegistry_ResetBreakerIsIdempotent(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("bad", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, errors.New("down")
	}, tool.Descriptor{Description: "bad"}, breaker.Config{MaxFailures: 1, FailureWindow: time.Minute, ResetTimeout: time.Hour}))

	r.Call(context.Background(), "bad", nil)
	r.ResetBreaker("bad")
	r.ResetBreaker("bad")
	r.ResetBreaker("does-not-exist")

	assert.Contains(t, r.Available(), "bad")
}

func TestRegistry_ToOpenAISchema(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("greet", echoHandler, tool.Descriptor{
		Description: "greets a person",
		Parameters: []tool.Parameter{
			{Name: "text", Type: "string", Required: true, Description: "text to echo"},
		},
	}, breaker.DefaultConfig()))

	specs := r.ToOpenAISchema()
	require.Len(t, specs, 1)
	assert.Equal(t, "greet", specs[0].Name)
	props, ok := specs[0].Parameters["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
}

func TestRegistry_DescribeSortedByName(t *testing.T) {
	r := tool.New()
	require.NoError(t, r.Register("zeta", echoHandler, tool.Descriptor{Description: "z"}, breaker.DefaultConfig()))
	require.NoError(t, r.Register("alpha", echoHandler, tool.Descriptor{Description: "a"}, breaker.DefaultConfig()))

	descs := r.Describe()
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].Name)
	assert.Equal(t, "zeta", descs[1].Name)
}
