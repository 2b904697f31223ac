// Package tool implements the name→callable tool registry: schema
// export for model prompts, per-tool circuit breaking, panic recovery,
// and the uniform ToolResult envelope every invocation normalizes into.
//
// Grounded on the teacher's pkg/tools package (ToolInfo/ToolParameter
// shape, sorted Describe listing) generalized to an explicit-handler
// registration contract instead of a Tool-interface-per-implementation
// one, and on goadesign-goa-ai/registry/service.go's
// validatePayloadJSONAgainstSchema for compiling and checking tool
// arguments against their declared JSON schema before invocation.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kadirpekel/agentcore/internal/registry"
	"github.com/kadirpekel/agentcore/internal/telemetry"
	"github.com/kadirpekel/agentcore/pkg/breaker"
)

// Status is the normalized outcome of a tool invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Result is the uniform envelope every tool invocation is normalized
// into before entering workflow state.
type Result struct {
	ToolName     string `json:"tool_name"`
	Status       Status `json:"status"`
	Payload      any    `json:"payload,omitempty"`
	LatencyMS    int64  `json:"latency_ms"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
}

// Parameter describes one named argument a tool accepts. Parameters are
// declared explicitly at registration time; they are never derived from
// reflection over the handler's Go signature.
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // JSON-schema primitive: string, number, integer, boolean, object, array
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// Descriptor is a tool's name, description, and parameter schema, used
// both for operator introspection and for building model-facing
// function specs.
type Descriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// FunctionSpec is the OpenAI-compatible chat-completions function
// schema derived from a Descriptor for injection into a provider
// request's tool-schemas field.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Handler is the signature every registered tool implements. It
// returns a result map that should contain a "status" key; if absent,
// the registry wraps the return value as {status: success, data: v}.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

type entry struct {
	handler    Handler
	descriptor Descriptor
	schema     *jsonschema.Schema
	breaker    *breaker.Breaker
}

// Registry dispatches named tool calls to registered handlers, wrapping
// each call with argument validation, a per-tool circuit breaker,
// latency measurement, and panic recovery.
type Registry struct {
	entries  *registry.BaseRegistry[entry]
	breakers *breaker.Registry
	metrics  *telemetry.Metrics
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		entries:  registry.New[entry](),
		breakers: breaker.NewRegistry(breaker.DefaultConfig()),
	}
}

// SetMetrics attaches the Prometheus collectors Call and the breaker
// registry report into. Wiring is optional: a Registry built with New
// and never given metrics behaves exactly as before.
func (r *Registry) SetMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

// Register adds a tool under name. It fails if name is already
// registered; use Reload for explicit hot-reload overwrite semantics.
func (r *Registry) Register(name string, handler Handler, descriptor Descriptor, cfg breaker.Config) error {
	if handler == nil {
		return fmt.Errorf("tool: handler for %q must not be nil", name)
	}
	descriptor.Name = name

	schema, err := compileParameterSchema(descriptor.Parameters)
	if err != nil {
		return fmt.Errorf("tool: compile schema for %q: %w", name, err)
	}

	e := entry{
		handler:    handler,
		descriptor: descriptor,
		schema:     schema,
		breaker:    r.breakers.GetWithConfig(name, cfg),
	}
	return r.entries.Register(name, e)
}

// Reload replaces a tool's handler and descriptor, creating it if it
// doesn't already exist. This is the only path that may overwrite an
// existing registration, reserved for explicit hot-reload.
func (r *Registry) Reload(name string, handler Handler, descriptor Descriptor, cfg breaker.Config) error {
	descriptor.Name = name
	schema, err := compileParameterSchema(descriptor.Parameters)
	if err != nil {
		return fmt.Errorf("tool: compile schema for %q: %w", name, err)
	}
	r.entries.Put(name, entry{
		handler:    handler,
		descriptor: descriptor,
		schema:     schema,
		breaker:    r.breakers.GetWithConfig(name, cfg),
	})
	return nil
}

// Call invokes the named tool, returning a normalized Result. It never
// returns a Go error: every failure mode (unknown tool, open breaker,
// invalid arguments, handler error, handler panic) is represented as a
// Result with Status == StatusError.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) Result {
	e, ok := r.entries.Get(name)
	if !ok {
		return Result{
			ToolName:     name,
			Status:       StatusError,
			ErrorMessage: "tool not found",
			Payload:      map[string]any{"available_tools": r.Available()},
		}
	}

	if !e.breaker.IsAvailable() {
		m := e.breaker.Metrics()
		r.recordBreakerGauge(name, m.State)
		return Result{
			ToolName:     name,
			Status:       StatusError,
			ErrorMessage: fmt.Sprintf("circuit %s", m.State),
			Payload:      m,
		}
	}

	if e.schema != nil {
		if err := validateArgs(e.schema, args); err != nil {
			e.breaker.RecordFailure()
			r.recordBreakerFailure(name, e.breaker.State())
			r.recordCall(name, StatusError, 0)
			return Result{
				ToolName:     name,
				Status:       StatusError,
				ErrorMessage: fmt.Sprintf("invalid arguments: %v", err),
			}
		}
	}

	spanCtx, span := telemetry.StartSpan(ctx, "tool.call."+name)
	res := invoke(spanCtx, name, e.handler, args)
	span.End()
	if res.Status == StatusSuccess {
		e.breaker.RecordSuccess()
		r.recordBreakerGauge(name, e.breaker.State())
	} else {
		e.breaker.RecordFailure()
		r.recordBreakerFailure(name, e.breaker.State())
	}
	r.recordCall(name, res.Status, res.LatencyMS)
	return res
}

func (r *Registry) recordCall(name string, status Status, latencyMS int64) {
	if r.metrics == nil {
		return
	}
	r.metrics.ToolCalls.WithLabelValues(name, string(status)).Inc()
	r.metrics.ToolLatency.WithLabelValues(name).Observe(float64(latencyMS))
}

func (r *Registry) recordBreakerGauge(name string, state breaker.State) {
	if r.metrics == nil {
		return
	}
	r.metrics.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (r *Registry) recordBreakerFailure(name string, state breaker.State) {
	if r.metrics == nil {
		return
	}
	r.metrics.BreakerFailures.WithLabelValues(name).Inc()
	r.recordBreakerGauge(name, state)
}

// invoke calls handler, recovering from panics and always returning a
// normalized Result with latency populated.
func invoke(ctx context.Context, name string, handler Handler, args map[string]any) (res Result) {
	start := time.Now()
	defer func() {
		res.LatencyMS = time.Since(start).Milliseconds()
		if p := recover(); p != nil {
			slog.Error("tool handler panicked", "tool", name, "panic", p)
			res = Result{
				ToolName:     name,
				Status:       StatusError,
				ErrorMessage: fmt.Sprintf("panic: %v", p),
				LatencyMS:    time.Since(start).Milliseconds(),
			}
		}
	}()

	out, err := handler(ctx, args)
	if err != nil {
		return Result{ToolName: name, Status: StatusError, ErrorMessage: err.Error()}
	}

	return normalize(name, out)
}

// normalize converts a raw handler return map into a Result, wrapping
// the return value when the handler omitted a "status" key.
func normalize(name string, out map[string]any) Result {
	if out == nil {
		return Result{ToolName: name, Status: StatusSuccess}
	}

	rawStatus, hasStatus := out["status"]
	if !hasStatus {
		return Result{ToolName: name, Status: StatusSuccess, Payload: map[string]any{"data": out}}
	}

	status := Status(fmt.Sprintf("%v", rawStatus))
	switch status {
	case StatusSuccess, StatusError, StatusTimeout:
	default:
		status = StatusError
	}

	res := Result{ToolName: name, Status: status, Payload: out}
	if errMsg, ok := out["error_message"]; ok {
		res.ErrorMessage = fmt.Sprintf("%v", errMsg)
	} else if errMsg, ok := out["error"]; ok {
		res.ErrorMessage = fmt.Sprintf("%v", errMsg)
	}
	return res
}

// Available returns the names of tools whose breakers currently permit
// a call (Closed, or Open-but-reset-timeout-elapsed so the next call
// probes HalfOpen).
func (r *Registry) Available() []string {
	var names []string
	for _, name := range r.entries.Names() {
		e, ok := r.entries.Get(name)
		if ok && e.breaker.IsAvailable() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Describe returns every registered tool's descriptor, sorted by name.
func (r *Registry) Describe() []Descriptor {
	entries := r.entries.List()
	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToOpenAISchema returns every registered tool's descriptor translated
// into the OpenAI chat-completions function-calling schema, for
// injection into a provider request.
func (r *Registry) ToOpenAISchema() []FunctionSpec {
	descriptors := r.Describe()
	out := make([]FunctionSpec, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, FunctionSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  parameterSchemaDocument(d.Parameters),
		})
	}
	return out
}

// ResetBreaker forcibly closes the named tool's circuit breaker. It is
// a no-op, not an error, when the tool doesn't exist or the breaker is
// already closed.
func (r *Registry) ResetBreaker(name string) {
	if e, ok := r.entries.Get(name); ok {
		e.breaker.Reset()
	}
}

// BreakerMetrics returns a snapshot of every tool's breaker, for health
// endpoints.
func (r *Registry) BreakerMetrics() []breaker.Metrics {
	return r.breakers.Metrics()
}

func parameterSchemaDocument(params []Parameter) map[string]any {
	properties := map[string]any{}
	var required []string
	for _, p := range params {
		prop := map[string]any{
			"type":        jsonSchemaType(p.Type),
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			enumVals := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enumVals[i] = v
			}
			prop["enum"] = enumVals
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func jsonSchemaType(t string) string {
	switch t {
	case "string", "number", "integer", "boolean", "object", "array":
		return t
	default:
		return "string"
	}
}

func compileParameterSchema(params []Parameter) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}

	doc := parameterSchemaDocument(params)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	resourceName := fmt.Sprintf("tool-params-%p.json", params)
	if err := c.AddResource(resourceName, decoded); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
