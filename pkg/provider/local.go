package provider

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kadirpekel/agentcore/internal/telemetry"
)

// Fully-qualified method paths for the local inference service. There
// is no generated client stub: ClientConn.Invoke/NewStream only need a
// method path and proto.Message-shaped request/response values, and
// structpb.Struct (a real, already-generated well-known protobuf type)
// is general enough to carry the request/response payloads below
// without hand-authoring service-specific .pb.go code.
const (
	localServiceName  = "agentcore.local.Inference"
	localGenerateMeth = "/" + localServiceName + "/Generate"
	localStreamMeth   = "/" + localServiceName + "/GenerateStream"
)

// LocalConfig configures the gRPC connection to a self-hosted inference
// endpoint (e.g. vLLM, TGI, or a custom model server speaking this
// service's wire contract).
type LocalConfig struct {
	Target      string // host:port
	Model       string
	Insecure    bool
	DialOptions []grpc.DialOption
}

// LocalClient implements Client against a local gRPC inference service
// using raw Invoke/NewStream calls rather than a generated stub.
type LocalClient struct {
	cfg  LocalConfig
	conn *grpc.ClientConn
}

// NewLocalClient dials the configured target. Dialing is lazy and
// non-blocking; reachability is established on first call, matching
// the pool's probe-then-drop startup semantics.
func NewLocalClient(cfg LocalConfig) (*LocalClient, error) {
	opts := cfg.DialOptions
	if len(opts) == 0 && cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, cfg.Target, err)
	}
	return &LocalClient{cfg: cfg, conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *LocalClient) Close() error {
	return c.conn.Close()
}

func requestToStruct(cfg LocalConfig, req Request) (*structpb.Struct, error) {
	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":         string(m.Role),
			"content":      m.Content,
			"name":         m.Name,
			"tool_call_id": m.ToolCallID,
		})
	}
	tools := make([]any, 0, len(req.ToolSchemas))
	for _, t := range req.ToolSchemas {
		params := map[string]any{}
		for k, v := range t.Parameters {
			params[k] = v
		}
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  params,
		})
	}

	payload, err := structpb.NewStruct(map[string]any{
		"model":                cfg.Model,
		"messages":             messages,
		"tools":                tools,
		"temperature":          req.Temperature,
		"max_tokens":           req.MaxTokens,
		"response_format_json": req.ResponseFormatJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrBadResponse, err)
	}
	return payload, nil
}

func structToUsage(s *structpb.Struct) Usage {
	get := func(key string) int {
		v, ok := s.Fields[key]
		if !ok {
			return 0
		}
		return int(v.GetNumberValue())
	}
	return Usage{
		PromptTokens:     get("prompt_tokens"),
		CompletionTokens: get("completion_tokens"),
		TotalTokens:      get("total_tokens"),
	}
}

// Generate performs a single unary call against the local service.
func (c *LocalClient) Generate(ctx context.Context, req Request) (string, Usage, error) {
	ctx, span := telemetry.StartSpan(ctx, "provider.generate")
	defer span.End()

	payload, err := requestToStruct(c.cfg, req)
	if err != nil {
		return "", Usage{}, err
	}

	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, localGenerateMeth, payload, reply); err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", Usage{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	text, ok := reply.Fields["text"]
	if !ok {
		return "", Usage{}, fmt.Errorf("%w: missing text field", ErrBadResponse)
	}
	return text.GetStringValue(), structToUsage(reply), nil
}

// localStreamDesc describes the server-streaming RPC shape NewStream
// needs; it substitutes for the generated grpc.StreamDesc a protoc-gen-go-grpc
// client would otherwise embed in its stub.
var localStreamDesc = &grpc.StreamDesc{
	StreamName:    "GenerateStream",
	ServerStreams: true,
}

// GenerateStream opens a server-streaming call and adapts each
// streamed structpb.Struct frame into a StreamToken.
func (c *LocalClient) GenerateStream(ctx context.Context, req Request) (<-chan StreamToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "provider.generate_stream")

	payload, err := requestToStruct(c.cfg, req)
	if err != nil {
		span.End()
		return nil, err
	}

	stream, err := c.conn.NewStream(ctx, localStreamDesc, localStreamMeth)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("%w: open stream: %v", ErrUnavailable, err)
	}
	if err := stream.SendMsg(payload); err != nil {
		span.End()
		return nil, fmt.Errorf("%w: send request: %v", ErrUnavailable, err)
	}
	if err := stream.CloseSend(); err != nil {
		span.End()
		return nil, fmt.Errorf("%w: close send: %v", ErrUnavailable, err)
	}

	out := make(chan StreamToken)
	go func() {
		defer close(out)
		defer span.End()
		for {
			frame := &structpb.Struct{}
			if err := stream.RecvMsg(frame); err != nil {
				if err != io.EOF {
					select {
					case out <- StreamToken{Done: true}:
					case <-ctx.Done():
					}
				}
				return
			}

			token := StreamToken{}
			if v, ok := frame.Fields["text"]; ok {
				token.Text = v.GetStringValue()
			}
			if v, ok := frame.Fields["done"]; ok {
				token.Done = v.GetBoolValue()
			}
			select {
			case out <- token:
			case <-ctx.Done():
				return
			}
			if token.Done {
				return
			}
		}
	}()
	return out, nil
}
