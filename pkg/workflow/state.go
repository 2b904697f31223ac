// Package workflow implements the turn-level state-graph interpreter:
// LLM, Tools, and Validate nodes routed by WorkflowState.NextAction,
// with checkpointing after every node transition.
//
// Grounded on the teacher's workflow package (ExecutionContext's
// mutex-guarded shared state, explicit node dispatch in executor.go)
// generalized from hector's multi-agent workflow to this spec's
// single-conversation turn graph, and on
// original_source/core/graph.py's AgentWorkflow (llm_node/tools_node/
// validate_node split, next_action-driven conditional routing).
package workflow

import (
	"encoding/json"
	"time"

	"github.com/kadirpekel/agentcore/pkg/tool"
)

// Role identifies the sender of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is the tagged-union turn element described in spec §3.
// ToolCalls is populated only on Assistant messages that request tool
// execution; ToolCallID and ToolName are populated only on Tool
// messages replying to one of those calls.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// NextAction names the node that should run next.
type NextAction string

const (
	ActionLLM      NextAction = "llm"
	ActionTools    NextAction = "tools"
	ActionValidate NextAction = "validate"
	ActionEnd      NextAction = "end"
)

// State is the per-turn workflow state persisted as one checkpoint row.
// Every field is exported so the engine can serialize it directly;
// encoding/gob would work too, but JSON keeps checkpoint bytes
// human-inspectable during development, matching the teacher's
// preference for readable wire formats over compactness.
type State struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []Message         `json:"messages"`
	ToolResults    []tool.Result     `json:"tool_results"`
	NextAction     NextAction        `json:"next_action"`
	Error          string            `json:"error,omitempty"`
	RetryCount     int               `json:"retry_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewState seeds initial state for a new turn: optional system prompt,
// the user's query, zeroed retry count, and NextAction pointed at LLM.
func NewState(conversationID, systemPrompt, userQuery string) *State {
	var messages []Message
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: userQuery})

	return &State{
		ConversationID: conversationID,
		Messages:       messages,
		NextAction:     ActionLLM,
		Metadata:       map[string]string{},
	}
}

// Encode serializes State into the self-describing versioned blob the
// checkpoint store persists opaquely.
func Encode(s *State) ([]byte, error) {
	return json.Marshal(stateEnvelope{Version: 1, State: s})
}

// Decode reverses Encode. Unknown future versions are rejected rather
// than silently misread.
func Decode(data []byte) (*State, error) {
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Version != 1 {
		return nil, errUnsupportedVersion(env.Version)
	}
	return env.State, nil
}

type stateEnvelope struct {
	Version int    `json:"version"`
	State   *State `json:"state"`
}

type errUnsupportedVersion int

func (e errUnsupportedVersion) Error() string {
	return "workflow: unsupported checkpoint state version"
}

// LastMessage returns the final message in the turn, or the zero value
// with ok=false if there are none yet.
func (s *State) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastUserMessage returns the most recent User message's content.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Trim returns the last n messages, always keeping a leading System
// message if one was present, matching the teacher's "never drop the
// system prompt during compaction" convention.
func Trim(messages []Message, n int) []Message {
	if len(messages) <= n {
		return messages
	}
	var system *Message
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		system = &messages[0]
	}

	tail := messages[len(messages)-n:]
	if system == nil {
		return tail
	}
	for _, m := range tail {
		if m.Role == RoleSystem {
			return tail
		}
	}
	out := make([]Message, 0, n+1)
	out = append(out, *system)
	out = append(out, tail...)
	return out
}

// CheckpointedAt pairs a node with a timestamp for observability. No
// code in this module sets it, and it is not part of the serialized
// State blob.
type CheckpointedAt struct {
	Node NextAction
	At   time.Time
}
