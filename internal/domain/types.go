package domain

import (
	"strings"
	"time"
)

type NodeType string

const (
	NodeTypeLLMPrompt       NodeType = "llm-prompt"
	NodeTypeLLMCompletion   NodeType = "llm-completion"
	NodeTypeLLMChat         NodeType = "llm-chat"
	NodeTypeLLMSystemPrompt NodeType = "llm-system-prompt"

	NodeTypeMemoryStore        NodeType = "memory-store"
	NodeTypeMemoryRetrieve     NodeType = "memory-retrieve"
	NodeTypeMemoryVector       NodeType = "memory-vector"
	NodeTypeMemoryConversation NodeType = "memory-conversation"

	NodeTypeToolWebSearch    NodeType = "tool-web-search"
	NodeTypeToolCalculator   NodeType = "tool-calculator"
	NodeTypeToolCodeExecutor NodeType = "tool-code-executor"
	NodeTypeToolDataAnalysis NodeType = "tool-data-analysis"
	NodeTypeToolAPI          NodeType = "tool-api"

	NodeTypeFlowInput     NodeType = "flow-input"
	NodeTypeFlowOutput    NodeType = "flow-output"
	NodeTypeFlowCondition NodeType = "flow-condition"
	NodeTypeFlowLoop      NodeType = "flow-loop"
)

// NodeTypes lists every kind in declaration order. The palette mirrors it.
var NodeTypes = []NodeType{
	NodeTypeLLMPrompt,
	NodeTypeLLMCompletion,
	NodeTypeLLMChat,
	NodeTypeLLMSystemPrompt,
	NodeTypeMemoryStore,
	NodeTypeMemoryRetrieve,
	NodeTypeMemoryVector,
	NodeTypeMemoryConversation,
	NodeTypeToolWebSearch,
	NodeTypeToolCalculator,
	NodeTypeToolCodeExecutor,
	NodeTypeToolDataAnalysis,
	NodeTypeToolAPI,
	NodeTypeFlowInput,
	NodeTypeFlowOutput,
	NodeTypeFlowCondition,
	NodeTypeFlowLoop,
}

type NodeFamily string

const (
	FamilyLLM    NodeFamily = "llm"
	FamilyMemory NodeFamily = "memory"
	FamilyTool   NodeFamily = "tool"
	FamilyFlow   NodeFamily = "flow"
)

func (t NodeType) Family() NodeFamily {
	prefix, _, _ := strings.Cut(string(t), "-")
	return NodeFamily(prefix)
}

func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Well-known keys inside Node.Data.
const (
	DataKeyPrompt      = "prompt"
	DataKeyTemplate    = "template"
	DataKeyMaxMessages = "max_messages"
	DataKeyDomain      = "domain"
	DataKeyModel       = "model"
	DataKeyContains    = "contains"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID          string         `json:"id"`
	Type        NodeType       `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Position    Position       `json:"position"`
	Data        map[string]any `json:"data"`
}

// Clone returns a copy whose Data map can be mutated independently.
func (n Node) Clone() Node {
	out := n
	out.Data = cloneData(n.Data)
	return out
}

func (n Node) String(key string) string {
	v, ok := n.Data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int reads a numeric data value. JSON numbers decode as float64, so both
// shapes are accepted.
func (n Node) Int(key string, def int) int {
	switch v := n.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

type Connection struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

type AgentData struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (a AgentData) Clone() AgentData {
	out := a
	out.Nodes = make([]Node, len(a.Nodes))
	for i, n := range a.Nodes {
		out.Nodes[i] = n.Clone()
	}
	out.Connections = append([]Connection(nil), a.Connections...)
	return out
}

// FirstNodeOfType returns the first node of kind t in insertion order.
func (a AgentData) FirstNodeOfType(t NodeType) (Node, bool) {
	for _, n := range a.Nodes {
		if n.Type == t {
			return n, true
		}
	}
	return Node{}, false
}

type AgentSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	NodeCount   int       `json:"node_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Sender         Sender    `json:"sender_type"`
	CreatedAt      time.Time `json:"created_at"`
}

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// NormalizeValue returns a deep copy of v with integer numbers widened to
// float64, the form node data takes after a JSON round trip.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = NormalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = NormalizeValue(item)
		}
		return out
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
