// Package palette is the static catalog of creatable node kinds.
package palette

import (
	"fmt"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
)

type Entry struct {
	Type        domain.NodeType `json:"type"`
	Icon        string          `json:"icon"`
	Label       string          `json:"label"`
	Description string          `json:"description"`
}

var entries = map[domain.NodeType]Entry{
	domain.NodeTypeLLMPrompt:       {Icon: "brain", Label: "LLM Prompt", Description: "Generate text using a language model"},
	domain.NodeTypeLLMCompletion:   {Icon: "message-square", Label: "LLM Completion", Description: "Complete text using a language model"},
	domain.NodeTypeLLMChat:         {Icon: "messages-square", Label: "LLM Chat", Description: "Multi-turn chat with a language model"},
	domain.NodeTypeLLMSystemPrompt: {Icon: "scroll-text", Label: "System Prompt", Description: "Instructions that shape the model's behavior"},

	domain.NodeTypeMemoryStore:        {Icon: "database", Label: "Memory Store", Description: "Store information for later steps"},
	domain.NodeTypeMemoryRetrieve:     {Icon: "database-zap", Label: "Memory Retrieve", Description: "Retrieve stored information"},
	domain.NodeTypeMemoryVector:       {Icon: "boxes", Label: "Vector Memory", Description: "Similarity search over embedded documents"},
	domain.NodeTypeMemoryConversation: {Icon: "history", Label: "Conversation Memory", Description: "Keep the last messages of the conversation"},

	domain.NodeTypeToolWebSearch:    {Icon: "globe", Label: "Web Search", Description: "Search the web"},
	domain.NodeTypeToolCalculator:   {Icon: "calculator", Label: "Calculator", Description: "Evaluate arithmetic expressions"},
	domain.NodeTypeToolCodeExecutor: {Icon: "code", Label: "Code Execution", Description: "Execute custom code"},
	domain.NodeTypeToolDataAnalysis: {Icon: "bar-chart", Label: "Data Analysis", Description: "Analyze tabular data"},
	domain.NodeTypeToolAPI:          {Icon: "settings", Label: "API Call", Description: "Make HTTP requests"},

	domain.NodeTypeFlowInput:     {Icon: "log-in", Label: "Input", Description: "Entry point receiving the user input"},
	domain.NodeTypeFlowOutput:    {Icon: "log-out", Label: "Output", Description: "Final result of the agent"},
	domain.NodeTypeFlowCondition: {Icon: "git-branch", Label: "Condition", Description: "Continue only when a condition holds"},
	domain.NodeTypeFlowLoop:      {Icon: "repeat", Label: "Loop", Description: "Repeat the downstream steps"},
}

// Entries returns the palette in the declaration order of domain.NodeTypes.
func Entries() []Entry {
	out := make([]Entry, 0, len(domain.NodeTypes))
	for _, t := range domain.NodeTypes {
		e, ok := entries[t]
		if !ok {
			continue
		}
		e.Type = t
		out = append(out, e)
	}
	return out
}

// Describe returns the entry for t. Kinds added to the enumeration without a
// palette entry yield a NotFound error.
func Describe(t domain.NodeType) (Entry, error) {
	e, ok := entries[t]
	if !ok {
		return Entry{}, apperr.NotFound("palette.Describe", "node_type", fmt.Sprintf("unknown node type %q", t))
	}
	e.Type = t
	return e, nil
}

// Families groups entries by family, keeping declaration order inside each.
func Families() map[domain.NodeFamily][]Entry {
	out := make(map[domain.NodeFamily][]Entry)
	for _, e := range Entries() {
		f := e.Type.Family()
		out[f] = append(out[f], e)
	}
	return out
}
