package chat

import (
	"fmt"
	"strings"

	"agent_builder/internal/domain"
)

const DefaultSystemPrompt = "You are a helpful AI assistant."

const defaultMemoryWindow = 10

// Profile narrows an agent to one subject area. Off-topic questions get the
// Redirect text verbatim.
type Profile struct {
	Name      string
	Expertise string
	Topics    string
	Redirect  string
}

var profiles = map[string]Profile{
	"tuition": {
		Name:      "tuition",
		Expertise: "academic tutoring and education",
		Topics: strings.Join([]string{
			"Mathematics: algebra, geometry, calculus, statistics, trigonometry",
			"Sciences: physics, chemistry, biology, environmental science",
			"Languages: English, literature, grammar, writing, reading comprehension",
			"Social Sciences: history, geography, economics, political science",
			"Computer Science: programming, algorithms, data structures",
			"Test Preparation: SAT, ACT, GRE, GMAT, competitive exams",
			"Study Skills: time management, note-taking, exam strategies",
			"Academic Writing: essays, research papers, thesis writing",
			"Subject-specific Concepts: detailed explanations of academic topics",
			"Problem Solving: step-by-step solutions, critical thinking",
			"Learning Strategies: personalized study methods, concept understanding",
			"Educational Resources: study materials, reference guides, practice problems",
		}, "\n"),
		Redirect: "I'm a Tuition Teacher Assistant. I specialize in academic tutoring and education. I can help you with various subjects including mathematics, sciences, languages, social sciences, and more. Please ask me about any academic topic or learning strategy.",
	},
	"trading": {
		Name:      "trading",
		Expertise: "financial markets and trading",
		Topics:    "stocks, indices, trading strategies, market analysis, technical analysis, fundamental analysis, portfolio management",
		Redirect:  "I'm a Trading Assistant. I can only help with trading and financial market questions. Please ask me about stocks, trading strategies, or market analysis.",
	},
	"content": {
		Name:      "content",
		Expertise: "content creation and writing",
		Topics:    "content strategy, writing techniques, editing, proofreading, storytelling, copywriting, content planning",
		Redirect:  "I'm a Content Creation Assistant. I can only help with content creation and writing questions. Please ask me about content strategy or writing techniques.",
	},
}

// LookupProfile resolves a data.domain value. Unknown and empty names have no
// profile.
func LookupProfile(name string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Settings is what the agent graph contributes to a conversation.
type Settings struct {
	SystemPrompt string
	Profile      *Profile
	MemoryWindow int
	Model        string
}

// SettingsFor reads the prompt, domain, memory window and model from the
// agent's nodes, falling back to the given defaults.
func SettingsFor(agent domain.AgentData, defaultPrompt string, defaultWindow int, defaultModel string) Settings {
	s := Settings{
		SystemPrompt: strings.TrimSpace(defaultPrompt),
		MemoryWindow: defaultWindow,
		Model:        defaultModel,
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt = DefaultSystemPrompt
	}
	if s.MemoryWindow <= 0 {
		s.MemoryWindow = defaultMemoryWindow
	}

	if n, ok := agent.FirstNodeOfType(domain.NodeTypeLLMSystemPrompt); ok {
		if p := strings.TrimSpace(n.String(domain.DataKeyPrompt)); p != "" {
			s.SystemPrompt = p
		}
		if p, ok := LookupProfile(n.String(domain.DataKeyDomain)); ok {
			s.Profile = &p
		}
	} else if n, ok := agent.FirstNodeOfType(domain.NodeTypeLLMPrompt); ok {
		if p := strings.TrimSpace(n.String(domain.DataKeyTemplate)); p != "" {
			s.SystemPrompt = p
		}
	}
	if n, ok := agent.FirstNodeOfType(domain.NodeTypeMemoryConversation); ok {
		if w := n.Int(domain.DataKeyMaxMessages, 0); w > 0 {
			s.MemoryWindow = w
		}
	}
	for _, t := range []domain.NodeType{domain.NodeTypeLLMChat, domain.NodeTypeLLMCompletion} {
		if n, ok := agent.FirstNodeOfType(t); ok {
			if m := strings.TrimSpace(n.String(domain.DataKeyModel)); m != "" {
				s.Model = m
				break
			}
		}
	}
	return s
}

// Instructions is the system part of the prompt: the base prompt, the
// agent's identity and either the domain guard or the general preamble.
func Instructions(agent domain.AgentData, s Settings) string {
	name := strings.TrimSpace(agent.Name)
	if name == "" {
		name = "Assistant"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nYou are %s, a specialized AI assistant. %s\n\n", s.SystemPrompt, name, strings.TrimSpace(agent.Description))
	if s.Profile == nil {
		b.WriteString("You can help with a wide range of topics and questions. Provide detailed, helpful responses to the best of your ability.")
		return b.String()
	}
	p := s.Profile
	b.WriteString("IMPORTANT: You must ONLY respond to questions within your specific domain. For any other type of question, you must redirect the user.\n\n")
	fmt.Fprintf(&b, "Your expertise is in %s.\nYou can answer questions about:\n%s\n\n", p.Expertise, p.Topics)
	b.WriteString("When responding to questions:\n")
	b.WriteString("1. First, analyze if the question is within your domain\n")
	b.WriteString("2. If it's within your domain:\n")
	b.WriteString("   - Provide a detailed, helpful response\n")
	b.WriteString("   - Include relevant examples and explanations\n")
	b.WriteString("   - Use appropriate terminology\n")
	b.WriteString("3. If it's NOT within your domain:\n")
	b.WriteString("   - DO NOT attempt to answer it\n")
	fmt.Fprintf(&b, "   - Use this exact response: %q\n\n", p.Redirect)
	b.WriteString("Remember: Your role is to help users within your specific domain. Never attempt to answer questions outside your domain. Always redirect them with the exact message provided above.")
	return b.String()
}

// Turn renders the recent history and the new user message. history must be
// oldest first and is cut to the last window entries.
func Turn(history []domain.ChatMessage, window int, content string) string {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		speaker := "User"
		if m.Sender == domain.SenderAgent {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+m.Content)
	}
	return "Conversation history:\n" + strings.Join(lines, "\n") + "\n\nUser: " + content + "\n\nAssistant:"
}

func apology(err error) string {
	return fmt.Sprintf("I encountered an error while processing your request: %s. Please try again later.", err.Error())
}
