// Package chat runs conversations with a saved agent.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"agent_builder/internal/apperr"
	"agent_builder/internal/completion"
	"agent_builder/internal/domain"
	"agent_builder/internal/messaging/inproc"
)

type TranscriptStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	LatestConversation(ctx context.Context, agentID, userID string) (domain.Conversation, error)
	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error)
	GetMessage(ctx context.Context, id string) (domain.ChatMessage, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
}

type AgentLoader interface {
	LoadAgent(ctx context.Context, id string) (domain.AgentData, error)
}

type Config struct {
	DefaultSystemPrompt string
	MemoryWindow        int
	Model               string
}

type Service struct {
	agents    AgentLoader
	store     TranscriptStore
	completer completion.Completer
	hub       *inproc.Hub
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	sending map[string]struct{}
}

func NewService(agents AgentLoader, store TranscriptStore, completer completion.Completer, hub *inproc.Hub, cfg Config, logger *zap.Logger) *Service {
	if completer == nil {
		completer = completion.Static{}
	}
	if hub == nil {
		hub = inproc.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		agents:    agents,
		store:     store,
		completer: completer,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		sending:   make(map[string]struct{}),
	}
}

func (s *Service) Hub() *inproc.Hub { return s.hub }

// OpenConversation returns the newest conversation between the user and the
// agent, creating one titled after the agent when there is none.
func (s *Service) OpenConversation(ctx context.Context, agentID, userID string) (domain.Conversation, error) {
	agent, err := s.agents.LoadAgent(ctx, agentID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv, err := s.store.LatestConversation(ctx, agentID, userID)
	if err == nil {
		return conv, nil
	}
	if !apperr.IsNotFound(err) {
		return domain.Conversation{}, apperr.Store("chat.OpenConversation", err)
	}
	conv, err = s.store.CreateConversation(ctx, domain.Conversation{
		AgentID: agentID,
		UserID:  userID,
		Title:   agent.Name,
	})
	if err != nil {
		return domain.Conversation{}, apperr.Store("chat.OpenConversation", err)
	}
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("agent_id", agentID),
	)
	return conv, nil
}

func (s *Service) Messages(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, apperr.Store("chat.Messages", err)
	}
	return msgs, nil
}

// Send stores the user message, asks the completer for a reply and stores
// that too. A completer failure becomes an apology reply, not an error.
func (s *Service) Send(ctx context.Context, conversationID, content string) (domain.ChatMessage, domain.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ChatMessage{}, domain.ChatMessage{}, apperr.Validation("chat.Send", "empty_message", "message is empty")
	}
	if !s.acquire(conversationID) {
		return domain.ChatMessage{}, domain.ChatMessage{}, apperr.Validation("chat.Send", "send_in_progress", "a reply is still being generated")
	}
	defer s.release(conversationID)

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.ChatMessage{}, domain.ChatMessage{}, err
	}
	agent, err := s.agents.LoadAgent(ctx, conv.AgentID)
	if err != nil {
		return domain.ChatMessage{}, domain.ChatMessage{}, err
	}
	settings := SettingsFor(agent, s.cfg.DefaultSystemPrompt, s.cfg.MemoryWindow, s.cfg.Model)

	history, err := s.store.ListMessages(ctx, conversationID, settings.MemoryWindow)
	if err != nil {
		return domain.ChatMessage{}, domain.ChatMessage{}, apperr.Store("chat.Send", err)
	}

	userMsg, err := s.append(ctx, domain.ChatMessage{ConversationID: conversationID, Sender: domain.SenderUser, Content: content})
	if err != nil {
		return domain.ChatMessage{}, domain.ChatMessage{}, err
	}

	reply := s.complete(ctx, agent, settings, history, content)

	agentMsg, err := s.append(ctx, domain.ChatMessage{ConversationID: conversationID, Sender: domain.SenderAgent, Content: reply})
	if err != nil {
		return userMsg, domain.ChatMessage{}, err
	}
	return userMsg, agentMsg, nil
}

// Regenerate re-sends the user message closest before the given agent
// message.
func (s *Service) Regenerate(ctx context.Context, conversationID, messageID string) (domain.ChatMessage, domain.ChatMessage, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return domain.ChatMessage{}, domain.ChatMessage{}, apperr.Store("chat.Regenerate", err)
	}
	idx := -1
	for i, m := range msgs {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.ChatMessage{}, domain.ChatMessage{}, apperr.NotFound("chat.Regenerate", "message", fmt.Sprintf("message %s not found", messageID))
	}
	if msgs[idx].Sender != domain.SenderAgent {
		return domain.ChatMessage{}, domain.ChatMessage{}, apperr.Validation("chat.Regenerate", "not_agent_message", "only agent replies can be regenerated")
	}
	for i := idx - 1; i >= 0; i-- {
		if msgs[i].Sender == domain.SenderUser {
			return s.Send(ctx, conversationID, msgs[i].Content)
		}
	}
	return domain.ChatMessage{}, domain.ChatMessage{}, apperr.Validation("chat.Regenerate", "no_user_message", "no user message precedes this reply")
}

func (s *Service) EditMessage(ctx context.Context, messageID, content string) (domain.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ChatMessage{}, apperr.Validation("chat.EditMessage", "empty_message", "message is empty")
	}
	if err := s.store.UpdateMessageContent(ctx, messageID, content); err != nil {
		return domain.ChatMessage{}, err
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	s.publish(msg)
	return msg, nil
}

// Subscribe streams messages stored in conversationID from now on.
func (s *Service) Subscribe(conversationID string) (<-chan domain.ChatMessage, func()) {
	return s.hub.Subscribe(conversationID)
}

func (s *Service) complete(ctx context.Context, agent domain.AgentData, settings Settings, history []domain.ChatMessage, content string) string {
	reply, err := s.completer.Complete(ctx, completion.Request{
		System: Instructions(agent, settings),
		Prompt: Turn(history, settings.MemoryWindow, content),
		Model:  settings.Model,
	})
	if err != nil {
		s.logger.Warn("completion failed",
			zap.String("agent_id", agent.ID),
			zap.Error(err),
		)
		return apology(err)
	}
	if strings.TrimSpace(reply) == "" {
		return completion.FallbackReply
	}
	return reply
}

func (s *Service) append(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	stored, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return domain.ChatMessage{}, apperr.Store("chat.Send", err)
	}
	s.publish(stored)
	return stored, nil
}

func (s *Service) publish(msg domain.ChatMessage) {
	if err := s.hub.Publish(msg); err != nil {
		s.logger.Warn("chat subscriber dropped message",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) acquire(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.sending[conversationID]; busy {
		return false
	}
	s.sending[conversationID] = struct{}{}
	return true
}

func (s *Service) release(conversationID string) {
	s.mu.Lock()
	delete(s.sending, conversationID)
	s.mu.Unlock()
}
