// Package supabase stores agents and chat transcripts in a hosted Postgres
// behind PostgREST.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
)

const (
	tableAgents        = "agents"
	tableConversations = "conversations"
	tableMessages      = "messages"
)

// Tables opens a query on a table. *supabase.Client and *postgrest.Client
// both provide it.
type Tables interface {
	From(table string) *postgrest.QueryBuilder
}

type Store struct {
	db     Tables
	logger *zap.Logger
	now    func() time.Time
}

// Connect builds a supabase-go client for url and key.
func Connect(url, key string, logger *zap.Logger) (*Store, *supa.Client, error) {
	client, err := supa.NewClient(url, key, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create supabase client: %w", err)
	}
	return New(client, logger), client, nil
}

func New(db Tables, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type agentRow struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Nodes       []domain.Node       `json:"nodes"`
	Connections []domain.Connection `json:"connections"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (r agentRow) agent() domain.AgentData {
	a := domain.AgentData{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Nodes:       r.Nodes,
		Connections: r.Connections,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if a.Nodes == nil {
		a.Nodes = []domain.Node{}
	}
	for i := range a.Nodes {
		if a.Nodes[i].Data == nil {
			a.Nodes[i].Data = map[string]any{}
		}
	}
	if a.Connections == nil {
		a.Connections = []domain.Connection{}
	}
	return a
}

// SaveAgent upserts the agent row. The graph is a single JSON document, so
// the write is atomic.
func (s *Store) SaveAgent(ctx context.Context, agent domain.AgentData) error {
	if err := ctx.Err(); err != nil {
		return apperr.Store("supabase.SaveAgent", err)
	}
	if strings.TrimSpace(agent.ID) == "" {
		return apperr.Validation("supabase.SaveAgent", "empty_id", "agent id is required")
	}
	now := s.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}
	row := agentRow{
		ID:          agent.ID,
		Name:        agent.Name,
		Description: agent.Description,
		Nodes:       agent.Nodes,
		Connections: agent.Connections,
		CreatedAt:   agent.CreatedAt,
		UpdatedAt:   agent.UpdatedAt,
	}
	if row.Nodes == nil {
		row.Nodes = []domain.Node{}
	}
	if row.Connections == nil {
		row.Connections = []domain.Connection{}
	}
	if _, _, err := s.db.From(tableAgents).Insert(row, true, "id", "minimal", "").Execute(); err != nil {
		return apperr.Store("supabase.SaveAgent", fmt.Errorf("upsert agent: %w", err))
	}
	s.logger.Debug("agent upserted", zap.String("agent_id", agent.ID))
	return nil
}

func (s *Store) LoadAgent(ctx context.Context, id string) (domain.AgentData, error) {
	if err := ctx.Err(); err != nil {
		return domain.AgentData{}, apperr.Store("supabase.LoadAgent", err)
	}
	var rows []agentRow
	if _, err := s.db.From(tableAgents).Select("*", "", false).Eq("id", id).Limit(1, "").ExecuteTo(&rows); err != nil {
		return domain.AgentData{}, apperr.Store("supabase.LoadAgent", fmt.Errorf("get agent: %w", err))
	}
	if len(rows) == 0 {
		return domain.AgentData{}, apperr.NotFound("supabase.LoadAgent", "agent", fmt.Sprintf("agent %s not found", id))
	}
	return rows[0].agent(), nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.AgentSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Store("supabase.ListAgents", err)
	}
	var rows []agentRow
	if _, err := s.db.From(tableAgents).
		Select("*", "", false).
		Order("updated_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows); err != nil {
		return nil, apperr.Store("supabase.ListAgents", fmt.Errorf("list agents: %w", err))
	}
	out := make([]domain.AgentSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.AgentSummary{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			NodeCount:   len(r.Nodes),
			CreatedAt:   r.CreatedAt.UTC(),
			UpdatedAt:   r.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Store("supabase.DeleteAgent", err)
	}
	var deleted []agentRow
	if _, err := s.db.From(tableAgents).Delete("representation", "").Eq("id", id).ExecuteTo(&deleted); err != nil {
		return apperr.Store("supabase.DeleteAgent", fmt.Errorf("delete agent: %w", err))
	}
	if len(deleted) == 0 {
		return apperr.NotFound("supabase.DeleteAgent", "agent", fmt.Sprintf("agent %s not found", id))
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, apperr.Store("supabase.CreateConversation", err)
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	if _, _, err := s.db.From(tableConversations).Insert(conv, false, "", "minimal", "").Execute(); err != nil {
		return domain.Conversation{}, apperr.Store("supabase.CreateConversation", fmt.Errorf("insert conversation: %w", err))
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, apperr.Store("supabase.GetConversation", err)
	}
	var rows []domain.Conversation
	if _, err := s.db.From(tableConversations).Select("*", "", false).Eq("id", id).Limit(1, "").ExecuteTo(&rows); err != nil {
		return domain.Conversation{}, apperr.Store("supabase.GetConversation", fmt.Errorf("get conversation: %w", err))
	}
	if len(rows) == 0 {
		return domain.Conversation{}, apperr.NotFound("supabase.GetConversation", "conversation", fmt.Sprintf("conversation %s not found", id))
	}
	return rows[0], nil
}

func (s *Store) LatestConversation(ctx context.Context, agentID, userID string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, apperr.Store("supabase.LatestConversation", err)
	}
	var rows []domain.Conversation
	if _, err := s.db.From(tableConversations).
		Select("*", "", false).
		Eq("agent_id", agentID).
		Eq("user_id", userID).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		ExecuteTo(&rows); err != nil {
		return domain.Conversation{}, apperr.Store("supabase.LatestConversation", fmt.Errorf("latest conversation: %w", err))
	}
	if len(rows) == 0 {
		return domain.Conversation{}, apperr.NotFound("supabase.LatestConversation", "conversation", "no conversation yet")
	}
	return rows[0], nil
}

func (s *Store) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatMessage{}, apperr.Store("supabase.AppendMessage", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if _, _, err := s.db.From(tableMessages).Insert(msg, false, "", "minimal", "").Execute(); err != nil {
		return domain.ChatMessage{}, apperr.Store("supabase.AppendMessage", fmt.Errorf("insert message: %w", err))
	}
	return msg, nil
}

// ListMessages returns messages oldest first. A positive limit keeps the most
// recent ones.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Store("supabase.ListMessages", err)
	}
	q := s.db.From(tableMessages).
		Select("*", "", false).
		Eq("conversation_id", conversationID)
	var rows []domain.ChatMessage
	if limit > 0 {
		if _, err := q.Order("created_at", &postgrest.OrderOpts{Ascending: false}).Limit(limit, "").ExecuteTo(&rows); err != nil {
			return nil, apperr.Store("supabase.ListMessages", fmt.Errorf("list messages: %w", err))
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	} else if _, err := q.Order("created_at", &postgrest.OrderOpts{Ascending: true}).ExecuteTo(&rows); err != nil {
		return nil, apperr.Store("supabase.ListMessages", fmt.Errorf("list messages: %w", err))
	}
	if rows == nil {
		rows = []domain.ChatMessage{}
	}
	return rows, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatMessage{}, apperr.Store("supabase.GetMessage", err)
	}
	var rows []domain.ChatMessage
	if _, err := s.db.From(tableMessages).Select("*", "", false).Eq("id", id).Limit(1, "").ExecuteTo(&rows); err != nil {
		return domain.ChatMessage{}, apperr.Store("supabase.GetMessage", fmt.Errorf("get message: %w", err))
	}
	if len(rows) == 0 {
		return domain.ChatMessage{}, apperr.NotFound("supabase.GetMessage", "message", fmt.Sprintf("message %s not found", id))
	}
	return rows[0], nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Store("supabase.UpdateMessageContent", err)
	}
	var updated []domain.ChatMessage
	if _, err := s.db.From(tableMessages).
		Update(map[string]string{"content": content}, "representation", "").
		Eq("id", id).
		ExecuteTo(&updated); err != nil {
		return apperr.Store("supabase.UpdateMessageContent", fmt.Errorf("update message: %w", err))
	}
	if len(updated) == 0 {
		return apperr.NotFound("supabase.UpdateMessageContent", "message", fmt.Sprintf("message %s not found", id))
	}
	return nil
}

// Watch polls the conversation and calls fn once for every message it has not
// seen yet, oldest first, until ctx ends. Messages present when Watch starts
// are treated as seen.
func (s *Store) Watch(ctx context.Context, conversationID string, interval time.Duration, fn func(domain.ChatMessage)) error {
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	existing, err := s.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		msgs, err := s.ListMessages(ctx, conversationID, 0)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("poll messages failed", zap.String("conversation_id", conversationID), zap.Error(err))
			continue
		}
		for _, m := range msgs {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			fn(m)
		}
	}
}
