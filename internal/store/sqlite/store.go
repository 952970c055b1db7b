package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_nodes (
	agent_id TEXT NOT NULL,
	id TEXT NOT NULL,
	position INTEGER NOT NULL,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	x REAL NOT NULL,
	y REAL NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY(agent_id, id),
	FOREIGN KEY(agent_id) REFERENCES agents(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS agent_connections (
	agent_id TEXT NOT NULL,
	id TEXT NOT NULL,
	position INTEGER NOT NULL,
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	source_handle TEXT NOT NULL DEFAULT '',
	target_handle TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(agent_id, id),
	FOREIGN KEY(agent_id) REFERENCES agents(id) ON DELETE CASCADE,
	FOREIGN KEY(agent_id, source) REFERENCES agent_nodes(agent_id, id) ON DELETE CASCADE,
	FOREIGN KEY(agent_id, target) REFERENCES agent_nodes(agent_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(agent_id) REFERENCES agents(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(agent_id, user_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	sender_type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	// one connection keeps the pragmas in effect for every statement
	db.SetMaxOpenConns(1)

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveAgent writes the whole graph, replacing any previous version of the
// agent in one transaction.
func (s *Store) SaveAgent(ctx context.Context, agent domain.AgentData) error {
	if strings.TrimSpace(agent.ID) == "" {
		return apperr.Validation("sqlite.SaveAgent", "empty_id", "agent id is required")
	}
	now := s.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Store("sqlite.SaveAgent", fmt.Errorf("begin tx save agent: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO agents(id, name, description, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, agent.Description, toMillis(agent.CreatedAt), toMillis(agent.UpdatedAt),
	); err != nil {
		return apperr.Store("sqlite.SaveAgent", fmt.Errorf("upsert agent: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_connections WHERE agent_id = ?`, agent.ID); err != nil {
		return apperr.Store("sqlite.SaveAgent", fmt.Errorf("clear connections: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_nodes WHERE agent_id = ?`, agent.ID); err != nil {
		return apperr.Store("sqlite.SaveAgent", fmt.Errorf("clear nodes: %w", err))
	}

	for i, n := range agent.Nodes {
		data, err := json.Marshal(nonNilData(n.Data))
		if err != nil {
			return apperr.Store("sqlite.SaveAgent", fmt.Errorf("encode node %s data: %w", n.ID, err))
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO agent_nodes(agent_id, id, position, type, name, description, x, y, data)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agent.ID, n.ID, i, string(n.Type), n.Name, n.Description, n.Position.X, n.Position.Y, string(data),
		); err != nil {
			return apperr.Store("sqlite.SaveAgent", fmt.Errorf("insert node %s: %w", n.ID, err))
		}
	}
	for i, c := range agent.Connections {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO agent_connections(agent_id, id, position, source, target, source_handle, target_handle)
			VALUES(?, ?, ?, ?, ?, ?, ?)`,
			agent.ID, c.ID, i, c.Source, c.Target, c.SourceHandle, c.TargetHandle,
		); err != nil {
			return apperr.Store("sqlite.SaveAgent", fmt.Errorf("insert connection %s: %w", c.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Store("sqlite.SaveAgent", fmt.Errorf("commit save agent: %w", err))
	}
	return nil
}

func (s *Store) LoadAgent(ctx context.Context, id string) (domain.AgentData, error) {
	var agent domain.AgentData
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, description, created_at, updated_at FROM agents WHERE id = ?`,
		id,
	).Scan(&agent.ID, &agent.Name, &agent.Description, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentData{}, apperr.NotFound("sqlite.LoadAgent", "agent", fmt.Sprintf("agent %s not found", id))
		}
		return domain.AgentData{}, apperr.Store("sqlite.LoadAgent", fmt.Errorf("get agent: %w", err))
	}
	agent.CreatedAt = fromMillis(createdAt)
	agent.UpdatedAt = fromMillis(updatedAt)

	nodes, err := s.loadNodes(ctx, id)
	if err != nil {
		return domain.AgentData{}, err
	}
	conns, err := s.loadConnections(ctx, id)
	if err != nil {
		return domain.AgentData{}, err
	}
	agent.Nodes = nodes
	agent.Connections = conns
	return agent, nil
}

func (s *Store) loadNodes(ctx context.Context, agentID string) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, type, name, description, x, y, data
		FROM agent_nodes
		WHERE agent_id = ?
		ORDER BY position ASC`,
		agentID,
	)
	if err != nil {
		return nil, apperr.Store("sqlite.LoadAgent", fmt.Errorf("list nodes: %w", err))
	}
	defer rows.Close()

	result := make([]domain.Node, 0)
	for rows.Next() {
		var n domain.Node
		var nodeType, data string
		if err := rows.Scan(&n.ID, &nodeType, &n.Name, &n.Description, &n.Position.X, &n.Position.Y, &data); err != nil {
			return nil, apperr.Store("sqlite.LoadAgent", fmt.Errorf("scan node: %w", err))
		}
		n.Type = domain.NodeType(nodeType)
		n.Data = map[string]any{}
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
			return nil, apperr.Store("sqlite.LoadAgent", fmt.Errorf("decode node %s data: %w", n.ID, err))
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("sqlite.LoadAgent", fmt.Errorf("iterate nodes: %w", err))
	}
	return result, nil
}

func (s *Store) loadConnections(ctx context.Context, agentID string) ([]domain.Connection, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source, target, source_handle, target_handle
		FROM agent_connections
		WHERE agent_id = ?
		ORDER BY position ASC`,
		agentID,
	)
	if err != nil {
		return nil, apperr.Store("sqlite.LoadAgent", fmt.Errorf("list connections: %w", err))
	}
	defer rows.Close()

	result := make([]domain.Connection, 0)
	for rows.Next() {
		var c domain.Connection
		if err := rows.Scan(&c.ID, &c.Source, &c.Target, &c.SourceHandle, &c.TargetHandle); err != nil {
			return nil, apperr.Store("sqlite.LoadAgent", fmt.Errorf("scan connection: %w", err))
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("sqlite.LoadAgent", fmt.Errorf("iterate connections: %w", err))
	}
	return result, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.AgentSummary, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT a.id, a.name, a.description, a.created_at, a.updated_at,
			(SELECT COUNT(*) FROM agent_nodes n WHERE n.agent_id = a.id)
		FROM agents a
		ORDER BY a.updated_at DESC, a.id ASC`,
	)
	if err != nil {
		return nil, apperr.Store("sqlite.ListAgents", fmt.Errorf("list agents: %w", err))
	}
	defer rows.Close()

	result := make([]domain.AgentSummary, 0)
	for rows.Next() {
		var a domain.AgentSummary
		var createdAt, updatedAt int64
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &createdAt, &updatedAt, &a.NodeCount); err != nil {
			return nil, apperr.Store("sqlite.ListAgents", fmt.Errorf("scan agent: %w", err))
		}
		a.CreatedAt = fromMillis(createdAt)
		a.UpdatedAt = fromMillis(updatedAt)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("sqlite.ListAgents", fmt.Errorf("iterate agents: %w", err))
	}
	return result, nil
}

// DeleteAgent removes the agent with its graph and conversations.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return apperr.Store("sqlite.DeleteAgent", fmt.Errorf("delete agent: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Store("sqlite.DeleteAgent", fmt.Errorf("delete agent rows affected: %w", err))
	}
	if n == 0 {
		return apperr.NotFound("sqlite.DeleteAgent", "agent", fmt.Sprintf("agent %s not found", id))
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO conversations(id, agent_id, user_id, title, created_at) VALUES(?, ?, ?, ?, ?)`,
		conv.ID, conv.AgentID, conv.UserID, conv.Title, toMillis(conv.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.Conversation{}, apperr.NotFound("sqlite.CreateConversation", "agent", fmt.Sprintf("agent %s not found", conv.AgentID))
		}
		return domain.Conversation{}, apperr.Store("sqlite.CreateConversation", fmt.Errorf("create conversation: %w", err))
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var conv domain.Conversation
	var createdAt int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, agent_id, user_id, title, created_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&conv.ID, &conv.AgentID, &conv.UserID, &conv.Title, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, apperr.NotFound("sqlite.GetConversation", "conversation", fmt.Sprintf("conversation %s not found", id))
		}
		return domain.Conversation{}, apperr.Store("sqlite.GetConversation", fmt.Errorf("get conversation: %w", err))
	}
	conv.CreatedAt = fromMillis(createdAt)
	return conv, nil
}

// LatestConversation returns the newest conversation between the agent and
// the user.
func (s *Store) LatestConversation(ctx context.Context, agentID, userID string) (domain.Conversation, error) {
	var conv domain.Conversation
	var createdAt int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, agent_id, user_id, title, created_at
		FROM conversations
		WHERE agent_id = ? AND user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		agentID, userID,
	).Scan(&conv.ID, &conv.AgentID, &conv.UserID, &conv.Title, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, apperr.NotFound("sqlite.LatestConversation", "conversation", "no conversation yet")
		}
		return domain.Conversation{}, apperr.Store("sqlite.LatestConversation", fmt.Errorf("latest conversation: %w", err))
	}
	conv.CreatedAt = fromMillis(createdAt)
	return conv, nil
}

// AppendMessage stores msg at the end of its conversation. Empty id and
// timestamp are filled in.
func (s *Store) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO messages(id, conversation_id, sender_type, content, created_at) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Sender), msg.Content, toMillis(msg.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ChatMessage{}, apperr.NotFound("sqlite.AppendMessage", "conversation", fmt.Sprintf("conversation %s not found", msg.ConversationID))
		}
		return domain.ChatMessage{}, apperr.Store("sqlite.AppendMessage", fmt.Errorf("insert message: %w", err))
	}
	return msg, nil
}

// ListMessages returns the conversation in insertion order. A positive limit
// keeps only the most recent messages.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	query := `SELECT id, conversation_id, sender_type, content, created_at FROM (
		SELECT seq, id, conversation_id, sender_type, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?
	) ORDER BY seq ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, apperr.Store("sqlite.ListMessages", fmt.Errorf("list messages: %w", err))
	}
	defer rows.Close()

	result := make([]domain.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Store("sqlite.ListMessages", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("sqlite.ListMessages", fmt.Errorf("iterate messages: %w", err))
	}
	return result, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.ChatMessage, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, conversation_id, sender_type, content, created_at FROM messages WHERE id = ?`,
		id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ChatMessage{}, apperr.NotFound("sqlite.GetMessage", "message", fmt.Sprintf("message %s not found", id))
		}
		return domain.ChatMessage{}, apperr.Store("sqlite.GetMessage", err)
	}
	return msg, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return apperr.Store("sqlite.UpdateMessageContent", fmt.Errorf("update message: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Store("sqlite.UpdateMessageContent", fmt.Errorf("update message rows affected: %w", err))
	}
	if n == 0 {
		return apperr.NotFound("sqlite.UpdateMessageContent", "message", fmt.Sprintf("message %s not found", id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	var sender string
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Content, &createdAt); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Sender = domain.Sender(sender)
	msg.CreatedAt = fromMillis(createdAt)
	return msg, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nonNilData(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint")
}
