package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
)

func sampleAgent() domain.AgentData {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.AgentData{
		ID:          "agent-1",
		Name:        "Tuition Teacher",
		Description: "helps with homework",
		Nodes: []domain.Node{
			{ID: "n-in", Type: domain.NodeTypeFlowInput, Name: "Input", Position: domain.Position{X: 0, Y: 10}, Data: map[string]any{}},
			{ID: "n-sys", Type: domain.NodeTypeLLMSystemPrompt, Name: "System", Position: domain.Position{X: 50.5, Y: 10}, Data: map[string]any{
				domain.DataKeyPrompt: "You are a patient tutor.",
				domain.DataKeyDomain: "tuition",
			}},
			{ID: "n-mem", Type: domain.NodeTypeMemoryConversation, Name: "Memory", Data: map[string]any{domain.DataKeyMaxMessages: 6}},
		},
		Connections: []domain.Connection{
			{ID: "c1", Source: "n-in", Target: "n-sys", SourceHandle: "out"},
			{ID: "c2", Source: "n-sys", Target: "n-mem"},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestSaveAndLoadAgent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	agent := sampleAgent()
	require.NoError(t, store.SaveAgent(ctx, agent))

	got, err := store.LoadAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, got.Name)
	assert.Equal(t, agent.CreatedAt, got.CreatedAt)
	require.Len(t, got.Nodes, 3)
	assert.Equal(t, "n-in", got.Nodes[0].ID)
	assert.Equal(t, domain.Position{X: 50.5, Y: 10}, got.Nodes[1].Position)
	assert.Equal(t, "tuition", got.Nodes[1].String(domain.DataKeyDomain))
	assert.Equal(t, 6, got.Nodes[2].Int(domain.DataKeyMaxMessages, 0))
	assert.Equal(t, agent.Connections, got.Connections)
}

func TestSaveAgentReplacesGraph(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	agent := sampleAgent()
	require.NoError(t, store.SaveAgent(ctx, agent))

	agent.Name = "Renamed"
	agent.Nodes = agent.Nodes[:1]
	agent.Connections = nil
	require.NoError(t, store.SaveAgent(ctx, agent))

	got, err := store.LoadAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Len(t, got.Nodes, 1)
	assert.Empty(t, got.Connections)
}

func TestSaveAgentIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	good := sampleAgent()
	require.NoError(t, store.SaveAgent(ctx, good))

	bad := sampleAgent()
	bad.Name = "should not persist"
	bad.Connections = append(bad.Connections, domain.Connection{ID: "c3", Source: "n-in", Target: "ghost"})
	err := store.SaveAgent(ctx, bad)
	require.Error(t, err)
	assert.True(t, apperr.IsStore(err))

	got, err := store.LoadAgent(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, good.Name, got.Name)
	assert.Len(t, got.Connections, 2)
}

func TestLoadMissingAgent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.LoadAgent(context.Background(), "nope")
	assert.True(t, apperr.IsNotFound(err))
	assert.True(t, apperr.IsNotFound(store.DeleteAgent(context.Background(), "nope")))
}

func TestListAndDeleteAgents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	a := sampleAgent()
	require.NoError(t, store.SaveAgent(ctx, a))
	b := sampleAgent()
	b.ID = "agent-2"
	b.Name = "Trading Assistant"
	b.Nodes = nil
	b.Connections = nil
	b.UpdatedAt = a.UpdatedAt.Add(time.Hour)
	require.NoError(t, store.SaveAgent(ctx, b))

	list, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "agent-2", list[0].ID, "most recently updated first")
	assert.Equal(t, 0, list[0].NodeCount)
	assert.Equal(t, 3, list[1].NodeCount)

	conv, err := store.CreateConversation(ctx, domain.Conversation{AgentID: a.ID, UserID: "u1", Title: a.Name})
	require.NoError(t, err)

	require.NoError(t, store.DeleteAgent(ctx, a.ID))
	_, err = store.GetConversation(ctx, conv.ID)
	assert.True(t, apperr.IsNotFound(err), "conversations go with their agent")
	list, err = store.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConversationsAndMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	require.NoError(t, store.SaveAgent(ctx, sampleAgent()))

	_, err := store.LatestConversation(ctx, "agent-1", "u1")
	assert.True(t, apperr.IsNotFound(err))

	first, err := store.CreateConversation(ctx, domain.Conversation{AgentID: "agent-1", UserID: "u1", Title: "one"})
	require.NoError(t, err)
	second, err := store.CreateConversation(ctx, domain.Conversation{AgentID: "agent-1", UserID: "u1", Title: "two", CreatedAt: first.CreatedAt})
	require.NoError(t, err)

	latest, err := store.LatestConversation(ctx, "agent-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	for i, text := range []string{"hi", "hello!", "what is 2+2?", "4"} {
		sender := domain.SenderUser
		if i%2 == 1 {
			sender = domain.SenderAgent
		}
		_, err := store.AppendMessage(ctx, domain.ChatMessage{ConversationID: latest.ID, Sender: sender, Content: text})
		require.NoError(t, err)
	}

	all, err := store.ListMessages(ctx, latest.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "hi", all[0].Content)
	assert.Equal(t, domain.SenderAgent, all[3].Sender)

	recent, err := store.ListMessages(ctx, latest.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "what is 2+2?", recent[0].Content)
	assert.Equal(t, "4", recent[1].Content)

	require.NoError(t, store.UpdateMessageContent(ctx, all[0].ID, "hi there"))
	msg, err := store.GetMessage(ctx, all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "hi there", msg.Content)

	assert.True(t, apperr.IsNotFound(store.UpdateMessageContent(ctx, "ghost", "x")))
	_, err = store.AppendMessage(ctx, domain.ChatMessage{ConversationID: "ghost", Sender: domain.SenderUser, Content: "x"})
	assert.True(t, apperr.IsNotFound(err))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
