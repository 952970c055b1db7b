package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supabase-community/postgrest-go"
	"go.uber.org/zap"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
)

// fakeRest is an in-memory PostgREST that understands the subset of the
// query grammar the store emits: eq filters, order, limit and the Prefer
// header.
type fakeRest struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
}

func newFakeRest() *fakeRest {
	return &fakeRest{tables: map[string][]map[string]any{}}
}

func (f *fakeRest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := strings.Trim(r.URL.Path, "/")
	q := r.URL.Query()
	match := func(row map[string]any) bool {
		for key, vals := range q {
			if key == "select" || key == "order" || key == "limit" || key == "on_conflict" {
				continue
			}
			for _, v := range vals {
				want, ok := strings.CutPrefix(v, "eq.")
				if ok && fmt.Sprint(row[key]) != want {
					return false
				}
			}
		}
		return true
	}
	representation := strings.Contains(r.Header.Get("Prefer"), "return=representation")

	switch r.Method {
	case http.MethodGet:
		var out []map[string]any
		for _, row := range f.tables[table] {
			if match(row) {
				out = append(out, row)
			}
		}
		if order := q.Get("order"); order != "" {
			parts := strings.Split(order, ".")
			desc := len(parts) > 1 && parts[1] == "desc"
			sort.SliceStable(out, func(i, j int) bool {
				a, b := fmt.Sprint(out[i][parts[0]]), fmt.Sprint(out[j][parts[0]])
				ta, errA := time.Parse(time.RFC3339Nano, a)
				tb, errB := time.Parse(time.RFC3339Nano, b)
				if errA == nil && errB == nil {
					if desc {
						return ta.After(tb)
					}
					return ta.Before(tb)
				}
				if desc {
					return a > b
				}
				return a < b
			})
		}
		if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit < len(out) {
			out = out[:limit]
		}
		writeRows(w, http.StatusOK, out)
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		var row map[string]any
		if err := json.Unmarshal(body, &row); err != nil {
			http.Error(w, `{"code":"PGRST102","message":"bad body"}`, http.StatusBadRequest)
			return
		}
		upsert := strings.Contains(r.Header.Get("Prefer"), "merge-duplicates")
		rows := f.tables[table]
		for i, existing := range rows {
			if existing["id"] == row["id"] {
				if !upsert {
					w.WriteHeader(http.StatusConflict)
					_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key"}`))
					return
				}
				rows[i] = row
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
		f.tables[table] = append(rows, row)
		w.WriteHeader(http.StatusCreated)
	case http.MethodPatch:
		body, _ := io.ReadAll(r.Body)
		var patch map[string]any
		_ = json.Unmarshal(body, &patch)
		var out []map[string]any
		for _, row := range f.tables[table] {
			if match(row) {
				for k, v := range patch {
					row[k] = v
				}
				out = append(out, row)
			}
		}
		if representation {
			writeRows(w, http.StatusOK, out)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		var kept, out []map[string]any
		for _, row := range f.tables[table] {
			if match(row) {
				out = append(out, row)
				continue
			}
			kept = append(kept, row)
		}
		f.tables[table] = kept
		if representation {
			writeRows(w, http.StatusOK, out)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeRest) insertRaw(table string, row map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = append(f.tables[table], row)
}

func writeRows(w http.ResponseWriter, status int, rows []map[string]any) {
	if rows == nil {
		rows = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rows)
}

func newTestStore(t *testing.T) (*Store, *fakeRest) {
	t.Helper()
	fake := newFakeRest()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return New(postgrest.NewClient(srv.URL, "", nil), zap.NewNop()), fake
}

func TestSupabaseSaveLoadListDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	agent := domain.AgentData{
		ID:   "agent-1",
		Name: "Trading Assistant",
		Nodes: []domain.Node{
			{ID: "n1", Type: domain.NodeTypeFlowInput, Name: "Input", Data: map[string]any{}},
			{ID: "n2", Type: domain.NodeTypeLLMSystemPrompt, Name: "System", Data: map[string]any{domain.DataKeyDomain: "trading"}},
		},
		Connections: []domain.Connection{{ID: "c1", Source: "n1", Target: "n2"}},
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, store.SaveAgent(ctx, agent))

	agent.Name = "Renamed"
	agent.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, store.SaveAgent(ctx, agent))

	got, err := store.LoadAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, "trading", got.Nodes[1].String(domain.DataKeyDomain))
	assert.Equal(t, agent.Connections, got.Connections)
	assert.Equal(t, created, got.CreatedAt)

	list, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].NodeCount)

	require.NoError(t, store.DeleteAgent(ctx, "agent-1"))
	_, err = store.LoadAgent(ctx, "agent-1")
	assert.True(t, apperr.IsNotFound(err))
	assert.True(t, apperr.IsNotFound(store.DeleteAgent(ctx, "agent-1")))
}

func TestSupabaseMessages(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	store.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	conv, err := store.CreateConversation(ctx, domain.Conversation{AgentID: "agent-1", UserID: "u1", Title: "Tutor"})
	require.NoError(t, err)
	latest, err := store.LatestConversation(ctx, "agent-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, latest.ID)

	for _, text := range []string{"one", "two", "three"} {
		_, err := store.AppendMessage(ctx, domain.ChatMessage{ConversationID: conv.ID, Sender: domain.SenderUser, Content: text})
		require.NoError(t, err)
	}

	all, err := store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].Content)

	recent, err := store.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, []string{"two", "three"}, []string{recent[0].Content, recent[1].Content})

	require.NoError(t, store.UpdateMessageContent(ctx, all[0].ID, "uno"))
	msg, err := store.GetMessage(ctx, all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "uno", msg.Content)
	assert.True(t, apperr.IsNotFound(store.UpdateMessageContent(ctx, "ghost", "x")))

	_, err = store.GetConversation(ctx, "ghost")
	assert.True(t, apperr.IsNotFound(err))
}

func TestSupabaseWatchDeliversNewMessagesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, fake := newTestStore(t)

	_, err := store.AppendMessage(ctx, domain.ChatMessage{ConversationID: "conv-1", Sender: domain.SenderUser, Content: "before"})
	require.NoError(t, err)

	got := make(chan domain.ChatMessage, 4)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, "conv-1", 10*time.Millisecond, func(m domain.ChatMessage) { got <- m })
	}()

	time.Sleep(30 * time.Millisecond)
	fake.insertRaw(tableMessages, map[string]any{
		"id":              "remote-1",
		"conversation_id": "conv-1",
		"sender_type":     "agent",
		"content":         "from elsewhere",
		"created_at":      time.Now().UTC().Format(time.RFC3339Nano),
	})

	select {
	case m := <-got:
		assert.Equal(t, "remote-1", m.ID)
		assert.Equal(t, domain.SenderAgent, m.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not deliver the new message")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got, "messages are delivered once")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
