package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
)

func mustNode(t *testing.T, g *Graph, nt domain.NodeType, x, y float64) domain.Node {
	t.Helper()
	n, err := CreateNode(nt, domain.Position{X: x, Y: y})
	require.NoError(t, err)
	require.NoError(t, g.AddNode(n))
	return n
}

func mustConnect(t *testing.T, g *Graph, src, dst string) domain.Connection {
	t.Helper()
	c, err := g.CreateConnection(src, dst, Handles{})
	require.NoError(t, err)
	require.NoError(t, g.AddConnection(c))
	return c
}

func TestCreateNodeDefaults(t *testing.T) {
	n, err := CreateNode(domain.NodeTypeMemoryConversation, domain.Position{X: 10, Y: 20})
	require.NoError(t, err)

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, domain.NodeTypeMemoryConversation, n.Type)
	assert.Equal(t, "Conversation Memory", n.Name)
	assert.NotEmpty(t, n.Description)
	assert.Equal(t, domain.Position{X: 10, Y: 20}, n.Position)
	assert.NotNil(t, n.Data)
	assert.Empty(t, n.Data)

	other, err := CreateNode(domain.NodeTypeMemoryConversation, domain.Position{})
	require.NoError(t, err)
	assert.NotEqual(t, n.ID, other.ID)
}

func TestCreateNodeUnknownType(t *testing.T) {
	_, err := CreateNode(domain.NodeType("flow-teleport"), domain.Position{})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestCreateConnectionValidation(t *testing.T) {
	g := New("", "agent", "")
	a := mustNode(t, g, domain.NodeTypeFlowInput, 0, 0)
	b := mustNode(t, g, domain.NodeTypeLLMPrompt, 100, 0)

	c, err := g.CreateConnection(a.ID, b.ID, Handles{Source: "out", Target: "in"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.Source)
	assert.Equal(t, b.ID, c.Target)
	assert.Equal(t, "out", c.SourceHandle)
	assert.Equal(t, "in", c.TargetHandle)

	tests := []struct {
		name   string
		source string
		target string
		code   string
	}{
		{name: "self loop", source: a.ID, target: a.ID, code: "self_loop"},
		{name: "missing source", source: "ghost", target: b.ID, code: "missing_endpoint"},
		{name: "missing target", source: a.ID, target: "ghost", code: "missing_endpoint"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.CreateConnection(tc.source, tc.target, Handles{})
			require.Error(t, err)
			assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindValidation, Code: tc.code})
		})
	}
}

func TestAddNodeRejectsDuplicates(t *testing.T) {
	g := New("", "agent", "")
	n := mustNode(t, g, domain.NodeTypeLLMChat, 0, 0)

	err := g.AddNode(n)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, 1, g.NodeCount())
}

func TestAddConnectionRejectsDuplicates(t *testing.T) {
	g := New("", "agent", "")
	a := mustNode(t, g, domain.NodeTypeFlowInput, 0, 0)
	b := mustNode(t, g, domain.NodeTypeFlowOutput, 0, 0)
	c := mustConnect(t, g, a.ID, b.ID)

	require.Error(t, g.AddConnection(c))
	assert.Equal(t, 1, g.ConnectionCount())
}

func TestRemoveNodeCascades(t *testing.T) {
	g := New("", "agent", "")
	a := mustNode(t, g, domain.NodeTypeFlowInput, 0, 0)
	b := mustNode(t, g, domain.NodeTypeLLMPrompt, 0, 0)
	c := mustNode(t, g, domain.NodeTypeFlowOutput, 0, 0)
	mustConnect(t, g, a.ID, b.ID)
	mustConnect(t, g, b.ID, c.ID)
	keep := mustConnect(t, g, a.ID, c.ID)

	removal, err := g.RemoveNode(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, removal.Index)
	assert.Len(t, removal.Connections, 2)

	assert.False(t, g.HasNode(b.ID))
	for _, conn := range g.Connections() {
		assert.NotEqual(t, b.ID, conn.Source)
		assert.NotEqual(t, b.ID, conn.Target)
	}
	assert.Equal(t, []domain.Connection{keep}, g.Connections())
}

func TestRemoveEveryNodeLeavesNoDanglingConnections(t *testing.T) {
	g := New("", "agent", "")
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustNode(t, g, domain.NodeTypeLLMPrompt, float64(i), 0).ID)
	}
	for i := range ids {
		for j := range ids {
			if i != j {
				mustConnect(t, g, ids[i], ids[j])
			}
		}
	}

	for _, id := range ids {
		_, err := g.RemoveNode(id)
		require.NoError(t, err)
		for _, conn := range g.Connections() {
			assert.True(t, g.HasNode(conn.Source))
			assert.True(t, g.HasNode(conn.Target))
		}
	}
	assert.Zero(t, g.ConnectionCount())
}

func TestRestoreIsExactInverse(t *testing.T) {
	g := New("", "agent", "")
	a := mustNode(t, g, domain.NodeTypeFlowInput, 0, 0)
	b := mustNode(t, g, domain.NodeTypeLLMPrompt, 0, 0)
	c := mustNode(t, g, domain.NodeTypeFlowOutput, 0, 0)
	mustConnect(t, g, a.ID, c.ID)
	mustConnect(t, g, a.ID, b.ID)
	mustConnect(t, g, c.ID, a.ID)
	mustConnect(t, g, b.ID, c.ID)
	before := g.Clone()

	removal, err := g.RemoveNode(b.ID)
	require.NoError(t, err)
	require.False(t, Equal(before, g))

	require.NoError(t, g.Restore(removal))
	assert.True(t, Equal(before, g))
}

func TestUpdateNodeDataPatch(t *testing.T) {
	g := New("", "agent", "")
	n := mustNode(t, g, domain.NodeTypeLLMPrompt, 0, 0)
	name := "Greeter"

	prev, err := g.UpdateNodeData(n.ID, Patch{
		Name: &name,
		Data: map[string]any{domain.DataKeyTemplate: "Hello {{input}}", "temperature": 0.2},
	})
	require.NoError(t, err)
	assert.Equal(t, n, prev)

	got, ok := g.Node(n.ID)
	require.True(t, ok)
	assert.Equal(t, "Greeter", got.Name)
	assert.Equal(t, "Hello {{input}}", got.String(domain.DataKeyTemplate))

	_, err = g.UpdateNodeData(n.ID, Patch{Unset: []string{"temperature"}})
	require.NoError(t, err)
	got, _ = g.Node(n.ID)
	assert.NotContains(t, got.Data, "temperature")

	empty := "  "
	_, err = g.UpdateNodeData(n.ID, Patch{Name: &empty})
	assert.True(t, apperr.IsValidation(err))

	_, err = g.UpdateNodeData("ghost", Patch{Name: &name})
	assert.True(t, apperr.IsNotFound(err))
}

func TestUpdateNodeDataDetachesPatchValues(t *testing.T) {
	g := New("", "agent", "")
	n := mustNode(t, g, domain.NodeTypeMemoryConversation, 0, 0)
	inner := map[string]any{"a": 1.0}
	tags := []any{"x"}

	_, err := g.UpdateNodeData(n.ID, Patch{Data: map[string]any{"cfg": inner, "tags": tags}})
	require.NoError(t, err)
	inner["a"] = 2.0
	tags[0] = "y"

	got, _ := g.Node(n.ID)
	assert.Equal(t, map[string]any{"a": 1.0}, got.Data["cfg"])
	assert.Equal(t, []any{"x"}, got.Data["tags"])
}

func TestUpdateNodeDataWidensIntegers(t *testing.T) {
	g := New("", "agent", "")
	n := mustNode(t, g, domain.NodeTypeMemoryConversation, 0, 0)

	_, err := g.UpdateNodeData(n.ID, Patch{Data: map[string]any{
		domain.DataKeyMaxMessages: 5,
		"nested":                  map[string]any{"k": int64(3)},
	}})
	require.NoError(t, err)

	got, _ := g.Node(n.ID)
	assert.Equal(t, 5.0, got.Data[domain.DataKeyMaxMessages])
	assert.Equal(t, map[string]any{"k": 3.0}, got.Data["nested"])
	assert.Equal(t, 5, got.Int(domain.DataKeyMaxMessages, 0))

	raw, err := json.Marshal(g.Agent())
	require.NoError(t, err)
	var decoded domain.AgentData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	reloaded, err := FromAgent(decoded)
	require.NoError(t, err)
	assert.True(t, Equal(g, reloaded), "saved and reloaded graph compares equal")
}

func TestNodeAccessorReturnsCopy(t *testing.T) {
	g := New("", "agent", "")
	n := mustNode(t, g, domain.NodeTypeLLMPrompt, 0, 0)

	got, _ := g.Node(n.ID)
	got.Data["leak"] = true

	again, _ := g.Node(n.ID)
	assert.NotContains(t, again.Data, "leak")
}

func TestReplaceNodeKeepsTypeImmutable(t *testing.T) {
	g := New("", "agent", "")
	n := mustNode(t, g, domain.NodeTypeLLMPrompt, 0, 0)

	changed := n.Clone()
	changed.Type = domain.NodeTypeToolAPI
	err := g.ReplaceNode(changed)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	got, _ := g.Node(n.ID)
	assert.Equal(t, domain.NodeTypeLLMPrompt, got.Type)
}

func TestMoveNode(t *testing.T) {
	g := New("", "agent", "")
	n := mustNode(t, g, domain.NodeTypeFlowInput, 1, 2)

	prev, err := g.MoveNode(n.ID, domain.Position{X: 30, Y: 40})
	require.NoError(t, err)
	assert.Equal(t, domain.Position{X: 1, Y: 2}, prev)
	got, _ := g.Node(n.ID)
	assert.Equal(t, domain.Position{X: 30, Y: 40}, got.Position)
}

func TestFromAgentRejectsDanglingConnection(t *testing.T) {
	a := domain.AgentData{
		ID:   "a1",
		Name: "broken",
		Nodes: []domain.Node{
			{ID: "n1", Type: domain.NodeTypeFlowInput},
		},
		Connections: []domain.Connection{
			{ID: "c1", Source: "n1", Target: "n2"},
		},
	}
	_, err := FromAgent(a)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestAgentRoundTrip(t *testing.T) {
	g := New("agent-1", "Support", "answers questions")
	a := mustNode(t, g, domain.NodeTypeFlowInput, 0, 0)
	b := mustNode(t, g, domain.NodeTypeLLMChat, 50, 0)
	mustConnect(t, g, a.ID, b.ID)

	loaded, err := FromAgent(g.Agent())
	require.NoError(t, err)
	assert.True(t, Equal(g, loaded))
	assert.Equal(t, "Support", loaded.Name)
	assert.Equal(t, "agent-1", loaded.ID)
}
