package blueprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
	"agent_builder/internal/graph"
)

const tutorHCL = `
agent {
  id          = "tutor"
  name        = "Tuition Teacher"
  description = "Helps with homework"
}

node "in" {
  type = "flow-input"
  x    = 10
  y    = 20
}

node "sys" {
  type = "llm-system-prompt"
  name = "Tutor prompt"
  data = {
    prompt = "Explain step by step."
    domain = "tuition"
  }
}

node "mem" {
  type = "memory-conversation"
  data = { max_messages = 6, tags = ["math", "science"] }
}

connection "c1" {
  source        = "in"
  target        = "sys"
  source_handle = "out"
}

connection "c2" {
  source = "sys"
  target = "mem"
}
`

func TestParseHCL(t *testing.T) {
	agent, err := ParseHCL([]byte(tutorHCL), "tutor.hcl")
	require.NoError(t, err)

	assert.Equal(t, "tutor", agent.ID)
	assert.Equal(t, "Tuition Teacher", agent.Name)
	require.Len(t, agent.Nodes, 3)

	in := agent.Nodes[0]
	assert.Equal(t, domain.NodeTypeFlowInput, in.Type)
	assert.Equal(t, domain.Position{X: 10, Y: 20}, in.Position)
	assert.NotEmpty(t, in.Name, "palette label is the default name")

	sys := agent.Nodes[1]
	assert.Equal(t, "Tutor prompt", sys.Name)
	assert.Equal(t, "tuition", sys.String(domain.DataKeyDomain))

	mem := agent.Nodes[2]
	assert.Equal(t, 6, mem.Int(domain.DataKeyMaxMessages, 0))
	assert.Equal(t, []any{"math", "science"}, mem.Data["tags"])

	require.Len(t, agent.Connections, 2)
	assert.Equal(t, domain.Connection{ID: "c1", Source: "in", Target: "sys", SourceHandle: "out"}, agent.Connections[0])
}

func TestParseHCLRejectsBrokenGraphs(t *testing.T) {
	cases := map[string]struct {
		src  string
		code string
	}{
		"syntax":       {src: `agent {`, code: "invalid_blueprint"},
		"missing name": {src: `agent {}`, code: "invalid_blueprint"},
		"unknown type": {src: "agent {\n name = \"a\"\n}\nnode \"x\" {\n type = \"llm-magic\"\n}\n", code: "unknown_node_type"},
		"self loop": {
			src:  "agent {\n name = \"a\"\n}\nnode \"x\" {\n type = \"flow-input\"\n}\nconnection \"c\" {\n source = \"x\"\n target = \"x\"\n}\n",
			code: "self_loop",
		},
		"dangling": {
			src:  "agent {\n name = \"a\"\n}\nnode \"x\" {\n type = \"flow-input\"\n}\nconnection \"c\" {\n source = \"x\"\n target = \"y\"\n}\n",
			code: "missing_endpoint",
		},
		"data not object": {src: "agent {\n name = \"a\"\n}\nnode \"x\" {\n type = \"flow-input\"\n data = \"nope\"\n}\n", code: "invalid_data"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHCL([]byte(tc.src), "bad.hcl")
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
			var appErr *apperr.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tc.code, appErr.Code)
		})
	}
}

func TestWorkspaceRoundTrips(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), nil)
	require.NoError(t, err)

	original, err := ParseHCL([]byte(tutorHCL), "tutor.hcl")
	require.NoError(t, err)

	for _, path := range []string{"out/tutor.json", "out/tutor.hcl"} {
		t.Run(path, func(t *testing.T) {
			require.NoError(t, ws.Export(path, original))
			back, err := ws.Import(path)
			require.NoError(t, err)

			want, err := graph.FromAgent(original)
			require.NoError(t, err)
			got, err := graph.FromAgent(back)
			require.NoError(t, err)
			assert.True(t, graph.Equal(want, got))
		})
	}
}

func TestWorkspaceConfinesPaths(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), nil)
	require.NoError(t, err)

	err = ws.WriteFile("../escape.json", []byte("{}"))
	assert.True(t, apperr.IsValidation(err))

	_, err = ws.ReadFile("   ")
	assert.True(t, apperr.IsValidation(err))

	_, err = ws.Import("missing.json")
	assert.True(t, apperr.IsNotFound(err))

	_, err = ws.Import("agent.yaml")
	assert.True(t, apperr.IsValidation(err))
}

func TestDecodeJSONValidates(t *testing.T) {
	_, err := DecodeJSON([]byte(`{"id":"a","name":"x","nodes":[{"id":"n","type":"flow-input"}],"connections":[{"id":"c","source":"n","target":"ghost"}]}`))
	assert.True(t, apperr.IsValidation(err))

	_, err = DecodeJSON([]byte(`not json`))
	assert.True(t, apperr.IsValidation(err))
}
