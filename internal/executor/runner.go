// Package executor runs an agent graph once against a single input, the way
// the builder's Test button does.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"agent_builder/internal/apperr"
	"agent_builder/internal/completion"
	"agent_builder/internal/domain"
)

const inputPlaceholder = "{{input}}"

// Step is the trace record of one evaluated node.
type Step struct {
	NodeID   string          `json:"nodeId"`
	NodeType domain.NodeType `json:"nodeType"`
	Name     string          `json:"name"`
	Output   string          `json:"output"`
	Skipped  bool            `json:"skipped,omitempty"`
	Note     string          `json:"note,omitempty"`
}

type Result struct {
	Output string `json:"output"`
	Trace  []Step `json:"trace"`
}

type Config struct {
	MaxNodes      int
	DefaultModel  string
	MemoryDefault int
}

func (c Config) withDefaults() Config {
	if c.MaxNodes <= 0 {
		c.MaxNodes = 500
	}
	if c.MemoryDefault <= 0 {
		c.MemoryDefault = 10
	}
	return c
}

type Runner struct {
	completer completion.Completer
	cfg       Config
	logger    *zap.Logger
}

func New(completer completion.Completer, cfg Config, logger *zap.Logger) *Runner {
	if completer == nil {
		completer = completion.Static{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{completer: completer, cfg: cfg.withDefaults(), logger: logger}
}

type runNode struct {
	node      domain.Node
	dependsOn []string
}

type runState struct {
	input  string
	system string
	memory []string
	out    map[string]string
	gated  map[string]bool
}

// Run evaluates every node after all of its upstream nodes. A graph with a
// cycle is rejected before anything runs.
func (r *Runner) Run(ctx context.Context, agent domain.AgentData, input string) (Result, error) {
	order, nodes, err := r.plan(agent)
	if err != nil {
		return Result{}, err
	}

	st := &runState{
		input: input,
		out:   make(map[string]string, len(order)),
		gated: make(map[string]bool),
	}
	// system prompt nodes configure every model call in the run
	for _, id := range order {
		if n := nodes[id].node; n.Type == domain.NodeTypeLLMSystemPrompt {
			if p := strings.TrimSpace(n.String(domain.DataKeyPrompt)); p != "" {
				st.system = p
			}
		}
	}

	res := Result{Trace: make([]Step, 0, len(order))}
	var outputs []string
	var last string
	hasOutput := false
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return Result{}, apperr.Exec("executor.Run", err)
		}
		rn := nodes[id]
		if rn.node.Type == domain.NodeTypeFlowOutput {
			hasOutput = true
		}
		step := Step{NodeID: id, NodeType: rn.node.Type, Name: rn.node.Name}

		upstream, open := st.upstream(rn)
		if !open {
			st.gated[id] = true
			step.Skipped = true
			step.Note = "no upstream output"
			res.Trace = append(res.Trace, step)
			continue
		}

		out, note, pass, err := r.eval(ctx, st, rn.node, upstream)
		if err != nil {
			r.logger.Warn("node failed", zap.String("node_id", id), zap.String("type", string(rn.node.Type)), zap.Error(err))
			return Result{}, apperr.Exec("executor.Run", fmt.Errorf("node %s (%s): %w", rn.node.Name, rn.node.Type, err))
		}
		step.Output = out
		step.Note = note
		if !pass {
			st.gated[id] = true
			step.Skipped = true
		} else {
			st.out[id] = out
			last = out
			if rn.node.Type == domain.NodeTypeFlowOutput {
				outputs = append(outputs, out)
			}
		}
		res.Trace = append(res.Trace, step)
	}

	// with output nodes present, a gated run yields no output
	if hasOutput {
		res.Output = strings.Join(outputs, "\n\n")
	} else {
		res.Output = last
	}
	r.logger.Info("agent run finished",
		zap.String("agent_id", agent.ID),
		zap.Int("nodes", len(order)),
		zap.Int("output_chars", len(res.Output)),
	)
	return res, nil
}

// unrunnable reports a graph the runner cannot order. Run fails only with
// Exec errors; the code names the check.
func unrunnable(code, message string) error {
	return &apperr.Error{Kind: apperr.KindExec, Op: "executor.Run", Code: code, Message: message}
}

// plan builds the dependency view from the connections and orders it. Ties
// keep the graph's insertion order.
func (r *Runner) plan(agent domain.AgentData) ([]string, map[string]runNode, error) {
	if len(agent.Nodes) == 0 {
		return nil, nil, unrunnable("empty_graph", "agent has no nodes")
	}
	if len(agent.Nodes) > r.cfg.MaxNodes {
		return nil, nil, unrunnable("too_many_nodes", fmt.Sprintf("agent has %d nodes, limit is %d", len(agent.Nodes), r.cfg.MaxNodes))
	}
	nodes := make(map[string]runNode, len(agent.Nodes))
	ids := make([]string, 0, len(agent.Nodes))
	for _, n := range agent.Nodes {
		if _, exists := nodes[n.ID]; exists {
			return nil, nil, unrunnable("duplicate_node", fmt.Sprintf("duplicate node id %s", n.ID))
		}
		nodes[n.ID] = runNode{node: n}
		ids = append(ids, n.ID)
	}
	for _, c := range agent.Connections {
		if c.Source == c.Target {
			return nil, nil, unrunnable("self_loop", fmt.Sprintf("node %s depends on itself", c.Source))
		}
		if _, ok := nodes[c.Source]; !ok {
			return nil, nil, unrunnable("missing_endpoint", fmt.Sprintf("connection %s has unknown source %s", c.ID, c.Source))
		}
		target, ok := nodes[c.Target]
		if !ok {
			return nil, nil, unrunnable("missing_endpoint", fmt.Sprintf("connection %s has unknown target %s", c.ID, c.Target))
		}
		target.dependsOn = append(target.dependsOn, c.Source)
		nodes[c.Target] = target
	}
	if hasCycle(ids, nodes) {
		return nil, nil, unrunnable("cycle", "agent graph has a cycle")
	}

	order := make([]string, 0, len(ids))
	done := make(map[string]bool, len(ids))
	for len(order) < len(ids) {
		progressed := false
		for _, id := range ids {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range nodes[id].dependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			done[id] = true
			order = append(order, id)
			progressed = true
		}
		if !progressed {
			return nil, nil, unrunnable("cycle", "agent graph has a cycle")
		}
	}
	return order, nodes, nil
}

func hasCycle(ids []string, nodes map[string]runNode) bool {
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visiting[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		for _, dep := range nodes[id].dependsOn {
			if dfs(dep) {
				return true
			}
		}
		visiting[id] = false
		visited[id] = true
		return false
	}
	for _, id := range ids {
		if dfs(id) {
			return true
		}
	}
	return false
}

// upstream joins the outputs of the node's dependencies. A root node sees the
// run input. It reports false when every dependency was gated off.
func (s *runState) upstream(rn runNode) (string, bool) {
	if len(rn.dependsOn) == 0 {
		return s.input, true
	}
	var parts []string
	open := false
	for _, dep := range rn.dependsOn {
		if s.gated[dep] {
			continue
		}
		open = true
		if out := strings.TrimSpace(s.out[dep]); out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n"), open
}

// eval runs one node. pass is false when the node stops its branch.
func (r *Runner) eval(ctx context.Context, st *runState, n domain.Node, upstream string) (out, note string, pass bool, err error) {
	switch n.Type {
	case domain.NodeTypeFlowInput:
		return st.input, "", true, nil
	case domain.NodeTypeFlowOutput:
		return upstream, "", true, nil
	case domain.NodeTypeFlowCondition:
		needle := n.String(domain.DataKeyContains)
		if needle == "" || strings.Contains(strings.ToLower(upstream), strings.ToLower(needle)) {
			return upstream, "condition met", true, nil
		}
		return "", fmt.Sprintf("condition %q not met", needle), false, nil
	case domain.NodeTypeFlowLoop:
		return upstream, "loop runs a single pass", true, nil

	case domain.NodeTypeLLMSystemPrompt:
		return upstream, "system prompt applied", true, nil
	case domain.NodeTypeLLMPrompt, domain.NodeTypeLLMCompletion, domain.NodeTypeLLMChat:
		prompt := renderTemplate(n.String(domain.DataKeyTemplate), upstream)
		if strings.TrimSpace(prompt) == "" {
			return "", "", false, errors.New("empty prompt")
		}
		model := n.String(domain.DataKeyModel)
		if model == "" {
			model = r.cfg.DefaultModel
		}
		text, err := r.completer.Complete(ctx, completion.Request{System: st.system, Prompt: prompt, Model: model})
		if err != nil {
			return "", "", false, err
		}
		return text, "", true, nil

	case domain.NodeTypeMemoryStore, domain.NodeTypeMemoryVector, domain.NodeTypeMemoryConversation:
		if strings.TrimSpace(upstream) != "" {
			st.memory = append(st.memory, upstream)
		}
		return upstream, fmt.Sprintf("memory holds %d entries", len(st.memory)), true, nil
	case domain.NodeTypeMemoryRetrieve:
		limit := n.Int(domain.DataKeyMaxMessages, r.cfg.MemoryDefault)
		mem := st.memory
		if limit > 0 && len(mem) > limit {
			mem = mem[len(mem)-limit:]
		}
		parts := append([]string{}, mem...)
		if strings.TrimSpace(upstream) != "" {
			parts = append(parts, upstream)
		}
		return strings.Join(parts, "\n\n"), fmt.Sprintf("retrieved %d entries", len(mem)), true, nil

	case domain.NodeTypeToolWebSearch, domain.NodeTypeToolCalculator, domain.NodeTypeToolCodeExecutor,
		domain.NodeTypeToolDataAnalysis, domain.NodeTypeToolAPI:
		return upstream, "tool not executed in test runs", true, nil
	}
	return "", "", false, fmt.Errorf("unsupported node type %q", n.Type)
}

func renderTemplate(tmpl, input string) string {
	if strings.TrimSpace(tmpl) == "" {
		return input
	}
	if !strings.Contains(tmpl, inputPlaceholder) {
		if strings.TrimSpace(input) == "" {
			return tmpl
		}
		return tmpl + "\n\n" + input
	}
	return strings.ReplaceAll(tmpl, inputPlaceholder, input)
}
