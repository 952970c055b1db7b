package blueprint

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
	"agent_builder/internal/graph"
)

type hclFile struct {
	Agent       agentBlock        `hcl:"agent,block"`
	Nodes       []nodeBlock       `hcl:"node,block"`
	Connections []connectionBlock `hcl:"connection,block"`
}

type agentBlock struct {
	ID          string `hcl:"id,optional"`
	Name        string `hcl:"name"`
	Description string `hcl:"description,optional"`
}

type nodeBlock struct {
	ID          string         `hcl:"id,label"`
	Type        string         `hcl:"type"`
	Name        string         `hcl:"name,optional"`
	Description string         `hcl:"description,optional"`
	X           float64        `hcl:"x,optional"`
	Y           float64        `hcl:"y,optional"`
	Data        hcl.Expression `hcl:"data,optional"`
}

type connectionBlock struct {
	ID           string `hcl:"id,label"`
	Source       string `hcl:"source"`
	Target       string `hcl:"target"`
	SourceHandle string `hcl:"source_handle,optional"`
	TargetHandle string `hcl:"target_handle,optional"`
}

// ParseHCL reads an agent blueprint:
//
//	agent { name = "Tutor" }
//	node "in" { type = "flow-input" }
//	node "sys" {
//	  type = "llm-system-prompt"
//	  data = { prompt = "Be brief.", domain = "tuition" }
//	}
//	connection "c1" {
//	  source = "in"
//	  target = "sys"
//	}
//
// Nodes without a name or description take the palette defaults.
func ParseHCL(src []byte, filename string) (domain.AgentData, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return domain.AgentData{}, invalid("blueprint.ParseHCL", "parse "+filename, diags)
	}
	var root hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return domain.AgentData{}, invalid("blueprint.ParseHCL", "decode "+filename, diags)
	}

	g := graph.New(root.Agent.ID, root.Agent.Name, root.Agent.Description)
	for _, nb := range root.Nodes {
		n, err := graph.CreateNode(domain.NodeType(nb.Type), domain.Position{X: nb.X, Y: nb.Y})
		if err != nil {
			return domain.AgentData{}, fmt.Errorf("node %s: %w", nb.ID, err)
		}
		n.ID = nb.ID
		if nb.Name != "" {
			n.Name = nb.Name
		}
		if nb.Description != "" {
			n.Description = nb.Description
		}
		data, err := decodeData(nb.Data)
		if err != nil {
			return domain.AgentData{}, fmt.Errorf("node %s: %w", nb.ID, err)
		}
		n.Data = data
		if err := g.AddNode(n); err != nil {
			return domain.AgentData{}, fmt.Errorf("node %s: %w", nb.ID, err)
		}
	}
	for _, cb := range root.Connections {
		c, err := g.CreateConnection(cb.Source, cb.Target, graph.Handles{Source: cb.SourceHandle, Target: cb.TargetHandle})
		if err != nil {
			return domain.AgentData{}, fmt.Errorf("connection %s: %w", cb.ID, err)
		}
		c.ID = cb.ID
		if err := g.AddConnection(c); err != nil {
			return domain.AgentData{}, fmt.Errorf("connection %s: %w", cb.ID, err)
		}
	}
	return g.Agent(), nil
}

// EncodeHCL renders agent in the layout ParseHCL reads.
func EncodeHCL(agent domain.AgentData) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	ab := body.AppendNewBlock("agent", nil).Body()
	ab.SetAttributeValue("id", cty.StringVal(agent.ID))
	ab.SetAttributeValue("name", cty.StringVal(agent.Name))
	if agent.Description != "" {
		ab.SetAttributeValue("description", cty.StringVal(agent.Description))
	}

	for _, n := range agent.Nodes {
		body.AppendNewline()
		nb := body.AppendNewBlock("node", []string{n.ID}).Body()
		nb.SetAttributeValue("type", cty.StringVal(string(n.Type)))
		nb.SetAttributeValue("name", cty.StringVal(n.Name))
		if n.Description != "" {
			nb.SetAttributeValue("description", cty.StringVal(n.Description))
		}
		nb.SetAttributeValue("x", cty.NumberFloatVal(n.Position.X))
		nb.SetAttributeValue("y", cty.NumberFloatVal(n.Position.Y))
		if len(n.Data) > 0 {
			v, err := toCty(n.Data)
			if err != nil {
				return nil, fmt.Errorf("node %s data: %w", n.ID, err)
			}
			nb.SetAttributeValue("data", v)
		}
	}
	for _, c := range agent.Connections {
		body.AppendNewline()
		cb := body.AppendNewBlock("connection", []string{c.ID}).Body()
		cb.SetAttributeValue("source", cty.StringVal(c.Source))
		cb.SetAttributeValue("target", cty.StringVal(c.Target))
		if c.SourceHandle != "" {
			cb.SetAttributeValue("source_handle", cty.StringVal(c.SourceHandle))
		}
		if c.TargetHandle != "" {
			cb.SetAttributeValue("target_handle", cty.StringVal(c.TargetHandle))
		}
	}
	return f.Bytes(), nil
}

func invalid(op, message string, diags hcl.Diagnostics) error {
	return &apperr.Error{
		Kind:    apperr.KindValidation,
		Op:      op,
		Code:    "invalid_blueprint",
		Message: message,
		Err:     diags,
	}
}

func decodeData(expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return map[string]any{}, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, invalid("blueprint.decodeData", "evaluate data", diags)
	}
	if val.IsNull() {
		return map[string]any{}, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, apperr.Validation("blueprint.decodeData", "invalid_data", "data must be an object")
	}
	native, err := fromCty(val)
	if err != nil {
		return nil, err
	}
	out, _ := native.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func fromCty(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			native, err := fromCty(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = native
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := []any{}
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			native, err := fromCty(v)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	}
	return nil, apperr.Validation("blueprint.fromCty", "invalid_data", fmt.Sprintf("unsupported value of type %s", ty.FriendlyName()))
}

func toCty(v any) (cty.Value, error) {
	switch x := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(x), nil
	case bool:
		return cty.BoolVal(x), nil
	case int:
		return cty.NumberIntVal(int64(x)), nil
	case int64:
		return cty.NumberIntVal(x), nil
	case float64:
		return cty.NumberFloatVal(x), nil
	case map[string]any:
		if len(x) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(x))
		for k, e := range x {
			cv, err := toCty(e)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		if len(x) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, 0, len(x))
		for _, e := range x {
			cv, err := toCty(e)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, cv)
		}
		return cty.TupleVal(elems), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported data value %T", v)
	}
}
