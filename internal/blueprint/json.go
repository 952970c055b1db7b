package blueprint

import (
	"encoding/json"
	"fmt"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
	"agent_builder/internal/graph"
)

func EncodeJSON(agent domain.AgentData) ([]byte, error) {
	out, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode agent: %w", err)
	}
	return append(out, '\n'), nil
}

// DecodeJSON parses an agent document and checks it against the graph rules.
func DecodeJSON(content []byte) (domain.AgentData, error) {
	var agent domain.AgentData
	if err := json.Unmarshal(content, &agent); err != nil {
		return domain.AgentData{}, &apperr.Error{
			Kind:    apperr.KindValidation,
			Op:      "blueprint.DecodeJSON",
			Code:    "invalid_blueprint",
			Message: "agent document is not valid JSON",
			Err:     err,
		}
	}
	g, err := graph.FromAgent(agent)
	if err != nil {
		return domain.AgentData{}, err
	}
	return g.Agent(), nil
}
