package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const DefaultFunctionName = "generate-response"

// Invoker calls a named serverless function and returns its raw body.
// EdgeFunctions is the Supabase implementation.
type Invoker interface {
	Invoke(ctx context.Context, functionName string, payload interface{}) (string, error)
}

// FunctionClient asks a hosted edge function for completions.
type FunctionClient struct {
	invoker  Invoker
	function string
	model    string
	apiKey   string
	logger   *zap.Logger
}

type FunctionConfig struct {
	Function string
	Model    string
	APIKey   string
	Logger   *zap.Logger
}

func NewFunctionClient(invoker Invoker, cfg FunctionConfig) (*FunctionClient, error) {
	if invoker == nil {
		return nil, errors.New("nil function invoker")
	}
	name := strings.TrimSpace(cfg.Function)
	if name == "" {
		name = DefaultFunctionName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FunctionClient{
		invoker:  invoker,
		function: name,
		model:    strings.TrimSpace(cfg.Model),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		logger:   logger,
	}, nil
}

type functionRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
}

type functionResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Complete folds the system text into the prompt since the function takes a
// single prompt field.
func (c *FunctionClient) Complete(ctx context.Context, req Request) (string, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	prompt := req.Prompt
	if sys := strings.TrimSpace(req.System); sys != "" {
		prompt = sys + "\n\n" + prompt
	}

	raw, err := c.invoker.Invoke(ctx, c.function, functionRequest{Prompt: prompt, Model: model, APIKey: c.apiKey})
	if err != nil {
		return "", fmt.Errorf("invoke %s: %w", c.function, err)
	}
	var resp functionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return "", fmt.Errorf("decode %s response: %w; body: %s", c.function, err, trim(raw, 300))
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%s: %s", c.function, resp.Error)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%s: no response text", c.function)
	}
	c.logger.Debug("function completion", zap.String("function", c.function), zap.Int("chars", len(text)))
	return text, nil
}
