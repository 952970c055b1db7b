package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var efforts = []string{"none", "low", "medium", "high"}

type ResponsesConfig struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	Logger          *zap.Logger
	Client          *http.Client
}

func (c ResponsesConfig) withDefaults() ResponsesConfig {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Model = strings.TrimSpace(c.Model)
	c.AuthToken = strings.TrimSpace(c.AuthToken)
	c.ReasoningEffort = effortFor(c.ReasoningEffort)
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.Retries <= 0 {
		c.Retries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 1500 * time.Millisecond
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 4096
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// ResponsesClient calls a streaming Responses API endpoint.
type ResponsesClient struct {
	cfg ResponsesConfig
}

func NewResponsesClient(cfg ResponsesConfig) (*ResponsesClient, error) {
	cfg = cfg.withDefaults()
	if cfg.Endpoint == "" {
		return nil, errors.New("responses: endpoint is required")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("responses: endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Model == "" {
		return nil, errors.New("responses: model is required")
	}
	return &ResponsesClient{cfg: cfg}, nil
}

// Complete posts the request. Rate limits, 5xx answers and broken
// connections are retried, waiting one more backoff step each time.
func (c *ResponsesClient) Complete(ctx context.Context, req Request) (string, error) {
	attempts := c.cfg.Retries + 1
	for attempt := 1; ; attempt++ {
		text, err := c.post(ctx, req)
		if err == nil {
			return text, nil
		}
		if attempt == attempts || !retryable(err) {
			return "", err
		}
		wait := time.Duration(attempt) * c.cfg.RetryBackoff
		c.cfg.Logger.Warn("completion retry",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *ResponsesClient) post(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.cfg.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", c.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", statusError{code: resp.StatusCode, body: trim(strings.TrimSpace(string(raw)), 800)}
	}
	return decodeStream(resp.Body, c.cfg.MaxOutputBytes)
}

func (c *ResponsesClient) payload(req Request) wireRequest {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.Model
	}
	out := wireRequest{
		Model:           model,
		Instructions:    req.System,
		Stream:          true,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
		Input: []wireMessage{{
			Role:    "user",
			Content: []wirePart{{Type: "input_text", Text: req.Prompt}},
		}},
	}
	if c.cfg.ReasoningEffort != "none" {
		out.Reasoning = &wireReasoning{Effort: c.cfg.ReasoningEffort}
	}
	return out
}

// effortFor maps unknown or empty reasoning efforts to "low".
func effortFor(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, e := range efforts {
		if v == e {
			return v
		}
	}
	return "low"
}

func retryable(err error) bool {
	var se statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}

// collector accumulates output text up to a byte limit.
type collector struct {
	limit  int
	deltas strings.Builder
	final  string
}

func (c *collector) add(s string) error {
	if c.deltas.Len()+len(s) > c.limit {
		return fmt.Errorf("stream output exceeds %d bytes", c.limit)
	}
	c.deltas.WriteString(s)
	return nil
}

// handle applies one event's data payload.
func (c *collector) handle(data string) error {
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		return nil
	}
	var ev wireEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return fmt.Errorf("decode stream event: %w", err)
	}
	switch {
	case ev.Error != nil:
		return fmt.Errorf("stream error: %s", ev.Error.Message)
	case ev.Response != nil && ev.Response.Error != nil:
		return fmt.Errorf("response failed: %s", ev.Response.Error.Message)
	}
	switch ev.Type {
	case "response.output_text.delta":
		return c.add(ev.Delta)
	case "response.completed":
		if ev.Response != nil {
			c.final = ev.Response.text()
		}
	}
	return nil
}

// text prefers streamed deltas and falls back to the completed response.
func (c *collector) text() (string, error) {
	out := strings.TrimSpace(c.deltas.String())
	if out == "" {
		if len(c.final) > c.limit {
			return "", fmt.Errorf("stream output exceeds %d bytes", c.limit)
		}
		out = strings.TrimSpace(c.final)
	}
	if out == "" {
		return "", errors.New("stream carried no output text")
	}
	return out, nil
}

// decodeStream reads a server-sent event body. Events are separated by blank
// lines and only their data fields matter.
func decodeStream(body io.Reader, limit int) (string, error) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), limit+64<<10)

	col := &collector{limit: limit}
	var event []string
	flush := func() error {
		err := col.handle(strings.Join(event, "\n"))
		event = event[:0]
		return err
	}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := flush(); err != nil {
				return "", err
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			event = append(event, strings.TrimSpace(data))
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	if err := flush(); err != nil {
		return "", err
	}
	return col.text()
}

type wireRequest struct {
	Model           string         `json:"model"`
	Instructions    string         `json:"instructions,omitempty"`
	Stream          bool           `json:"stream"`
	Reasoning       *wireReasoning `json:"reasoning,omitempty"`
	Input           []wireMessage  `json:"input"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
}

type wireReasoning struct {
	Effort string `json:"effort"`
}

type wireMessage struct {
	Role    string     `json:"role"`
	Content []wirePart `json:"content"`
}

type wirePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireEvent struct {
	Type     string        `json:"type"`
	Delta    string        `json:"delta,omitempty"`
	Response *wireResponse `json:"response,omitempty"`
	Error    *wireError    `json:"error,omitempty"`
}

type wireResponse struct {
	Error  *wireError `json:"error,omitempty"`
	Output []struct {
		Content []wirePart `json:"content,omitempty"`
	} `json:"output,omitempty"`
}

func (r *wireResponse) text() string {
	var b strings.Builder
	for _, item := range r.Output {
		for _, p := range item.Content {
			if p.Type == "output_text" || p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
	}
	return b.String()
}

type wireError struct {
	Message string `json:"message"`
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("completion endpoint returned %d", e.code)
	}
	return fmt.Sprintf("completion endpoint returned %d: %s", e.code, e.body)
}
