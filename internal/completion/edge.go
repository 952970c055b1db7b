package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	supa "github.com/supabase-community/supabase-go"
)

var _ Invoker = (*EdgeFunctions)(nil)

// EdgeFunctions invokes Supabase edge functions under <project>/functions/v1,
// sending the same apikey and bearer headers the supabase-go client sets.
type EdgeFunctions struct {
	base   string
	key    string
	client *http.Client
}

func NewEdgeFunctions(projectURL, key string, client *http.Client) (*EdgeFunctions, error) {
	projectURL = strings.TrimRight(strings.TrimSpace(projectURL), "/")
	key = strings.TrimSpace(key)
	if projectURL == "" || key == "" {
		return nil, errors.New("edge functions: url and key are required")
	}
	if _, err := url.ParseRequestURI(projectURL); err != nil {
		return nil, fmt.Errorf("edge functions: url %q: %w", projectURL, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &EdgeFunctions{base: projectURL + supa.FUNCTIONS_URL, key: key, client: client}, nil
}

// Invoke posts payload as JSON and returns the response body. Non-2xx
// answers are errors carrying the status and a trimmed body.
func (e *EdgeFunctions) Invoke(ctx context.Context, name string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/"+url.PathEscape(name), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", e.key)
	req.Header.Set("Authorization", "Bearer "+e.key)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", name, err)
	}
	if resp.StatusCode/100 != 2 {
		return "", statusError{code: resp.StatusCode, body: trim(strings.TrimSpace(string(raw)), 800)}
	}
	return string(raw), nil
}
