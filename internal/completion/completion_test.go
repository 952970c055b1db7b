package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_builder/internal/apperr"
)

func TestEffortFor(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty defaults to low", in: "", want: "low"},
		{name: "trim and lower", in: "  MEDIUM ", want: "medium"},
		{name: "unsupported defaults to low", in: "ultra", want: "low"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, effortFor(tc.in))
		})
	}
}

func TestDecodeStreamDelta(t *testing.T) {
	stream := strings.Join([]string{
		"event: response.created",
		`data: {"type":"response.created","response":{"id":"resp_1"}}`,
		"",
		"event: response.output_text.delta",
		`data: {"type":"response.output_text.delta","delta":"Hello, ","sequence_number":1}`,
		"",
		"event: response.output_text.delta",
		`data: {"type":"response.output_text.delta","delta":"student!","sequence_number":2}`,
		"",
		"event: response.completed",
		`data: {"type":"response.completed","response":{"id":"resp_1","status":"completed"}}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	got, err := decodeStream(strings.NewReader(stream), 1024*1024)
	require.NoError(t, err)
	assert.Equal(t, "Hello, student!", got)
}

func TestDecodeStreamCompletedFallback(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"response.created","response":{"id":"resp_2"}}`,
		"",
		`data: {"type":"response.completed","response":{"output":[{"type":"message","content":[{"type":"output_text","text":"Markets closed higher."}]}]}}`,
		"",
	}, "\n")

	got, err := decodeStream(strings.NewReader(stream), 1024*1024)
	require.NoError(t, err)
	assert.Equal(t, "Markets closed higher.", got)
}

func TestDecodeStreamErrors(t *testing.T) {
	_, err := decodeStream(strings.NewReader(`data: {"type":"error","error":{"message":"quota"}}`+"\n\n"), 1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")

	delta := strings.Repeat("x", 20)
	_, err = decodeStream(strings.NewReader(fmt.Sprintf("data: {\"type\":\"response.output_text.delta\",\"delta\":%q}\n\n", delta)), 10)
	assert.Error(t, err, "output over the byte cap")

	_, err = decodeStream(strings.NewReader("data: [DONE]\n\n"), 1024)
	assert.Error(t, err, "empty stream")
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(statusError{code: 429}))
	assert.True(t, retryable(statusError{code: 502}))
	assert.False(t, retryable(statusError{code: 400}))
	assert.False(t, retryable(errors.New("plain error")))
	assert.True(t, retryable(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)))
}

func TestResponsesClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var lastBody wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"42\"}\n\n")
	}))
	defer srv.Close()

	c, err := NewResponsesClient(ResponsesConfig{
		Endpoint:     srv.URL,
		Model:        "gpt-test",
		AuthToken:    "secret",
		Retries:      2,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), Request{System: "be brief", Prompt: "6*7?"})
	require.NoError(t, err)
	assert.Equal(t, "42", got)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "gpt-test", lastBody.Model)
	assert.Equal(t, "be brief", lastBody.Instructions)
	require.Len(t, lastBody.Input, 1)
	assert.Equal(t, "6*7?", lastBody.Input[0].Content[0].Text)
}

func TestResponsesClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewResponsesClient(ResponsesConfig{Endpoint: srv.URL, Model: "m", RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewResponsesClientValidates(t *testing.T) {
	_, err := NewResponsesClient(ResponsesConfig{Model: "m"})
	assert.Error(t, err)
	_, err = NewResponsesClient(ResponsesConfig{Endpoint: "not a url", Model: "m"})
	assert.Error(t, err)
	_, err = NewResponsesClient(ResponsesConfig{Endpoint: "http://localhost"})
	assert.Error(t, err)
}

type fakeInvoker struct {
	name    string
	payload interface{}
	body    string
	err     error
}

func (f *fakeInvoker) Invoke(_ context.Context, name string, payload interface{}) (string, error) {
	f.name = name
	f.payload = payload
	return f.body, f.err
}

func TestFunctionClient(t *testing.T) {
	inv := &fakeInvoker{body: `{"text":"  Hi there  "}`}
	c, err := NewFunctionClient(inv, FunctionConfig{Model: "gemini-2.0-flash"})
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), Request{System: "You are kind.", Prompt: "User: hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", got)
	assert.Equal(t, DefaultFunctionName, inv.name)
	req, ok := inv.payload.(functionRequest)
	require.True(t, ok)
	assert.Equal(t, "You are kind.\n\nUser: hi", req.Prompt)
	assert.Equal(t, "gemini-2.0-flash", req.Model)

	inv.body = `{"error":"quota exceeded"}`
	_, err = c.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	inv.body = `{}`
	_, err = c.Complete(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)

	inv.err = errors.New("network down")
	_, err = c.Complete(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestEdgeFunctionsThroughFunctionClient(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	var gotBody functionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		if gotBody.Prompt == "fail" {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"text":"edge says hi"}`)
	}))
	defer srv.Close()

	edge, err := NewEdgeFunctions(srv.URL+"/", "anon-key", srv.Client())
	require.NoError(t, err)
	c, err := NewFunctionClient(edge, FunctionConfig{Model: "m1"})
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "edge says hi", got)
	assert.Equal(t, "/functions/v1/"+DefaultFunctionName, gotPath)
	assert.Equal(t, "anon-key", gotKey)
	assert.Equal(t, "Bearer anon-key", gotAuth)
	assert.Equal(t, "m1", gotBody.Model)

	_, err = c.Complete(context.Background(), Request{Prompt: "fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 500")
}

func TestNewEdgeFunctionsValidates(t *testing.T) {
	_, err := NewEdgeFunctions("", "k", nil)
	assert.Error(t, err)
	_, err = NewEdgeFunctions("http://localhost", "", nil)
	assert.Error(t, err)
	_, err = NewEdgeFunctions("not a url", "k", nil)
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	got, err := Static{}.Complete(context.Background(), Request{Prompt: "anything"})
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, got)

	got, err = Static{Reply: "pong"}.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls int
	failing := Func(func(ctx context.Context, req Request) (string, error) {
		calls++
		return "", errors.New("upstream 500")
	})
	cfg := DefaultBreakerConfig("test")
	cfg.Timeout = time.Hour
	b := NewBreaker(failing, cfg, nil)

	for i := 0; i < int(cfg.MinRequests); i++ {
		_, err := b.Complete(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
		assert.False(t, apperr.IsExec(err), "underlying errors pass through")
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, apperr.IsExec(err))
	assert.Equal(t, int(cfg.MinRequests), calls, "open breaker does not call through")
}

func TestBreakerPassesSuccess(t *testing.T) {
	b := NewBreaker(Static{Reply: "ok"}, DefaultBreakerConfig("ok"), nil)
	got, err := b.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}
