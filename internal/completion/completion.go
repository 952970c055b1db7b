// Package completion talks to text-completion services.
package completion

import (
	"context"
	"strings"
)

// FallbackReply is returned when no completion provider is configured.
const FallbackReply = "I'm sorry, but I cannot generate a response at the moment."

type Request struct {
	System string
	Prompt string
	Model  string
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to Completer.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Static always answers with Reply, or FallbackReply when Reply is empty.
type Static struct {
	Reply string
}

func (s Static) Complete(ctx context.Context, _ Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(s.Reply) == "" {
		return FallbackReply, nil
	}
	return s.Reply, nil
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
