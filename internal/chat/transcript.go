package chat

import (
	"sync"

	"agent_builder/internal/domain"
)

// Transcript is a client-side view of a conversation. The same message may
// arrive from a send result and from a subscription; it is kept once.
type Transcript struct {
	mu    sync.Mutex
	order []string
	byID  map[string]domain.ChatMessage
}

func NewTranscript(initial []domain.ChatMessage) *Transcript {
	t := &Transcript{byID: make(map[string]domain.ChatMessage, len(initial))}
	for _, m := range initial {
		t.Add(m)
	}
	return t
}

// Add appends msg, or updates the content of a message already present.
// It reports whether msg was new.
func (t *Transcript) Add(msg domain.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[msg.ID]; ok {
		t.byID[msg.ID] = msg
		return false
	}
	t.byID[msg.ID] = msg
	t.order = append(t.order, msg.ID)
	return true
}

func (t *Transcript) Messages() []domain.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ChatMessage, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
