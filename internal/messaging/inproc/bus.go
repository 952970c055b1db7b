package inproc

import (
	"errors"
	"sync"

	"agent_builder/internal/domain"
)

var ErrSubscriberFull = errors.New("subscriber queue is full")

// Hub fans chat messages out to the subscribers of a conversation.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan domain.ChatMessage
	nextID int
	buffer int
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]map[int]chan domain.ChatMessage),
		buffer: buffer,
	}
}

// Subscribe registers a listener on conversationID. The returned cancel func
// closes the channel and is safe to call more than once.
func (h *Hub) Subscribe(conversationID string) (<-chan domain.ChatMessage, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan domain.ChatMessage, h.buffer)
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[int]chan domain.ChatMessage)
	}
	h.subs[conversationID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.unsubscribe(conversationID, id) })
	}
	return ch, cancel
}

func (h *Hub) unsubscribe(conversationID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.subs[conversationID]
	if !ok {
		return
	}
	ch, ok := group[id]
	if !ok {
		return
	}
	delete(group, id)
	if len(group) == 0 {
		delete(h.subs, conversationID)
	}
	close(ch)
}

// Publish never blocks. Subscribers with a full queue miss the message and
// ErrSubscriberFull is returned once the others have been served.
func (h *Hub) Publish(msg domain.ChatMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var dropped bool
	for _, ch := range h.subs[msg.ConversationID] {
		select {
		case ch <- msg:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrSubscriberFull
	}
	return nil
}

func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}
