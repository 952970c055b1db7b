package inproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_builder/internal/domain"
)

func TestHubFansOutPerConversation(t *testing.T) {
	hub := New(4)
	a, cancelA := hub.Subscribe("c1")
	b, cancelB := hub.Subscribe("c1")
	other, cancelOther := hub.Subscribe("c2")
	defer cancelA()
	defer cancelB()
	defer cancelOther()

	require.NoError(t, hub.Publish(domain.ChatMessage{ID: "m1", ConversationID: "c1", Content: "hi"}))

	assert.Equal(t, "m1", (<-a).ID)
	assert.Equal(t, "m1", (<-b).ID)
	assert.Empty(t, other)
}

func TestHubPublishDoesNotBlock(t *testing.T) {
	hub := New(1)
	ch, cancel := hub.Subscribe("c1")
	defer cancel()

	require.NoError(t, hub.Publish(domain.ChatMessage{ID: "m1", ConversationID: "c1"}))
	err := hub.Publish(domain.ChatMessage{ID: "m2", ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrSubscriberFull)
	assert.Equal(t, "m1", (<-ch).ID)
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := New(1)
	ch, cancel := hub.Subscribe("c1")
	assert.Equal(t, 1, hub.Subscribers("c1"))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers("c1"))
	assert.NoError(t, hub.Publish(domain.ChatMessage{ID: "m1", ConversationID: "c1"}))
}
