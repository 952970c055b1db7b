package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("connect: %w", Validation("graph.CreateConnection", "self_loop", "source equals target"))

	assert.True(t, IsValidation(err))
	assert.False(t, IsNotFound(err))
	assert.True(t, errors.Is(err, &Error{Kind: KindValidation, Code: "self_loop"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindValidation, Code: "missing_endpoint"}))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestStoreKeepsNotFound(t *testing.T) {
	nf := NotFound("sqlite.LoadAgent", "agent", "agent a1 not found")
	err := Store("session.Load", nf)

	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsStore(err))
}

func TestStoreWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Store("sqlite.SaveAgent", cause)

	assert.True(t, IsStore(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, Store("noop", nil))
	assert.Nil(t, Exec("noop", nil))
}
