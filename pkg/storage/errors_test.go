package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStoreError(t *testing.T) {
	assert.NoError(t, NewStoreError("append", nil))

	err := NewStoreError("append", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualError(t, err, "store append: context deadline exceeded")

	wrapped := fmt.Errorf("tracking: %w", err)
	assert.ErrorIs(t, wrapped, ErrStore)

	var se *StoreError
	assert.True(t, errors.As(wrapped, &se))
	assert.Equal(t, "append", se.Op)
}

func TestNewStoreError_DoesNotDoubleWrap(t *testing.T) {
	inner := NewStoreError("append.insert", errors.New("disk full"))
	outer := NewStoreError("append", inner)

	assert.Same(t, inner, outer)
}

func TestErrStore_PlainErrorDoesNotMatch(t *testing.T) {
	assert.NotErrorIs(t, errors.New("other"), ErrStore)
}
