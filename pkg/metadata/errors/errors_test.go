package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreError_Error(t *testing.T) {
	t.Run("WithID", func(t *testing.T) {
		err := NewNotFoundError("file", 42)
		assert.Equal(t, "NotFound: file not found (id: 42)", err.Error())
	})

	t.Run("WithoutID", func(t *testing.T) {
		err := NewConfigurationError("changelog_path not specified")
		assert.Equal(t, "Configuration: changelog_path not specified", err.Error())
	})

	t.Run("WithCause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := NewIOError("append failed", cause)
		assert.Equal(t, "IOError: append failed: disk full", err.Error())
		assert.ErrorIs(t, err, cause)
	})
}

func TestHelpers_SeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("loading journal: %w", NewCorruptionError("reconciled 3 of 4", 0))

	assert.True(t, IsCorruptionError(wrapped))
	assert.False(t, IsNotFoundError(wrapped))
	assert.Equal(t, ErrCorruption, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(0), CodeOf(errors.New("plain")))
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "ReadOnly", ErrReadOnly.String())
	assert.Equal(t, "Unknown(99)", ErrorCode(99).String())
}
