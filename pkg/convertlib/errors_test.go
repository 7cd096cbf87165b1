package convertlib

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversionErrorIs(t *testing.T) {
	err := NewConversionError(ErrUnsupportedLayout, "3 partitions")

	assert.True(t, errors.Is(err, ErrUnsupportedLayout))
	assert.False(t, errors.Is(err, ErrConfig))
}

func TestConversionErrorIsThroughWrapping(t *testing.T) {
	inner := NewConversionError(ErrMappingFailed, "losetup failed")
	wrapped := fmt.Errorf("failed to bind image:\n%w", inner)

	assert.True(t, errors.Is(wrapped, ErrMappingFailed))
}

func TestConversionErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := NewConversionErrorWithCause(ErrExternalTool, "sfdisk failed", cause)

	assert.True(t, errors.Is(err, ErrExternalTool))
	assert.True(t, errors.Is(err, cause))
	assert.ErrorContains(t, err, "sfdisk failed")
	assert.ErrorContains(t, err, "exit status 1")
}

func TestConversionErrorMessageWithoutCause(t *testing.T) {
	err := NewConversionError(ErrInvalidSize, "sector size must be set")
	assert.Equal(t, "sector size must be set", err.Error())
}
