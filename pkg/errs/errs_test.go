package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(Conflict, base)

	assert.Equal(t, Conflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, Conflict))
	assert.False(t, Is(wrapped, Transient))
	assert.True(t, errors.Is(wrapped, base))
}

func TestKindOfUntaggedError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(Transient, nil))
}

func TestNewfFormats(t *testing.T) {
	err := Newf(NotFound, "lock %q missing", "x")
	assert.Equal(t, NotFound, KindOf(err))
	assert.Contains(t, err.Error(), "lock \"x\" missing")
}
