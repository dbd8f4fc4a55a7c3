package orchestration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsJobNotFoundAndIsTerminal(t *testing.T) {
	err := &Error{Kind: ErrorKindJobNotFound, Err: errors.New("not found")}

	assert.True(t, IsJobNotFound(err))
	assert.False(t, IsJobTokenExpired(err))
	assert.True(t, IsTerminal(err))
}

func TestIsJobTokenExpired(t *testing.T) {
	err := &Error{Kind: ErrorKindJobTokenExpired, Err: errors.New("expired")}

	assert.True(t, IsJobTokenExpired(err))
	assert.True(t, IsTerminal(err))
}

func TestTransientErrorIsNotTerminal(t *testing.T) {
	err := &Error{Kind: ErrorKindTransient, Err: errors.New("boom")}

	assert.False(t, IsJobNotFound(err))
	assert.False(t, IsJobTokenExpired(err))
	assert.False(t, IsTerminal(err))
}

func TestIsTerminalFalseForPlainError(t *testing.T) {
	assert.False(t, IsTerminal(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	wrapped := errors.New("root cause")
	err := &Error{Kind: ErrorKindTransient, Err: wrapped}
	assert.Equal(t, wrapped, errors.Unwrap(err))
	assert.Equal(t, "root cause", err.Error())
}
