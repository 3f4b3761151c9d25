package toolerrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stepwise/agentrun/toolerrors"
)

func TestNewWithCauseChain(t *testing.T) {
	root := errors.New("connection refused")
	te := toolerrors.NewWithCause("http request failed", root)

	assert.Equal(t, "http request failed", te.Error())
	assert.Equal(t, "connection refused", te.Cause.Error())
	assert.True(t, errors.Is(te, te.Cause))
}

func TestFromErrorPreservesExistingChain(t *testing.T) {
	inner := toolerrors.New("inner")
	wrapped := &toolerrors.ToolError{Message: "outer", Cause: inner}

	got := toolerrors.FromError(wrapped)
	assert.Same(t, wrapped, got)
}

func TestErrorfFormats(t *testing.T) {
	te := toolerrors.Errorf("tool %q failed with code %d", "search", 429)
	assert.Equal(t, `tool "search" failed with code 429`, te.Error())
}

func TestNilToolErrorIsSafe(t *testing.T) {
	var te *toolerrors.ToolError
	assert.Equal(t, "", te.Error())
	assert.Nil(t, te.Unwrap())
}
