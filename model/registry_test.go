package model_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/agentrun/model"
)

type fakeClient struct{ name string }

func (f *fakeClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	return nil, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := model.NewRegistry()
	anthropic := &fakeClient{name: "anthropic"}
	r.Register("anthropic", anthropic)

	got, err := r.Get("anthropic")
	require.NoError(t, err)
	assert.Same(t, anthropic, got)
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := model.NewRegistry()
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, model.ErrUnknownModel)
}

func TestRegistryOverwritesExistingRegistration(t *testing.T) {
	r := model.NewRegistry()
	first := &fakeClient{name: "first"}
	second := &fakeClient{name: "second"}
	r.Register("anthropic", first)
	r.Register("anthropic", second)

	got, err := r.Get("anthropic")
	require.NoError(t, err)
	assert.Same(t, second, got)
}
