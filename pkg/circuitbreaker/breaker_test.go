package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errProvider = errors.New("provider down")
	errBadInput = errors.New("bad recipient")
)

func testConfig() Config {
	cfg := DefaultConfig("sms")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errBadInput)
	}
	return cfg
}

func fail(err error) func() (interface{}, error) {
	return func() (interface{}, error) { return nil, err }
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, to)
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cb.Execute(ctx, fail(errProvider))
	assert.ErrorIs(t, err, errProvider)
	assert.True(t, cb.IsClosed())

	_, err = cb.Execute(ctx, fail(errProvider))
	assert.ErrorIs(t, err, errProvider)
	assert.True(t, cb.IsOpen())

	_, err = cb.Execute(ctx, func() (interface{}, error) { return "ok", nil })
	assert.True(t, IsOpenError(err))
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCircuitBreaker_IgnoresCallerErrors(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = cb.Execute(context.Background(), fail(errBadInput))
		assert.ErrorIs(t, err, errBadInput)
	}
	assert.True(t, cb.IsClosed())
}

func TestManager_GetReusesBreakers(t *testing.T) {
	m := NewManager(testConfig(), nil)

	a, err := m.Get("email")
	require.NoError(t, err)
	b, err := m.Get("email")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "email", a.Name())

	_, err = a.Execute(context.Background(), fail(errProvider))
	require.Error(t, err)

	status := m.GetHealthStatus()
	require.Len(t, status, 1)
	assert.Equal(t, uint32(1), status[0].Failures)
	assert.True(t, status[0].Healthy)
}
