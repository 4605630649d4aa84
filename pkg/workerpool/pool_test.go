package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, p *Pool, n int) []*Result {
	t.Helper()
	var out []*Result
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r := <-p.Results():
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out waiting for %d results, got %d", n, len(out))
		}
	}
	return out
}

func TestPool_ProcessesTasks(t *testing.T) {
	var calls int64
	p, err := New(Config{Workers: 2, QueueSize: 10}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{Success: true, Data: task.Payload}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Submit(&Task{ID: id, Payload: id}))
	}
	results := collect(t, p, 3)

	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, r.TaskID, r.Data)
	}
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestPool_RetriesOnlyRetryableFailures(t *testing.T) {
	var attempts []int
	p, err := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) *Result {
			attempts = append(attempts, task.Attempt)
			if task.ID == "permanent" {
				return &Result{Error: errors.New("bad address")}
			}
			return &Result{Error: errors.New("provider down"), Retryable: true}
		}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.Submit(&Task{ID: "permanent"}))
	r := collect(t, p, 1)[0]
	assert.False(t, r.Success)
	assert.Equal(t, []int{1}, attempts)

	attempts = nil
	require.NoError(t, p.Submit(&Task{ID: "transient"}))
	r = collect(t, p, 1)[0]
	assert.False(t, r.Success)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Contains(t, r.Error.Error(), "after 3 attempts")
	assert.EqualValues(t, 2, p.Stats().TasksRetried)
}

func TestTask_LastAttempt(t *testing.T) {
	task := &Task{Attempt: 2, MaxAttempts: 3}
	assert.False(t, task.LastAttempt())
	task.Attempt = 3
	assert.True(t, task.LastAttempt())
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	assert.ErrorIs(t, p.Submit(&Task{ID: "late"}), ErrShuttingDown)
}

func TestNew_RequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
