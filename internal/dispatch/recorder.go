package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// Recorder is a Gateway that records every message. Failures can be scripted
// with Fail; it is meant for tests and local demos.
type Recorder struct {
	mu       sync.Mutex
	sent     []Message
	failures []error
	seq      int
}

// NewRecorder creates a recorder that succeeds by default
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Fail queues errors returned by the next calls, one per call
func (r *Recorder) Fail(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

func (r *Recorder) Send(_ context.Context, msg Message) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, msg)
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return Result{}, err
	}
	r.seq++
	return Result{ExternalID: fmt.Sprintf("rec-%d", r.seq), DeliveredOK: true}, nil
}

// Sent returns a copy of every message received, including failed ones
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}
