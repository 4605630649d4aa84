package memory

import (
	"context"
	"sync"
)

type journalKey struct{}

// journal collects undo steps for the writes made inside one unit of work.
type journal struct {
	mu   sync.Mutex
	undo []func()
}

func (j *journal) add(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.undo = append(j.undo, fn)
}

func (j *journal) rollback() {
	j.mu.Lock()
	undo := j.undo
	j.undo = nil
	j.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// onRollback registers fn with the unit of work carried by ctx, if any. fn runs
// without the caller's lock held.
func onRollback(ctx context.Context, fn func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.add(fn)
	}
}

// UnitOfWork undoes the Store and Ledger writes made through its ctx when the
// callback fails. Writes to other appointments are untouched, so callers must
// hold the appointment lock for the duration.
type UnitOfWork struct{}

// NewUnitOfWork creates a UnitOfWork
func NewUnitOfWork() *UnitOfWork { return &UnitOfWork{} }

// Atomically runs fn and rolls back its writes if it returns an error. A nested
// call joins the outer unit of work.
func (u *UnitOfWork) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}
	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		j.rollback()
		return err
	}
	return nil
}
