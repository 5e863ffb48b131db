package pipeline

import (
	"sync"
	"time"

	"invoice-collector-go/internal/errs"
)

// RunLock allows one pipeline run or report at a time. A busy lock is
// reported immediately instead of queueing the caller.
type RunLock struct {
	mu     sync.Mutex
	held   sync.Mutex
	holder string
	since  time.Time
}

// NewRunLock creates an unheld lock.
func NewRunLock() *RunLock {
	return &RunLock{}
}

// TryAcquire takes the lock for name. It returns errs.ErrRunInProgress when
// another run holds it. The returned release func is safe to call twice.
func (l *RunLock) TryAcquire(name string) (func(), error) {
	if !l.held.TryLock() {
		return nil, errs.ErrRunInProgress
	}

	l.mu.Lock()
	l.holder = name
	l.since = time.Now().UTC()
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.holder = ""
			l.since = time.Time{}
			l.mu.Unlock()
			l.held.Unlock()
		})
	}, nil
}

// Holder returns the name of the current holder and when it took the lock.
// An empty name means the lock is free.
func (l *RunLock) Holder() (string, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.since
}
