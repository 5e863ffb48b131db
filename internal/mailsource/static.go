package mailsource

import (
	"context"
	"sync"
	"time"
)

// Static serves a fixed set of messages. It backs tests and dry runs over
// exported mail.
type Static struct {
	mu       sync.Mutex
	messages []Message
	err      error
	calls    int
}

func NewStatic(msgs ...Message) *Static {
	s := &Static{}
	s.Add(msgs...)
	return s
}

// Add appends messages to the source.
func (s *Static) Add(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	sortByReceived(s.messages)
}

// FailWith makes every following list call return err. A nil err clears it.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many list calls were made.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Static) ListSince(ctx context.Context, since time.Time) ([]Message, error) {
	return s.ListBetween(ctx, since, time.Time{})
}

func (s *Static) ListBetween(_ context.Context, start, end time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}

	var out []Message
	for _, m := range s.messages {
		if inWindow(m.ReceivedAt, start, end) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Static) Close() error { return nil }
