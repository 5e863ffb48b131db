package classifier

import (
	"context"
	"sync"

	"invoice-collector-go/internal/model"
)

// Stub is a deterministic classifier: a fixed mapping from content
// fingerprint to result, with a default for unknown content.
type Stub struct {
	mu       sync.Mutex
	results  map[string]Result
	fallback Result
	calls    int
}

// NewStub returns a stub answering fallback for content it has no mapping for.
func NewStub(fallback Verdict) *Stub {
	return &Stub{
		results:  make(map[string]Result),
		fallback: Result{Verdict: fallback, Confidence: 1, Rationale: "stub default"},
	}
}

// Set fixes the result returned for data.
func (s *Stub) Set(data []byte, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[model.Fingerprint(data)] = r
}

// Calls returns how many classifications were requested.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Stub) Classify(_ context.Context, in Input) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if r, ok := s.results[model.Fingerprint(in.Data)]; ok {
		return r, nil
	}
	return s.fallback, nil
}
