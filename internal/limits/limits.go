// Package limits provides the retry and resource-accounting primitives used
// by the sample runner and model engine: exponential backoff with jitter,
// per-attempt timeouts, and scoped counters for tokens, messages, time,
// working time, and cost.
package limits

import (
	"fmt"
	"sync"
	"time"
)

// Kind identifies which resource a limit tracks.
type Kind string

const (
	KindToken       Kind = "token"
	KindMessage     Kind = "message"
	KindTime        Kind = "time"
	KindWorkingTime Kind = "working_time"
	KindCost        Kind = "cost"
)

// ExceededError is raised when a scoped counter meets or exceeds its
// configured limit. It terminates the sample but not the task.
type ExceededError struct {
	Kind  Kind
	Limit float64
	Value float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: limit %g, value %g", e.Kind, e.Limit, e.Value)
}

// Config holds the limit values for one scope. Zero means unlimited.
type Config struct {
	Tokens      int
	Messages    int
	Time        time.Duration
	WorkingTime time.Duration
	Cost        float64
}

// Scope accumulates resource usage for one sample (or for the whole
// process, when it has no parent). Recording walks up the tree so that a
// process-wide scope sees the sum of all sample scopes, but Check* only
// consults the scope it is called on: each sample owns its own limits.
type Scope struct {
	mu     sync.Mutex
	parent *Scope
	cfg    Config

	tokens   int
	messages int
	cost     float64
	started  time.Time
	waited   time.Duration
}

// NewScope creates a scope under parent (nil for a root scope). The wall
// clock starts immediately.
func NewScope(parent *Scope, cfg Config) *Scope {
	return &Scope{parent: parent, cfg: cfg, started: time.Now()}
}

// RecordTokens adds n tokens to this scope and all ancestors.
func (s *Scope) RecordTokens(n int) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.Lock()
		sc.tokens += n
		sc.mu.Unlock()
	}
}

// RecordMessages adds n messages to this scope and all ancestors.
func (s *Scope) RecordMessages(n int) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.Lock()
		sc.messages += n
		sc.mu.Unlock()
	}
}

// RecordCost adds c (dollars) to this scope and all ancestors.
func (s *Scope) RecordCost(c float64) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.Lock()
		sc.cost += c
		sc.mu.Unlock()
	}
}

// ReportWaiting credits d to the waiting clock. Retry backoff and rate
// limit waits report here so that working time excludes them.
func (s *Scope) ReportWaiting(d time.Duration) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.Lock()
		sc.waited += d
		sc.mu.Unlock()
	}
}

// Tokens returns the accumulated token count.
func (s *Scope) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Messages returns the accumulated message count.
func (s *Scope) Messages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Cost returns the accumulated cost.
func (s *Scope) Cost() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

// WallTime returns elapsed time since the scope was created.
func (s *Scope) WallTime() time.Duration {
	return time.Since(s.started)
}

// WorkingTime returns wall time minus reported waiting time: the time the
// sample actually spent doing work rather than waiting on rate limits.
func (s *Scope) WorkingTime() time.Duration {
	s.mu.Lock()
	waited := s.waited
	s.mu.Unlock()
	w := time.Since(s.started) - waited
	if w < 0 {
		w = 0
	}
	return w
}

// Waited returns the total reported waiting time.
func (s *Scope) Waited() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waited
}

// CheckTokens raises ExceededError when the token count meets or exceeds
// the configured limit.
func (s *Scope) CheckTokens() error {
	s.mu.Lock()
	tokens := s.tokens
	s.mu.Unlock()
	if s.cfg.Tokens > 0 && tokens >= s.cfg.Tokens {
		return &ExceededError{Kind: KindToken, Limit: float64(s.cfg.Tokens), Value: float64(tokens)}
	}
	return nil
}

// CheckMessages raises ExceededError when the message count meets or
// exceeds the configured limit.
func (s *Scope) CheckMessages() error {
	s.mu.Lock()
	messages := s.messages
	s.mu.Unlock()
	if s.cfg.Messages > 0 && messages >= s.cfg.Messages {
		return &ExceededError{Kind: KindMessage, Limit: float64(s.cfg.Messages), Value: float64(messages)}
	}
	return nil
}

// CheckTime raises ExceededError when wall time meets or exceeds the
// configured time limit, or working time the working-time limit.
func (s *Scope) CheckTime() error {
	if s.cfg.Time > 0 && s.WallTime() >= s.cfg.Time {
		return &ExceededError{Kind: KindTime, Limit: s.cfg.Time.Seconds(), Value: s.WallTime().Seconds()}
	}
	if s.cfg.WorkingTime > 0 && s.WorkingTime() >= s.cfg.WorkingTime {
		return &ExceededError{Kind: KindWorkingTime, Limit: s.cfg.WorkingTime.Seconds(), Value: s.WorkingTime().Seconds()}
	}
	return nil
}

// CheckCost raises ExceededError when the accumulated cost meets or exceeds
// the configured cost limit.
func (s *Scope) CheckCost() error {
	s.mu.Lock()
	cost := s.cost
	s.mu.Unlock()
	if s.cfg.Cost > 0 && cost >= s.cfg.Cost {
		return &ExceededError{Kind: KindCost, Limit: s.cfg.Cost, Value: cost}
	}
	return nil
}

// Check runs every configured check and returns the first violation.
func (s *Scope) Check() error {
	if err := s.CheckTokens(); err != nil {
		return err
	}
	if err := s.CheckMessages(); err != nil {
		return err
	}
	if err := s.CheckTime(); err != nil {
		return err
	}
	return s.CheckCost()
}
