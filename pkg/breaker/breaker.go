package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips a backend after consecutive transport failures so the
// gateway can fail fast instead of waiting out timeouts while a backend
// is down. An open circuit is always a retryable condition for the
// routing engine, never a terminal one.
type Breaker struct {
	state                State
	consecutiveFailures  int64
	consecutiveSuccesses int64
	lastFailureTime      int64

	failureThreshold int64
	successThreshold int64
	timeout          time.Duration

	mu sync.Mutex
}

func New(failureThreshold, successThreshold int64, timeout time.Duration) *Breaker {
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

func (b *Breaker) Allow() bool {
	state := atomic.LoadInt32((*int32)(&b.state))

	if State(state) == StateOpen {
		lastFailureNano := atomic.LoadInt64(&b.lastFailureTime)
		if time.Now().UnixNano()-lastFailureNano > b.timeout.Nanoseconds() {
			if atomic.CompareAndSwapInt32((*int32)(&b.state), state, int32(StateHalfOpen)) {
				atomic.StoreInt64(&b.consecutiveSuccesses, 0)
				return true
			}
		}
		return false
	}

	return true
}

func (b *Breaker) RecordFailure() {
	state := atomic.LoadInt32((*int32)(&b.state))

	if State(state) == StateHalfOpen {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == StateHalfOpen {
			b.open()
		}
		return
	}

	failures := atomic.AddInt64(&b.consecutiveFailures, 1)
	if failures >= b.failureThreshold {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == StateClosed {
			b.open()
		}
	}
}

func (b *Breaker) RecordSuccess() {
	state := atomic.LoadInt32((*int32)(&b.state))

	if State(state) == StateHalfOpen {
		successes := atomic.AddInt64(&b.consecutiveSuccesses, 1)
		if successes >= b.successThreshold {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.state == StateHalfOpen {
				b.close()
			}
		}
		return
	}

	if atomic.LoadInt64(&b.consecutiveFailures) > 0 {
		atomic.StoreInt64(&b.consecutiveFailures, 0)
	}
}

func (b *Breaker) open() {
	atomic.StoreInt32((*int32)(&b.state), int32(StateOpen))
	atomic.StoreInt64(&b.lastFailureTime, time.Now().UnixNano())
}

func (b *Breaker) close() {
	atomic.StoreInt32((*int32)(&b.state), int32(StateClosed))
	atomic.StoreInt64(&b.consecutiveFailures, 0)
}

type Status struct {
	State               string    `json:"state"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
}

func (b *Breaker) Status() Status {
	state := atomic.LoadInt32((*int32)(&b.state))
	failures := atomic.LoadInt64(&b.consecutiveFailures)
	lastFailureNano := atomic.LoadInt64(&b.lastFailureTime)

	var lastFailureTime time.Time
	if lastFailureNano > 0 {
		lastFailureTime = time.Unix(0, lastFailureNano)
	}

	return Status{
		State:               State(state).String(),
		ConsecutiveFailures: failures,
		LastFailureTime:     lastFailureTime,
	}
}

// Store holds one breaker per backend.
type Store struct {
	mu       sync.RWMutex
	circuits map[common.Backend]*Breaker

	failureThreshold int64
	successThreshold int64
	timeout          time.Duration
}

func NewStore(timeout time.Duration) *Store {
	s := &Store{
		circuits:         make(map[common.Backend]*Breaker),
		failureThreshold: 3,
		successThreshold: 2,
		timeout:          timeout,
	}

	s.circuits[common.BackendPrimary] = New(s.failureThreshold, s.successThreshold, timeout)
	s.circuits[common.BackendSecondary] = New(s.failureThreshold, s.successThreshold, timeout)

	return s
}

func (s *Store) Allow(backend common.Backend) bool {
	return s.getOrCreate(backend).Allow()
}

func (s *Store) RecordFailure(backend common.Backend) {
	s.getOrCreate(backend).RecordFailure()
}

func (s *Store) RecordSuccess(backend common.Backend) {
	s.getOrCreate(backend).RecordSuccess()
}

func (s *Store) Statuses() map[common.Backend]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make(map[common.Backend]Status, len(s.circuits))
	for backend, b := range s.circuits {
		statuses[backend] = b.Status()
	}
	return statuses
}

func (s *Store) getOrCreate(backend common.Backend) *Breaker {
	s.mu.RLock()
	b, ok := s.circuits[backend]
	s.mu.RUnlock()

	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok = s.circuits[backend]
	if ok {
		return b
	}

	b = New(s.failureThreshold, s.successThreshold, s.timeout)
	s.circuits[backend] = b
	return b
}
