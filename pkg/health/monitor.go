package health

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joaoulian/rinha-de-backend-2025/pkg/common"
)

// Verdict is one observation of a backend's health endpoint.
type Verdict struct {
	Backend         common.Backend `json:"backend"`
	Failing         bool           `json:"failing"`
	MinResponseTime time.Duration  `json:"minResponseTime"`
	ObservedAt      time.Time      `json:"observedAt"`
}

// Prober performs the raw, uncached health-check call.
type Prober interface {
	ProbeHealth(ctx context.Context, backend common.Backend) (Verdict, error)
}

type cacheEntry struct {
	verdict   Verdict
	expiresAt time.Time
}

// Monitor wraps the rate-limited health endpoints behind a short-TTL
// cache. The cache is the only thing standing between load and the
// endpoints' rate limits, at the cost of staleness bounded by the TTL.
type Monitor struct {
	prober Prober
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[common.Backend]cacheEntry

	probeMu    map[common.Backend]*sync.Mutex
	refreshing map[common.Backend]*int32
}

func NewMonitor(prober Prober, ttl time.Duration) *Monitor {
	return &Monitor{
		prober:     prober,
		ttl:        ttl,
		cache:      make(map[common.Backend]cacheEntry),
		probeMu:    make(map[common.Backend]*sync.Mutex),
		refreshing: make(map[common.Backend]*int32),
	}
}

// QuickCheck answers from cache immediately and never blocks on the
// network. An absent entry is treated optimistically as healthy; an
// expired one answers with the stale verdict. Either way a background
// refresh is kicked off, fire-and-forget.
func (m *Monitor) QuickCheck(ctx context.Context, backend common.Backend) bool {
	m.mu.RLock()
	entry, ok := m.cache[backend]
	m.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return !entry.verdict.Failing
	}

	m.refreshInBackground(backend)

	if ok {
		return !entry.verdict.Failing
	}
	return true
}

// Check returns the unexpired cached verdict, or performs one blocking
// probe, caches it and returns it. The probe is single-flight per
// backend: concurrent callers seeing the same expired entry serialize
// on the probe lock and all but the first answer from the fresh cache.
func (m *Monitor) Check(ctx context.Context, backend common.Backend) Verdict {
	if verdict, ok := m.cached(backend); ok {
		return verdict
	}

	lock := m.probeLock(backend)
	lock.Lock()
	defer lock.Unlock()

	if verdict, ok := m.cached(backend); ok {
		return verdict
	}
	return m.probeAndStore(ctx, backend)
}

func (m *Monitor) cached(backend common.Backend) (Verdict, bool) {
	m.mu.RLock()
	entry, ok := m.cache[backend]
	m.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.verdict, true
	}
	return Verdict{}, false
}

func (m *Monitor) probeLock(backend common.Backend) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.probeMu[backend]
	if !ok {
		lock = new(sync.Mutex)
		m.probeMu[backend] = lock
	}
	return lock
}

func (m *Monitor) probeAndStore(ctx context.Context, backend common.Backend) Verdict {
	verdict, err := m.prober.ProbeHealth(ctx, backend)
	if err != nil {
		// Fail-safe: an unreachable health endpoint counts as failing.
		log.Printf("HEALTH: probe for %s failed: %v", backend, err)
		verdict = Verdict{
			Backend:         backend,
			Failing:         true,
			MinResponseTime: 0,
			ObservedAt:      time.Now().UTC(),
		}
	}

	m.mu.Lock()
	m.cache[backend] = cacheEntry{
		verdict:   verdict,
		expiresAt: time.Now().Add(m.ttl),
	}
	m.mu.Unlock()

	return verdict
}

// refreshInBackground starts at most one concurrent probe per backend.
// Callers never wait on it.
func (m *Monitor) refreshInBackground(backend common.Backend) {
	m.mu.Lock()
	flag, ok := m.refreshing[backend]
	if !ok {
		flag = new(int32)
		m.refreshing[backend] = flag
	}
	m.mu.Unlock()

	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		return
	}

	go func() {
		defer atomic.StoreInt32(flag, 0)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		lock := m.probeLock(backend)
		lock.Lock()
		defer lock.Unlock()
		if _, ok := m.cached(backend); ok {
			return
		}
		m.probeAndStore(ctx, backend)
	}()
}
