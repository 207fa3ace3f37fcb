// Package staging pools CPU-readable staging resources per source resource.
//
// An entry is created on the first request for a resource and reused by
// later requests while the source layout is unchanged. Entries are bound
// while a slot is using them and only unbound entries are ever evicted.
// Each entry keeps a CPU mirror of the last completed copy, so retrieval
// never touches the device.
package staging

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/readback/backend"
)

// Pool errors.
var (
	// ErrBudgetExceeded is returned when an allocation cannot fit in the
	// budget even after evicting every unbound entry.
	ErrBudgetExceeded = errors.New("staging: budget exceeded")

	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("staging: pool closed")
)

// Budget defaults.
const (
	// DefaultBudgetMB is the default staging memory budget (256 MB).
	DefaultBudgetMB = 256

	// DefaultEvictionThreshold is when eviction starts (80% of budget).
	DefaultEvictionThreshold = 0.8

	// MinBudgetMB is the minimum allowed budget (16 MB).
	MinBudgetMB = 16
)

// Stats contains staging memory statistics.
type Stats struct {
	// BudgetBytes is the total budget in bytes.
	BudgetBytes uint64

	// UsedBytes is the byte size of all pooled entries.
	UsedBytes uint64

	// Entries is the number of pooled staging resources.
	Entries int

	// Bound is the number of entries attached to an active slot.
	Bound int

	// Evictions is the total number of entries evicted.
	Evictions uint64

	// Utilization is UsedBytes / BudgetBytes (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of pool stats.
func (s Stats) String() string {
	return fmt.Sprintf("Staging[%.1f%% used, %d/%d MB, %d entries (%d bound), %d evictions]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.BudgetBytes/(1024*1024),
		s.Entries,
		s.Bound,
		s.Evictions)
}

// Entry is a pooled staging resource.
type Entry struct {
	key     string
	staging backend.Staging
	data    []byte
	bound   bool
	element *list.Element
}

// Key returns the resource key the entry mirrors.
func (e *Entry) Key() string { return e.key }

// Staging returns the backend staging resource.
func (e *Entry) Staging() backend.Staging { return e.staging }

// Desc returns the layout the staging resource was created for.
func (e *Entry) Desc() backend.Desc { return e.staging.Desc() }

// Data returns the CPU mirror filled by the last Fill.
func (e *Entry) Data() []byte { return e.data }

// Config holds configuration for creating a Pool.
type Config struct {
	// BudgetMB is the staging memory budget in megabytes.
	// Values below MinBudgetMB select DefaultBudgetMB.
	BudgetMB int

	// EvictionThreshold is the usage fraction at which eviction starts.
	// Defaults to DefaultEvictionThreshold if <= 0 or > 1.
	EvictionThreshold float64

	// Logger receives eviction and reallocation diagnostics.
	Logger *slog.Logger
}

// Pool owns staging resources created through a backend.
//
// Methods that create or destroy staging resources (Acquire, Fill, Destroy,
// Close) must run on the graphics thread. Pool is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	backend backend.Backend
	logger  *slog.Logger

	budgetBytes uint64
	usedBytes   uint64
	threshold   float64

	entries map[string]*Entry
	// LRU list of entries (front = most recently used)
	lru *list.List

	evictions uint64
	closed    bool
}

// NewPool creates a pool that allocates through b.
func NewPool(b backend.Backend, cfg Config) *Pool {
	budgetMB := cfg.BudgetMB
	if budgetMB < MinBudgetMB {
		budgetMB = DefaultBudgetMB
	}
	threshold := cfg.EvictionThreshold
	if threshold <= 0 || threshold > 1.0 {
		threshold = DefaultEvictionThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	//nolint:gosec // G115: budgetMB is bounded below by MinBudgetMB
	return &Pool{
		backend:     b,
		logger:      logger,
		budgetBytes: uint64(budgetMB) * 1024 * 1024,
		threshold:   threshold,
		entries:     make(map[string]*Entry),
		lru:         list.New(),
	}
}

// SetLogger replaces the pool logger.
func (p *Pool) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	p.mu.Lock()
	p.logger = l
	p.mu.Unlock()
}

// Acquire returns the entry for key, bound and ready for a copy of desc.
// An existing entry is reused when its layout matches desc; otherwise it is
// destroyed and reallocated.
func (p *Pool) Acquire(key string, desc backend.Desc) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if e, ok := p.entries[key]; ok {
		if e.staging.Desc() == desc {
			e.bound = true
			p.lru.MoveToFront(e.element)
			return e, nil
		}
		p.logger.Debug("staging: layout changed, reallocating",
			"key", key, "old", e.staging.Desc().String(), "new", desc.String())
		p.removeLocked(e)
		p.backend.DestroyStaging(e.staging)
	}

	required := desc.ByteSize()
	if required > p.budgetBytes {
		return nil, fmt.Errorf("%w: %s needs %d MB, budget is %d MB",
			ErrBudgetExceeded, desc, required/(1024*1024), p.budgetBytes/(1024*1024))
	}
	if err := p.evictIfNeeded(required); err != nil {
		return nil, err
	}

	st, err := p.backend.CreateStaging(desc)
	if err != nil {
		return nil, err
	}
	e := &Entry{key: key, staging: st, bound: true}
	e.element = p.lru.PushFront(e)
	p.entries[key] = e
	p.usedBytes += required
	return e, nil
}

// Fill copies the completed staging contents into the entry's CPU mirror.
func (p *Pool) Fill(e *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	size := e.staging.Size()
	if uint64(cap(e.data)) < size {
		e.data = make([]byte, size)
	}
	e.data = e.data[:size]
	return p.backend.ReadStaging(e.staging, e.data)
}

// Lookup returns the pooled entry for key.
func (p *Pool) Lookup(key string) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return e, ok
}

// Unbind marks the entry for key as reusable by eviction. The staging
// resource stays pooled.
func (p *Pool) Unbind(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.bound = false
	}
}

// Detach removes the entry for key from the pool without destroying it and
// returns it, or nil when there is none. The caller must hand the staging
// resource to Destroy on the graphics thread.
func (p *Pool) Detach(key string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	p.removeLocked(e)
	return e
}

// Destroy releases a staging resource obtained from Detach.
func (p *Pool) Destroy(st backend.Staging) {
	if st != nil {
		p.backend.DestroyStaging(st)
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var utilization float64
	if p.budgetBytes > 0 {
		utilization = float64(p.usedBytes) / float64(p.budgetBytes)
	}
	bound := 0
	for _, e := range p.entries {
		if e.bound {
			bound++
		}
	}
	return Stats{
		BudgetBytes: p.budgetBytes,
		UsedBytes:   p.usedBytes,
		Entries:     len(p.entries),
		Bound:       bound,
		Evictions:   p.evictions,
		Utilization: utilization,
	}
}

// SetBudget updates the budget. Unbound entries are evicted if the pool is
// now over budget.
func (p *Pool) SetBudget(megabytes int) error {
	if megabytes < MinBudgetMB {
		megabytes = MinBudgetMB
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	//nolint:gosec // G115: megabytes bounded by MinBudgetMB minimum
	p.budgetBytes = uint64(megabytes) * 1024 * 1024
	return p.evictIfNeeded(0)
}

// Close destroys every pooled staging resource.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, e := range p.entries {
		p.backend.DestroyStaging(e.staging)
	}
	p.entries = nil
	p.lru = nil
	p.usedBytes = 0
	p.closed = true
}

// removeLocked drops an entry from tracking. Caller must hold mu.
func (p *Pool) removeLocked(e *Entry) {
	if e.element != nil {
		p.lru.Remove(e.element)
		e.element = nil
	}
	delete(p.entries, e.key)
	p.usedBytes -= e.staging.Desc().ByteSize()
	e.bound = false
}

// evictIfNeeded evicts unbound entries, least recently used first, until
// requested bytes fit and usage is back under the eviction threshold.
// Caller must hold mu.
func (p *Pool) evictIfNeeded(requested uint64) error {
	target := p.usedBytes + requested
	thresholdBytes := uint64(float64(p.budgetBytes) * p.threshold)

	if target <= p.budgetBytes && p.usedBytes < thresholdBytes {
		return nil
	}

	for elem := p.lru.Back(); elem != nil && (target > p.budgetBytes || p.usedBytes >= thresholdBytes); {
		prev := elem.Prev()
		e, ok := elem.Value.(*Entry)
		if ok && !e.bound {
			p.removeLocked(e)
			p.backend.DestroyStaging(e.staging)
			p.evictions++
			p.logger.Warn("staging: evicted", "key", e.key, "bytes", e.staging.Desc().ByteSize())
			target = p.usedBytes + requested
		}
		elem = prev
	}

	if target > p.budgetBytes {
		var available uint64
		if p.usedBytes < p.budgetBytes {
			available = p.budgetBytes - p.usedBytes
		}
		return fmt.Errorf("%w: need %d bytes, have %d bytes available",
			ErrBudgetExceeded, requested, available)
	}
	return nil
}
