package readback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/readback/backend"
	"github.com/gogpu/readback/internal/dispatch"
	"github.com/gogpu/readback/internal/handlecache"
	"github.com/gogpu/readback/internal/slot"
	"github.com/gogpu/readback/internal/staging"
)

// EventKind selects the deferred events executed by IssueEvent.
type EventKind = dispatch.Kind

// Event kinds, one per deferred operation.
const (
	EventRequestTexture = dispatch.KindRequestTexture
	EventRequestBuffer  = dispatch.KindRequestBuffer
	EventCopyTexture    = dispatch.KindCopyTexture
	EventCopyBuffer     = dispatch.KindCopyBuffer
	EventRelease        = dispatch.KindRelease
)

// Operation names passed to MetricsRecorder.RecordOperation.
const (
	opResolve         = "resolve"
	opRequestTexture  = "request_texture"
	opRequestBuffer   = "request_buffer"
	opRetrieveTexture = "retrieve_texture"
	opRetrieveBuffer  = "retrieve_buffer"
	opRelease         = "release"
	opEvent           = "event"
)

// Coordinator schedules GPU readbacks and hands their results back to
// callers without blocking.
//
// Resolve, the Request and Retrieve methods, Release, ResourceDestroyed,
// LastStatus and Stats may be called from any goroutine. Checkpoint,
// IssueEvent, SetStagingBudget and Close touch the graphics device and must
// be called from the goroutine that owns it, one at a time.
type Coordinator struct {
	backend     backend.Backend
	ownsBackend bool
	metrics     MetricsRecorder

	handles *handlecache.Cache
	pool    *staging.Pool
	queue   *dispatch.Queue

	// mu guards the fields below.
	mu       sync.Mutex
	slots    *slot.Table
	failures map[string]Status
	closed   bool
	lost     bool

	last atomic.Int32
}

// New creates a coordinator on b. The backend is closed with the
// coordinator only when WithOwnedBackend is given.
func New(b backend.Backend, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator{
		backend:     b,
		ownsBackend: o.ownsBackend,
		metrics:     o.metrics,
		handles:     handlecache.New(),
		pool: staging.NewPool(b, staging.Config{
			BudgetMB:          o.stagingBudgetMB,
			EvictionThreshold: o.evictionThreshold,
		}),
		queue:    dispatch.NewQueue(),
		slots:    slot.NewTable(o.slotCapacity),
		failures: make(map[string]Status),
	}
	track(c)
	Logger().Info("readback: coordinator created",
		"backend", b.Name(), "slots", c.slots.Cap())
	return c
}

// Open creates a coordinator on the named registered backend, or on the
// best available one when name is empty. provider exposes the host's
// device; backends that create their own accept nil. The coordinator owns
// the backend.
func Open(name string, provider gpucontext.DeviceProvider, opts ...Option) (*Coordinator, error) {
	var (
		b   backend.Backend
		err error
	)
	if name == "" {
		b, err = backend.Default(provider)
	} else {
		b, err = backend.Get(name, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("readback: open backend: %w", err)
	}
	return New(b, append(opts, WithOwnedBackend())...), nil
}

// Backend returns the backend the coordinator drives.
func (c *Coordinator) Backend() backend.Backend {
	return c.backend
}

// Resolve returns the handle for res, querying its native handle only the
// first time res is seen.
func (c *Coordinator) Resolve(res Resource) (Handle, Status) {
	if st := c.usable(); st != Succeeded {
		return Handle{}, c.record(opResolve, st)
	}
	if res == nil || res.ResourceID() == 0 {
		return Handle{}, c.record(opResolve, InvalidArguments)
	}

	id := res.ResourceID()
	e, hit, err := c.handles.Resolve(id.String(), func() (any, backend.Desc, error) {
		native, err := res.NativeHandle()
		return native, res.Desc(), err
	})
	if err != nil {
		Logger().Debug("readback: resolve failed", "id", id, "err", err)
		return Handle{}, c.record(opResolve, InvalidArguments)
	}
	if !hit {
		Logger().Debug("readback: resolved", "id", id, "desc", e.Desc.String())
	}
	return Handle{id: id, epoch: e.Epoch, kind: e.Desc.Kind, res: res}, c.record(opResolve, Succeeded)
}

// ResourceDestroyed tells the coordinator the engine destroyed the resource
// with the given ID. Handles issued for it become invalid and any readback
// in flight for it is released.
func (c *Coordinator) ResourceDestroyed(id ResourceID) {
	if id == 0 {
		return
	}
	if c.handles.Invalidate(id.String()) {
		Logger().Debug("readback: resource destroyed", "id", id)
	}
	c.release(id.String())
}

// RequestTexture schedules a readback of the texture behind h. Succeeded
// means the copy is queued for the next checkpoint.
func (c *Coordinator) RequestTexture(h Handle) Status {
	return c.record(opRequestTexture, c.request(h, backend.KindTexture, EventRequestTexture))
}

// RequestBuffer schedules a readback of the buffer behind h.
func (c *Coordinator) RequestBuffer(h Handle) Status {
	return c.record(opRequestBuffer, c.request(h, backend.KindBuffer, EventRequestBuffer))
}

// RetrieveTexture copies the staged texture into dst, tightly packed.
// It returns NotReady until the copy has completed and frees the request on
// Succeeded. dst is left untouched unless the result is Succeeded.
func (c *Coordinator) RetrieveTexture(h Handle, dst []byte) Status {
	return c.record(opRetrieveTexture, c.retrieve(h, backend.KindTexture, dst))
}

// RetrieveBuffer copies the staged buffer into dst.
func (c *Coordinator) RetrieveBuffer(h Handle, dst []byte) Status {
	return c.record(opRetrieveBuffer, c.retrieve(h, backend.KindBuffer, dst))
}

// Release cancels any readback in flight for h and frees its staging
// resource at the next checkpoint. Releasing an idle handle succeeds.
func (c *Coordinator) Release(h Handle) Status {
	if st := c.usable(); st != Succeeded {
		return c.record(opRelease, st)
	}
	if h.IsZero() {
		return c.record(opRelease, InvalidArguments)
	}
	if e, ok := c.handles.Get(h.key()); ok && e.Epoch != h.epoch {
		// The ID was reused by a resource resolved after h's was destroyed.
		return c.record(opRelease, InvalidArguments)
	}
	c.release(h.key())
	return c.record(opRelease, Succeeded)
}

// LastStatus returns the outcome of the most recent event executed on the
// graphics thread.
func (c *Coordinator) LastStatus() Status {
	return Status(c.last.Load())
}

// checkpointPasses bounds the drains of one checkpoint. A release, a new
// request and its copy for the same resource complete in three.
const checkpointPasses = 4

// Checkpoint executes the queued events. It keeps draining while events
// complete, so a request and the copy it schedules run in the same
// checkpoint. Copies still in flight are polled and left queued.
func (c *Coordinator) Checkpoint() {
	start := time.Now()
	executed := 0
	for pass := 0; pass < checkpointPasses; pass++ {
		stats := c.drain(nil)
		executed += stats.Executed
		if stats.Executed == stats.Retried {
			break
		}
	}
	c.observe(time.Since(start), executed)
}

// IssueEvent executes the queued events of one kind, for engines that
// schedule each operation at its own point in the frame. Events of other
// kinds, and events queued behind them for the same resource, stay queued.
func (c *Coordinator) IssueEvent(kind EventKind) {
	start := time.Now()
	stats := c.drain(func(ev dispatch.Event) bool { return ev.Kind == kind })
	c.observe(time.Since(start), stats.Executed)
}

// SetStagingBudget changes the staging memory budget, evicting unbound
// staging resources that no longer fit. Values below 16 MB are raised to
// 16 MB. It returns TooManyRequests when readbacks in flight alone exceed
// the new budget; the budget is changed regardless.
func (c *Coordinator) SetStagingBudget(megabytes int) Status {
	if st := c.usable(); st != Succeeded {
		return st
	}
	if err := c.pool.SetBudget(megabytes); err != nil {
		return statusFromError(err)
	}
	s := c.pool.Stats()
	c.metrics.SetStaging(s.UsedBytes, s.Entries)
	Logger().Info("readback: staging budget changed", "budget_mb", s.BudgetBytes/(1024*1024))
	return Succeeded
}

// Close destroys every staging resource and, for an owned backend, the
// backend itself. Every later call returns UnsupportedAPI. Close is
// idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, s := range c.slots.Active() {
		c.slots.Reset(s.ID)
	}
	clear(c.failures)
	c.mu.Unlock()

	for _, ev := range c.queue.Close() {
		if ev.Staging != nil {
			c.pool.Destroy(ev.Staging)
		}
	}
	c.pool.Close()
	c.handles.Flush()
	untrack(c)
	if c.ownsBackend {
		c.backend.Close()
	}
	Logger().Info("readback: coordinator closed", "backend", c.backend.Name())
}

// Stats contains coordinator statistics.
type Stats struct {
	// SlotsInUse is the number of readbacks in flight.
	SlotsInUse int

	// SlotCapacity is the maximum number of readbacks in flight.
	SlotCapacity int

	// Requested, Copying and Ready count in-use slots by state.
	Requested int
	Copying   int
	Ready     int

	// QueuedEvents is the number of events waiting for a checkpoint.
	QueuedEvents int

	// Handles is the number of resolved resources.
	Handles int

	// Staging describes pooled staging memory.
	Staging staging.Stats
}

// String returns a human-readable string of coordinator stats.
func (s Stats) String() string {
	return fmt.Sprintf("Readback[%d/%d slots (%d requested, %d copying, %d ready), %d events queued, %d handles, %s]",
		s.SlotsInUse, s.SlotCapacity, s.Requested, s.Copying, s.Ready,
		s.QueuedEvents, s.Handles, s.Staging)
}

// Stats returns current coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	counts := c.slots.CountByState()
	s := Stats{
		SlotsInUse:   c.slots.InUse(),
		SlotCapacity: c.slots.Cap(),
		Requested:    counts[slot.Requested],
		Copying:      counts[slot.Copying],
		Ready:        counts[slot.Ready],
	}
	c.mu.Unlock()

	s.QueuedEvents = c.queue.Len()
	s.Handles = c.handles.Len()
	s.Staging = c.pool.Stats()
	return s
}

// usable reports the status every call answers once the coordinator is
// closed or its device is lost.
func (c *Coordinator) usable() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked()
}

func (c *Coordinator) usableLocked() Status {
	switch {
	case c.closed:
		return UnsupportedAPI
	case c.lost:
		return UnknownError
	default:
		return Succeeded
	}
}

// validate checks that h is a live handle of the given kind and returns its
// cache entry.
func (c *Coordinator) validate(h Handle, kind backend.Kind) (handlecache.Entry, Status) {
	if h.IsZero() || h.kind != kind {
		return handlecache.Entry{}, InvalidArguments
	}
	e, ok := c.handles.Get(h.key())
	if !ok || e.Epoch != h.epoch {
		return handlecache.Entry{}, InvalidArguments
	}
	return e, Succeeded
}

func (c *Coordinator) request(h Handle, kind backend.Kind, evKind EventKind) Status {
	if st := c.usable(); st != Succeeded {
		return st
	}
	e, st := c.validate(h, kind)
	if st != Succeeded {
		return st
	}

	desc := h.res.Desc()
	if desc.Kind != kind {
		return InvalidArguments
	}
	if err := c.backend.Supports(desc); err != nil {
		return statusFromError(err)
	}

	key := h.key()
	c.mu.Lock()
	if st := c.usableLocked(); st != Succeeded {
		c.mu.Unlock()
		return st
	}
	s, err := c.slots.Allocate(key, desc)
	if err != nil {
		c.mu.Unlock()
		return statusFromError(err)
	}
	delete(c.failures, key)
	c.mu.Unlock()

	ev := dispatch.Event{Kind: evKind, Key: key, Slot: int(s.ID), Gen: s.Gen, Source: e.Native}
	if err := c.queue.Push(ev); err != nil {
		c.mu.Lock()
		c.slots.Reset(s.ID)
		c.mu.Unlock()
		return UnsupportedAPI
	}
	Logger().Debug("readback: requested", "id", h.id, "slot", s.ID, "desc", desc.String())
	return Succeeded
}

func (c *Coordinator) retrieve(h Handle, kind backend.Kind, dst []byte) Status {
	if st := c.usable(); st != Succeeded {
		return st
	}
	if dst == nil {
		return InvalidArguments
	}
	if _, st := c.validate(h, kind); st != Succeeded {
		return st
	}

	key := h.key()
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.failures[key]; ok {
		delete(c.failures, key)
		return st
	}
	s, ok := c.slots.Lookup(key)
	if !ok {
		return NoRequest
	}
	if s.Desc.Kind != kind {
		return InvalidArguments
	}
	size := s.ByteSize()
	if uint64(len(dst)) < size {
		return WrongBufferSize
	}
	if s.State != slot.Ready {
		return NotReady
	}

	e, ok := c.pool.Lookup(key)
	if !ok || uint64(len(e.Data())) < size {
		// The staging resource was evicted or detached underneath a
		// ready slot.
		c.slots.Reset(s.ID)
		return UnknownError
	}
	copy(dst, e.Data()[:size])
	c.slots.Reset(s.ID)
	c.pool.Unbind(key)
	Logger().Debug("readback: retrieved", "id", h.id, "bytes", size)
	return Succeeded
}

// release resets the slot for key, detaches its staging resource and
// queues its destruction.
func (c *Coordinator) release(key string) {
	c.mu.Lock()
	delete(c.failures, key)
	s, active := c.slots.Lookup(key)
	if active {
		c.slots.Reset(s.ID)
	}
	e := c.pool.Detach(key)
	c.mu.Unlock()

	if !active && e == nil {
		return
	}
	ev := dispatch.Event{Kind: EventRelease, Key: key}
	if e != nil {
		ev.Staging = e.Staging()
	}
	if err := c.queue.Push(ev); err != nil {
		return
	}
	Logger().Debug("readback: released", "key", key, "active", active)
}

// drain runs one pass over the queue.
func (c *Coordinator) drain(accept func(dispatch.Event) bool) dispatch.DrainStats {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return dispatch.DrainStats{}
	}
	stats := c.queue.Drain(accept, c.exec)
	if stats.Executed > 0 {
		Logger().Debug("readback: drained",
			"executed", stats.Executed, "retried", stats.Retried, "deferred", stats.Deferred)
	}
	return stats
}

// exec runs one event on the graphics thread.
func (c *Coordinator) exec(ev dispatch.Event) dispatch.Result {
	switch ev.Kind {
	case EventRequestTexture, EventRequestBuffer:
		return c.execRequest(ev)
	case EventCopyTexture, EventCopyBuffer:
		return c.execCopy(ev)
	case EventRelease:
		return c.execRelease(ev)
	default:
		Logger().Warn("readback: unknown event", "kind", ev.Kind)
		return dispatch.Done
	}
}

// current reports whether the slot still belongs to the occupant ev was
// issued for, and returns its snapshot.
func (c *Coordinator) current(ev dispatch.Event) (slot.Slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots.Get(slot.ID(ev.Slot))
	if !ok || s.Gen != ev.Gen || s.State == slot.Idle || c.closed {
		return slot.Slot{}, false
	}
	return s, true
}

// execRequest binds a staging resource to the slot and queues the copy.
func (c *Coordinator) execRequest(ev dispatch.Event) dispatch.Result {
	s, ok := c.current(ev)
	if !ok {
		return dispatch.Done
	}
	if _, err := c.pool.Acquire(ev.Key, s.Desc); err != nil {
		c.fail(ev, err)
		return dispatch.Done
	}

	if _, ok := c.current(ev); !ok {
		// Released while the staging resource was being acquired.
		c.mu.Lock()
		if _, active := c.slots.Lookup(ev.Key); !active {
			c.pool.Unbind(ev.Key)
		}
		c.mu.Unlock()
		return dispatch.Done
	}

	copyKind := EventCopyTexture
	if ev.Kind == EventRequestBuffer {
		copyKind = EventCopyBuffer
	}
	next := ev
	next.Kind = copyKind
	if err := c.queue.Push(next); err != nil {
		return dispatch.Done
	}
	c.last.Store(int32(Succeeded))
	return dispatch.Done
}

// execCopy submits the copy on its first run and polls for completion on
// later runs. It is retried until the backend reports the copy ready.
func (c *Coordinator) execCopy(ev dispatch.Event) dispatch.Result {
	s, ok := c.current(ev)
	if !ok {
		// Released; the release event queued behind this one disposes of
		// the staging resource.
		return dispatch.Done
	}
	e, ok := c.pool.Lookup(ev.Key)
	if !ok {
		c.fail(ev, fmt.Errorf("readback: staging for %s missing", ev.Key))
		return dispatch.Done
	}

	if s.State == slot.Requested {
		if err := c.backend.ScheduleCopy(ev.Source, e.Staging()); err != nil {
			c.fail(ev, err)
			return dispatch.Done
		}
		if !c.advance(ev, slot.Copying) {
			return dispatch.Done
		}
		Logger().Debug("readback: copy scheduled", "key", ev.Key, "slot", ev.Slot)
	}

	ready, err := c.backend.PollReady(e.Staging())
	if err != nil {
		c.fail(ev, err)
		return dispatch.Done
	}
	if !ready {
		c.last.Store(int32(NotReady))
		return dispatch.Retry
	}
	if err := c.pool.Fill(e); err != nil {
		c.fail(ev, err)
		return dispatch.Done
	}
	if c.advance(ev, slot.Ready) {
		Logger().Debug("readback: copy ready", "key", ev.Key, "slot", ev.Slot)
	}
	c.last.Store(int32(Succeeded))
	return dispatch.Done
}

// execRelease destroys a detached staging resource once no copy into it is
// in flight.
func (c *Coordinator) execRelease(ev dispatch.Event) dispatch.Result {
	st := ev.Staging
	if st == nil {
		// The request event may have bound a staging resource after the
		// release detached nothing.
		c.mu.Lock()
		if _, active := c.slots.Lookup(ev.Key); !active {
			if e := c.pool.Detach(ev.Key); e != nil {
				st = e.Staging()
			}
		}
		c.mu.Unlock()
		if st == nil {
			return dispatch.Done
		}
	}

	ready, err := c.backend.PollReady(st)
	if err != nil {
		if errors.Is(err, backend.ErrDeviceLost) {
			c.markLost(err)
		}
	} else if !ready {
		return dispatch.Retry
	}
	c.pool.Destroy(st)
	c.last.Store(int32(Succeeded))
	return dispatch.Done
}

// advance moves the event's slot forward. It reports false when the slot
// was released in the meantime.
func (c *Coordinator) advance(ev dispatch.Event, to slot.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots.Advance(slot.ID(ev.Slot), ev.Gen, to) == nil
}

// fail short-circuits the event's slot to Idle and records the failure for
// the next retrieve of the same resource.
func (c *Coordinator) fail(ev dispatch.Event, err error) {
	st := statusFromError(err)
	c.last.Store(int32(st))
	c.metrics.RecordOperation(opEvent, st.String())

	c.mu.Lock()
	s, ok := c.slots.Get(slot.ID(ev.Slot))
	if ok && s.Gen == ev.Gen && s.State != slot.Idle {
		c.slots.Reset(s.ID)
		c.failures[ev.Key] = st
		c.pool.Unbind(ev.Key)
	}
	c.mu.Unlock()

	if errors.Is(err, backend.ErrDeviceLost) {
		c.markLost(err)
		return
	}
	Logger().Warn("readback: event failed",
		"kind", ev.Kind, "key", ev.Key, "status", st, "err", err)
}

func (c *Coordinator) markLost(err error) {
	c.mu.Lock()
	already := c.lost
	c.lost = true
	c.mu.Unlock()
	if !already {
		Logger().Error("readback: device lost", "backend", c.backend.Name(), "err", err)
	}
}

// record reports a caller-facing outcome to the metrics recorder.
func (c *Coordinator) record(op string, st Status) Status {
	c.metrics.RecordOperation(op, st.String())
	return st
}

func (c *Coordinator) observe(d time.Duration, executed int) {
	s := c.Stats()
	c.metrics.ObserveCheckpoint(d, executed)
	c.metrics.SetSlots(s.SlotsInUse, s.SlotCapacity)
	c.metrics.SetStaging(s.Staging.UsedBytes, s.Staging.Entries)
}
