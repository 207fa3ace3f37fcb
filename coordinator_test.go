package readback

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/readback/backend"
	"github.com/gogpu/readback/backend/software"
)

// texResource adapts a software texture to the Resource interface.
type texResource struct {
	id ResourceID
	*software.Texture
	opens atomic.Int32
}

func (r *texResource) ResourceID() ResourceID { return r.id }

func (r *texResource) NativeHandle() (any, error) {
	r.opens.Add(1)
	return r.Texture, nil
}

// bufResource adapts a software buffer to the Resource interface.
type bufResource struct {
	id ResourceID
	*software.Buffer
}

func (r *bufResource) ResourceID() ResourceID     { return r.id }
func (r *bufResource) NativeHandle() (any, error) { return r.Buffer, nil }

// fakeResource reports whatever it is told to.
type fakeResource struct {
	id     ResourceID
	native any
	err    error
	desc   backend.Desc
}

func (r *fakeResource) ResourceID() ResourceID     { return r.id }
func (r *fakeResource) NativeHandle() (any, error) { return r.native, r.err }
func (r *fakeResource) Desc() backend.Desc         { return r.desc }

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) + seed
	}
	return out
}

func newCoordinator(t *testing.T, b *software.Backend, opts ...Option) *Coordinator {
	t.Helper()
	c := New(b, opts...)
	t.Cleanup(c.Close)
	return c
}

func newTexture(t *testing.T, id ResourceID, w, h uint32) *texResource {
	t.Helper()
	tex, err := software.NewTexture(w, h, gputypes.TextureFormatRGBA8Unorm)
	if err != nil {
		t.Fatalf("NewTexture() error = %v", err)
	}
	if err := tex.Write(pattern(int(tex.Desc().ByteSize()), byte(id))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return &texResource{id: id, Texture: tex}
}

func newBuffer(t *testing.T, id ResourceID, stride, count uint32) *bufResource {
	t.Helper()
	buf, err := software.NewBuffer(stride, count)
	if err != nil {
		t.Fatalf("NewBuffer() error = %v", err)
	}
	if err := buf.Write(pattern(int(stride*count), byte(id))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return &bufResource{id: id, Buffer: buf}
}

func resolve(t *testing.T, c *Coordinator, res Resource) Handle {
	t.Helper()
	h, st := c.Resolve(res)
	if st != Succeeded {
		t.Fatalf("Resolve() = %v, want Succeeded", st)
	}
	return h
}

func expect(t *testing.T, op string, got, want Status) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", op, got, want)
	}
}

func TestRetrieveBeforeRequest(t *testing.T) {
	c := newCoordinator(t, software.New())
	tex := resolve(t, c, newTexture(t, 1, 4, 4))
	buf := resolve(t, c, newBuffer(t, 2, 16, 4))

	expect(t, "RetrieveTexture()", c.RetrieveTexture(tex, make([]byte, 64)), NoRequest)
	expect(t, "RetrieveBuffer()", c.RetrieveBuffer(buf, make([]byte, 64)), NoRequest)
	if NoStagingBuffer != NoRequest {
		t.Error("NoStagingBuffer must alias NoRequest")
	}
}

func TestDuplicateRequest(t *testing.T) {
	c := newCoordinator(t, software.New())
	h := resolve(t, c, newTexture(t, 1, 4, 4))

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	expect(t, "second RequestTexture()", c.RequestTexture(h), CopyInProgress)

	// Still rejected once the copy is staged and waiting for retrieval.
	c.Checkpoint()
	expect(t, "RequestTexture() while ready", c.RequestTexture(h), CopyInProgress)

	expect(t, "Release()", c.Release(h), Succeeded)
	expect(t, "RequestTexture() after release", c.RequestTexture(h), Succeeded)

	c.Checkpoint()
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, make([]byte, 64)), Succeeded)
	expect(t, "RequestTexture() after retrieve", c.RequestTexture(h), Succeeded)
}

func TestRetrieveWrongBufferSize(t *testing.T) {
	c := newCoordinator(t, software.New())
	res := newTexture(t, 1, 4, 4)
	h := resolve(t, c, res)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	c.Checkpoint()

	small := bytes.Repeat([]byte{0xAA}, 63)
	expect(t, "RetrieveTexture(small)", c.RetrieveTexture(h, small), WrongBufferSize)
	if !bytes.Equal(small, bytes.Repeat([]byte{0xAA}, 63)) {
		t.Error("RetrieveTexture() wrote into a too-small destination")
	}

	// The readback survives the sizing error.
	dst := make([]byte, 64)
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, dst), Succeeded)
	if !bytes.Equal(dst, pattern(64, 1)) {
		t.Error("RetrieveTexture() data mismatch")
	}
}

func TestWrongBufferSizeBeforeReady(t *testing.T) {
	c := newCoordinator(t, software.New())
	h := resolve(t, c, newBuffer(t, 1, 8, 8))

	expect(t, "RequestBuffer()", c.RequestBuffer(h), Succeeded)
	expect(t, "RetrieveBuffer(small)", c.RetrieveBuffer(h, make([]byte, 8)), WrongBufferSize)
	expect(t, "RetrieveBuffer()", c.RetrieveBuffer(h, make([]byte, 64)), NotReady)
}

func TestTooManyRequests(t *testing.T) {
	const capacity = 3
	c := newCoordinator(t, software.New(), WithSlotCapacity(capacity))

	handles := make([]Handle, capacity+1)
	for i := range handles {
		handles[i] = resolve(t, c, newTexture(t, ResourceID(i+1), 2, 2))
	}
	for i := 0; i < capacity; i++ {
		expect(t, fmt.Sprintf("RequestTexture(%d)", i), c.RequestTexture(handles[i]), Succeeded)
	}
	expect(t, "RequestTexture(overflow)", c.RequestTexture(handles[capacity]), TooManyRequests)

	// Freeing one slot makes room.
	expect(t, "Release()", c.Release(handles[0]), Succeeded)
	expect(t, "RequestTexture(overflow) after release", c.RequestTexture(handles[capacity]), Succeeded)
}

func TestNotReadyUntilCheckpoint(t *testing.T) {
	c := newCoordinator(t, software.New())
	h := resolve(t, c, newTexture(t, 5, 4, 2))
	dst := make([]byte, 32)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	expect(t, "RetrieveTexture() before checkpoint", c.RetrieveTexture(h, dst), NotReady)
	if s := c.Stats(); s.Requested != 1 || s.QueuedEvents != 1 {
		t.Errorf("Stats() before checkpoint = %v", s)
	}

	c.Checkpoint()
	expect(t, "LastStatus()", c.LastStatus(), Succeeded)
	expect(t, "RetrieveTexture() after checkpoint", c.RetrieveTexture(h, dst), Succeeded)
	if !bytes.Equal(dst, pattern(32, 5)) {
		t.Errorf("RetrieveTexture() = %v, want %v", dst, pattern(32, 5))
	}
	if s := c.Stats(); s.SlotsInUse != 0 {
		t.Errorf("SlotsInUse after retrieve = %d, want 0", s.SlotsInUse)
	}
}

func TestCopyLatency(t *testing.T) {
	c := newCoordinator(t, software.New(software.WithLatency(2)))
	h := resolve(t, c, newBuffer(t, 1, 4, 4))
	dst := make([]byte, 16)

	expect(t, "RequestBuffer()", c.RequestBuffer(h), Succeeded)
	for i := 0; i < 2; i++ {
		c.Checkpoint()
		expect(t, "LastStatus()", c.LastStatus(), NotReady)
		expect(t, fmt.Sprintf("RetrieveBuffer() after checkpoint %d", i+1), c.RetrieveBuffer(h, dst), NotReady)
		if s := c.Stats(); s.Copying != 1 {
			t.Errorf("Copying = %d, want 1", s.Copying)
		}
	}
	c.Checkpoint()
	expect(t, "RetrieveBuffer()", c.RetrieveBuffer(h, dst), Succeeded)
}

func TestReleaseIdempotent(t *testing.T) {
	b := software.New()
	c := newCoordinator(t, b)
	h := resolve(t, c, newTexture(t, 1, 4, 4))

	expect(t, "Release() on idle handle", c.Release(h), Succeeded)
	expect(t, "second Release()", c.Release(h), Succeeded)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	c.Checkpoint()
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, make([]byte, 64)), Succeeded)

	// The staging resource stays pooled until released.
	if b.Live() != 1 {
		t.Errorf("Live() after retrieve = %d, want 1", b.Live())
	}
	expect(t, "Release() after retrieve", c.Release(h), Succeeded)
	c.Checkpoint()
	if b.Live() != 0 {
		t.Errorf("Live() after release = %d, want 0", b.Live())
	}
	expect(t, "Release() again", c.Release(h), Succeeded)
	expect(t, "Release(zero)", c.Release(Handle{}), InvalidArguments)
}

func TestRoundTrip(t *testing.T) {
	c := newCoordinator(t, software.New())

	tests := []struct {
		name string
		res  Resource
		req  func(Handle) Status
		get  func(Handle, []byte) Status
	}{
		{"texture", newTexture(t, 1, 7, 3), c.RequestTexture, c.RetrieveTexture},
		{"buffer", newBuffer(t, 2, 12, 9), c.RequestBuffer, c.RetrieveBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := resolve(t, c, tt.res)
			size := int(tt.res.Desc().ByteSize())
			expect(t, "request", tt.req(h), Succeeded)
			c.Checkpoint()

			// A larger destination is fine; only the staged bytes are written.
			dst := bytes.Repeat([]byte{0xEE}, size+4)
			expect(t, "retrieve", tt.get(h, dst), Succeeded)
			if !bytes.Equal(dst[:size], pattern(size, byte(tt.res.ResourceID()))) {
				t.Error("retrieved bytes differ from source")
			}
			if !bytes.Equal(dst[size:], []byte{0xEE, 0xEE, 0xEE, 0xEE}) {
				t.Error("retrieve wrote past the staged size")
			}
		})
	}
}

func TestIssueEventOrder(t *testing.T) {
	c := newCoordinator(t, software.New())
	h := resolve(t, c, newTexture(t, 1, 2, 2))
	dst := make([]byte, 16)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)

	// No copy exists before the request event runs.
	c.IssueEvent(EventCopyTexture)
	expect(t, "RetrieveTexture() after copy event", c.RetrieveTexture(h, dst), NotReady)

	c.IssueEvent(EventRequestTexture)
	expect(t, "RetrieveTexture() after request event", c.RetrieveTexture(h, dst), NotReady)
	if s := c.Stats(); s.QueuedEvents != 1 {
		t.Errorf("QueuedEvents = %d, want 1 copy event", s.QueuedEvents)
	}

	c.IssueEvent(EventCopyBuffer)
	expect(t, "RetrieveTexture() after buffer copy event", c.RetrieveTexture(h, dst), NotReady)

	c.IssueEvent(EventCopyTexture)
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, dst), Succeeded)
}

func TestReleaseDiscardsInFlightCopy(t *testing.T) {
	b := software.New(software.WithLatency(3))
	c := newCoordinator(t, b)
	res := newTexture(t, 1, 4, 4)
	h := resolve(t, c, res)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	c.Checkpoint()
	if s := c.Stats(); s.Copying != 1 {
		t.Fatalf("Copying = %d, want 1", s.Copying)
	}

	expect(t, "Release()", c.Release(h), Succeeded)
	expect(t, "RetrieveTexture() after release", c.RetrieveTexture(h, make([]byte, 64)), NoRequest)
	if s := c.Stats(); s.SlotsInUse != 0 || s.Staging.Entries != 0 {
		t.Errorf("Stats() after release = %v", s)
	}

	for i := 0; i < 10 && b.Live() > 0; i++ {
		c.Checkpoint()
	}
	if b.Live() != 0 {
		t.Fatalf("staging not destroyed after release: Live() = %d", b.Live())
	}
	if q := c.Stats().QueuedEvents; q != 0 {
		t.Errorf("QueuedEvents = %d, want 0", q)
	}

	// A fresh request starts over with new data.
	if err := res.Write(pattern(64, 99)); err != nil {
		t.Fatal(err)
	}
	expect(t, "RequestTexture() after release", c.RequestTexture(h), Succeeded)
	dst := make([]byte, 64)
	for i := 0; i < 10 && c.RetrieveTexture(h, dst) == NotReady; i++ {
		c.Checkpoint()
	}
	if !bytes.Equal(dst, pattern(64, 99)) {
		t.Error("data after re-request does not match new contents")
	}
}

func TestReleaseBeforeRequestEvent(t *testing.T) {
	b := software.New()
	c := newCoordinator(t, b)
	h := resolve(t, c, newBuffer(t, 1, 4, 4))

	expect(t, "RequestBuffer()", c.RequestBuffer(h), Succeeded)
	expect(t, "Release()", c.Release(h), Succeeded)
	c.Checkpoint()

	if b.Live() != 0 {
		t.Errorf("Live() = %d, want 0: request event ran for a released slot", b.Live())
	}
	expect(t, "RetrieveBuffer()", c.RetrieveBuffer(h, make([]byte, 16)), NoRequest)
}

func TestResolveCachesHandle(t *testing.T) {
	c := newCoordinator(t, software.New())
	res := newTexture(t, 7, 2, 2)

	h1 := resolve(t, c, res)
	h2 := resolve(t, c, res)
	if h1 != h2 {
		t.Errorf("Resolve() returned different handles: %+v, %+v", h1, h2)
	}
	if n := res.opens.Load(); n != 1 {
		t.Errorf("NativeHandle() called %d times, want 1", n)
	}
	if h1.ID() != 7 || h1.Kind() != backend.KindTexture {
		t.Errorf("handle = id %v kind %v", h1.ID(), h1.Kind())
	}
}

func TestResolveInvalid(t *testing.T) {
	c := newCoordinator(t, software.New())
	desc := backend.BufferDesc(4, 4)

	tests := []struct {
		name string
		res  Resource
	}{
		{"nil", nil},
		{"zero id", &fakeResource{id: 0, native: 1, desc: desc}},
		{"nil native", &fakeResource{id: 1, desc: desc}},
		{"native error", &fakeResource{id: 2, native: 1, err: errors.New("gone"), desc: desc}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, st := c.Resolve(tt.res)
			expect(t, "Resolve()", st, InvalidArguments)
			if !h.IsZero() {
				t.Error("Resolve() returned a non-zero handle on failure")
			}
		})
	}
}

func TestResourceDestroyed(t *testing.T) {
	b := software.New()
	c := newCoordinator(t, b)
	res := newTexture(t, 3, 4, 4)
	h := resolve(t, c, res)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	c.Checkpoint()
	c.ResourceDestroyed(3)

	expect(t, "RequestTexture(stale)", c.RequestTexture(h), InvalidArguments)
	expect(t, "RetrieveTexture(stale)", c.RetrieveTexture(h, make([]byte, 64)), InvalidArguments)
	c.Checkpoint()
	if b.Live() != 0 {
		t.Errorf("Live() after destroy = %d, want 0", b.Live())
	}

	// The engine reuses the ID for a new resource.
	fresh := newTexture(t, 3, 2, 2)
	h2 := resolve(t, c, fresh)
	if fresh.opens.Load() != 1 {
		t.Error("Resolve() after destruction reused the stale native handle")
	}
	expect(t, "RequestTexture(fresh)", c.RequestTexture(h2), Succeeded)
	expect(t, "RequestTexture(stale) after re-resolve", c.RequestTexture(h), InvalidArguments)
}

func TestReleaseStaleHandleAfterIDReuse(t *testing.T) {
	c := newCoordinator(t, software.New())
	old := resolve(t, c, newTexture(t, 5, 4, 4))
	c.ResourceDestroyed(5)

	fresh := newTexture(t, 5, 4, 4)
	h := resolve(t, c, fresh)
	expect(t, "RequestTexture(fresh)", c.RequestTexture(h), Succeeded)

	expect(t, "Release(stale)", c.Release(old), InvalidArguments)
	c.Checkpoint()

	dst := make([]byte, 64)
	expect(t, "RetrieveTexture(fresh)", c.RetrieveTexture(h, dst), Succeeded)
	if !bytes.Equal(dst, pattern(64, 5)) {
		t.Error("RetrieveTexture(fresh) returned wrong bytes")
	}

	// Without a live entry for the ID, releasing a stale handle is a no-op.
	c.ResourceDestroyed(5)
	expect(t, "Release(stale) after destroy", c.Release(old), Succeeded)
}

func TestInvalidArguments(t *testing.T) {
	c := newCoordinator(t, software.New())
	tex := resolve(t, c, newTexture(t, 1, 2, 2))
	buf := resolve(t, c, newBuffer(t, 2, 4, 4))

	expect(t, "RequestTexture(zero)", c.RequestTexture(Handle{}), InvalidArguments)
	expect(t, "RequestBuffer(texture)", c.RequestBuffer(tex), InvalidArguments)
	expect(t, "RequestTexture(buffer)", c.RequestTexture(buf), InvalidArguments)

	expect(t, "RequestTexture()", c.RequestTexture(tex), Succeeded)
	c.Checkpoint()
	expect(t, "RetrieveTexture(nil)", c.RetrieveTexture(tex, nil), InvalidArguments)
	expect(t, "RetrieveBuffer(texture)", c.RetrieveBuffer(tex, make([]byte, 16)), InvalidArguments)
	expect(t, "RetrieveTexture()", c.RetrieveTexture(tex, make([]byte, 16)), Succeeded)
}

func TestUnsupportedFormat(t *testing.T) {
	c := newCoordinator(t, software.New())
	res := &fakeResource{
		id:     1,
		native: struct{}{},
		desc:   backend.TextureDesc(4, 4, gputypes.TextureFormatDepth24PlusStencil8),
	}
	h := resolve(t, c, res)
	expect(t, "RequestTexture()", c.RequestTexture(h), UnsupportedFormat)
	if c.Stats().SlotsInUse != 0 {
		t.Error("unsupported request allocated a slot")
	}
}

func TestResizeReallocatesStaging(t *testing.T) {
	b := software.New()
	c := newCoordinator(t, b)
	res := newTexture(t, 1, 4, 4)
	h := resolve(t, c, res)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	c.Checkpoint()
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, make([]byte, 64)), Succeeded)

	if err := res.Resize(8, 8); err != nil {
		t.Fatal(err)
	}
	if err := res.Write(pattern(256, 42)); err != nil {
		t.Fatal(err)
	}
	expect(t, "RequestTexture() after resize", c.RequestTexture(h), Succeeded)
	c.Checkpoint()
	expect(t, "RetrieveTexture(old size)", c.RetrieveTexture(h, make([]byte, 64)), WrongBufferSize)

	dst := make([]byte, 256)
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, dst), Succeeded)
	if !bytes.Equal(dst, pattern(256, 42)) {
		t.Error("data after resize mismatch")
	}
	if b.Live() != 1 {
		t.Errorf("Live() = %d, want 1 after reallocation", b.Live())
	}
}

func TestStagingReuse(t *testing.T) {
	b := software.New()
	c := newCoordinator(t, b)
	h := resolve(t, c, newBuffer(t, 1, 16, 16))

	for i := 0; i < 3; i++ {
		expect(t, "RequestBuffer()", c.RequestBuffer(h), Succeeded)
		c.Checkpoint()
		expect(t, "RetrieveBuffer()", c.RetrieveBuffer(h, make([]byte, 256)), Succeeded)
	}
	if b.Live() != 1 {
		t.Errorf("Live() = %d, want 1", b.Live())
	}
	if s := c.Stats(); s.Staging.Entries != 1 || s.Staging.Bound != 0 {
		t.Errorf("Staging = %v, want 1 unbound entry", s.Staging)
	}
}

func TestRenderThreadFailureReportedOnce(t *testing.T) {
	c := newCoordinator(t, software.New())
	res := newTexture(t, 1, 4, 4)
	h := resolve(t, c, res)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	// The source changes size between the request and the copy.
	if err := res.Resize(8, 8); err != nil {
		t.Fatal(err)
	}
	c.Checkpoint()

	expect(t, "LastStatus()", c.LastStatus(), WrongBufferSize)
	dst := make([]byte, 256)
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, dst), WrongBufferSize)
	expect(t, "second RetrieveTexture()", c.RetrieveTexture(h, dst), NoRequest)

	// A new request sees the new size.
	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	c.Checkpoint()
	expect(t, "RetrieveTexture() after re-request", c.RetrieveTexture(h, dst), Succeeded)
}

func TestStagingBudgetExceeded(t *testing.T) {
	c := newCoordinator(t, software.New(), WithStagingBudget(16))
	// 17 MB does not fit a 16 MB budget.
	h := resolve(t, c, newBuffer(t, 1, 1024*1024, 17))

	expect(t, "RequestBuffer()", c.RequestBuffer(h), Succeeded)
	c.Checkpoint()
	expect(t, "LastStatus()", c.LastStatus(), TooManyRequests)
	expect(t, "RetrieveBuffer()", c.RetrieveBuffer(h, make([]byte, 17*1024*1024)), TooManyRequests)
}

func TestDeviceLost(t *testing.T) {
	b := software.New()
	c := newCoordinator(t, b)
	res := newTexture(t, 1, 4, 4)
	h := resolve(t, c, res)

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	b.Lose()
	c.Checkpoint()

	expect(t, "LastStatus()", c.LastStatus(), UnknownError)
	expect(t, "RequestTexture()", c.RequestTexture(h), UnknownError)
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, make([]byte, 64)), UnknownError)
	expect(t, "Release()", c.Release(h), UnknownError)
	if _, st := c.Resolve(newTexture(t, 2, 1, 1)); st != UnknownError {
		t.Errorf("Resolve() = %v, want UnknownError", st)
	}
}

func TestClose(t *testing.T) {
	b := software.New()
	c := New(b)
	h := resolve(t, c, newTexture(t, 1, 4, 4))

	expect(t, "RequestTexture()", c.RequestTexture(h), Succeeded)
	c.Checkpoint()
	c.Close()
	c.Close()

	if b.Live() != 0 {
		t.Errorf("Live() after Close = %d, want 0", b.Live())
	}
	expect(t, "RequestTexture()", c.RequestTexture(h), UnsupportedAPI)
	expect(t, "RetrieveTexture()", c.RetrieveTexture(h, make([]byte, 64)), UnsupportedAPI)
	expect(t, "Release()", c.Release(h), UnsupportedAPI)
	c.Checkpoint()

	// The backend is not owned and stays usable.
	if _, err := b.CreateStaging(backend.BufferDesc(4, 1)); err != nil {
		t.Errorf("CreateStaging() after coordinator Close error = %v", err)
	}
}

func TestCloseResetsSlots(t *testing.T) {
	c := New(software.New())
	tex := resolve(t, c, newTexture(t, 1, 4, 4))
	buf := resolve(t, c, newBuffer(t, 2, 4, 4))

	expect(t, "RequestTexture()", c.RequestTexture(tex), Succeeded)
	c.Checkpoint()
	expect(t, "RequestBuffer()", c.RequestBuffer(buf), Succeeded)
	if got := c.Stats().SlotsInUse; got != 2 {
		t.Fatalf("SlotsInUse before Close = %d, want 2", got)
	}

	c.Close()
	s := c.Stats()
	if s.SlotsInUse != 0 || s.Requested != 0 || s.Ready != 0 {
		t.Errorf("Stats() after Close = %v, want no slots in use", s)
	}
}

func TestSetStagingBudget(t *testing.T) {
	b := software.New()
	c := newCoordinator(t, b, WithStagingBudget(64))

	for id := ResourceID(1); id <= 3; id++ {
		h := resolve(t, c, newBuffer(t, id, 1024*1024, 8))
		expect(t, "RequestBuffer()", c.RequestBuffer(h), Succeeded)
		c.Checkpoint()
		expect(t, "RetrieveBuffer()", c.RetrieveBuffer(h, make([]byte, 8*1024*1024)), Succeeded)
	}
	if got := c.Stats().Staging.Entries; got != 3 {
		t.Fatalf("Staging.Entries = %d, want 3", got)
	}

	expect(t, "SetStagingBudget(16)", c.SetStagingBudget(16), Succeeded)
	s := c.Stats().Staging
	if s.BudgetBytes != 16*1024*1024 {
		t.Errorf("BudgetBytes = %d, want %d", s.BudgetBytes, 16*1024*1024)
	}
	if s.UsedBytes > s.BudgetBytes || s.Evictions == 0 {
		t.Errorf("Staging after shrink = %v, want evictions and usage within budget", s)
	}
	if b.Live() != s.Entries {
		t.Errorf("Live() = %d, want %d", b.Live(), s.Entries)
	}

	// Budgets below the minimum are raised to it, and a bound readback is
	// never evicted.
	h := resolve(t, c, newBuffer(t, 9, 1024*1024, 15))
	expect(t, "RequestBuffer()", c.RequestBuffer(h), Succeeded)
	c.Checkpoint()
	expect(t, "SetStagingBudget(8)", c.SetStagingBudget(8), Succeeded)
	if s := c.Stats().Staging; s.BudgetBytes != 16*1024*1024 || s.Bound != 1 {
		t.Errorf("Staging after SetStagingBudget(8) = %v, want 16 MB budget with 1 bound entry", s)
	}

	c.Close()
	expect(t, "SetStagingBudget() after Close", c.SetStagingBudget(32), UnsupportedAPI)
}

func TestCloseOwnedBackend(t *testing.T) {
	b := software.New()
	c := New(b, WithOwnedBackend())
	c.Close()
	if _, err := b.CreateStaging(backend.BufferDesc(4, 1)); !errors.Is(err, backend.ErrDeviceLost) {
		t.Errorf("CreateStaging() on closed backend error = %v, want ErrDeviceLost", err)
	}
}

func TestOpen(t *testing.T) {
	c, err := Open(backend.BackendSoftware, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()
	if got := c.Backend().Name(); got != backend.BackendSoftware {
		t.Errorf("Backend().Name() = %q, want %q", got, backend.BackendSoftware)
	}

	if _, err := Open("no-such-backend", nil); !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("Open(unknown) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestConcurrentCallers(t *testing.T) {
	const workers = 8
	c := newCoordinator(t, software.New(software.WithLatency(1)))

	stop := make(chan struct{})
	var graphics sync.WaitGroup
	graphics.Add(1)
	go func() {
		defer graphics.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Checkpoint()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id ResourceID) {
			defer wg.Done()
			res := newBuffer(t, id, 32, 8)
			h, st := c.Resolve(res)
			if st != Succeeded {
				t.Errorf("worker %d: Resolve() = %v", id, st)
				return
			}
			for round := 0; round < 5; round++ {
				if st := c.RequestBuffer(h); st != Succeeded {
					t.Errorf("worker %d: RequestBuffer() = %v", id, st)
					return
				}
				dst := make([]byte, 256)
				deadline := time.Now().Add(5 * time.Second)
				for {
					st := c.RetrieveBuffer(h, dst)
					if st == Succeeded {
						break
					}
					if st != NotReady || time.Now().After(deadline) {
						t.Errorf("worker %d: RetrieveBuffer() = %v", id, st)
						return
					}
					time.Sleep(50 * time.Microsecond)
				}
				if !bytes.Equal(dst, pattern(256, byte(id))) {
					t.Errorf("worker %d round %d: data mismatch", id, round)
				}
			}
		}(ResourceID(w + 1))
	}
	wg.Wait()
	close(stop)
	graphics.Wait()

	if s := c.Stats(); s.SlotsInUse != 0 {
		t.Errorf("SlotsInUse = %d, want 0", s.SlotsInUse)
	}
}

// recorder is a MetricsRecorder that remembers what it was told.
type recorder struct {
	mu          sync.Mutex
	ops         map[string]int
	checkpoints int
	slots       [2]int
	stagingSize uint64
}

func (r *recorder) RecordOperation(op, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = make(map[string]int)
	}
	r.ops[op+"/"+status]++
}

func (r *recorder) SetSlots(inUse, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = [2]int{inUse, capacity}
}

func (r *recorder) SetStaging(bytes uint64, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stagingSize = bytes
}

func (r *recorder) ObserveCheckpoint(time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints++
}

func TestMetricsRecorder(t *testing.T) {
	rec := &recorder{}
	c := newCoordinator(t, software.New(), WithMetrics(rec), WithSlotCapacity(4))
	h := resolve(t, c, newBuffer(t, 1, 4, 4))

	c.RequestBuffer(h)
	c.RequestBuffer(h)
	c.Checkpoint()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for key, want := range map[string]int{
		"resolve/Succeeded":             1,
		"request_buffer/Succeeded":      1,
		"request_buffer/CopyInProgress": 1,
	} {
		if rec.ops[key] != want {
			t.Errorf("ops[%q] = %d, want %d", key, rec.ops[key], want)
		}
	}
	if rec.checkpoints != 1 {
		t.Errorf("checkpoints = %d, want 1", rec.checkpoints)
	}
	if rec.slots != [2]int{1, 4} {
		t.Errorf("slots = %v, want [1 4]", rec.slots)
	}
	if rec.stagingSize != 16 {
		t.Errorf("staging bytes = %d, want 16", rec.stagingSize)
	}
}

func TestStatsString(t *testing.T) {
	c := newCoordinator(t, software.New(), WithSlotCapacity(4))
	s := c.Stats().String()
	for _, want := range []string{"0/4 slots", "0 events queued", "Staging["} {
		if !strings.Contains(s, want) {
			t.Errorf("Stats().String() = %q, missing %q", s, want)
		}
	}
}
