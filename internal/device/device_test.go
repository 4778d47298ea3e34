package device

import (
	"bytes"
	"sync"
	"testing"
)

func newTestContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	c, err := NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestCopiesRoundTrip pushes bytes H2D, across devices, and back.
func TestCopiesRoundTrip(t *testing.T) {
	c := newTestContext(t, Config{Devices: 2})
	src := []byte("quantized bytes travel unchanged")

	b0, err := c.Device(0).Alloc(int64(len(src)))
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	b1, err := c.Device(1).Alloc(int64(len(src)))
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := c.H2D(b0, src, 0); err != nil {
		t.Fatalf("h2d: %v", err)
	}
	if err := c.D2D(b1, b0, 0); err != nil {
		t.Fatalf("d2d: %v", err)
	}
	got := make([]byte, len(src))
	if err := c.D2H(got, b1, 0); err != nil {
		t.Fatalf("d2h: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("round trip produced %q", got)
	}
}

// TestStagedCopy disables peer access and checks the host-staged path
// still moves the bytes.
func TestStagedCopy(t *testing.T) {
	c := newTestContext(t, Config{Devices: 2, PeerDisabled: [][2]int{{0, 1}}})
	if c.PeerEnabled(0, 1) || c.PeerEnabled(1, 0) {
		t.Fatal("peer access should be off both ways")
	}
	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(i * 7)
	}
	b0, _ := c.Device(0).Alloc(int64(len(src)))
	b1, _ := c.Device(1).Alloc(int64(len(src)))
	if err := c.H2D(b0, src, 1); err != nil {
		t.Fatalf("h2d: %v", err)
	}
	if err := c.D2D(b1, b0, 1); err != nil {
		t.Fatalf("staged d2d: %v", err)
	}
	got := make([]byte, len(src))
	if err := c.D2H(got, b1, 1); err != nil {
		t.Fatalf("d2h: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("staged copy corrupted the bytes")
	}
}

// TestPoolReuse frees a buffer and checks the next fitting allocation
// reuses the slot instead of growing the pool.
func TestPoolReuse(t *testing.T) {
	c := newTestContext(t, Config{Devices: 1})
	d := c.Device(0)

	b, err := d.Alloc(10_000)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if st := d.PoolStats(); st.Misses != 1 || st.Hits != 0 {
		t.Fatalf("first alloc: stats %+v", st)
	}
	if err := d.Free(b); err != nil {
		t.Fatalf("free: %v", err)
	}

	// The slot carries a 5% margin, so a slightly larger request still
	// fits it.
	b2, err := d.Alloc(10_200)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	st := d.PoolStats()
	if st.Hits != 1 {
		t.Fatalf("re-allocation missed the pool: stats %+v", st)
	}
	if st.Slots != 1 {
		t.Fatalf("pool grew to %d slots", st.Slots)
	}
	if err := d.Free(b2); err != nil {
		t.Fatalf("free: %v", err)
	}
}

// TestPoolBestFit checks the smallest fitting slot wins.
func TestPoolBestFit(t *testing.T) {
	c := newTestContext(t, Config{Devices: 1})
	d := c.Device(0)

	big, _ := d.Alloc(100_000)
	small, _ := d.Alloc(1_000)
	d.Free(big)
	d.Free(small)

	b, _ := d.Alloc(512)
	if got := int64(cap(d.Bytes(b))); got >= 100_000 {
		t.Fatalf("512-byte request took the %d-byte slot", got)
	}
	d.Free(b)
}

// TestPoolOverflow fills the slot table and checks the overflow path
// allocates anyway and counts it.
func TestPoolOverflow(t *testing.T) {
	c := newTestContext(t, Config{Devices: 1, PoolSlots: 2})
	d := c.Device(0)

	b1, _ := d.Alloc(64)
	b2, _ := d.Alloc(64)
	b3, err := d.Alloc(64)
	if err != nil {
		t.Fatalf("overflow alloc: %v", err)
	}
	st := d.PoolStats()
	if st.Overflows != 1 {
		t.Fatalf("overflow count %d, want 1", st.Overflows)
	}
	// Freeing the overflow buffer must not register a slot.
	d.Free(b3)
	if st := d.PoolStats(); st.Slots != 2 {
		t.Fatalf("overflow free grew the table to %d slots", st.Slots)
	}
	d.Free(b1)
	d.Free(b2)
}

// TestStreamOrdering checks jobs on one stream run in submission order
// while the host observes the result after Synchronize.
func TestStreamOrdering(t *testing.T) {
	c := newTestContext(t, Config{Devices: 1})
	s := c.Device(0).Stream(3)

	var out []int
	for i := 0; i < 100; i++ {
		i := i
		s.Submit(func() { out = append(out, i) })
	}
	s.Synchronize()
	for i, v := range out {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
}

// TestEventOrdersStreams records an event on one stream and makes a
// second stream wait on it before reading what the first wrote.
func TestEventOrdersStreams(t *testing.T) {
	c := newTestContext(t, Config{Devices: 1})
	d := c.Device(0)

	var wrote bool
	var mu sync.Mutex
	d.Stream(1).Submit(func() {
		mu.Lock()
		wrote = true
		mu.Unlock()
	})
	ev := d.Record(1)
	if d.LastEvent(1) != ev {
		t.Fatal("event slot should hold the latest record")
	}

	ok := make(chan bool, 1)
	d.Stream(2).WaitFor(ev)
	d.Stream(2).Submit(func() {
		mu.Lock()
		ok <- wrote
		mu.Unlock()
	})
	if !<-ok {
		t.Fatal("stream 2 ran before stream 1's event")
	}
}

// TestUploadConstantOnce checks the constant cache builds each table once
// per device.
func TestUploadConstantOnce(t *testing.T) {
	c := newTestContext(t, Config{Devices: 2})
	builds := 0
	build := func() []byte {
		builds++
		return []byte{1, 2, 3, 4}
	}
	b1, err := c.Device(0).UploadConstant("grid", build)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	b2, _ := c.Device(0).UploadConstant("grid", build)
	if b1.ID != b2.ID {
		t.Fatal("second upload should return the cached buffer")
	}
	if builds != 1 {
		t.Fatalf("table built %d times on one device", builds)
	}
	// A second device gets its own copy.
	if _, err := c.Device(1).UploadConstant("grid", build); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if builds != 2 {
		t.Fatalf("table built %d times across two devices", builds)
	}
}

// TestClear zeroes live device bytes.
func TestClear(t *testing.T) {
	c := newTestContext(t, Config{Devices: 1})
	d := c.Device(0)
	b, _ := d.Alloc(128)
	if err := c.H2D(b, bytes.Repeat([]byte{0xAA}, 128), 0); err != nil {
		t.Fatalf("h2d: %v", err)
	}
	if err := c.Clear(b, 0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for i, v := range d.Bytes(b) {
		if v != 0 {
			t.Fatalf("byte %d is %#x after clear", i, v)
		}
	}
}

// TestFreeUnknown returns an error rather than panicking; a double free
// is a resource-handling bug the caller can surface.
func TestFreeUnknown(t *testing.T) {
	c := newTestContext(t, Config{Devices: 1})
	d := c.Device(0)
	b, _ := d.Alloc(16)
	if err := d.Free(b); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := d.Free(b); err == nil {
		t.Fatal("double free should error")
	}
}

// TestGPUMirrorStub pins the host-only build: no adapter is opened and
// every mirror hook is safe on the nil mirror the stub hands back.
func TestGPUMirrorStub(t *testing.T) {
	c := newTestContext(t, Config{Devices: 1})
	if c.gpu.active() {
		t.Fatal("host-only build reports an active adapter")
	}
	d := c.Device(0)
	b, err := d.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	c.gpu.write(b, make([]byte, 64))
	if err := d.Free(b); err != nil {
		t.Fatalf("free: %v", err)
	}
	c.gpu.close()
}
