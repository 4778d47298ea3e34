package device

import (
	"runtime"
	"sync/atomic"

	"github.com/kilnml/kiln/internal/logger"
)

// defaultPoolSlots caps the slot table. The table is a fixed array, not a
// growable list; the hot path is a linear best-fit scan under a spin lock,
// so the cap also bounds the scan.
const defaultPoolSlots = 256

// allocMargin over-allocates fresh slots by 5%, rounded up to 256 bytes,
// so slightly-larger follow-up requests reuse the slot instead of missing.
func allocMargin(size int64) int64 {
	size += size / 20
	return (size + 255) &^ 255
}

// spinLock is a minimal test-and-set lock. Pool operations are short and
// never block, so spinning beats parking the goroutine.
type spinLock struct{ v atomic.Uint32 }

func (l *spinLock) lock() {
	for !l.v.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) unlock() { l.v.Store(0) }

type poolSlot struct {
	buf  []byte
	used bool
}

// PoolStats is a snapshot of one device pool's counters.
type PoolStats struct {
	Device     int   `json:"device"`
	Slots      int   `json:"slots"`
	SlotsInUse int   `json:"slots_in_use"`
	HeldBytes  int64 `json:"held_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Overflows  int64 `json:"overflows"`
}

type pool struct {
	dev      int
	log      logger.Logger
	maxSlots int

	lk    spinLock
	slots []poolSlot

	hits      atomic.Int64
	misses    atomic.Int64
	overflows atomic.Int64
}

func newPool(dev, maxSlots int, log logger.Logger) *pool {
	if maxSlots == 0 {
		maxSlots = defaultPoolSlots
	}
	return &pool{dev: dev, log: log, maxSlots: maxSlots}
}

// alloc returns a buffer of at least size bytes and the owning slot
// index, or -1 for an untracked overflow allocation.
func (p *pool) alloc(size int64) ([]byte, int) {
	p.lk.lock()
	best := -1
	for i := range p.slots {
		s := &p.slots[i]
		if s.used || int64(cap(s.buf)) < size {
			continue
		}
		if best < 0 || cap(s.buf) < cap(p.slots[best].buf) {
			best = i
		}
	}
	if best >= 0 {
		s := &p.slots[best]
		s.used = true
		buf := s.buf[:size]
		p.lk.unlock()
		p.hits.Add(1)
		return buf, best
	}
	if len(p.slots) < p.maxSlots {
		idx := len(p.slots)
		buf := make([]byte, size, allocMargin(size))
		p.slots = append(p.slots, poolSlot{buf: buf[:cap(buf)], used: true})
		p.lk.unlock()
		p.misses.Add(1)
		return buf, idx
	}
	p.lk.unlock()
	p.misses.Add(1)
	p.overflows.Add(1)
	p.log.Warn("pool slot table full, allocation will not be reused",
		"device", p.dev, "bytes", size)
	return make([]byte, size), -1
}

// free releases a slot back to the pool. Overflow allocations (slot < 0)
// are simply dropped.
func (p *pool) free(slot int) {
	if slot < 0 {
		return
	}
	p.lk.lock()
	p.slots[slot].used = false
	p.lk.unlock()
}

func (p *pool) stats() PoolStats {
	st := PoolStats{
		Device:    p.dev,
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Overflows: p.overflows.Load(),
	}
	p.lk.lock()
	st.Slots = len(p.slots)
	for i := range p.slots {
		st.HeldBytes += int64(cap(p.slots[i].buf))
		if p.slots[i].used {
			st.SlotsInUse++
		}
	}
	p.lk.unlock()
	return st
}
