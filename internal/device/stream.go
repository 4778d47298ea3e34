package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kilnml/kiln/internal/logger"
)

// Stream is an in-order command queue. Work submitted to one stream runs
// strictly in submission order; streams of the same device run
// concurrently, as on a real accelerator.
type Stream struct {
	dev  int
	id   int
	jobs chan func()
	done sync.WaitGroup
}

func newStream(dev, id int) *Stream {
	s := &Stream{dev: dev, id: id, jobs: make(chan func(), 64)}
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		for f := range s.jobs {
			f()
		}
	}()
	return s
}

// Submit enqueues f. It never blocks the stream's own worker, so a job
// must not submit to its own stream and wait.
func (s *Stream) Submit(f func()) {
	s.jobs <- f
}

// Synchronize blocks until everything submitted so far has run.
func (s *Stream) Synchronize() {
	fence := make(chan struct{})
	s.jobs <- func() { close(fence) }
	<-fence
}

func (s *Stream) close() {
	close(s.jobs)
	s.done.Wait()
}

// Event marks a point in a stream's work. Waiters block until every job
// submitted before Record has completed.
type Event struct {
	ch chan struct{}
}

// Synchronize blocks the host until the event fires.
func (e *Event) Synchronize() { <-e.ch }

// WaitFor makes this stream wait for ev before running later jobs.
func (s *Stream) WaitFor(ev *Event) {
	s.jobs <- func() { <-ev.ch }
}

// Device is one compute device: a fixed stream set, one event slot per
// stream, a buffer registry and the allocation pool.
type Device struct {
	index int
	log   logger.Logger

	streams []*Stream
	evMu    sync.Mutex
	events  []*Event // last recorded event per stream

	pool *pool

	bufMu   sync.Mutex
	buffers map[uuid.UUID]*allocation

	constMu   sync.Mutex
	constants map[string]Buffer

	gpu *gpuMirror
}

func newDevice(index, streams, poolSlots int, log logger.Logger, gpu *gpuMirror) (*Device, error) {
	d := &Device{
		index:     index,
		log:       log,
		events:    make([]*Event, streams),
		pool:      newPool(index, poolSlots, log),
		buffers:   make(map[uuid.UUID]*allocation),
		constants: make(map[string]Buffer),
		gpu:       gpu,
	}
	for i := 0; i < streams; i++ {
		d.streams = append(d.streams, newStream(index, i))
	}
	return d, nil
}

// Index returns the device's position in the context.
func (d *Device) Index() int { return d.index }

// Caps describes the device.
func (d *Device) Caps() Caps {
	return Caps{
		Name:      fmt.Sprintf("sim%d", d.index),
		Index:     d.index,
		Streams:   len(d.streams),
		Simulated: true,
	}
}

// StreamCount returns the fixed stream count.
func (d *Device) StreamCount() int { return len(d.streams) }

// Stream returns stream id; 0 is the default stream.
func (d *Device) Stream(id int) *Stream {
	if id < 0 || id >= len(d.streams) {
		panic(fmt.Sprintf("device %d: stream %d of %d", d.index, id, len(d.streams)))
	}
	return d.streams[id]
}

// Record captures an event on stream id, replacing the stream's slot.
func (d *Device) Record(id int) *Event {
	ev := &Event{ch: make(chan struct{})}
	d.Stream(id).Submit(func() { close(ev.ch) })
	d.evMu.Lock()
	d.events[id] = ev
	d.evMu.Unlock()
	return ev
}

// LastEvent returns the most recent event recorded on stream id, or nil.
func (d *Device) LastEvent(id int) *Event {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	return d.events[id]
}

// Synchronize drains every stream of the device.
func (d *Device) Synchronize() {
	for _, s := range d.streams {
		s.Synchronize()
	}
}

func (d *Device) close() {
	for _, s := range d.streams {
		s.close()
	}
	d.bufMu.Lock()
	held := len(d.buffers)
	d.buffers = map[uuid.UUID]*allocation{}
	d.bufMu.Unlock()
	if held > 0 {
		d.log.Warn("device closed with live buffers", "device", d.index, "buffers", held)
	}
}
