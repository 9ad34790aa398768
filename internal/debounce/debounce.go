package debounce

import (
	"log/slog"
	"sync"
	"time"

	"remote-access-service/internal/observability"
)

// Event is one device-originated telemetry frame.
type Event struct {
	DeviceID string         `json:"device_id"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink receives a flushed batch atomically. Passed at construction so the
// debouncer never reaches into shared mutable state.
type Sink interface {
	Flush(streamID string, events []Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(streamID string, events []Event)

func (f SinkFunc) Flush(streamID string, events []Event) { f(streamID, events) }

type buffer struct {
	events       []Event
	firstEventAt time.Time
	timer        *time.Timer
	gen          uint64
}

// Debouncer batches bursts of events per stream. A flush fires after a
// quiet period, but never later than maxDelay after the first buffered
// event, and immediately once the batch reaches maxBatch.
type Debouncer struct {
	sink     Sink
	enabled  bool
	delay    time.Duration
	maxDelay time.Duration
	maxBatch int

	mu      sync.Mutex
	buffers map[string]*buffer
	seq     uint64
	closed  bool
}

func New(sink Sink, enabled bool, delay, maxDelay time.Duration, maxBatch int) *Debouncer {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	if maxDelay < delay {
		maxDelay = 4 * delay
	}
	if maxBatch <= 0 {
		maxBatch = 5
	}
	return &Debouncer{
		sink:     sink,
		enabled:  enabled,
		delay:    delay,
		maxDelay: maxDelay,
		maxBatch: maxBatch,
		buffers:  map[string]*buffer{},
	}
}

// OnEvent buffers one event and (re)schedules the stream's flush.
func (d *Debouncer) OnEvent(streamID string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if !d.enabled {
		d.deliver(streamID, []Event{ev})
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	b, ok := d.buffers[streamID]
	now := time.Now()
	if !ok {
		b = &buffer{firstEventAt: now}
		d.buffers[streamID] = b
	}
	b.events = append(b.events, ev)

	if len(b.events) >= d.maxBatch {
		events := d.clearLocked(streamID, b)
		d.mu.Unlock()
		d.deliver(streamID, events)
		return
	}

	// Quiet-period timer, clamped so the first event never waits past
	// maxDelay no matter how long the burst runs.
	wait := d.delay
	if remaining := b.firstEventAt.Add(d.maxDelay).Sub(now); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	// Stamp each scheduling; a timer that already fired holds a stale
	// generation and its flush becomes a no-op instead of splitting the
	// freshly extended batch.
	d.seq++
	b.gen = d.seq
	gen := b.gen
	b.timer = time.AfterFunc(wait, func() { d.flush(streamID, gen) })
	d.mu.Unlock()
}

func (d *Debouncer) flush(streamID string, gen uint64) {
	d.mu.Lock()
	b, ok := d.buffers[streamID]
	if !ok || b.gen != gen {
		d.mu.Unlock()
		return
	}
	events := d.clearLocked(streamID, b)
	d.mu.Unlock()
	if len(events) > 0 {
		d.deliver(streamID, events)
	}
}

// clearLocked detaches the buffer; caller holds d.mu.
func (d *Debouncer) clearLocked(streamID string, b *buffer) []Event {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	events := b.events
	delete(d.buffers, streamID)
	return events
}

func (d *Debouncer) deliver(streamID string, events []Event) {
	observability.TelemetryFlushesTotal.Inc()
	slog.Debug("telemetry batch flushed", "stream_id", streamID, "events", len(events))
	d.sink.Flush(streamID, events)
}

// Close drains every outstanding buffer and rejects further events.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	type pending struct {
		streamID string
		events   []Event
	}
	var out []pending
	for id, b := range d.buffers {
		out = append(out, pending{streamID: id, events: d.clearLocked(id, b)})
	}
	d.mu.Unlock()

	for _, p := range out {
		if len(p.events) > 0 {
			d.deliver(p.streamID, p.events)
		}
	}
}
