package logmux

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Paintersrp/pipewait/internal/engine"
	"github.com/Paintersrp/pipewait/internal/runtime"
)

// Mux fans in supervisor events and delivers them via a bounded channel. Log
// events are dropped when downstream consumers cannot keep up; the mux then
// emits a synthesized warning event with the number of discarded entries.
// Lifecycle events are never dropped.
type Mux struct {
	out chan engine.Event

	mu     sync.Mutex
	drops  map[string]dropRecord
	inputs sync.WaitGroup

	dropped atomic.Int64
}

type dropRecord struct {
	count int
	runID string
	pid   int
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan engine.Event, size),
		drops: make(map[string]dropRecord),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan engine.Event {
	return m.out
}

// Add registers a new source channel. The mux consumes events until the
// source channel is closed.
func (m *Mux) Add(source <-chan engine.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			if evt.Type != engine.EventTypeLog {
				m.deliverLifecycle(evt)
				continue
			}
			m.deliver(normalize(evt))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(evt engine.Event) {
	if !m.flushPending(evt.Process) {
		m.recordDrop(evt)
		return
	}
	if m.trySend(evt) {
		return
	}
	m.recordDrop(evt)
}

// deliverLifecycle reports pending drops first so the summary precedes the
// state change that follows it.
func (m *Mux) deliverLifecycle(evt engine.Event) {
	if rec := m.takeDrops(evt.Process); rec.count != 0 {
		m.blockingSend(synthesizeDropEvent(evt.Process, rec))
	}
	m.blockingSend(evt)
}

func (m *Mux) flushPending(process string) bool {
	for {
		rec := m.takeDrops(process)
		if rec.count == 0 {
			return true
		}
		meta := synthesizeDropEvent(process, rec)
		if m.trySend(meta) {
			continue
		}
		m.recordDropWithCount(process, rec)
		return false
	}
}

func (m *Mux) takeDrops(process string) dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[process]
	if rec.count != 0 {
		delete(m.drops, process)
	}
	return rec
}

// Dropped reports how many log events the mux discarded in total.
func (m *Mux) Dropped() int {
	return int(m.dropped.Load())
}

func (m *Mux) recordDrop(evt engine.Event) {
	m.dropped.Add(1)
	m.recordDropWithCount(evt.Process, dropRecord{count: 1, runID: evt.RunID, pid: evt.PID})
}

func (m *Mux) recordDropWithCount(process string, add dropRecord) {
	if add.count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[process]
	rec.count += add.count
	if add.pid != 0 || rec.pid == 0 {
		rec.pid = add.pid
	}
	if add.runID != "" {
		rec.runID = add.runID
	}
	m.drops[process] = rec
}

func (m *Mux) flushDrops() {
	pending := m.collectDrops()
	for process, rec := range pending {
		m.blockingSend(synthesizeDropEvent(process, rec))
	}
}

func (m *Mux) collectDrops() map[string]dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]dropRecord, len(m.drops))
	for process, rec := range m.drops {
		if rec.count == 0 {
			continue
		}
		dup[process] = rec
	}
	m.drops = make(map[string]dropRecord)
	return dup
}

func (m *Mux) trySend(evt engine.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func (m *Mux) blockingSend(evt engine.Event) {
	m.out <- evt
}

func normalize(evt engine.Event) engine.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		evt.Source = runtime.LogSourceStderr
	}
	if evt.Level == "" {
		if evt.Source == runtime.LogSourceStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func synthesizeDropEvent(process string, rec dropRecord) engine.Event {
	return engine.Event{
		Timestamp: time.Now(),
		RunID:     rec.runID,
		Process:   process,
		PID:       rec.pid,
		Type:      engine.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", rec.count),
		Level:     "warn",
		Source:    runtime.LogSourceSystem,
		ExitCode:  -1,
	}
}
