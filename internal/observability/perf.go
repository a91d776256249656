package observability

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Perf event labels.
const (
	EventManifestRead = "manifest_read"
	EventSSTRead      = "sst_read"
	EventSort         = "sort"
)

// PerfEvent is a begin/end pair for a labelled phase.
type PerfEvent struct {
	Label string
	Begin time.Time
	End   time.Time
}

// Duration returns End-Begin, or zero for an open event.
func (e PerfEvent) Duration() time.Duration {
	if e.End.IsZero() {
		return 0
	}
	return e.End.Sub(e.Begin)
}

// PerfLog collects phase timings. The zero value is not usable; call
// NewPerfLog.
type PerfLog struct {
	mu     sync.Mutex
	now    func() time.Time
	open   map[string]time.Time
	events []PerfEvent
}

// NewPerfLog returns an empty log using the wall clock.
func NewPerfLog() *PerfLog {
	return &PerfLog{now: time.Now, open: make(map[string]time.Time)}
}

// Begin opens label. Reopening an open label restarts it.
func (p *PerfLog) Begin(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[label] = p.now()
}

// End closes label. Ending a label that was never begun is ignored.
func (p *PerfLog) End(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	begin, ok := p.open[label]
	if !ok {
		return
	}
	delete(p.open, label)
	p.events = append(p.events, PerfEvent{Label: label, Begin: begin, End: p.now()})
}

// Events returns the closed events in completion order.
func (p *PerfLog) Events() []PerfEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PerfEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Totals sums durations per label.
func (p *PerfLog) Totals() map[string]time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Duration)
	for _, e := range p.events {
		out[e.Label] += e.Duration()
	}
	return out
}

// PrintStats logs one line per label with its count and total time.
func (p *PerfLog) PrintStats(logger logrus.FieldLogger) {
	counts := make(map[string]int)
	for _, e := range p.Events() {
		counts[e.Label]++
	}
	for label, total := range p.Totals() {
		logger.WithFields(logrus.Fields{
			"action": "perf_stats",
			"event":  label,
			"count":  counts[label],
		}).Infof("%s: %s total", label, total.Round(time.Microsecond))
	}
}
