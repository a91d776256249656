// Package tracker counts completed tasks for a fan-out/fan-in barrier and
// records per-task I/O and decode timings.
package tracker

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/env"
)

// Clock supplies microsecond timestamps.
type Clock interface {
	NowMicros() uint64
}

var _ Clock = env.Posix{}

// record holds the timestamps of one task.
type record struct {
	worker int
	begin  uint64
	io     uint64
	done   uint64

	ioDone   bool
	finished bool
}

// TaskTracker is safe for concurrent use by workers and one waiter.
type TaskTracker struct {
	clock  Clock
	logger logrus.FieldLogger

	// PollInterval is how often a waiting caller re-checks the count.
	PollInterval time.Duration
	// ReportInterval is how often a waiting caller logs progress.
	ReportInterval time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	completed int
	records   map[int]*record
	rng       *rand.Rand
}

// New returns an empty tracker.
func New(clock Clock, logger logrus.FieldLogger) *TaskTracker {
	t := &TaskTracker{
		clock:          clock,
		logger:         logger,
		PollInterval:   time.Millisecond,
		ReportInterval: time.Second,
		records:        make(map[int]*record),
		rng:            rand.New(rand.NewSource(int64(clock.NowMicros()) + 1)),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Reset clears the completion count and all timing records.
func (t *TaskTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = 0
	t.records = make(map[int]*record)
}

// MarkBegin registers a task started by workerID and returns its id. Ids are
// never 0.
func (t *TaskTracker) MarkBegin(workerID int) int {
	now := t.clock.NowMicros()
	t.mu.Lock()
	defer t.mu.Unlock()

	id := 0
	for id == 0 || t.records[id] != nil {
		id = t.rng.Intn(math.MaxInt32)
	}
	t.records[id] = &record{worker: workerID, begin: now}
	return id
}

// MarkIOCompleted records the end of the task's I/O phase.
func (t *TaskTracker) MarkIOCompleted(id int) {
	now := t.clock.NowMicros()
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.records[id]; rec != nil {
		rec.io = now
		rec.ioDone = true
	}
}

// MarkCompleted counts one finished task and wakes the waiter. An id of 0
// counts without recording a timestamp.
func (t *TaskTracker) MarkCompleted(id int) {
	now := t.clock.NowMicros()
	t.mu.Lock()
	if rec := t.records[id]; id != 0 && rec != nil {
		rec.done = now
		rec.finished = true
	}
	t.completed++
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Completed returns the number of tasks counted since the last Reset.
func (t *TaskTracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// WaitUntilCompleted blocks until at least n tasks have completed.
func (t *TaskTracker) WaitUntilCompleted(n int) {
	stop := make(chan struct{})
	defer close(stop)
	go t.poke(stop)

	start := time.Now()
	lastReport := start

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.completed < n {
		t.cond.Wait()
		if since := time.Since(lastReport); since >= t.ReportInterval {
			lastReport = time.Now()
			t.logger.WithField("action", "task_wait").
				Debugf("%d/%d tasks completed after %s", t.completed, n, time.Since(start).Round(time.Millisecond))
		}
	}
}

// poke broadcasts periodically so a waiter never sleeps through a missed
// signal.
func (t *TaskTracker) poke(stop <-chan struct{}) {
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.cond.Broadcast()
		}
	}
}

// Stat is the sum, mean and standard deviation of a duration sample, in
// microseconds.
type Stat struct {
	Count int
	Sum   float64
	Mean  float64
	Std   float64
}

// TimeStats summarizes the recorded tasks.
type TimeStats struct {
	IO     Stat
	Decode Stat
	// WorkerBusy is the total begin-to-done time per worker, in microseconds.
	WorkerBusy map[int]uint64
}

// AnalyzeTimes summarizes every task that reached MarkCompleted. Tasks that
// failed before MarkIOCompleted contribute to neither sample.
func (t *TaskTracker) AnalyzeTimes() TimeStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ioTimes, decodeTimes []float64
	busy := make(map[int]uint64)
	for _, rec := range t.records {
		if !rec.finished {
			continue
		}
		busy[rec.worker] += rec.done - rec.begin
		if !rec.ioDone {
			continue
		}
		ioTimes = append(ioTimes, float64(rec.io-rec.begin))
		decodeTimes = append(decodeTimes, float64(rec.done-rec.io))
	}
	return TimeStats{IO: summarize(ioTimes), Decode: summarize(decodeTimes), WorkerBusy: busy}
}

func summarize(xs []float64) Stat {
	s := Stat{Count: len(xs)}
	if len(xs) == 0 {
		return s
	}
	for _, x := range xs {
		s.Sum += x
	}
	s.Mean = s.Sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - s.Mean) * (x - s.Mean)
	}
	s.Std = math.Sqrt(sq / float64(len(xs)))
	return s
}
