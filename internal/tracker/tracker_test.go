package tracker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangescan/rangescan/internal/env"
)

type fakeClock struct{ now atomic.Uint64 }

func (c *fakeClock) NowMicros() uint64 { return c.now.Load() }
func (c *fakeClock) advance(d uint64) { c.now.Add(d) }

func TestTaskTracker_Timings(t *testing.T) {
	clock := &fakeClock{}
	logger, _ := logtest.NewNullLogger()
	tr := New(clock, logger)

	clock.advance(100)
	a := tr.MarkBegin(1)
	b := tr.MarkBegin(2)
	require.NotEqual(t, a, b)
	require.NotZero(t, a)

	clock.advance(10)
	tr.MarkIOCompleted(a)
	clock.advance(20)
	tr.MarkIOCompleted(b)
	clock.advance(30)
	tr.MarkCompleted(a)
	tr.MarkCompleted(b)

	stats := tr.AnalyzeTimes()
	assert.Equal(t, 2, stats.IO.Count)
	assert.Equal(t, 40.0, stats.IO.Sum)
	assert.Equal(t, 20.0, stats.IO.Mean)
	assert.Equal(t, 10.0, stats.IO.Std)
	assert.Equal(t, 80.0, stats.Decode.Sum)
	assert.Equal(t, uint64(60), stats.WorkerBusy[1])
	assert.Equal(t, uint64(60), stats.WorkerBusy[2])
	assert.Equal(t, 2, tr.Completed())
}

func TestTaskTracker_FailedTaskSkipsIOSample(t *testing.T) {
	clock := &fakeClock{}
	logger, _ := logtest.NewNullLogger()
	tr := New(clock, logger)

	id := tr.MarkBegin(0)
	clock.advance(5)
	tr.MarkCompleted(id)
	tr.MarkCompleted(0)

	stats := tr.AnalyzeTimes()
	assert.Equal(t, 0, stats.IO.Count)
	assert.Equal(t, uint64(5), stats.WorkerBusy[0])
	assert.Equal(t, 2, tr.Completed())

	tr.Reset()
	assert.Equal(t, 0, tr.Completed())
	assert.Empty(t, tr.AnalyzeTimes().WorkerBusy)
}

func TestTaskTracker_WaitUntilCompleted(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	tr := New(env.Default(), logger)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			id := tr.MarkBegin(worker)
			tr.MarkIOCompleted(id)
			tr.MarkCompleted(id)
		}(i % 4)
	}

	done := make(chan struct{})
	go func() {
		tr.WaitUntilCompleted(n)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitUntilCompleted did not return")
	}
	wg.Wait()
	assert.Equal(t, n, tr.AnalyzeTimes().IO.Count)
}

func TestTaskTracker_WaitZeroReturnsImmediately(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	tr := New(env.Default(), logger)
	tr.WaitUntilCompleted(0)
}
