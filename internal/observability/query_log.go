// Package observability records per-query statistics and coarse performance
// events for the range reader.
package observability

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueryLogHeader is the first line written to a query log.
const QueryLogHeader = "session,dir,epoch,min,max,sst_sel,key_sel,matched,elapsed_us"

// QueryRecord is one executed range query.
type QueryRecord struct {
	Session   string
	Dir       string
	Epoch     int
	Min       float32
	Max       float32
	SSTSel    float64
	KeySel    float64
	Matched   int
	Elapsed   time.Duration
	Timestamp time.Time
}

// CSV formats the record as one query log line.
func (r QueryRecord) CSV() string {
	return fmt.Sprintf("%s,%s,%d,%g,%g,%.6f,%.6f,%d,%d",
		r.Session, r.Dir, r.Epoch, r.Min, r.Max, r.SSTSel, r.KeySel, r.Matched, r.Elapsed.Microseconds())
}

// QueryLog keeps the history of one session and optionally appends each
// record to w as CSV.
type QueryLog struct {
	mu      sync.RWMutex
	session string
	w       io.Writer
	wroteHd bool
	history []QueryRecord
}

// NewQueryLog starts a session with a fresh id. w may be nil.
func NewQueryLog(w io.Writer) *QueryLog {
	return &QueryLog{session: uuid.NewString(), w: w}
}

// Session returns the session id stamped on every record.
func (q *QueryLog) Session() string { return q.session }

// Record stamps r with the session id and stores it. The write error, if
// any, is returned after the record has been kept in memory.
func (q *QueryLog) Record(r QueryRecord) error {
	r.Session = q.session
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.history = append(q.history, r)
	if q.w == nil {
		return nil
	}
	if !q.wroteHd {
		if _, err := fmt.Fprintln(q.w, QueryLogHeader); err != nil {
			return err
		}
		q.wroteHd = true
	}
	_, err := fmt.Fprintln(q.w, r.CSV())
	return err
}

// History returns a copy of every record in insertion order.
func (q *QueryLog) History() []QueryRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]QueryRecord, len(q.history))
	copy(out, q.history)
	return out
}

// Slowest returns up to n records ordered by elapsed time, longest first.
func (q *QueryLog) Slowest(n int) []QueryRecord {
	if n <= 0 {
		return []QueryRecord{}
	}
	out := q.History()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Elapsed > out[j].Elapsed })
	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Summary aggregates a session.
type Summary struct {
	Queries      int
	TotalMatched int
	MeanSSTSel   float64
	MeanKeySel   float64
	TotalElapsed time.Duration
}

// Summarize aggregates every record of the session.
func (q *QueryLog) Summarize() Summary {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Summary
	for _, r := range q.history {
		s.Queries++
		s.TotalMatched += r.Matched
		s.MeanSSTSel += r.SSTSel
		s.MeanKeySel += r.KeySel
		s.TotalElapsed += r.Elapsed
	}
	if s.Queries > 0 {
		s.MeanSSTSel /= float64(s.Queries)
		s.MeanKeySel /= float64(s.Queries)
	}
	return s
}
