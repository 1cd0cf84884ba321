package polling

import (
	"sort"
	"sync"
	"time"
)

// Record is one stored sampling outcome: a value or an error.
type Record struct {
	When  time.Time
	Value any
	Err   error
}

// Ring is a bounded history. Inserting into a full ring evicts the oldest
// record.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Ring struct {
	mu   sync.RWMutex
	buf  []Record
	head int // index of the oldest record
	n    int
}

// NewRing creates a ring holding at most depth records. Depth below one is
// raised to one.
func NewRing(depth int) *Ring {
	if depth < 1 {
		depth = 1
	}
	return &Ring{buf: make([]Record, depth)}
}

// Depth returns the capacity.
func (r *Ring) Depth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

// Len returns the number of stored records.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Insert appends rec as the newest record.
func (r *Ring) Insert(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(rec)
}

// Merge adds recs to the stored records and reorders the ring by time,
// keeping the newest records that fit. Records with equal timestamps keep
// stored records ahead of merged ones.
func (r *Ring) Merge(recs []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	depth := len(r.buf)
	all := make([]Record, 0, r.n+len(recs))
	for i := 0; i < r.n; i++ {
		all = append(all, r.buf[(r.head+i)%depth])
	}
	all = append(all, recs...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].When.Before(all[j].When) })
	if len(all) > depth {
		all = all[len(all)-depth:]
	}

	clear(r.buf)
	copy(r.buf, all)
	r.head = 0
	r.n = len(all)
}

func (r *Ring) insertLocked(rec Record) {
	depth := len(r.buf)
	if r.n < depth {
		r.buf[(r.head+r.n)%depth] = rec
		r.n++
		return
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % depth
}

// Records returns every stored record, oldest first.
func (r *Ring) Records() []Record {
	return r.Latest(0)
}

// Latest returns the newest n records, oldest first. n <= 0 returns all.
func (r *Ring) Latest(n int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]Record, n)
	depth := len(r.buf)
	start := r.head + r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%depth]
	}
	return out
}

// Last returns the newest record.
func (r *Ring) Last() (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.n == 0 {
		return Record{}, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// Resize changes the capacity, keeping the newest records that fit.
func (r *Ring) Resize(depth int) {
	if depth < 1 {
		depth = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := r.n
	if keep > depth {
		keep = depth
	}
	buf := make([]Record, depth)
	old := len(r.buf)
	start := r.head + r.n - keep
	for i := 0; i < keep; i++ {
		buf[i] = r.buf[(start+i)%old]
	}
	r.buf = buf
	r.head = 0
	r.n = keep
}

// Deltas returns the intervals between consecutive stored records, oldest
// first.
func (r *Ring) Deltas() []time.Duration {
	recs := r.Records()
	if len(recs) < 2 {
		return nil
	}
	out := make([]time.Duration, 0, len(recs)-1)
	for i := 1; i < len(recs); i++ {
		out = append(out, recs[i].When.Sub(recs[i-1].When))
	}
	return out
}
