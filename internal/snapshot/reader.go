package snapshot

import (
	"time"
)

// ReaderOption configures a Reader.
type ReaderOption[T any] func(*Reader[T])

// WithStaleAfter sets the staleness threshold. Zero means records never go
// stale.
func WithStaleAfter[T any](d time.Duration) ReaderOption[T] {
	return func(r *Reader[T]) { r.staleAfter = d }
}

// WithExtrapolation installs the function used by ReadLatest to advance a
// stale payload by the time elapsed since it was published.
func WithExtrapolation[T any](fn func(last T, elapsed time.Duration) T) ReaderOption[T] {
	return func(r *Reader[T]) { r.extrapolate = fn }
}

// Reader consumes records from an Exchange. A Reader must be used from one
// goroutine; each consumer gets its own.
type Reader[T any] struct {
	ex          *Exchange[T]
	staleAfter  time.Duration
	extrapolate func(T, time.Duration) T

	last   Record[T]
	have   bool
	closed bool

	reads  uint64
	stale  uint64
	misses uint64
}

// NewReader registers a reader. At most maxReaders readers may be open.
func (e *Exchange[T]) NewReader(opts ...ReaderOption[T]) (*Reader[T], error) {
	for {
		n := e.readers.Load()
		if n >= e.maxReaders {
			return nil, ErrTooManyReaders
		}
		if e.readers.CompareAndSwap(n, n+1) {
			break
		}
	}
	r := &Reader[T]{ex: e}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the reader's slot in the reader limit.
func (r *Reader[T]) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.ex.readers.Add(-1)
}

// Read returns a by-value copy of the latest record and its freshness
// relative to now. When the writer moves faster than the reader can pin a
// slot, the previous copy is returned; sequence numbers seen by one reader
// never decrease.
func (r *Reader[T]) Read(now time.Time) (Record[T], Freshness) {
	r.reads++
	r.fetch()
	if !r.have {
		return Record[T]{}, Empty
	}
	if r.staleAfter > 0 && now.Sub(r.last.Timestamp) > r.staleAfter {
		r.stale++
		return r.last, Stale
	}
	return r.last, Fresh
}

// ReadLatest returns the payload to use at now. A stale payload is passed
// through the extrapolation function when one is installed. The boolean is
// false only when nothing has been published.
func (r *Reader[T]) ReadLatest(now time.Time) (T, Freshness, bool) {
	rec, f := r.Read(now)
	switch f {
	case Empty:
		var zero T
		return zero, Empty, false
	case Stale:
		if r.extrapolate != nil {
			return r.extrapolate(rec.Payload, now.Sub(rec.Timestamp)), Stale, true
		}
	}
	return rec.Payload, f, true
}

// Stats reports reads, stale reads and contended reads that fell back to
// the previous copy.
func (r *Reader[T]) Stats() (reads, stale, misses uint64) {
	return r.reads, r.stale, r.misses
}

func (r *Reader[T]) fetch() {
	e := r.ex
	for attempt := 0; attempt < pinRetries; attempt++ {
		i := e.latest.Load()
		if i < 0 {
			return
		}
		s := &e.slots[i]
		s.pins.Add(1)
		if e.latest.Load() != i {
			s.pins.Add(-1)
			continue
		}
		if !r.have || s.rec.Seq >= r.last.Seq {
			r.last = s.rec
			r.have = true
		}
		s.pins.Add(-1)
		return
	}
	r.misses++
}
