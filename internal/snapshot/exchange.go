// Package snapshot hands immutable records from one producer to any number
// of differently-clocked consumers without either side blocking.
//
// An Exchange owns maxReaders+2 slots. The writer fills a slot that is
// neither the published one nor pinned by a reader, then atomically swaps
// the latest index. A reader pins the latest slot by incrementing its
// reader count, re-checks that the slot is still latest, copies the record
// by value and unpins. A slot whose count is non-zero is never written, so
// reads are never torn. With at most maxReaders pins outstanding and one
// latest slot there is always at least one free slot for the writer.
package snapshot

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

var (
	// ErrWriterClaimed is returned when a second writer is requested.
	ErrWriterClaimed = errors.New("snapshot: writer already claimed")
	// ErrTooManyReaders is returned when the reader limit is reached.
	ErrTooManyReaders = errors.New("snapshot: reader limit reached")
	// ErrInvalidReaders is returned for a non-positive reader limit.
	ErrInvalidReaders = errors.New("snapshot: max readers must be positive")
)

// pinRetries bounds how often a reader re-pins while the writer keeps
// moving the latest index underneath it.
const pinRetries = 8

// Record is one published snapshot.
type Record[T any] struct {
	Seq       uint64
	Timestamp time.Time
	Payload   T
}

// Freshness classifies a read.
type Freshness uint8

const (
	// Empty means nothing has been published yet.
	Empty Freshness = iota
	// Fresh means the record is within the staleness threshold.
	Fresh
	// Stale means the record is older than the staleness threshold.
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "empty"
	}
}

type slot[T any] struct {
	pins atomic.Int32
	rec  Record[T]
	_    [40]byte
}

// Exchange is a single-writer, multi-reader snapshot channel.
type Exchange[T any] struct {
	slots      []slot[T]
	latest     atomic.Int32
	maxReaders int32
	readers    atomic.Int32
	claimed    atomic.Bool
	published  atomic.Uint64
	clock      timectrl.Clock
}

// Option configures an Exchange.
type Option func(*options)

type options struct {
	clock timectrl.Clock
}

// WithClock sets the clock used to stamp publishes.
func WithClock(c timectrl.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New constructs an exchange that supports up to maxReaders concurrent
// readers.
func New[T any](maxReaders int, opts ...Option) (*Exchange[T], error) {
	if maxReaders <= 0 {
		return nil, ErrInvalidReaders
	}
	o := options{clock: timectrl.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	e := &Exchange[T]{
		slots:      make([]slot[T], maxReaders+2),
		maxReaders: int32(maxReaders),
		clock:      o.clock,
	}
	e.latest.Store(-1)
	return e, nil
}

// Published returns the number of records published so far.
func (e *Exchange[T]) Published() uint64 { return e.published.Load() }

// Writer claims the single writer of the exchange.
func (e *Exchange[T]) Writer() (*Writer[T], error) {
	if !e.claimed.CompareAndSwap(false, true) {
		return nil, ErrWriterClaimed
	}
	return &Writer[T]{ex: e}, nil
}

// Writer publishes records. It must be used from one goroutine.
type Writer[T any] struct {
	ex      *Exchange[T]
	seq     uint64
	pending int32
}

// Publish copies payload into a free slot, stamps it with the exchange
// clock and makes it the latest record. It returns the sequence number.
func (w *Writer[T]) Publish(payload T) uint64 {
	return w.PublishAt(w.ex.clock.Now(), payload)
}

// PublishAt is Publish with an explicit timestamp.
func (w *Writer[T]) PublishAt(ts time.Time, payload T) uint64 {
	s := w.claim()
	w.seq++
	s.rec.Seq = w.seq
	s.rec.Timestamp = ts
	s.rec.Payload = payload
	return w.commit(s)
}

// PublishFunc lets fill write the payload in place, avoiding a copy of
// large payloads. fill must not retain the pointer.
func (w *Writer[T]) PublishFunc(fill func(*T)) uint64 {
	s := w.claim()
	w.seq++
	s.rec.Seq = w.seq
	s.rec.Timestamp = w.ex.clock.Now()
	fill(&s.rec.Payload)
	return w.commit(s)
}

func (w *Writer[T]) claim() *slot[T] {
	e := w.ex
	n := int32(len(e.slots))
	latest := e.latest.Load()
	start := latest + 1
	if start < 0 {
		start = 0
	}
	// A free slot always exists; the outer loop only repeats while
	// readers that are about to back off still hold transient pins.
	for {
		for k := int32(0); k < n; k++ {
			i := (start + k) % n
			if i == latest {
				continue
			}
			if e.slots[i].pins.Load() == 0 {
				w.pending = i
				return &e.slots[i]
			}
		}
	}
}

func (w *Writer[T]) commit(s *slot[T]) uint64 {
	w.ex.latest.Store(w.pending)
	w.ex.published.Add(1)
	return s.rec.Seq
}
