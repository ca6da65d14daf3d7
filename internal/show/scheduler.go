// Package show plays scripted cue lists against the renderer.
package show

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

// CueScheduler runs callbacks at engine-clock times.
//
// The director calls RunDue on every tick; callbacks scheduled at or before
// Now run in time order, ties in scheduling order.
type CueScheduler interface {
	// Schedule registers f to run at 'at' and returns an id for Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a pending callback. Unknown or already-run ids are a
	// no-op.
	Cancel(id string)

	// Now returns the scheduler clock time.
	Now() time.Time

	// RunDue runs every callback due at Now and returns how many ran.
	// Callbacks may schedule further callbacks; those that are already
	// due run in the same call.
	RunDue() int

	// Pending is the number of scheduled, uncancelled callbacks.
	Pending() int
}

type scheduledCue struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

type cueScheduler struct {
	clock timectrl.Clock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledCue // ordered by 'when' (earliest first)
	index   map[string]*scheduledCue
}

// NewCueScheduler creates a scheduler backed by clock.
func NewCueScheduler(clock timectrl.Clock) CueScheduler {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	return &cueScheduler{
		clock: clock,
		index: make(map[string]*scheduledCue),
	}
}

func (s *cueScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("cue-%d", s.counter)
	ev := &scheduledCue{id: id, when: at, f: f}

	// after any event at the same time, so ties keep scheduling order
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(at)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev

	s.index[id] = ev
	return id
}

func (s *cueScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	// removal from events is lazy; RunDue skips cancelled entries
	ev.cancelled = true
	delete(s.index, id)
}

func (s *cueScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *cueScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popDueLocked removes and returns the earliest due event, or nil.
func (s *cueScheduler) popDueLocked(now time.Time) *scheduledCue {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		return ev
	}
	return nil
}

func (s *cueScheduler) RunDue() int {
	now := s.clock.Now()
	ran := 0
	for {
		s.mu.Lock()
		ev := s.popDueLocked(now)
		if ev == nil {
			s.mu.Unlock()
			return ran
		}
		delete(s.index, ev.id)
		s.mu.Unlock()

		// outside the lock so callbacks can reschedule
		if ev.f != nil {
			ev.f()
		}
		ran++
	}
}
