// Package timers keeps the armed timers of one executor ordered by deadline.
// Deadlines advance by exactly one period per firing, so a timer armed at t
// with period p is due at t+p, t+2p, ... no matter how late it was run.
package timers

import (
	"container/heap"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"

	errspkg "github.com/drblury/spinflow/internal/runtime/errors"
)

// Handle refers to one armed timer.
type Handle[T any] struct {
	value    T
	seq      uint64
	period   time.Duration
	armedAt  time.Time
	deadline time.Time
	fired    uint64
	index    int
	active   bool
}

// Value returns what was armed.
func (h *Handle[T]) Value() T { return h.value }

// Period returns the firing period, or 0 for a one-shot timer.
func (h *Handle[T]) Period() time.Duration { return h.period }

// ArmedAt returns the reference instant deadlines are computed from.
func (h *Handle[T]) ArmedAt() time.Time { return h.armedAt }

// Fired is one due timer returned by Poll.
type Fired[T any] struct {
	Handle *Handle[T]
	// Deadline is the scheduled instant of this firing.
	Deadline time.Time
	// Count is the 1-based firing number.
	Count uint64
}

// Value is shorthand for f.Handle.Value().
func (f Fired[T]) Value() T { return f.Handle.value }

// Service is safe for concurrent use.
type Service[T any] struct {
	clock clock.Clock

	mu    sync.Mutex
	seq   uint64
	queue timerHeap[T]
}

// New returns a Service reading the current time from clk (a real clock when nil).
func New[T any](clk clock.Clock) *Service[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Service[T]{clock: clk}
}

// Arm schedules value every period, first one period from now.
func (s *Service[T]) Arm(period time.Duration, value T) (*Handle[T], error) {
	return s.ArmAt(s.clock.Now(), period, value)
}

// ArmAt schedules value every period, first at start+period.
func (s *Service[T]) ArmAt(start time.Time, period time.Duration, value T) (*Handle[T], error) {
	if period <= 0 {
		return nil, errspkg.ErrInvalidPeriod
	}
	return s.push(start, period, start.Add(period), value), nil
}

// ArmOnce schedules value a single time, delay from now. A non-positive delay
// makes it due on the next poll.
func (s *Service[T]) ArmOnce(delay time.Duration, value T) *Handle[T] {
	if delay < 0 {
		delay = 0
	}
	now := s.clock.Now()
	return s.push(now, 0, now.Add(delay), value)
}

func (s *Service[T]) push(armedAt time.Time, period time.Duration, deadline time.Time, value T) *Handle[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	h := &Handle[T]{
		value:    value,
		seq:      s.seq,
		period:   period,
		armedAt:  armedAt,
		deadline: deadline,
		active:   true,
	}
	heap.Push(&s.queue, h)
	return h
}

// Cancel stops future firings. It returns false if h was not armed here or
// has already been cancelled or completed.
func (s *Service[T]) Cancel(h *Handle[T]) bool {
	if h == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !h.active || h.index < 0 || h.index >= len(s.queue) || s.queue[h.index] != h {
		return false
	}
	heap.Remove(&s.queue, h.index)
	h.active = false
	return true
}

// Active reports whether h is still scheduled.
func (s *Service[T]) Active(h *Handle[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h != nil && h.active
}

// Poll returns every timer whose deadline is at or before now, ordered by
// deadline and then by arming order. Each timer fires at most once per poll;
// periodic timers are re-armed at deadline+period, one-shot timers are retired.
func (s *Service[T]) Poll(now time.Time) []Fired[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []Fired[T]
	for len(s.queue) > 0 && !s.queue[0].deadline.After(now) {
		h := heap.Pop(&s.queue).(*Handle[T])
		h.fired++
		fired = append(fired, Fired[T]{Handle: h, Deadline: h.deadline, Count: h.fired})
	}

	for _, f := range fired {
		h := f.Handle
		if h.period == 0 {
			h.active = false
			continue
		}
		h.deadline = h.deadline.Add(h.period)
		heap.Push(&s.queue, h)
	}
	return fired
}

// Next returns the earliest pending deadline.
func (s *Service[T]) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].deadline, true
}

// Len returns the number of armed timers.
func (s *Service[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type timerHeap[T any] []*Handle[T]

func (q timerHeap[T]) Len() int { return len(q) }

func (q timerHeap[T]) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q timerHeap[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerHeap[T]) Push(x any) {
	h := x.(*Handle[T])
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *timerHeap[T]) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.index = -1
	*q = old[:n-1]
	return h
}
