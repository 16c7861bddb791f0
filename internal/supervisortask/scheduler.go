package supervisortask

import (
	"container/heap"
	"time"
)

// schedEvent is one scheduled restart attempt.
// index is required for heap.Fix + O(log n) removals.
type schedEvent struct {
	name  string
	when  time.Time
	index int
}

// scheduler is a min-heap of pending restart attempts, keyed by task
// name. Adapted from this codebase's process manager scheduler (a
// generic id->time.Time heap used there for scheduled process starts);
// id is a task name here instead of a pid.
type scheduler struct {
	h       eventHeap
	entries map[string]*schedEvent
}

func newScheduler() *scheduler {
	h := eventHeap{}
	heap.Init(&h)
	return &scheduler{
		h:       h,
		entries: make(map[string]*schedEvent),
	}
}

// push schedules name to fire at when, replacing any pending schedule
// for the same name.
func (s *scheduler) push(name string, when time.Time) {
	if old, ok := s.entries[name]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, name)
	}

	ev := &schedEvent{name: name, when: when}
	s.entries[name] = ev
	heap.Push(&s.h, ev)
}

// next returns the soonest pending event without removing it.
func (s *scheduler) next() (name string, when time.Time, ok bool) {
	if len(s.h) == 0 {
		return "", time.Time{}, false
	}
	ev := s.h[0]
	return ev.name, ev.when, true
}

// pop removes the head event unconditionally.
func (s *scheduler) pop() {
	if len(s.h) == 0 {
		return
	}
	ev := heap.Pop(&s.h).(*schedEvent)
	delete(s.entries, ev.name)
}

// remove cancels the pending schedule for name, if any.
func (s *scheduler) remove(name string) {
	ev, ok := s.entries[name]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, name)
}

// --- heap internals ---------------------------------------------------

type eventHeap []*schedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	return h[i].when.Before(h[j].when)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*schedEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}
