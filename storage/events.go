package storage

import (
	"slices"

	"halbooking-notifier/pkg/notifier"
)

// Events is the in-memory record of every slot seen so far, keyed by id.
// It is owned by a single goroutine and is not safe for concurrent use.
type Events struct {
	byID map[string]notifier.Event
}

// NewEvents creates a store holding the given events.
func NewEvents(events ...notifier.Event) *Events {
	s := &Events{byID: make(map[string]notifier.Event, len(events))}
	for _, e := range events {
		s.byID[e.ID] = e
	}
	return s
}

func newEventsFromMap(m map[string]notifier.Event) *Events {
	if m == nil {
		m = make(map[string]notifier.Event)
	}
	return &Events{byID: m}
}

// Len returns the number of known events.
func (s *Events) Len() int {
	return len(s.byID)
}

// Get returns the event with the given id.
func (s *Events) Get(id string) (notifier.Event, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// IDs returns the set of known ids.
func (s *Events) IDs() notifier.IDSet {
	ids := make(notifier.IDSet, len(s.byID))
	for id := range s.byID {
		ids[id] = struct{}{}
	}
	return ids
}

// List returns all known events ordered by start time then id.
func (s *Events) List() []notifier.Event {
	out := make([]notifier.Event, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	notifier.SortEvents(out)
	return out
}

// Snapshot returns a copy of the id -> event mapping suitable for persisting.
func (s *Events) Snapshot() map[string]notifier.Event {
	out := make(map[string]notifier.Event, len(s.byID))
	for id, e := range s.byID {
		e.Details = slices.Clone(e.Details)
		out[id] = e
	}
	return out
}

// Merge folds a fetched snapshot into the store and returns the events whose id was not known.
// Known events only get their capacity refreshed. Nothing is ever removed.
func (s *Events) Merge(fetched []notifier.Event) []notifier.Event {
	var added []notifier.Event
	for _, e := range fetched {
		existing, ok := s.byID[e.ID]
		if !ok {
			s.byID[e.ID] = e
			added = append(added, e)
			continue
		}
		existing.Capacity = e.Capacity
		s.byID[e.ID] = existing
	}
	notifier.SortEvents(added)
	return added
}

// Modified returns the fetched events that are already known but whose descriptive fields
// (title, start, location) differ from the stored copy. Merge keeps the stored values.
func (s *Events) Modified(fetched []notifier.Event) []notifier.Event {
	var out []notifier.Event
	for _, e := range fetched {
		existing, ok := s.byID[e.ID]
		if !ok {
			continue
		}
		if existing.Title != e.Title || !existing.Start.Equal(e.Start) || existing.Location != e.Location {
			out = append(out, e)
		}
	}
	return out
}
