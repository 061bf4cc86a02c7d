package notifier

import (
	"cmp"
	"slices"
)

// IDSet is a set of event ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from the given ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Diff returns every fetched event whose id is not in previous, ordered by start time then id.
// Only id membership matters: a known event with a changed capacity is never reported.
// When fetched holds the same id more than once, the copy that compares greatest wins, so the
// result does not depend on input order.
func Diff(previous IDSet, fetched []Event) []Event {
	byID := make(map[string]Event)
	for _, e := range fetched {
		if previous.Has(e.ID) {
			continue
		}
		if seen, ok := byID[e.ID]; ok && compareContent(seen, e) >= 0 {
			continue
		}
		byID[e.ID] = e
	}

	out := make([]Event, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	SortEvents(out)
	return out
}

func compareContent(a, b Event) int {
	return cmp.Or(
		a.Start.Compare(b.Start),
		cmp.Compare(a.Title, b.Title),
		cmp.Compare(a.Location, b.Location),
		cmp.Compare(a.Capacity, b.Capacity),
		slices.Compare(a.Details, b.Details),
	)
}

// SortEvents orders events ascending by start time, ties broken by id.
func SortEvents(events []Event) {
	slices.SortFunc(events, func(a, b Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
