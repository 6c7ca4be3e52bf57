// Package reconcile holds the merge rules shared by the conversation engine and the
// notification store: timestamp ordering, stale snapshot detection and id-based merging.
//
// All helpers are pure and operate on caller-owned slices.
package reconcile

import (
	"slices"
	"time"
)

// SortByTime orders items ascending by ts. Items with a zero timestamp sort last
// (they are writes not committed yet). Ties keep their input order.
func SortByTime[T any](items []T, ts func(T) time.Time) {
	slices.SortStableFunc(items, func(a, b T) int {
		return compareTime(ts(a), ts(b))
	})
}

// SortNewestFirst orders items descending by ts. Zero timestamps still sort last.
// Ties keep their input order.
func SortNewestFirst[T any](items []T, ts func(T) time.Time) {
	slices.SortStableFunc(items, func(a, b T) int {
		ta, tb := ts(a), ts(b)
		switch {
		case ta.IsZero() && tb.IsZero():
			return 0
		case ta.IsZero():
			return 1
		case tb.IsZero():
			return -1
		}
		return tb.Compare(ta)
	})
}

func compareTime(a, b time.Time) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	return a.Compare(b)
}

// MaxTime returns the latest non-zero timestamp in items (zero if none).
func MaxTime[T any](items []T, ts func(T) time.Time) time.Time {
	var out time.Time
	for _, it := range items {
		t := ts(it)
		if t.After(out) {
			out = t
		}
	}
	return out
}

// IsStale reports whether a snapshot whose newest timestamp is incoming must be discarded
// because the materialized view already reflects a newer one.
// An empty current view never makes a snapshot stale.
func IsStale(current, incoming time.Time) bool {
	if current.IsZero() {
		return false
	}
	return incoming.Before(current)
}

// MergeByID unions local and remote so every key appears once.
//
// Ordering: local items keep their order, remote-only items follow in remote order.
// For keys present on both sides, combine(local, remote) decides the kept value.
// Items with an empty key cannot be matched and are kept as they are.
// Duplicate keys within one side collapse to the first occurrence.
func MergeByID[T any](local, remote []T, key func(T) string, combine func(local, remote T) T) []T {
	out := make([]T, 0, len(local)+len(remote))
	pos := make(map[string]int, len(local)+len(remote))

	for _, it := range local {
		k := key(it)
		if k == "" {
			out = append(out, it)
			continue
		}
		if _, dup := pos[k]; dup {
			continue
		}
		pos[k] = len(out)
		out = append(out, it)
	}

	seenRemote := make(map[string]struct{}, len(remote))
	for _, it := range remote {
		k := key(it)
		if k == "" {
			out = append(out, it)
			continue
		}
		if _, dup := seenRemote[k]; dup {
			continue
		}
		seenRemote[k] = struct{}{}

		if i, ok := pos[k]; ok {
			if combine != nil {
				out[i] = combine(out[i], it)
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, it)
	}

	return out
}

// Contains reports whether any item has key k.
func Contains[T any](items []T, k string, key func(T) string) bool {
	if k == "" {
		return false
	}
	return slices.ContainsFunc(items, func(it T) bool { return key(it) == k })
}
