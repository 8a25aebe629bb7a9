// Package enumerator materializes the set of crash-candidate disk images
// implied by a serialized Recording: a snapshot plus an ordered trace of
// writes separated by flush barriers. It models a crash boundary where
// writes within a flush group are non-durable until the flush completes,
// so any proper-prefix reordering of the group may be what actually hit
// the medium.
package enumerator

import (
	"errors"
	"fmt"

	"github.com/oriys/nbdtrace/internal/recorder"
)

// ErrInvalidTrace is returned when a trace contains a non-write,
// non-flush entry (an echo), or a write whose offset/length violates the
// snapshot's bounds.
var ErrInvalidTrace = errors.New("enumerator: invalid trace")

// Generate returns every crash-candidate image implied by trace applied
// to snapshot, in yield order. snapshot is never mutated; the returned
// slices are independent copies.
func Generate(snapshot []byte, trace []recorder.Entry) ([][]byte, error) {
	sublists, err := partition(trace)
	if err != nil {
		return nil, err
	}

	size := uint64(len(snapshot))
	buf := make([]byte, len(snapshot))
	copy(buf, snapshot)

	var images [][]byte
	for _, sub := range sublists {
		for _, perm := range permutations(sub) {
			if len(perm) <= 1 {
				// Dropping the sole element of a singleton sublist
				// leaves an empty prefix; nothing to yield.
				continue
			}
			prefix := perm[:len(perm)-1]
			cand := make([]byte, len(buf))
			copy(cand, buf)
			if err := applyAll(cand, prefix, size); err != nil {
				return nil, err
			}
			images = append(images, cand)
		}

		if err := applyAll(buf, sub, size); err != nil {
			return nil, err
		}
		final := make([]byte, len(buf))
		copy(final, buf)
		images = append(images, final)
	}
	return images, nil
}

// partition splits trace at every flush entry into maximal sublists of
// non-flush entries, discarding empty sublists. An echo entry anywhere
// in trace is a malformed trace for this purpose.
func partition(trace []recorder.Entry) ([][]recorder.Entry, error) {
	var sublists [][]recorder.Entry
	var cur []recorder.Entry

	for i, e := range trace {
		switch e.Op {
		case recorder.OpFlush:
			if len(cur) > 0 {
				sublists = append(sublists, cur)
				cur = nil
			}
		case recorder.OpWrite:
			cur = append(cur, e)
		default:
			return nil, fmt.Errorf("%w: entry %d has op %q", ErrInvalidTrace, i, e.Op)
		}
	}
	if len(cur) > 0 {
		sublists = append(sublists, cur)
	}
	return sublists, nil
}

// applyAll applies each write entry in order to buf, in place.
func applyAll(buf []byte, entries []recorder.Entry, size uint64) error {
	for _, e := range entries {
		if err := apply(buf, e.Write, size); err != nil {
			return err
		}
	}
	return nil
}

// apply copies data into buf[offset:offset+len(data)], enforcing
// offset < size and offset+len(data) <= size. A zero-length write at
// offset == size would violate offset < size and is rejected, matching
// the invariant as specified.
func apply(buf []byte, w recorder.WriteArgs, size uint64) error {
	n := uint64(len(w.Data))
	if w.Offset >= size {
		return fmt.Errorf("%w: offset %d out of bounds (size %d)", ErrInvalidTrace, w.Offset, size)
	}
	end := w.Offset + n
	if end < w.Offset || end > size {
		return fmt.Errorf("%w: write at offset %d length %d exceeds size %d", ErrInvalidTrace, w.Offset, n, size)
	}
	copy(buf[w.Offset:end], w.Data)
	return nil
}

// permutations returns all n! orderings of entries. Distinct orderings
// that happen to apply the same bytes are NOT deduplicated; this is
// required by the crash model's contract (see the design notes on
// permutation-prefix counting), not an oversight.
func permutations(entries []recorder.Entry) [][]recorder.Entry {
	if len(entries) == 0 {
		return nil
	}
	items := make([]recorder.Entry, len(entries))
	copy(items, entries)

	var out [][]recorder.Entry
	var rec func(k int)
	rec = func(k int) {
		if k == len(items) {
			perm := make([]recorder.Entry, len(items))
			copy(perm, items)
			out = append(out, perm)
			return
		}
		for i := k; i < len(items); i++ {
			items[k], items[i] = items[i], items[k]
			rec(k + 1)
			items[k], items[i] = items[i], items[k]
		}
	}
	rec(0)
	return out
}
