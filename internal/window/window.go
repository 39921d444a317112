// Package window partitions an inclusive sequence ID range into contiguous,
// fixed-size windows and derives their storage keys.
package window

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrPrecondition is returned when a partition request is malformed.
var ErrPrecondition = errors.New("partition precondition violated")

// SequenceID identifies one record in the remote dataset's total order.
type SequenceID = uint64

// MaxSequenceID is the largest ID a ten-digit key can hold. Larger IDs would
// widen the key and break its lexical order.
const MaxSequenceID SequenceID = 9_999_999_999

// Window is a closed range of sequence IDs processed as one unit.
type Window struct {
	From SequenceID
	To   SequenceID
}

// Size returns the number of IDs covered by the window.
func (w Window) Size() uint64 {
	return w.To - w.From + 1
}

// Key returns the storage key for the window. Keys are zero-padded so they
// sort lexically in window order.
func (w Window) Key() string {
	return fmt.Sprintf("%010d-%010d", w.From, w.To)
}

func (w Window) String() string {
	return fmt.Sprintf("[%d-%d]", w.From, w.To)
}

// ParseKey is the inverse of Key. Any leading path prefix is ignored.
func ParseKey(key string) (Window, error) {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	from, to, ok := strings.Cut(key, "-")
	if !ok || len(from) != 10 || len(to) != 10 {
		return Window{}, fmt.Errorf("malformed window key %q", key)
	}
	f, err := strconv.ParseUint(from, 10, 64)
	if err != nil {
		return Window{}, fmt.Errorf("parse key start %q: %w", from, err)
	}
	t, err := strconv.ParseUint(to, 10, 64)
	if err != nil {
		return Window{}, fmt.Errorf("parse key end %q: %w", to, err)
	}
	if f > t {
		return Window{}, fmt.Errorf("window key %q has start after end", key)
	}
	return Window{From: f, To: t}, nil
}

// NextWindows returns up to count contiguous windows of at most pageSize IDs,
// starting at cursor+1. The final window is clamped so it never passes last.
func NextWindows(cursor SequenceID, pageSize int, last SequenceID, count int) ([]Window, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w: page size %d", ErrPrecondition, pageSize)
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: window count %d", ErrPrecondition, count)
	}
	if cursor >= last {
		return nil, fmt.Errorf("%w: cursor %d not below last %d", ErrPrecondition, cursor, last)
	}
	if last > MaxSequenceID {
		return nil, fmt.Errorf("%w: last %d exceeds %d", ErrPrecondition, last, MaxSequenceID)
	}

	out := make([]Window, 0, count)
	from := cursor + 1
	for i := 0; i < count; i++ {
		to := from + uint64(pageSize) - 1
		if to > last || to < from {
			to = last
		}
		out = append(out, Window{From: from, To: to})
		if to == last {
			break
		}
		from = to + 1
	}
	return out, nil
}

// Span returns the range covered by a contiguous slice of windows.
func Span(windows []Window) Window {
	if len(windows) == 0 {
		return Window{}
	}
	return Window{From: windows[0].From, To: windows[len(windows)-1].To}
}

// Gap is a missing or doubly covered stretch found by CheckCoverage.
type Gap struct {
	Window  Window
	Overlap bool
}

// CheckCoverage reports every gap and overlap between the given windows and
// the inclusive range [first, last]. An empty result means exact coverage.
func CheckCoverage(windows []Window, first, last SequenceID) []Gap {
	sorted := make([]Window, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].From == sorted[j].From {
			return sorted[i].To < sorted[j].To
		}
		return sorted[i].From < sorted[j].From
	})

	var gaps []Gap
	next := first
	for _, w := range sorted {
		if w.To < first || w.From > last {
			continue
		}
		if w.From < first {
			w.From = first
		}
		if w.To > last {
			w.To = last
		}
		switch {
		case w.From > next:
			gaps = append(gaps, Gap{Window: Window{From: next, To: w.From - 1}})
		case w.From < next:
			end := w.To
			if end >= next {
				end = next - 1
			}
			gaps = append(gaps, Gap{Window: Window{From: w.From, To: end}, Overlap: true})
		}
		if w.To+1 > next {
			next = w.To + 1
		}
	}
	if next <= last {
		gaps = append(gaps, Gap{Window: Window{From: next, To: last}})
	}
	return gaps
}
