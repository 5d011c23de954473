package rangelock

import (
	"github.com/google/go-intervals/intervalset"
)

// span is a half-open byte interval [start, end) implementing
// intervalset.Interval.  An end of EOF is unbounded, so an inclusive end of
// EOF-1 cannot be told apart from EOF.
type span struct {
	start int64
	end   int64
}

func spanOf(r Range) span {
	if r.End == EOF {
		return span{start: r.Start, end: EOF}
	}
	return span{start: r.Start, end: r.End + 1}
}

func (s span) rng() Range {
	if s.end == EOF {
		return Range{Start: s.start, End: EOF}
	}
	return Range{Start: s.start, End: s.end - 1}
}

func (s span) Intersect(other intervalset.Interval) intervalset.Interval {
	t := other.(span)
	return span{start: max(s.start, t.start), end: min(s.end, t.end)}
}

func (s span) Before(other intervalset.Interval) bool {
	t := other.(span)
	return !s.IsZero() && !t.IsZero() && s.end < t.start
}

func (s span) IsZero() bool {
	return s.end <= s.start
}

func (s span) Bisect(other intervalset.Interval) (intervalset.Interval, intervalset.Interval) {
	t := other.(span)
	if t.IsZero() {
		return s, span{}
	}
	return span{start: s.start, end: min(s.end, t.start)}, span{start: max(s.start, t.end), end: s.end}
}

func (s span) Adjoin(other intervalset.Interval) intervalset.Interval {
	t := other.(span)
	if !s.IsZero() && !t.IsZero() && (s.end == t.start || t.end == s.start) {
		return span{start: min(s.start, t.start), end: max(s.end, t.end)}
	}
	return span{}
}

func (s span) Encompass(other intervalset.Interval) intervalset.Interval {
	t := other.(span)
	switch {
	case s.IsZero():
		return t
	case t.IsZero():
		return s
	default:
		return span{start: min(s.start, t.start), end: max(s.end, t.end)}
	}
}

// Union returns the ranges covered by any of ranges, merged and in order.
func Union(ranges ...Range) []Range {
	set := intervalset.Empty()
	for _, r := range ranges {
		set.Add(intervalset.NewSet([]intervalset.Interval{spanOf(r)}))
	}
	var union []Range
	set.Intervals(func(i intervalset.Interval) bool {
		union = append(union, i.(span).rng())
		return true
	})
	return union
}

// Coverage returns the ranges of res on which id holds granted locks of
// any type, merged and in order.
func (m *Manager) Coverage(res Resource, id Identity) []Range {
	var ranges []Range
	for _, info := range m.Locks(res) {
		if !info.Pending && info.Owner.key() == id.key() {
			ranges = append(ranges, info.Range)
		}
	}
	return Union(ranges...)
}
