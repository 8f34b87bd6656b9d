// Package interval holds the half-open time interval helpers the scheduler
// is built on. Every comparison is made on absolute instants, never on the
// time of day alone.
package interval

import (
	"errors"
	"iter"
	"time"
)

var ErrEmptyInterval = errors.New("interval start must be before end")

// Interval is the half-open range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New returns the interval [start, end) or ErrEmptyInterval when start is not
// strictly before end.
func New(start, end time.Time) (Interval, error) {
	if !start.Before(end) {
		return Interval{}, ErrEmptyInterval
	}
	return Interval{Start: start, End: end}, nil
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) share at least
// one instant. Intervals that only touch at an endpoint do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

func (i Interval) Overlaps(o Interval) bool {
	return Overlaps(i.Start, i.End, o.Start, o.End)
}

// Contains reports whether o lies entirely inside i.
func (i Interval) Contains(o Interval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Interval) Equal(o Interval) bool {
	return i.Start.Equal(o.Start) && i.End.Equal(o.End)
}

// GenerateSlots yields consecutive slots of the given duration covering
// [windowStart, windowEnd). A trailing slot that would run past windowEnd is
// not emitted. The sequence can be ranged over any number of times.
func GenerateSlots(windowStart, windowEnd time.Time, duration time.Duration) iter.Seq[Interval] {
	return func(yield func(Interval) bool) {
		if duration <= 0 || !windowStart.Before(windowEnd) {
			return
		}
		for start := windowStart; !start.Add(duration).After(windowEnd); start = start.Add(duration) {
			if !yield(Interval{Start: start, End: start.Add(duration)}) {
				return
			}
		}
	}
}
