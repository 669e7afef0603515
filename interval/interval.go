package interval

import (
	"fmt"
	"time"
)

type (
	// TimeRange is a half-open range [Begin, End)
	TimeRange struct {
		Begin time.Time
		End   time.Time
	}
)

func NewTimeRange(begin, end time.Time) TimeRange {
	return TimeRange{Begin: begin.UTC(), End: end.UTC()}
}

func (r TimeRange) IsZero() bool {
	return r.Begin.IsZero() && r.End.IsZero()
}

func (r TimeRange) IsValid() bool {
	return r.Begin.Before(r.End)
}

func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Begin)
}

func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Begin.Before(o.End) && o.Begin.Before(r.End)
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Begin) && t.Before(r.End)
}

func (r TimeRange) ContainsRange(o TimeRange) bool {
	return !o.Begin.Before(r.Begin) && !o.End.After(r.End)
}

func (r TimeRange) Intersect(o TimeRange) TimeRange {
	begin := r.Begin
	if o.Begin.After(begin) {
		begin = o.Begin
	}
	end := r.End
	if o.End.Before(end) {
		end = o.End
	}
	if !begin.Before(end) {
		return TimeRange{}
	}
	return TimeRange{Begin: begin, End: end}
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Begin.Format(time.RFC3339Nano), r.End.Format(time.RFC3339Nano))
}

func Floor(t time.Time, width time.Duration) time.Time {
	return t.UTC().Truncate(width)
}

func Ceil(t time.Time, width time.Duration) time.Time {
	f := Floor(t, width)
	if f.Equal(t.UTC()) {
		return f
	}
	return f.Add(width)
}

// AlignOuter widens the range outward to bucket boundaries so that
// repeated overlapping requests converge on identical ranges
func (r TimeRange) AlignOuter(width time.Duration) TimeRange {
	return TimeRange{Begin: Floor(r.Begin, width), End: Ceil(r.End, width)}
}

// Buckets splits an aligned range into consecutive width-sized buckets
func (r TimeRange) Buckets(width time.Duration) []TimeRange {
	aligned := r.AlignOuter(width)
	var out []TimeRange
	for begin := aligned.Begin; begin.Before(aligned.End); begin = begin.Add(width) {
		out = append(out, TimeRange{Begin: begin, End: begin.Add(width)})
	}
	return out
}

// Gaps returns the maximal sub-ranges of r not covered by any range in
// covered. covered must be sorted by Begin, ranges may overlap.
func Gaps(r TimeRange, covered []TimeRange) []TimeRange {
	var gaps []TimeRange
	cursor := r.Begin
	for _, c := range covered {
		if !c.Overlaps(r) {
			continue
		}
		if c.Begin.After(cursor) {
			gap := TimeRange{Begin: cursor, End: c.Begin}
			if gap.End.After(r.End) {
				gap.End = r.End
			}
			if gap.IsValid() {
				gaps = append(gaps, gap)
			}
		}
		if c.End.After(cursor) {
			cursor = c.End
		}
		if !cursor.Before(r.End) {
			return gaps
		}
	}
	if cursor.Before(r.End) {
		gaps = append(gaps, TimeRange{Begin: cursor, End: r.End})
	}
	return gaps
}
