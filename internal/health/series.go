package health

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wesm/releasehealth/internal/timeutil"
)

// Bucket is one fixed-width interval of a series.
type Bucket struct {
	Start time.Time
	Value int64
}

// MarshalJSON encodes the bucket as a [unix_seconds, value] pair.
func (b Bucket) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{b.Start.Unix(), b.Value})
}

// UnmarshalJSON decodes a [unix_seconds, value] pair.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decoding bucket: %w", err)
	}
	b.Start = time.Unix(pair[0], 0).UTC()
	b.Value = pair[1]
	return nil
}

// Series is a contiguous run of equally wide buckets, oldest
// first.
type Series struct {
	Width   time.Duration
	Buckets []Bucket
}

// BuildSeries returns count zero-valued buckets of the given
// width. The last bucket is the one containing anchorEnd, so
// bucket i starts at floor(anchorEnd, width) - (count-1-i)*width.
func BuildSeries(
	anchorEnd time.Time, width time.Duration, count int,
) (Series, error) {
	if width <= 0 || count <= 0 {
		return Series{}, fmt.Errorf(
			"%w: width %s, count %d", ErrInvalidWindow, width, count,
		)
	}
	last := timeutil.FloorTo(anchorEnd, width)
	first := last.Add(-time.Duration(count-1) * width)
	buckets := make([]Bucket, count)
	for i := range buckets {
		buckets[i].Start = first.Add(time.Duration(i) * width)
	}
	return Series{Width: width, Buckets: buckets}, nil
}

// Start returns the start of the oldest bucket.
func (s Series) Start() time.Time {
	if len(s.Buckets) == 0 {
		return time.Time{}
	}
	return s.Buckets[0].Start
}

// End returns the exclusive end of the newest bucket.
func (s Series) End() time.Time {
	if len(s.Buckets) == 0 {
		return time.Time{}
	}
	return s.Buckets[len(s.Buckets)-1].Start.Add(s.Width)
}

// Merge overwrites the buckets matching obs. An observation off
// the grid is an error; one on the grid but outside the series is
// ignored, since the store may already see a bucket that did not
// exist when the series was built.
func (s Series) Merge(obs []Observation) error {
	if len(s.Buckets) == 0 {
		return nil
	}
	first := s.Buckets[0].Start
	for _, o := range obs {
		offset := o.Start.Sub(first)
		if offset%s.Width != 0 {
			return fmt.Errorf(
				"%w: %s with width %s from %s",
				ErrMisalignedObservation,
				timeutil.FormatInstant(o.Start), s.Width,
				timeutil.FormatInstant(first),
			)
		}
		idx := offset / s.Width
		if idx < 0 || idx >= time.Duration(len(s.Buckets)) {
			continue
		}
		s.Buckets[idx].Value = o.Value
	}
	return nil
}

// MarshalJSON encodes the series as its bucket list.
func (s Series) MarshalJSON() ([]byte, error) {
	if s.Buckets == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Buckets)
}
