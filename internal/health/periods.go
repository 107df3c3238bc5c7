package health

import (
	"fmt"
	"time"
)

// Period is a named stats period: Count buckets of Width.
type Period struct {
	Name  string
	Width time.Duration
	Count int
}

// Duration is the total span the period covers.
func (p Period) Duration() time.Duration {
	return p.Width * time.Duration(p.Count)
}

const day = 24 * time.Hour

// RetentionPeriod bounds every "lifetime" query.
const RetentionPeriod = 90 * day

var statsPeriods = map[string]Period{
	"1h":  {Width: time.Minute, Count: 60},
	"24h": {Width: time.Hour, Count: 24},
	"1d":  {Width: time.Hour, Count: 24},
	"48h": {Width: time.Hour, Count: 48},
	"2d":  {Width: time.Hour, Count: 48},
	"7d":  {Width: time.Hour, Count: 168},
	"14d": {Width: time.Hour, Count: 336},
	"30d": {Width: day, Count: 30},
	"90d": {Width: day, Count: 90},
}

// ParsePeriod looks up a stats period such as "24h" or "30d".
func ParsePeriod(name string) (Period, error) {
	p, ok := statsPeriods[name]
	if !ok {
		return Period{}, fmt.Errorf(
			"%w: unknown stats period %q", ErrInvalidWindow, name,
		)
	}
	p.Name = name
	return p, nil
}
