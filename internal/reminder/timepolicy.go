package reminder

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const DefaultTimezone = "Asia/Kolkata"

// layouts accepted for start times without an explicit offset
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// TimePolicy maps user supplied instants onto UTC and computes the first
// run of a new reminder.
type TimePolicy struct {
	Location *time.Location
}

func NewTimePolicy(zone string) (TimePolicy, error) {
	if strings.TrimSpace(zone) == "" {
		zone = DefaultTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return TimePolicy{}, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return TimePolicy{Location: loc}, nil
}

func (p TimePolicy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// ParseStartTime reads an RFC 3339 instant, or a naive local timestamp
// interpreted in the policy's zone. The result is in UTC.
func (p TimePolicy) ParseStartTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, p.location()); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, validationErr("start_time %q is not a valid timestamp", s)
}

// FirstRun computes next_run_at for a reminder being created at now.
func (p TimePolicy) FirstRun(j *Job, start *time.Time, now time.Time) (time.Time, error) {
	now = now.UTC()
	if start != nil {
		s := start.UTC()
		if s.Before(now) {
			return time.Time{}, ErrPastStartTime
		}
		return s, nil
	}
	if d, ok := j.Interval(); ok {
		return now.Add(d), nil
	}
	return now, nil
}
