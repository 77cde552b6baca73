// Package tz converts absolute timestamps to civil fields in the engine's
// fixed timezone. All campaign scheduling is expressed in one zone so that
// "10:00" means 10:00 local there no matter where the process runs.
package tz

import (
	"fmt"
	"time"
)

// DefaultZone is the civil timezone campaigns are scheduled in (WAT).
const DefaultZone = "Africa/Lagos"

// Load resolves an IANA zone name, falling back to DefaultZone when empty.
func Load(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("tz: load %q: %w", name, err)
	}
	return loc, nil
}

// Civil holds the wall-clock fields of an instant in a specific zone.
type Civil struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
}

// ToCivil converts an absolute instant to civil fields in loc.
func ToCivil(t time.Time, loc *time.Location) Civil {
	lt := t.In(loc)
	return Civil{
		Year:   lt.Year(),
		Month:  lt.Month(),
		Day:    lt.Day(),
		Hour:   lt.Hour(),
		Minute: lt.Minute(),
	}
}

// DayBounds returns the [start, end) of the civil day containing t in loc.
// The bounds are absolute instants, so a day straddling a DST transition
// is still covered exactly once.
func DayBounds(t time.Time, loc *time.Location) (start, end time.Time) {
	lt := t.In(loc)
	start = time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	end = start.AddDate(0, 0, 1)
	return start, end
}

// WeekBounds returns the [start, end) of the civil week (Sunday-based)
// containing t in loc.
func WeekBounds(t time.Time, loc *time.Location) (start, end time.Time) {
	lt := t.In(loc)
	dayStart := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	start = dayStart.AddDate(0, 0, -int(lt.Weekday()))
	end = start.AddDate(0, 0, 7)
	return start, end
}
