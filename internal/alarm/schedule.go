package alarm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ZoneResolver returns the configured time zone of a user. It never returns nil.
type ZoneResolver func(userID string) *time.Location

// FixedZone resolves every user to loc (UTC when loc is nil).
func FixedZone(loc *time.Location) ZoneResolver {
	if loc == nil {
		loc = time.UTC
	}
	return func(string) *time.Location { return loc }
}

// ZoneMap resolves users through overrides and falls back to def.
func ZoneMap(def *time.Location, overrides map[string]*time.Location) ZoneResolver {
	if def == nil {
		def = time.UTC
	}
	return func(userID string) *time.Location {
		if loc, ok := overrides[userID]; ok && loc != nil {
			return loc
		}
		return def
	}
}

// CronSpec renders the alarm as a 5-field cron expression ("M H * * d1,d2").
func CronSpec(a Alarm) string {
	days := make([]string, 0, len(a.Days))
	for _, d := range a.Days {
		days = append(days, strconv.Itoa(d))
	}
	return fmt.Sprintf("%d %d * * %s", a.Minute, a.Hour, strings.Join(days, ","))
}

// NextOccurrence returns the first instant strictly after now at which a is
// due, evaluated in loc. ok is false when the alarm is disabled or has no
// active weekday. An answer more than a week out (plus DST slack) is an
// invariant violation.
func NextOccurrence(a Alarm, now time.Time, loc *time.Location) (next time.Time, ok bool, err error) {
	if !a.Enabled || len(a.Days) == 0 {
		return time.Time{}, false, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, d := range a.Days {
		if d < 0 || d > 6 {
			return time.Time{}, false, Errorf(KindInvariant, "alarm %s: weekday %d out of range", a.ID, d)
		}
	}
	sched, err := cron.ParseStandard(CronSpec(a))
	if err != nil {
		return time.Time{}, false, Errorf(KindInvariant, "alarm %s: %v", a.ID, err)
	}
	spec, isSpec := sched.(*cron.SpecSchedule)
	if !isSpec {
		return time.Time{}, false, Errorf(KindInvariant, "alarm %s: unexpected schedule type %T", a.ID, sched)
	}
	spec.Location = loc

	// SpecSchedule.Next is strictly after its argument, so a tie with now
	// rolls over to the next active day.
	next = spec.Next(now.In(loc))
	if next.IsZero() || next.Sub(now) > 7*24*time.Hour+2*time.Hour {
		return time.Time{}, false, Errorf(KindInvariant, "alarm %s: no occurrence within a week of %s", a.ID, now.Format(time.RFC3339))
	}
	return next.In(loc), true, nil
}

// DueAt reports whether a matches now's weekday and hour:minute in loc.
func DueAt(a Alarm, now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return a.HasDay(local.Weekday()) && local.Hour() == a.Hour && local.Minute() == a.Minute
}

// SameMinute reports whether a and b fall into the same wall-clock minute in loc.
func SameMinute(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	la, lb := a.In(loc), b.In(loc)
	ya, ma, da := la.Date()
	yb, mb, db := lb.Date()
	return ya == yb && ma == mb && da == db && la.Hour() == lb.Hour() && la.Minute() == lb.Minute()
}
