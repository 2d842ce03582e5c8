package alarm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const MaxLabelLen = 100

var reClock = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// ParseClock parses a strict 24-hour HH:MM value.
func ParseClock(s string) (hour, minute int, err error) {
	m := reClock.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// ValidateCreate checks a new alarm's input.
func ValidateCreate(in Input) error {
	if _, _, err := ParseClock(in.Time); err != nil {
		return Errorf(KindValidation, "%v", err)
	}
	label := strings.TrimSpace(in.Label)
	if label == "" {
		return Errorf(KindValidation, "label required")
	}
	if n := utf8.RuneCountInString(in.Label); n > MaxLabelLen {
		return Errorf(KindValidation, "label too long (%d > %d)", n, MaxLabelLen)
	}
	if len(in.Days) == 0 {
		return Errorf(KindValidation, "at least one weekday required")
	}
	for _, d := range in.Days {
		if d < 0 || d > 6 {
			return Errorf(KindValidation, "weekday %d out of range 0..6", d)
		}
	}
	if strings.TrimSpace(in.Mood) == "" {
		return Errorf(KindValidation, "mood required")
	}
	if in.Snooze.Enabled && in.Snooze.IntervalMinutes <= 0 {
		return Errorf(KindValidation, "snooze interval must be > 0")
	}
	if in.Snooze.MaxSnoozes != nil && *in.Snooze.MaxSnoozes < 0 {
		return Errorf(KindValidation, "max snoozes must be >= 0")
	}
	return nil
}

// ValidateUpdate checks p against the existing alarm. An owner mismatch is an
// ownership error; everything else is validated on the merged result.
func ValidateUpdate(existing Alarm, p Patch) error {
	if p.UserID != nil && *p.UserID != existing.UserID {
		return Errorf(KindOwnership, "alarm %s is not owned by %q", existing.ID, *p.UserID)
	}
	if p.Time != nil {
		if _, _, err := ParseClock(*p.Time); err != nil {
			return Errorf(KindValidation, "%v", err)
		}
	}
	if p.Days != nil && len(p.Days) == 0 {
		return Errorf(KindValidation, "at least one weekday required")
	}
	merged := p.Apply(existing)
	if p.Days != nil {
		// Apply de-duplicates; range-check the raw values.
		merged.Days = p.Days
	}
	return ValidateCreate(merged.input())
}
