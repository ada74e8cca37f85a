package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
)

type action string

const (
	actionStart action = "start"
	actionStop  action = "stop"
)

type trigger struct {
	action action
	at     time.Time
}

var oneTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Validate checks the fields whose format depends on the schedule type.
func Validate(s models.Schedule, loc *time.Location) error {
	if !models.ValidCameraID(s.CameraID) {
		return fmt.Errorf("%w: camera_id %q must match [A-Za-z0-9._-]", errs.ErrInvalidSchedule, s.CameraID)
	}

	switch s.Type {
	case models.ScheduleOneTime:
		start, err := parseInstant(s.StartTime, loc)
		if err != nil {
			return fmt.Errorf("%w: start_time: %v", errs.ErrInvalidSchedule, err)
		}
		if s.EndTime != "" {
			end, err := parseInstant(s.EndTime, loc)
			if err != nil {
				return fmt.Errorf("%w: end_time: %v", errs.ErrInvalidSchedule, err)
			}
			if !end.After(start) {
				return fmt.Errorf("%w: end_time must be after start_time", errs.ErrInvalidSchedule)
			}
		}
	case models.ScheduleDaily, models.ScheduleWeekly:
		if _, err := parseTimeOfDay(s.StartTime); err != nil {
			return fmt.Errorf("%w: start_time: %v", errs.ErrInvalidSchedule, err)
		}
		if s.EndTime != "" {
			if _, err := parseTimeOfDay(s.EndTime); err != nil {
				return fmt.Errorf("%w: end_time: %v", errs.ErrInvalidSchedule, err)
			}
		}
		if s.Type == models.ScheduleWeekly && len(s.Weekdays) == 0 {
			return fmt.Errorf("%w: weekly schedule needs weekdays", errs.ErrInvalidSchedule)
		}
		for _, d := range s.Weekdays {
			if d < 1 || d > 7 {
				return fmt.Errorf("%w: weekday %d out of range 1..7", errs.ErrInvalidSchedule, d)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", errs.ErrInvalidSchedule, s.Type)
	}

	return nil
}

// triggers returns every start and stop instant of s that falls within
// window of now. Recurring rules are evaluated for yesterday, today and
// tomorrow so windows that straddle midnight still match.
func triggers(s models.Schedule, now time.Time, window time.Duration, loc *time.Location) []trigger {
	var out []trigger

	add := func(a action, at time.Time) {
		if within(now, at, window) {
			out = append(out, trigger{action: a, at: at})
		}
	}

	switch s.Type {
	case models.ScheduleOneTime:
		if start, err := parseInstant(s.StartTime, loc); err == nil {
			add(actionStart, start)
		}
		if s.EndTime != "" {
			if end, err := parseInstant(s.EndTime, loc); err == nil {
				add(actionStop, end)
			}
		}
	case models.ScheduleDaily, models.ScheduleWeekly:
		local := now.In(loc)
		for _, offset := range []int{-1, 0, 1} {
			day := local.AddDate(0, 0, offset)
			if s.Type == models.ScheduleWeekly && !hasWeekday(s.Weekdays, day.Weekday()) {
				continue
			}
			if tod, err := parseTimeOfDay(s.StartTime); err == nil {
				add(actionStart, tod.on(day, loc))
			}
			if s.EndTime != "" {
				if tod, err := parseTimeOfDay(s.EndTime); err == nil {
					add(actionStop, tod.on(day, loc))
				}
			}
		}
	}

	return out
}

func within(now, at time.Time, window time.Duration) bool {
	d := now.Sub(at)
	if d < 0 {
		d = -d
	}

	return d <= window
}

// hasWeekday matches 1=Mon..7=Sun against time.Weekday (0=Sun).
func hasWeekday(days []int, wd time.Weekday) bool {
	iso := int(wd)
	if iso == 0 {
		iso = 7
	}

	for _, d := range days {
		if d == iso {
			return true
		}
	}

	return false
}

type timeOfDay struct {
	hour, min, sec int
}

func (t timeOfDay) on(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.Date()

	return time.Date(y, m, d, t.hour, t.min, t.sec, 0, loc)
}

func parseTimeOfDay(v string) (timeOfDay, error) {
	v = strings.TrimSpace(v)

	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return timeOfDay{hour: t.Hour(), min: t.Minute(), sec: t.Second()}, nil
		}
	}

	return timeOfDay{}, fmt.Errorf("%q is not HH:MM or HH:MM:SS", v)
}

func parseInstant(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)

	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range oneTimeLayouts[1:] {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%q is not an RFC 3339 timestamp", v)
}
