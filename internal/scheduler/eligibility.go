package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"algotrader/internal/models"
	"algotrader/internal/strategy"
)

type timeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// durationEnd returns the instant the algorithm's run window closes, or
// nil for run-forever. Day/month/year windows are anchored on the run
// start date.
func durationEnd(algo models.Algorithm) *time.Time {
	switch algo.RunDurationType {
	case models.DurationForever, "":
		return nil
	case models.DurationUntilDate:
		return algo.RunEndDate
	}
	if algo.RunStartDate == nil || algo.RunDurationValue <= 0 {
		return nil
	}
	start := algo.RunStartDate.UTC()
	var end time.Time
	switch algo.RunDurationType {
	case models.DurationDays:
		end = start.AddDate(0, 0, algo.RunDurationValue)
	case models.DurationMonths:
		end = start.AddDate(0, algo.RunDurationValue, 0)
	case models.DurationYears:
		end = start.AddDate(algo.RunDurationValue, 0, 0)
	default:
		return nil
	}
	return &end
}

// ValidateSchedule rejects scheduling and duration configurations the
// scheduler cannot honor.
func ValidateSchedule(algo models.Algorithm) error {
	switch algo.SchedulingType {
	case models.ScheduleInterval:
		if algo.IntervalMinutes <= 0 {
			return fmt.Errorf("%w: interval scheduling needs a positive interval", strategy.ErrInvalidConfig)
		}
	case models.ScheduleTimeWindows:
		if algo.IntervalMinutes <= 0 {
			return fmt.Errorf("%w: time_windows scheduling needs a positive interval", strategy.ErrInvalidConfig)
		}
		windows, err := parseTimeWindows(algo)
		if err != nil {
			return err
		}
		if len(windows) == 0 {
			return fmt.Errorf("%w: time_windows scheduling needs at least one window", strategy.ErrInvalidConfig)
		}
	case models.ScheduleSingleTime:
		times, err := parseRunTimes(algo)
		if err != nil {
			return err
		}
		if len(times) == 0 {
			return fmt.Errorf("%w: single_time scheduling needs at least one run time", strategy.ErrInvalidConfig)
		}
	case models.ScheduleContinuous:
	default:
		return fmt.Errorf("%w: unknown scheduling type %q", strategy.ErrInvalidConfig, algo.SchedulingType)
	}

	switch algo.RunDurationType {
	case models.DurationForever, "":
	case models.DurationUntilDate:
		if algo.RunEndDate == nil {
			return fmt.Errorf("%w: until_date duration needs run_end_date", strategy.ErrInvalidConfig)
		}
	case models.DurationDays, models.DurationMonths, models.DurationYears:
		if algo.RunDurationValue <= 0 {
			return fmt.Errorf("%w: %s duration needs a positive value", strategy.ErrInvalidConfig, algo.RunDurationType)
		}
	default:
		return fmt.Errorf("%w: unknown duration type %q", strategy.ErrInvalidConfig, algo.RunDurationType)
	}
	return nil
}

func parseTimeWindows(algo models.Algorithm) ([]timeWindow, error) {
	if len(algo.TimeWindows) == 0 {
		return nil, nil
	}
	var windows []timeWindow
	if err := json.Unmarshal(algo.TimeWindows, &windows); err != nil {
		return nil, fmt.Errorf("%w: time windows: %v", strategy.ErrInvalidConfig, err)
	}
	for _, w := range windows {
		if _, err := parseClock(w.Start); err != nil {
			return nil, err
		}
		if _, err := parseClock(w.End); err != nil {
			return nil, err
		}
	}
	return windows, nil
}

func parseRunTimes(algo models.Algorithm) ([]string, error) {
	if len(algo.RunTimes) == 0 {
		return nil, nil
	}
	var times []string
	if err := json.Unmarshal(algo.RunTimes, &times); err != nil {
		return nil, fmt.Errorf("%w: run times: %v", strategy.ErrInvalidConfig, err)
	}
	for _, t := range times {
		if _, err := parseClock(t); err != nil {
			return nil, err
		}
	}
	return times, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad wall clock %q", strategy.ErrInvalidConfig, s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// eligibility is the scheduling policy decision for one tick. firedToday
// reports whether a single_time slot already fired today; it only applies
// to single_time algorithms.
type eligibility struct {
	fire bool
	// slot is the matched run time for single_time scheduling.
	slot string
}

func checkEligible(algo models.Algorithm, lastRun, now time.Time, firedToday func(slot string) bool, sessionOpen bool) (eligibility, error) {
	now = now.UTC()
	switch algo.SchedulingType {
	case models.ScheduleInterval:
		return eligibility{fire: intervalDue(algo, lastRun, now)}, nil
	case models.ScheduleTimeWindows:
		windows, err := parseTimeWindows(algo)
		if err != nil {
			return eligibility{}, err
		}
		if !inAnyWindow(windows, now) {
			return eligibility{}, nil
		}
		return eligibility{fire: intervalDue(algo, lastRun, now)}, nil
	case models.ScheduleSingleTime:
		times, err := parseRunTimes(algo)
		if err != nil {
			return eligibility{}, err
		}
		current := now.Format("15:04")
		for _, slot := range times {
			if slot != current {
				continue
			}
			if firedToday != nil && firedToday(slot) {
				return eligibility{}, nil
			}
			return eligibility{fire: true, slot: slot}, nil
		}
		return eligibility{}, nil
	case models.ScheduleContinuous:
		return eligibility{fire: sessionOpen}, nil
	}
	return eligibility{}, fmt.Errorf("%w: unknown scheduling type %q", strategy.ErrInvalidConfig, algo.SchedulingType)
}

func intervalDue(algo models.Algorithm, lastRun, now time.Time) bool {
	if lastRun.IsZero() {
		return true
	}
	interval := time.Duration(algo.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return now.Sub(lastRun) >= interval
}

func inAnyWindow(windows []timeWindow, now time.Time) bool {
	sinceMidnight := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute
	for _, w := range windows {
		start, err := parseClock(w.Start)
		if err != nil {
			continue
		}
		end, err := parseClock(w.End)
		if err != nil {
			continue
		}
		if sinceMidnight >= start && sinceMidnight <= end {
			return true
		}
	}
	return false
}

// nextRun is the audit-trail estimate persisted to next_scheduled_run.
func nextRun(algo models.Algorithm, now time.Time) *time.Time {
	now = now.UTC()
	switch algo.SchedulingType {
	case models.ScheduleInterval, models.ScheduleTimeWindows:
		interval := time.Duration(algo.IntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		next := now.Add(interval)
		return &next
	case models.ScheduleSingleTime:
		times, err := parseRunTimes(algo)
		if err != nil || len(times) == 0 {
			return nil
		}
		var best *time.Time
		for _, slot := range times {
			offset, err := parseClock(slot)
			if err != nil {
				continue
			}
			candidate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(offset)
			if !candidate.After(now) {
				candidate = candidate.AddDate(0, 0, 1)
			}
			if best == nil || candidate.Before(*best) {
				best = &candidate
			}
		}
		return best
	}
	return nil
}
