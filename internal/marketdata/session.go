package marketdata

import (
	"strings"
	"time"

	"algotrader/internal/config"
)

// SessionCalendar answers whether a region's market session is open.
// Used by continuous-scheduling algorithms.
type SessionCalendar struct {
	sessions map[string]sessionWindow
}

type sessionWindow struct {
	loc       *time.Location
	openMins  int
	closeMins int
	days      map[time.Weekday]bool
}

var weekdayByName = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func NewSessionCalendar(configs []config.SessionConfig) *SessionCalendar {
	cal := &SessionCalendar{sessions: map[string]sessionWindow{}}
	for _, sc := range configs {
		region := strings.ToUpper(strings.TrimSpace(sc.Region))
		if region == "" {
			continue
		}
		loc, err := time.LoadLocation(strings.TrimSpace(sc.Timezone))
		if err != nil || loc == nil {
			loc = time.UTC
		}
		open, okOpen := parseWallClock(sc.Open)
		closeAt, okClose := parseWallClock(sc.Close)
		if !okOpen || !okClose {
			continue
		}
		days := map[time.Weekday]bool{}
		for _, d := range sc.Days {
			name := strings.ToLower(strings.TrimSpace(d))
			if len(name) < 3 {
				continue
			}
			if wd, ok := weekdayByName[name[:3]]; ok {
				days[wd] = true
			}
		}
		if len(days) == 0 {
			for wd := time.Monday; wd <= time.Friday; wd++ {
				days[wd] = true
			}
		}
		cal.sessions[region] = sessionWindow{loc: loc, openMins: open, closeMins: closeAt, days: days}
	}
	return cal
}

// IsOpen reports whether the region's session is open at the given instant.
// Unknown regions are treated as closed.
func (c *SessionCalendar) IsOpen(region string, now time.Time) bool {
	if c == nil {
		return false
	}
	w, ok := c.sessions[strings.ToUpper(strings.TrimSpace(region))]
	if !ok {
		return false
	}
	local := now.In(w.loc)
	if !w.days[local.Weekday()] {
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	return mins >= w.openMins && mins < w.closeMins
}

func parseWallClock(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if len(v) != 5 || v[2] != ':' {
		return 0, false
	}
	for _, i := range []int{0, 1, 3, 4} {
		if v[i] < '0' || v[i] > '9' {
			return 0, false
		}
	}
	h := int(v[0]-'0')*10 + int(v[1]-'0')
	m := int(v[3]-'0')*10 + int(v[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
