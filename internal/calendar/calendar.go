// Package calendar resolves trading sessions and trading days for US
// equity markets. Everything here is pure computation; no store access.
package calendar

import (
	"sync"
	"time"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

// Calendar answers session and trading-day questions in exchange time.
type Calendar struct {
	loc *time.Location

	mu       sync.Mutex
	holidays map[int]map[string]bool
}

// New returns a calendar pinned to America/New_York. Falls back to a
// fixed EST offset if the tz database is unavailable.
func New() *Calendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	return &Calendar{loc: loc, holidays: make(map[int]map[string]bool)}
}

// Session returns the trading session at t.
func (c *Calendar) Session(t time.Time) domain.Session {
	t = t.In(c.loc)
	if !c.IsTradingDay(t) {
		return domain.SessionClosed
	}
	mins := t.Hour()*60 + t.Minute()
	switch {
	case mins >= 4*60 && mins < 9*60+30:
		return domain.SessionPre
	case mins >= 9*60+30 && mins < 16*60:
		return domain.SessionLive
	case mins >= 16*60 && mins < 20*60:
		return domain.SessionAfter
	default:
		return domain.SessionClosed
	}
}

// IsTradingDay reports whether t falls on a regular trading day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.isHoliday(t)
}

// LastTradingDay returns the latest trading day on or before t's date,
// truncated to midnight exchange time.
func (c *Calendar) LastTradingDay(t time.Time) time.Time {
	d := c.midnight(t)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// PrevTradingDay returns the latest trading day strictly before t's date.
// This is the day a "previous close" refers to.
func (c *Calendar) PrevTradingDay(t time.Time) time.Time {
	return c.LastTradingDay(c.midnight(t).AddDate(0, 0, -1))
}

func (c *Calendar) midnight(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

func (c *Calendar) isHoliday(t time.Time) bool {
	year := t.Year()
	c.mu.Lock()
	hs, ok := c.holidays[year]
	if !ok {
		hs = c.computeHolidays(year)
		c.holidays[year] = hs
	}
	c.mu.Unlock()
	return hs[domain.DateKey(t)]
}

// computeHolidays builds the full-closure NYSE/Nasdaq holiday set for one
// year. Sat holidays are observed Friday, Sun holidays Monday.
func (c *Calendar) computeHolidays(year int) map[string]bool {
	days := []time.Time{
		c.observed(time.Date(year, time.January, 1, 0, 0, 0, 0, c.loc)),
		c.nthWeekday(year, time.January, time.Monday, 3),  // MLK Day
		c.nthWeekday(year, time.February, time.Monday, 3), // Presidents' Day
		c.easter(year).AddDate(0, 0, -2),                  // Good Friday
		c.lastWeekday(year, time.May, time.Monday),        // Memorial Day
		c.observed(time.Date(year, time.July, 4, 0, 0, 0, 0, c.loc)),
		c.nthWeekday(year, time.September, time.Monday, 1),   // Labor Day
		c.nthWeekday(year, time.November, time.Thursday, 4),  // Thanksgiving
		c.observed(time.Date(year, time.December, 25, 0, 0, 0, 0, c.loc)),
	}
	if year >= 2022 {
		days = append(days, c.observed(time.Date(year, time.June, 19, 0, 0, 0, 0, c.loc)))
	}

	m := make(map[string]bool, len(days))
	for _, d := range days {
		m[domain.DateKey(d)] = true
	}
	return m
}

func (c *Calendar) observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func (c *Calendar) nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, c.loc)
	offset := (int(wd) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+(n-1)*7)
}

func (c *Calendar) lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, c.loc).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(wd) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

// easter computes Gregorian Easter Sunday (anonymous computus).
func (c *Calendar) easter(year int) time.Time {
	a := year % 19
	b := year / 100
	cc := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := cc / 4
	k := cc % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, c.loc)
}
