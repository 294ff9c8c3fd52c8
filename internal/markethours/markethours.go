// Package markethours is the forex session calendar. The market trades
// around the clock from Sunday 17:00 to Friday 17:00 New York time; each
// trading day starts at 17:00 New York time on the previous calendar day.
package markethours

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// NewYork is the reference zone for the forex daily roll.
var NewYork = mustLoad("America/New_York")

// RolloverHour is the New York hour at which a new trading day begins.
const RolloverHour = 17

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("markethours: load %s: %v", name, err))
	}
	return loc
}

// TradingDate returns the trading day t belongs to, as midnight New York time.
func TradingDate(t time.Time) time.Time {
	ny := t.In(NewYork).Add(time.Duration(24-RolloverHour) * time.Hour)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, NewYork)
}

// IsTradingDay returns true if the trading date is Mon-Fri and not a holiday.
func IsTradingDay(date time.Time) bool {
	wd := date.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !IsHoliday(date)
}

// IsMarketOpen returns true if forex trades at t.
func IsMarketOpen(t time.Time) bool {
	return IsTradingDay(TradingDate(t))
}

// sessionStart returns when the trading day date begins.
func sessionStart(date time.Time) time.Time {
	return date.Add(-time.Duration(24-RolloverHour) * time.Hour)
}

// NextOpen returns t if the market is open, otherwise the start of the
// next trading day.
func NextOpen(t time.Time) time.Time {
	date := TradingDate(t)
	if IsTradingDay(date) {
		return t
	}
	for i := 0; i < 10; i++ { // weekend plus holidays
		date = time.Date(date.Year(), date.Month(), date.Day()+1, 0, 0, 0, 0, NewYork)
		if IsTradingDay(date) {
			return sessionStart(date)
		}
	}
	return sessionStart(date)
}

// NextClose returns the end of the current run of trading days, or the
// zero time when the market is closed at t.
func NextClose(t time.Time) time.Time {
	date := TradingDate(t)
	if !IsTradingDay(date) {
		return time.Time{}
	}
	for IsTradingDay(date) {
		date = time.Date(date.Year(), date.Month(), date.Day()+1, 0, 0, 0, 0, NewYork)
	}
	return sessionStart(date)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(NextClose(t).Sub(t)))
	}
	next := NextOpen(t)
	ny := next.In(NewYork)
	return fmt.Sprintf("Market Closed, opens %s %s NY (%s)",
		ny.Weekday().String()[:3], ny.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
