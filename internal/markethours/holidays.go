package markethours

import "time"

// Trading days on which the interbank market is closed, every year.
var holidays = []struct {
	month time.Month
	day   int
}{
	{time.January, 1},   // New Year's Day
	{time.December, 25}, // Christmas
}

// pre-compute for fast lookup
var holidaySet map[[2]int]bool

func init() {
	holidaySet = make(map[[2]int]bool, len(holidays))
	for _, h := range holidays {
		holidaySet[[2]int{int(h.month), h.day}] = true
	}
}

// IsHoliday returns true if the trading date is a market holiday.
func IsHoliday(date time.Time) bool {
	d := date.In(NewYork)
	return holidaySet[[2]int{int(d.Month()), d.Day()}]
}
