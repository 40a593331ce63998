package market

import (
	"time"

	"github.com/m-ligtenberg/stocks-sub000/internal/domain"
)

// Calendar is the two-state trading calendar: open Monday through Friday
// between OpenHour (inclusive) and CloseHour (exclusive) in the
// configured location, closed otherwise.
type Calendar struct {
	OpenHour  int
	CloseHour int
	Loc       *time.Location
}

// NewCalendar builds a calendar. An unknown timezone falls back to UTC.
func NewCalendar(openHour, closeHour int, timezone string) *Calendar {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Calendar{OpenHour: openHour, CloseHour: closeHour, Loc: loc}
}

// IsOpen reports whether the market is open at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	local := t.In(c.Loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h := local.Hour()
	return h >= c.OpenHour && h < c.CloseHour
}

// Status returns the market status at t.
func (c *Calendar) Status(t time.Time) domain.MarketStatus {
	return domain.MarketStatus{
		Open:      c.IsOpen(t),
		AsOfUnixM: t.UnixMicro(),
	}
}
