package service

import "time"

// PayoutSchedule computes when a commission becomes payable. All arithmetic
// happens in the operating timezone; the result is an absolute instant.
type PayoutSchedule struct {
	loc       *time.Location
	cutoffDay int
}

// NewPayoutSchedule builds a schedule for the given timezone and monthly
// cutoff day.
func NewPayoutSchedule(timezone string, cutoffDay int) (*PayoutSchedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &PayoutSchedule{loc: loc, cutoffDay: cutoffDay}, nil
}

// CalculatePayableAt applies the monthly cutoff rule: captures on or before
// the cutoff day (23:59:59 local) become payable on the 1st of the next
// month; later captures roll to the 1st of the month after next. A payable
// date landing on Saturday shifts to Monday (+2 days), Sunday shifts +1. The
// final instant is 09:00 local on the payable date.
func (s *PayoutSchedule) CalculatePayableAt(capturedAt time.Time) time.Time {
	local := capturedAt.In(s.loc)

	cutoff := time.Date(local.Year(), local.Month(), s.cutoffDay, 23, 59, 59, 0, s.loc)

	monthsAhead := 1
	if local.After(cutoff) {
		monthsAhead = 2
	}

	// time.Date normalizes month overflow (December + 2 → February).
	payable := time.Date(local.Year(), local.Month()+time.Month(monthsAhead), 1, 0, 0, 0, 0, s.loc)

	switch payable.Weekday() {
	case time.Saturday:
		payable = payable.AddDate(0, 0, 2)
	case time.Sunday:
		payable = payable.AddDate(0, 0, 1)
	}

	return time.Date(payable.Year(), payable.Month(), payable.Day(), 9, 0, 0, 0, s.loc)
}

// Location exposes the operating timezone for callers that build period
// boundaries.
func (s *PayoutSchedule) Location() *time.Location {
	return s.loc
}
