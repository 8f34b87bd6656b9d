// Package availability turns staff-configured booking windows into free
// slots for a calendar day.
package availability

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/appointment"
	"github.com/clinicflow/dental-scheduling/internal/interval"
)

var ErrWindowNotFound = errors.New("availability window not found")

// Clock is a time of day in minutes since midnight. 24:00 is allowed as the
// end of a window.
type Clock int

const endOfDay Clock = 24 * 60

func ParseClock(s string) (Clock, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	h, errH := strconv.Atoi(s[:2])
	m, errM := strconv.Atoi(s[3:])
	if errH != nil || errM != nil {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	if m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Date is a calendar day without a time zone. It becomes an instant only
// through In.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) Weekday() time.Weekday {
	return d.In(time.UTC).Weekday()
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool {
	return d.In(time.UTC).Before(o.In(time.UTC))
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Window is a time range during which bookings of Kind are accepted. It
// applies either on a single Date or every week on Weekday.
type Window struct {
	ID          uuid.UUID        `json:"id"`
	DoctorID    *uuid.UUID       `json:"doctor_id,omitempty"`
	Kind        appointment.Kind `json:"kind"`
	Date        *Date            `json:"date,omitempty"`
	Weekday     *time.Weekday    `json:"weekday,omitempty"`
	Start       Clock            `json:"start_time"`
	End         Clock            `json:"end_time"`
	SlotMinutes *int             `json:"slot_minutes,omitempty"`
	Label       *string          `json:"label,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (w Window) Recurring() bool {
	return w.Weekday != nil
}

func (w Window) AppliesOn(d Date) bool {
	if w.Date != nil {
		return *w.Date == d
	}
	return w.Weekday != nil && *w.Weekday == d.Weekday()
}

// Interval places the window on day d in loc. Minutes are added through
// time.Date so a DST change inside the day shifts the wall clock, not the
// window length.
func (w Window) Interval(d Date, loc *time.Location) interval.Interval {
	return interval.Interval{
		Start: time.Date(d.Year, d.Month, d.Day, 0, int(w.Start), 0, 0, loc),
		End:   time.Date(d.Year, d.Month, d.Day, 0, int(w.End), 0, 0, loc),
	}
}

func (w Window) SlotDuration(fallback time.Duration) time.Duration {
	if w.SlotMinutes != nil && *w.SlotMinutes > 0 {
		return time.Duration(*w.SlotMinutes) * time.Minute
	}
	return fallback
}

func (w Window) Validate() error {
	if _, err := appointment.ParseKind(string(w.Kind)); err != nil || w.Kind == "" {
		return apperr.Validation("kind", fmt.Sprintf("must be %s or %s", appointment.KindStandardHours, appointment.KindSpecialistBlock))
	}
	if (w.Date == nil) == (w.Weekday == nil) {
		return apperr.Validation("date", "exactly one of date or weekday is required")
	}
	if w.Weekday != nil && (*w.Weekday < time.Sunday || *w.Weekday > time.Saturday) {
		return apperr.Validation("weekday", "must be between 0 (Sunday) and 6 (Saturday)")
	}
	if w.Start < 0 || w.End > endOfDay || w.Start >= w.End {
		return apperr.Validation("end_time", "must be after start_time on the same day")
	}
	if w.SlotMinutes != nil && (*w.SlotMinutes <= 0 || Clock(*w.SlotMinutes) > w.End-w.Start) {
		return apperr.Validation("slot_minutes", "must be positive and fit inside the window")
	}
	return nil
}

// sharesDay reports whether some calendar day has both windows applying.
func (w Window) sharesDay(o Window) bool {
	switch {
	case w.Date != nil && o.Date != nil:
		return *w.Date == *o.Date
	case w.Date != nil:
		return o.AppliesOn(*w.Date)
	case o.Date != nil:
		return w.AppliesOn(*o.Date)
	default:
		return *w.Weekday == *o.Weekday
	}
}

// Collides reports whether two windows of the same kind and doctor would be
// open at the same time on some day.
func (w Window) Collides(o Window) bool {
	return w.Kind == o.Kind &&
		appointment.SameDoctor(w.DoctorID, o.DoctorID) &&
		w.sharesDay(o) &&
		w.Start < o.End && w.End > o.Start
}
