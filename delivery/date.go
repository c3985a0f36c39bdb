package delivery

import (
	"cmp"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day in the market's local time. Nord Pool publishes
// one price curve per bidding area and Date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func New(year int, month time.Month, day int) Date {
	// Normalise overflowing days/months through time.Date.
	t := time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func Parse(str string) (Date, error) {
	t, err := time.Parse(dateLayout, str)
	if err != nil {
		return Date{}, fmt.Errorf("failed to parse delivery date %q: %w", str, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// FromTime returns the calendar day t falls on in loc.
func FromTime(t time.Time, loc *time.Location) Date {
	if t.IsZero() {
		return Date{}
	}
	t = t.In(loc)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func Today(loc *time.Location) Date {
	return FromTime(time.Now(), loc)
}

func Tomorrow(loc *time.Location) Date {
	return Today(loc).Add(1)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) Add(days int) Date {
	return New(d.Year, d.Month, d.Day+days)
}

func (d Date) Sub(days int) Date {
	return d.Add(-days)
}

func (d Date) Compare(other Date) int {
	return cmp.Or(
		cmp.Compare(d.Year, other.Year),
		cmp.Compare(d.Month, other.Month),
		cmp.Compare(d.Day, other.Day),
	)
}

func (d Date) Before(other Date) bool {
	return d.Compare(other) < 0
}

func (d Date) After(other Date) bool {
	return d.Compare(other) > 0
}

func (d Date) IsZero() bool {
	return d == Date{}
}

// Start is local midnight of d in loc, as an absolute instant.
func (d Date) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// End is local midnight of the following day in loc.
func (d Date) End(loc *time.Location) time.Time {
	return d.Add(1).Start(loc)
}

// Length is 23h, 24h or 25h depending on daylight-saving transitions in loc.
func (d Date) Length(loc *time.Location) time.Duration {
	return d.End(loc).Sub(d.Start(loc))
}
