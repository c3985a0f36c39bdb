package delivery

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("failed to load %s: %v", name, err)
	}
	return loc
}

func TestDateString(t *testing.T) {
	d := New(2025, time.January, 5)
	expected := "2025-01-05"
	if s := d.String(); s != expected {
		t.Errorf("String() expected %q, got %q", expected, s)
	}
}

func TestParse(t *testing.T) {
	d, err := Parse("2024-03-31")
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}
	if d != New(2024, time.March, 31) {
		t.Errorf("Parse() got %+v", d)
	}

	if _, err := Parse("31/03/2024"); err == nil {
		t.Errorf("Parse() expected an error for an invalid date")
	}
}

func TestDateAdd(t *testing.T) {
	tests := []struct {
		name     string
		input    Date
		addDays  int
		expected Date
	}{
		{
			name:     "add within same month",
			input:    New(2025, time.January, 1),
			addDays:  2,
			expected: New(2025, time.January, 3),
		},
		{
			name:     "add crossing year",
			input:    New(2024, time.December, 31),
			addDays:  1,
			expected: New(2025, time.January, 1),
		},
		{
			name:     "add crossing leap day",
			input:    New(2024, time.February, 28),
			addDays:  1,
			expected: New(2024, time.February, 29),
		},
		{
			name:     "add negative days (subtract)",
			input:    New(2025, time.March, 1),
			addDays:  -1,
			expected: New(2025, time.February, 28),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.input.Add(tt.addDays)
			if result != tt.expected {
				t.Errorf("Add(%d) expected %+v, got %+v", tt.addDays, tt.expected, result)
			}
		})
	}
}

func TestDateCompare(t *testing.T) {
	a := New(2025, time.January, 1)
	b := New(2025, time.January, 2)
	if a.Compare(b) != -1 || b.Compare(a) != 1 || a.Compare(a) != 0 {
		t.Errorf("Compare() gave unexpected ordering")
	}
	if !a.Before(b) || !b.After(a) {
		t.Errorf("Before()/After() gave unexpected ordering")
	}

	// Year outranks month, month outranks day.
	if c := New(2024, time.December, 31).Compare(New(2025, time.January, 1)); c != -1 {
		t.Errorf("Compare() across years expected -1, got %d", c)
	}
	if c := New(2025, time.March, 1).Compare(New(2025, time.February, 28)); c != 1 {
		t.Errorf("Compare() across months expected 1, got %d", c)
	}
}

func TestDateIsZero(t *testing.T) {
	var d Date
	if !d.IsZero() {
		t.Errorf("expected a zero value Date to be zero")
	}
	if New(2025, time.January, 1).IsZero() {
		t.Errorf("expected a non-zero Date not to be zero")
	}
}

func TestFromTime(t *testing.T) {
	oslo := mustLoad(t, "Europe/Oslo")

	// 23:30 UTC on New Year's Eve is already the next day in Oslo.
	tm := time.Date(2024, time.December, 31, 23, 30, 0, 0, time.UTC)
	if d := FromTime(tm, oslo); d != New(2025, time.January, 1) {
		t.Errorf("FromTime() expected 2025-01-01, got %s", d)
	}
	if d := FromTime(tm, time.UTC); d != New(2024, time.December, 31) {
		t.Errorf("FromTime() expected 2024-12-31, got %s", d)
	}

	var zero time.Time
	if !FromTime(zero, oslo).IsZero() {
		t.Errorf("FromTime() with zero time expected a zero Date")
	}
}

func TestDateLength(t *testing.T) {
	stockholm := mustLoad(t, "Europe/Stockholm")

	tests := []struct {
		name     string
		date     Date
		expected time.Duration
	}{
		{"normal day", New(2025, time.January, 15), 24 * time.Hour},
		{"spring forward", New(2025, time.March, 30), 23 * time.Hour},
		{"fall back", New(2025, time.October, 26), 25 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if l := tt.date.Length(stockholm); l != tt.expected {
				t.Errorf("Length() expected %v, got %v", tt.expected, l)
			}
		})
	}
}

func TestDateStart(t *testing.T) {
	stockholm := mustLoad(t, "Europe/Stockholm")

	winter := New(2025, time.January, 15).Start(stockholm)
	if !winter.Equal(time.Date(2025, time.January, 14, 23, 0, 0, 0, time.UTC)) {
		t.Errorf("Start() on winter date got %v", winter.UTC())
	}

	summer := New(2025, time.July, 1).Start(stockholm)
	if !summer.Equal(time.Date(2025, time.June, 30, 22, 0, 0, 0, time.UTC)) {
		t.Errorf("Start() on summer date got %v", summer.UTC())
	}
}

func TestDateText(t *testing.T) {
	d := New(2025, time.October, 26)
	b, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() unexpected error: %v", err)
	}

	var back Date
	if err := back.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText() unexpected error: %v", err)
	}
	if back != d {
		t.Errorf("expected %s, got %s", d, back)
	}
}
