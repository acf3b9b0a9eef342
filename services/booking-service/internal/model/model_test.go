package model

import (
	"testing"
	"time"
)

func TestAppointmentOccupiedIncludesPrep(t *testing.T) {
	start := time.Date(2026, 9, 16, 14, 0, 0, 0, time.UTC)
	appt := Appointment{StartTime: start, DurationMinutes: 60}

	occStart, occEnd := appt.Occupied()
	if !occStart.Equal(start.Add(-30 * time.Minute)) {
		t.Fatalf("occupied start = %v, want 13:30", occStart)
	}
	if !occEnd.Equal(start.Add(60 * time.Minute)) {
		t.Fatalf("occupied end = %v, want 15:00", occEnd)
	}
	if !appt.EndTime().Equal(occEnd) {
		t.Fatalf("end time %v differs from occupied end %v", appt.EndTime(), occEnd)
	}
}

func TestIsAppointmentDuration(t *testing.T) {
	for _, d := range AppointmentDurations {
		if !IsAppointmentDuration(d) {
			t.Fatalf("duration %d should be bookable", d)
		}
	}
	for _, d := range []int{0, 15, 30, 50, 135, -45} {
		if IsAppointmentDuration(d) {
			t.Fatalf("duration %d should not be bookable", d)
		}
	}
}

func TestAppointmentPrices(t *testing.T) {
	cases := map[int]int64{
		45:  0,
		60:  7000,
		75:  8500,
		90:  10000,
		105: 11500,
		120: 13000,
	}
	for minutes, want := range cases {
		got, ok := AppointmentPrice(minutes)
		if !ok {
			t.Fatalf("duration %d has no price", minutes)
		}
		if got != want {
			t.Fatalf("price for %d minutes = %d, want %d", minutes, got, want)
		}
	}
	if _, ok := AppointmentPrice(30); ok {
		t.Fatal("30 minutes must not be priced")
	}
}

func TestTierPrices(t *testing.T) {
	cases := map[Tier]int64{
		TierBasic:    9900,
		TierStandard: 14900,
		TierPremium:  24900,
	}
	for tier, want := range cases {
		got, ok := TierMonthlyPrice(tier)
		if !ok {
			t.Fatalf("tier %s has no price", tier)
		}
		if got != want {
			t.Fatalf("price for %s = %d, want %d", tier, got, want)
		}
	}
}

func TestParseRecordKind(t *testing.T) {
	if kind, ok := ParseRecordKind("appointment"); !ok || kind != KindAppointment {
		t.Fatalf("parse appointment: %v %v", kind, ok)
	}
	if kind, ok := ParseRecordKind("subscription"); !ok || kind != KindSubscription {
		t.Fatalf("parse subscription: %v %v", kind, ok)
	}
	if _, ok := ParseRecordKind("invoice"); ok {
		t.Fatal("invoice must not parse")
	}
}

func TestParseTier(t *testing.T) {
	for _, raw := range []string{"basic", "standard", "premium"} {
		if _, ok := ParseTier(raw); !ok {
			t.Fatalf("tier %q should parse", raw)
		}
	}
	if _, ok := ParseTier("gold"); ok {
		t.Fatal("gold must not parse")
	}
}
