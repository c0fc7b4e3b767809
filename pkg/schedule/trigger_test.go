package schedule

import (
	"testing"
	"time"
)

func TestNextFireTime_Once(t *testing.T) {
	at := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	rec := Recurrence{Kind: RecurrenceOnce, At: at}
	got, err := nextFireTime(rec, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("got %v, want %v", got, at)
	}
}

func TestNextFireTime_Daily(t *testing.T) {
	rec := Recurrence{Kind: RecurrenceDaily, TimeOfDay: "09:30"}
	after := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	got, err := nextFireTime(rec, after)
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	want := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextFireTime_DailyRollsToTomorrow(t *testing.T) {
	rec := Recurrence{Kind: RecurrenceDaily, TimeOfDay: "09:30"}
	after := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	got, err := nextFireTime(rec, after)
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	want := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextFireTime_Weekly(t *testing.T) {
	// 2026-08-01 is a Saturday.
	rec := Recurrence{Kind: RecurrenceWeekly, TimeOfDay: "06:00", Weekdays: []time.Weekday{time.Monday, time.Thursday}}
	after := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got, err := nextFireTime(rec, after)
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	want := time.Date(2026, 8, 3, 6, 0, 0, 0, time.UTC) // next Monday
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextFireTime_Monthly(t *testing.T) {
	rec := Recurrence{Kind: RecurrenceMonthly, TimeOfDay: "00:00", DayOfMonth: 15}
	after := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got, err := nextFireTime(rec, after)
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	want := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextFireTime_MonthlyRollsToNextMonth(t *testing.T) {
	rec := Recurrence{Kind: RecurrenceMonthly, TimeOfDay: "00:00", DayOfMonth: 15}
	after := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	got, err := nextFireTime(rec, after)
	if err != nil {
		t.Fatalf("nextFireTime: %v", err)
	}
	want := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextFireTime_UnknownKind(t *testing.T) {
	_, err := nextFireTime(Recurrence{Kind: "bogus"}, time.Now())
	if err != ErrUnknownRecurrence {
		t.Errorf("err = %v, want ErrUnknownRecurrence", err)
	}
}

func TestNextFireTime_WeeklyRequiresWeekdays(t *testing.T) {
	_, err := nextFireTime(Recurrence{Kind: RecurrenceWeekly, TimeOfDay: "09:00"}, time.Now())
	if err == nil {
		t.Error("expected error for weekly recurrence with no weekdays")
	}
}

func TestParseTimeOfDay_Invalid(t *testing.T) {
	if _, _, err := parseTimeOfDay("9:3:0"); err == nil {
		t.Error("expected error for malformed time_of_day")
	}
	if _, _, err := parseTimeOfDay("nine:thirty"); err == nil {
		t.Error("expected error for non-numeric time_of_day")
	}
}
