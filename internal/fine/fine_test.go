package fine

import (
	"testing"
	"time"
)

func TestDaysOverdue(t *testing.T) {
	due := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		asOf time.Time
		want int64
	}{
		{
			name: "before due date",
			asOf: due.Add(-48 * time.Hour),
			want: 0,
		},
		{
			name: "exactly at due date",
			asOf: due,
			want: 0,
		},
		{
			name: "less than a full day late",
			asOf: due.Add(23 * time.Hour),
			want: 0,
		},
		{
			name: "one full day late",
			asOf: due.Add(24 * time.Hour),
			want: 1,
		},
		{
			name: "six days late",
			asOf: due.Add(6 * 24 * time.Hour),
			want: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DaysOverdue(due, tt.asOf)
			if got != tt.want {
				t.Fatalf("DaysOverdue = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAmount_SixDaysLate(t *testing.T) {
	// Книга выдана на 14 дней, возвращена через 20: просрочка 6 суток,
	// при ставке 2.50 штраф равен 15.00.
	borrowed := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	due := borrowed.Add(14 * 24 * time.Hour)
	returned := borrowed.Add(20 * 24 * time.Hour)

	got := Amount(due, returned, 250)
	if got != 1500 {
		t.Fatalf("Amount = %d, want 1500", got)
	}
}

func TestAmount_ZeroBeforeDue(t *testing.T) {
	due := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)

	if got := Amount(due, due.Add(-time.Hour), 250); got != 0 {
		t.Fatalf("Amount before due = %d, want 0", got)
	}
	if got := Amount(due, due, 250); got != 0 {
		t.Fatalf("Amount at due = %d, want 0", got)
	}
}

func TestAmount_NonDecreasingInAsOf(t *testing.T) {
	due := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)

	prev := int64(-1)
	for h := -48; h <= 240; h += 6 {
		asOf := due.Add(time.Duration(h) * time.Hour)
		got := Amount(due, asOf, DefaultRatePerDayCents)
		if got < prev {
			t.Fatalf("Amount decreased at asOf=%v: %d < %d", asOf, got, prev)
		}
		prev = got
	}
}

func TestAmount_InvalidRate(t *testing.T) {
	due := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)

	if got := Amount(due, due.Add(72*time.Hour), 0); got != 0 {
		t.Fatalf("Amount with zero rate = %d, want 0", got)
	}
	if got := Amount(due, due.Add(72*time.Hour), -100); got != 0 {
		t.Fatalf("Amount with negative rate = %d, want 0", got)
	}
}
