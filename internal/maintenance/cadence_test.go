package maintenance

import (
	"testing"
	"time"
)

func TestParseCadence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"every:1h", "every:1h0m0s", false},
		{"every:30m", "every:30m0s", false},
		{"daily:03:00", "daily:03:00", false},
		{"weekly:sun:04:00", "weekly:sun:04:00", false},
		{"weekly:Sunday:04:00", "weekly:sun:04:00", false},
		{"every:-5m", "", true},
		{"daily:25:00", "", true},
		{"daily:03:61", "", true},
		{"weekly:someday:04:00", "", true},
		{"hourly", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		tt := tt
		c, err := ParseCadence(tt.in, time.UTC)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCadence(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCadence(%q): %v", tt.in, err)
			continue
		}
		if c.String() != tt.want {
			t.Errorf("ParseCadence(%q) = %s, want %s", tt.in, c.String(), tt.want)
		}
	}
}

func TestDailyAtNext(t *testing.T) {
	t.Parallel()
	c, err := DailyAt("03:00", time.UTC)
	if err != nil {
		t.Fatal(err)
	}

	before := time.Date(2025, 6, 1, 2, 30, 0, 0, time.UTC)
	if got, want := c.Next(before), time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", before, got, want)
	}

	after := time.Date(2025, 6, 1, 3, 0, 1, 0, time.UTC)
	if got, want := c.Next(after), time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", after, got, want)
	}
}

func TestWeeklyAtNext(t *testing.T) {
	t.Parallel()
	c, err := WeeklyAt(time.Sunday, "04:00", time.UTC)
	if err != nil {
		t.Fatal(err)
	}

	// 2025-06-01 is a Sunday.
	friday := time.Date(2025, 5, 30, 12, 0, 0, 0, time.UTC)
	if got, want := c.Next(friday), time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", friday, got, want)
	}

	sundayLater := time.Date(2025, 6, 1, 5, 0, 0, 0, time.UTC)
	if got, want := c.Next(sundayLater), time.Date(2025, 6, 8, 4, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", sundayLater, got, want)
	}
}

func TestEveryAnchorsToPriorFire(t *testing.T) {
	t.Parallel()
	c := Every(time.Hour)
	fire := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if got, want := c.Next(fire), fire.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}
