package progress

import (
	"testing"
	"time"
)

func TestNormalizeTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"zulu", "2026-03-01T12:30:45Z", want},
		{"naive is utc", "2026-03-01T12:30:45", want},
		{"naive with space", "2026-03-01 12:30:45", want},
		{"naive fractional", "2026-03-01T12:30:45.250000", want.Add(250 * time.Millisecond)},
		{"offset", "2026-03-01T14:30:45+02:00", want},
		{"compact offset", "2026-03-01T14:30:45+0200", want},
		{"lowercase z", "2026-03-01T12:30:45z", want},
		{"padded", "  2026-03-01T12:30:45Z ", want},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTimestamp(tt.in)
			if err != nil {
				t.Fatalf("NormalizeTimestamp(%q): %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NormalizeTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestNormalizeTimestampLenientFallback(t *testing.T) {
	got, err := NormalizeTimestamp("2026-03-01")
	if err != nil {
		t.Fatalf("date only: %v", err)
	}
	if !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date only = %v", got)
	}
}

func TestParseTimestampDamagedYieldsNow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if got := ParseTimestamp("2026-03-01T12:30:45z", now); got.Equal(now) {
		t.Error("lowercase zone designator fell back to now")
	}
	for _, in := range []string{"", "yesterday-ish", "2026-13-45T99:99:99"} {
		if got := ParseTimestamp(in, now); !got.Equal(now) {
			t.Errorf("ParseTimestamp(%q) = %v, want now", in, got)
		}
	}
}

func TestOptionalTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if got := optionalTimestamp("  ", now); got != nil {
		t.Errorf("blank input = %v, want nil", got)
	}
	if got := optionalTimestamp("garbage", now); got == nil || !got.Equal(now) {
		t.Errorf("damaged input = %v, want now", got)
	}
}
