package types

import (
	"math"
	"testing"
)

func TestRowLayout(t *testing.T) {
	row := NewRow(5, 2, 1700000000, 2)
	row = append(row, 1200, SentinelError)

	if row.Kind() != 5 || row.Version() != 2 || row.Timestamp() != 1700000000 {
		t.Fatalf("unexpected header %v", row[:HeaderLen])
	}
	if vals := row.Values(); len(vals) != 2 || vals[1] != SentinelError {
		t.Fatalf("unexpected values %v", vals)
	}
	if err := row.Validate(2); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := row.Validate(3); err == nil {
		t.Fatalf("expected length mismatch")
	}
	if err := (Row{1, 0, 0, -5}).Validate(1); err == nil {
		t.Fatalf("expected negative value to be rejected")
	}
}

func TestEmptyRow(t *testing.T) {
	row := NewRow(1, 0, 10, 0)
	if row.Values() != nil || row.Validate(0) != nil {
		t.Fatalf("empty target list must still produce a valid header-only row: %v", row)
	}
	var short Row
	if short.Kind() != 0 || short.Timestamp() != 0 {
		t.Fatalf("short rows read as zero")
	}
}

func TestClampMicros(t *testing.T) {
	cases := map[int64]int32{
		-3:                 0,
		0:                  0,
		1500:               1500,
		math.MaxInt32 + 10: math.MaxInt32,
	}
	for in, want := range cases {
		if got := ClampMicros(in); got != want {
			t.Fatalf("ClampMicros(%d) = %d want %d", in, got, want)
		}
	}
	if !IsFailure(SentinelError) || !IsFailure(SentinelNoData) || IsFailure(0) {
		t.Fatalf("IsFailure misclassifies sentinels")
	}
}

func TestSnapshotDurations(t *testing.T) {
	snap := Snapshot{TargetOptions: TargetOptions{IntervalMillis: 3000, PauseMillis: 25, Addrs: []string{"a:1"}}}
	if snap.Interval().Milliseconds() != 3000 || snap.Pause().Milliseconds() != 25 {
		t.Fatalf("unexpected durations %s %s", snap.Interval(), snap.Pause())
	}
	clone := snap.Clone()
	clone.Addrs[0] = "b:2"
	if snap.Addrs[0] != "a:1" {
		t.Fatalf("Clone shares address storage")
	}
}
