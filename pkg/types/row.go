package types

import (
	"fmt"
	"math"
)

const (
	// SentinelError marks a target for which every attempt of the round failed.
	SentinelError int32 = -2_100_000_000
	// SentinelNoData is reserved for consumers padding cells that were never measured.
	SentinelNoData int32 = -2_000_000_000
)

// HeaderLen is the number of leading fields preceding the per-target values.
const HeaderLen = 3

// Row is one round of measurements: [kind, version, timestamp, v1, ..., vN].
type Row []int32

// NewRow allocates a row with the header filled in and room for n values.
func NewRow(kind, version, timestamp int32, n int) Row {
	row := make(Row, HeaderLen, HeaderLen+n)
	row[0] = kind
	row[1] = version
	row[2] = timestamp
	return row
}

func (r Row) Kind() int32      { return r.field(0) }
func (r Row) Version() int32   { return r.field(1) }
func (r Row) Timestamp() int32 { return r.field(2) }

// Values returns the per-target values in snapshot order.
func (r Row) Values() []int32 {
	if len(r) <= HeaderLen {
		return nil
	}
	return r[HeaderLen:]
}

// Validate checks the row layout against the number of targets it was measured for.
func (r Row) Validate(targets int) error {
	if len(r) != HeaderLen+targets {
		return fmt.Errorf("row has %d fields, want %d", len(r), HeaderLen+targets)
	}
	for i, v := range r.Values() {
		if v != SentinelError && v < 0 {
			return fmt.Errorf("value %d out of range: %d", i, v)
		}
	}
	return nil
}

func (r Row) field(i int) int32 {
	if i >= len(r) {
		return 0
	}
	return r[i]
}

// Round pairs a row with the ordered targets it was measured from.
type Round struct {
	Row     Row      `json:"row" yaml:"row"`
	Targets []string `json:"targets" yaml:"targets"`
}

// IsFailure reports whether v encodes a missing measurement.
func IsFailure(v int32) bool {
	return v == SentinelError || v == SentinelNoData
}

// ClampMicros converts a measured microsecond count into a row value.
func ClampMicros(us int64) int32 {
	if us < 0 {
		return 0
	}
	if us > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(us)
}
