// Package export turns the datafile sink's output into CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/pingsantohq/tcpping/internal/sink/datafile"
	"github.com/pingsantohq/tcpping/pkg/types"
)

// Layouts accepted for range bounds, most specific first. Bounds are UTC.
var Layouts = []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"}

const datetimeLayout = "2006-01-02 15:04:05"

// ParseTime parses a range bound in one of Layouts.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range Layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q, use YYYY-MM-DD [HH:MM[:SS]]", s)
}

// Range bounds the exported timestamps, inclusive on both ends. Zero values are open.
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) bounds() (int64, int64) {
	lo, hi := int64(0), int64(math.MaxInt32)
	if !r.Start.IsZero() {
		lo = r.Start.Unix()
	}
	if !r.End.IsZero() {
		hi = r.End.Unix()
	}
	return lo, hi
}

// WriteCSV groups records by timestamp and writes one line per timestamp with
// one column per address index seen in range. It returns the number of data lines.
func WriteCSV(w io.Writer, index []string, records []datafile.Record, rng Range) (int, error) {
	lo, hi := rng.bounds()

	grouped := make(map[int32]map[int32]int32)
	columns := make(map[int32]struct{})
	for _, rec := range records {
		ts := int64(rec.Timestamp)
		if ts < lo || ts > hi {
			continue
		}
		cells, ok := grouped[rec.Timestamp]
		if !ok {
			cells = make(map[int32]int32)
			grouped[rec.Timestamp] = cells
		}
		cells[rec.AddrIndex] = rec.Value
		columns[rec.AddrIndex] = struct{}{}
	}
	if len(grouped) == 0 {
		return 0, nil
	}

	indices := make([]int32, 0, len(columns))
	for idx := range columns {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	timestamps := make([]int32, 0, len(grouped))
	for ts := range grouped {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	cw := csv.NewWriter(w)
	header := make([]string, 0, 2+len(indices))
	header = append(header, "timestamp", "datetime_utc")
	for _, idx := range indices {
		header = append(header, columnName(index, idx))
	}
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	line := make([]string, len(header))
	for _, ts := range timestamps {
		line[0] = strconv.FormatInt(int64(ts), 10)
		line[1] = time.Unix(int64(ts), 0).UTC().Format(datetimeLayout)
		for i, idx := range indices {
			line[2+i] = formatValue(grouped[ts], idx)
		}
		if err := cw.Write(line); err != nil {
			return 0, fmt.Errorf("write csv line: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("flush csv: %w", err)
	}
	return len(timestamps), nil
}

func columnName(index []string, idx int32) string {
	if idx >= 0 && int(idx) < len(index) {
		return index[idx]
	}
	return fmt.Sprintf("unknown_%d", idx)
}

// formatValue renders microseconds as milliseconds. Missing cells stay empty.
func formatValue(cells map[int32]int32, idx int32) string {
	v, ok := cells[idx]
	if !ok || types.IsFailure(v) {
		return ""
	}
	return strconv.FormatFloat(float64(v)/1000, 'f', 3, 64)
}
