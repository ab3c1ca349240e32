package export

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pingsantohq/tcpping/internal/sink/datafile"
	"github.com/pingsantohq/tcpping/pkg/types"
)

func TestParseTimeLayouts(t *testing.T) {
	cases := map[string]time.Time{
		"2024-03-01 10:20:30": time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC),
		"2024-03-01 10:20":    time.Date(2024, 3, 1, 10, 20, 0, 0, time.UTC),
		"2024-03-01":          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseTime(in)
		if err != nil || !got.Equal(want) {
			t.Fatalf("ParseTime(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseTime("03/01/2024"); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}

func TestWriteCSV(t *testing.T) {
	index := []string{"a:1", "b:2"}
	records := []datafile.Record{
		{Timestamp: 120, AddrIndex: 0, Value: 2500},
		{Timestamp: 60, AddrIndex: 1, Value: types.SentinelError},
		{Timestamp: 60, AddrIndex: 0, Value: 1234},
		{Timestamp: 120, AddrIndex: 5, Value: types.SentinelNoData},
		{Timestamp: 180, AddrIndex: 0, Value: 1},
	}

	var buf bytes.Buffer
	rows, err := WriteCSV(&buf, index, records, Range{End: time.Unix(120, 0)})
	if err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected 2 rows got %d", rows)
	}
	want := "timestamp,datetime_utc,a:1,b:2,unknown_5\n" +
		"60,1970-01-01 00:01:00,1.234,,\n" +
		"120,1970-01-01 00:02:00,2.500,,\n"
	if buf.String() != want {
		t.Fatalf("unexpected csv:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestWriteCSVEmptyRange(t *testing.T) {
	var buf bytes.Buffer
	rows, err := WriteCSV(&buf, nil, []datafile.Record{{Timestamp: 10}}, Range{Start: time.Unix(100, 0)})
	if err != nil || rows != 0 || buf.Len() != 0 {
		t.Fatalf("expected no output, got rows=%d err=%v out=%q", rows, err, buf.String())
	}
}

func TestRunDumpsDataDir(t *testing.T) {
	dir := t.TempDir()
	w, err := datafile.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts := int32(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Unix())
	rounds := []types.Round{
		{Row: types.Row{1, 0, ts, 1500, types.SentinelError}, Targets: []string{"127.0.0.1:22", "example.invalid:80"}},
		{Row: types.Row{1, 0, ts + 3, 1700, 900}, Targets: []string{"127.0.0.1:22", "example.invalid:80"}},
	}
	if err := w.Send(context.Background(), rounds); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.Close()

	// A torn trailing record is ignored.
	f, err := os.OpenFile(filepath.Join(dir, datafile.DataFileName), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	f.Write([]byte{1, 2, 3})
	f.Close()

	var stdout, logs bytes.Buffer
	err = Run(context.Background(), []string{"--data-dir", dir, "--start", "2024-05-01"},
		Dependencies{Stdout: &stdout, Logger: log.New(&logs)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %q", stdout.String())
	}
	if lines[0] != "timestamp,datetime_utc,127.0.0.1:22,example.invalid:80" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "2024-05-01 12:00:00,1.500,") {
		t.Fatalf("unexpected first row %q", lines[1])
	}
	if !strings.Contains(logs.String(), "partial record") {
		t.Fatalf("expected partial record warning, got %q", logs.String())
	}
}

func TestRunWritesOutputFile(t *testing.T) {
	dir := t.TempDir()
	w, err := datafile.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Send(context.Background(), []types.Round{{Row: types.Row{1, 0, 50, 2000}, Targets: []string{"a:1"}}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.Close()

	out := filepath.Join(t.TempDir(), "out", "dump.csv")
	if err := Run(context.Background(), []string{"--data-dir", dir, "-o", out}, Dependencies{Logger: log.New(io.Discard)}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), "50,1970-01-01 00:00:50,2.000") {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestRunRejectsBadBounds(t *testing.T) {
	err := Run(context.Background(), []string{"--data-dir", t.TempDir(), "--end", "yesterday"}, Dependencies{Logger: log.New(io.Discard)})
	if err == nil {
		t.Fatalf("expected error for bad --end")
	}
}
