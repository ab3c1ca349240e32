// Package datafile stores rounds in the flat binary layout read by the dump
// command: an address index with one address per line, and a data file of
// little-endian int32 triplets (timestamp, address index, value).
package datafile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pingsantohq/tcpping/pkg/types"
)

const (
	IndexFileName = "tcpping.index.json"
	DataFileName  = "tcpping.data.dat"
	// RecordSize is the encoded size of one Record.
	RecordSize = 12
)

// Record is one measurement of one target.
type Record struct {
	Timestamp int32
	AddrIndex int32
	Value     int32
}

// Writer appends rounds to the data file, growing the address index as new
// targets appear. Index positions are never reused.
type Writer struct {
	mu    sync.Mutex
	dir   string
	index map[string]int32
	addrs []string
	data  *os.File
}

func Open(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure data dir %q: %w", dir, err)
	}
	addrs, err := ReadIndex(dir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, DataFileName)
	data, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open data file %q: %w", path, err)
	}
	w := &Writer{
		dir:   dir,
		index: make(map[string]int32, len(addrs)),
		addrs: addrs,
		data:  data,
	}
	for i, addr := range addrs {
		w.index[addr] = int32(i)
	}
	return w, nil
}

func (w *Writer) Name() string { return "datafile" }

// Send appends one record per target of every round.
func (w *Writer) Send(ctx context.Context, rounds []types.Round) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	var added []string
	for _, round := range rounds {
		values := round.Row.Values()
		for i, addr := range round.Targets {
			if i >= len(values) {
				break
			}
			idx, ok := w.index[addr]
			if !ok {
				idx = int32(len(w.addrs))
				w.index[addr] = idx
				w.addrs = append(w.addrs, addr)
				added = append(added, addr)
			}
			rec := [3]int32{round.Row.Timestamp(), idx, values[i]}
			if err := binary.Write(&buf, binary.LittleEndian, rec); err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
		}
	}
	if len(added) > 0 {
		if err := w.appendIndex(added); err != nil {
			for _, addr := range added {
				delete(w.index, addr)
			}
			w.addrs = w.addrs[:len(w.addrs)-len(added)]
			return err
		}
	}
	if buf.Len() == 0 {
		return nil
	}
	if _, err := w.data.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	return w.data.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data.Close()
}

func (w *Writer) appendIndex(addrs []string) error {
	path := filepath.Join(w.dir, IndexFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open index %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.Join(addrs, "\n") + "\n"); err != nil {
		return fmt.Errorf("write index %q: %w", path, err)
	}
	return f.Sync()
}

// ReadIndex returns the addresses in index order. A missing index is empty.
func ReadIndex(dir string) ([]string, error) {
	path := filepath.Join(dir, IndexFileName)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open index %q: %w", path, err)
	}
	defer f.Close()

	var addrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			addrs = append(addrs, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index %q: %w", path, err)
	}
	return addrs, nil
}

// ReadRecords decodes every complete record of the data file. trailing is
// the number of bytes left over after the last complete record.
func ReadRecords(dir string) (records []Record, trailing int, err error) {
	path := filepath.Join(dir, DataFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read data file %q: %w", path, err)
	}
	count := len(raw) / RecordSize
	records = make([]Record, count)
	if err := binary.Read(bytes.NewReader(raw[:count*RecordSize]), binary.LittleEndian, records); err != nil {
		return nil, 0, fmt.Errorf("decode data file %q: %w", path, err)
	}
	return records, len(raw) % RecordSize, nil
}
