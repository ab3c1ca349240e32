package persist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pingsantohq/tcpping/pkg/types"
)

const (
	segmentPrefix      = "rounds-"
	segmentSuffix      = ".seg"
	cursorFileName     = "cursor.json"
	recordHeaderLen    = 8
	defaultMaxBytes    = 2 << 30
	defaultSegmentSize = 64 << 20
)

// Store is an append-only, segmented log of rounds with a persisted read
// cursor. Records are framed as [len uint32][crc32 uint32][json].
type Store struct {
	mu          sync.Mutex
	dir         string
	maxBytes    int64
	segmentSize int64

	segments []*segment
	writeSeg *segment
	head     cursor

	totalSize int64
}

type segment struct {
	seq  int64
	path string
	file *os.File
	size int64
}

type cursor struct {
	Seq    int64 `json:"seq"`
	Offset int64 `json:"offset"`
}

// Batch is a run of rounds read from the head of the log. It stays pending
// until passed to Ack.
type Batch struct {
	Rounds []types.Round
	next   cursor
}

func Open(dir string, maxBytes, segmentSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure spill dir %q: %w", dir, err)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if segmentSize <= 0 || segmentSize > maxBytes {
		segmentSize = min(maxBytes, defaultSegmentSize)
	}

	s := &Store{
		dir:         dir,
		maxBytes:    maxBytes,
		segmentSize: segmentSize,
	}
	if err := s.loadSegments(); err != nil {
		return nil, err
	}
	if err := s.loadCursor(); err != nil {
		return nil, err
	}
	if err := s.openWriteSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Append(round types.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	record := make([]byte, recordHeaderLen+len(payload))
	binary.BigEndian.PutUint32(record[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(record[4:8], crc32.ChecksumIEEE(payload))
	copy(record[recordHeaderLen:], payload)

	if s.writeSeg.size > 0 && s.writeSeg.size+int64(len(record)) > s.segmentSize {
		if err := s.createSegment(s.writeSeg.seq + 1); err != nil {
			return err
		}
	}
	if _, err := s.writeSeg.file.Write(record); err != nil {
		return fmt.Errorf("write segment %q: %w", s.writeSeg.path, err)
	}
	if err := s.writeSeg.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %q: %w", s.writeSeg.path, err)
	}
	s.writeSeg.size += int64(len(record))
	s.totalSize += int64(len(record))

	return s.enforceMaxBytes()
}

// ReadBatch returns up to max unacknowledged rounds, oldest first. A record
// that fails its checksum ends the read of its segment.
func (s *Store) ReadBatch(max int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 {
		max = 1024
	}
	pos := s.head
	var rounds []types.Round

	for _, seg := range s.segments {
		if len(rounds) >= max {
			break
		}
		if seg.seq < pos.Seq {
			continue
		}
		if seg.seq > pos.Seq {
			pos = cursor{Seq: seg.seq}
		}
		read, offset, err := readSegment(seg, pos.Offset, max-len(rounds))
		if err != nil {
			return Batch{}, err
		}
		rounds = append(rounds, read...)
		pos.Offset = offset
		if offset < seg.size {
			break
		}
	}
	return Batch{Rounds: rounds, next: pos}, nil
}

// Ack advances the cursor past batch and removes fully consumed segments.
func (s *Store) Ack(batch Batch) error {
	if len(batch.Rounds) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.head = batch.next
	for len(s.segments) > 0 {
		seg := s.segments[0]
		if seg == s.writeSeg && seg.size == 0 {
			break
		}
		consumed := seg.seq < s.head.Seq || (seg.seq == s.head.Seq && s.head.Offset >= seg.size)
		if !consumed {
			break
		}
		if seg == s.writeSeg {
			if err := s.createSegment(seg.seq + 1); err != nil {
				return err
			}
		}
		if err := s.removeHeadSegment(); err != nil {
			return err
		}
	}
	return s.persistCursor()
}

// SizeBytes reports the bytes not yet acknowledged.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.totalSize
	if len(s.segments) > 0 && s.segments[0].seq == s.head.Seq {
		pending -= s.head.Offset
	}
	if pending < 0 {
		return 0
	}
	return pending
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeSeg != nil && s.writeSeg.file != nil {
		err := s.writeSeg.file.Close()
		s.writeSeg.file = nil
		return err
	}
	return nil
}

func readSegment(seg *segment, offset int64, max int) ([]types.Round, int64, error) {
	file, err := os.Open(seg.path)
	if err != nil {
		return nil, offset, fmt.Errorf("open segment for read %q: %w", seg.path, err)
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek segment %q: %w", seg.path, err)
	}

	var rounds []types.Round
	header := make([]byte, recordHeaderLen)
	for len(rounds) < max && offset < seg.size {
		if _, err := io.ReadFull(file, header); err != nil {
			return rounds, seg.size, nil
		}
		length := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])
		if int64(length) > seg.size-offset-recordHeaderLen {
			return rounds, seg.size, nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			return rounds, seg.size, nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return rounds, seg.size, nil
		}
		var round types.Round
		if err := json.Unmarshal(payload, &round); err != nil {
			return rounds, seg.size, nil
		}
		rounds = append(rounds, round)
		offset += recordHeaderLen + int64(length)
	}
	return rounds, offset, nil
}

func (s *Store) createSegment(seq int64) error {
	if s.writeSeg != nil && s.writeSeg.file != nil {
		if err := s.writeSeg.file.Close(); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
		s.writeSeg.file = nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s%06d%s", segmentPrefix, seq, segmentSuffix))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("create segment %q: %w", path, err)
	}
	seg := &segment{seq: seq, path: path, file: file}
	s.segments = append(s.segments, seg)
	s.writeSeg = seg
	return nil
}

func (s *Store) openWriteSegment() error {
	if len(s.segments) == 0 {
		next := s.head.Seq
		if next < 1 {
			next = 1
		}
		return s.createSegment(next)
	}
	last := s.segments[len(s.segments)-1]
	file, err := os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open segment %q: %w", last.path, err)
	}
	last.file = file
	s.writeSeg = last
	return nil
}

func (s *Store) loadSegments() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read spill dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		s.segments = append(s.segments, &segment{
			seq:  seq,
			path: filepath.Join(s.dir, name),
			size: info.Size(),
		})
		s.totalSize += info.Size()
	}
	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].seq < s.segments[j].seq
	})
	return nil
}

func (s *Store) loadCursor() error {
	data, err := os.ReadFile(filepath.Join(s.dir, cursorFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if len(s.segments) > 0 {
				s.head = cursor{Seq: s.segments[0].seq}
			}
			return nil
		}
		return fmt.Errorf("read cursor file: %w", err)
	}
	if err := json.Unmarshal(data, &s.head); err != nil {
		return fmt.Errorf("parse cursor file: %w", err)
	}
	return nil
}

func (s *Store) persistCursor() error {
	path := filepath.Join(s.dir, cursorFileName)
	data, err := json.Marshal(s.head)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cursor temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit cursor file: %w", err)
	}
	return nil
}

func (s *Store) removeHeadSegment() error {
	seg := s.segments[0]
	if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove segment %q: %w", seg.path, err)
	}
	s.totalSize -= seg.size
	s.segments = s.segments[1:]
	if s.head.Seq <= seg.seq {
		s.head = cursor{}
		if len(s.segments) > 0 {
			s.head.Seq = s.segments[0].seq
		}
	}
	return nil
}

// enforceMaxBytes evicts the oldest segments, never the one being written.
func (s *Store) enforceMaxBytes() error {
	evicted := false
	for s.totalSize > s.maxBytes && len(s.segments) > 1 {
		if err := s.removeHeadSegment(); err != nil {
			return err
		}
		evicted = true
	}
	if s.totalSize > s.maxBytes && len(s.segments) == 1 {
		// A single oversized segment: start over rather than grow past the cap.
		if err := s.createSegment(s.writeSeg.seq + 1); err != nil {
			return err
		}
		if err := s.removeHeadSegment(); err != nil {
			return err
		}
		evicted = true
	}
	if !evicted {
		return nil
	}
	return s.persistCursor()
}
