package options

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pingsantohq/tcpping/pkg/types"
)

const (
	DefaultIntervalMillis = 3000
	DefaultAvgAcross      = 3
)

var (
	ErrDuplicateTarget = errors.New("target already configured")
	ErrUnknownTarget   = errors.New("target not configured")
)

// Store holds the target options as an immutable snapshot that is swapped
// atomically on every mutation. Readers never take a lock.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[types.Snapshot]

	onChange func(types.Snapshot)
}

type Option func(*Store)

// WithOnChange registers a callback invoked after each successful mutation.
func WithOnChange(fn func(types.Snapshot)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// WithVersion starts the version counter at v instead of zero.
func WithVersion(v int32) Option {
	return func(s *Store) {
		snap := *s.current.Load()
		snap.Version = v
		s.current.Store(&snap)
	}
}

// NewStore validates initial and publishes it as the first snapshot.
func NewStore(initial types.TargetOptions, opts ...Option) (*Store, error) {
	normalized, err := Normalize(initial)
	if err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(&types.Snapshot{TargetOptions: normalized})
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Snapshot returns the current options. The address slice is a private copy.
func (s *Store) Snapshot() types.Snapshot {
	snap := *s.current.Load()
	snap.TargetOptions = snap.TargetOptions.Clone()
	return snap
}

func (s *Store) Version() int32 {
	return s.current.Load().Version
}

// Replace swaps in a whole new set of options.
func (s *Store) Replace(next types.TargetOptions) (types.Snapshot, error) {
	return s.Update(func(o *types.TargetOptions) error {
		*o = next.Clone()
		return nil
	})
}

// Update applies fn to a copy of the current options and publishes the result
// under a bumped version. Nothing is published when fn or validation fails.
func (s *Store) Update(fn func(*types.TargetOptions) error) (types.Snapshot, error) {
	s.mu.Lock()
	prev := s.current.Load()
	draft := prev.TargetOptions.Clone()
	if err := fn(&draft); err != nil {
		s.mu.Unlock()
		return types.Snapshot{}, err
	}
	normalized, err := Normalize(draft)
	if err != nil {
		s.mu.Unlock()
		return types.Snapshot{}, err
	}
	next := &types.Snapshot{TargetOptions: normalized, Version: prev.Version + 1}
	s.current.Store(next)
	onChange := s.onChange
	s.mu.Unlock()

	out := *next
	out.TargetOptions = out.TargetOptions.Clone()
	if onChange != nil {
		onChange(out)
	}
	return out, nil
}

func (s *Store) AddTarget(addr string) (types.Snapshot, error) {
	addr = strings.TrimSpace(addr)
	return s.Update(func(o *types.TargetOptions) error {
		for _, existing := range o.Addrs {
			if existing == addr {
				return fmt.Errorf("add %q: %w", addr, ErrDuplicateTarget)
			}
		}
		o.Addrs = append(o.Addrs, addr)
		return nil
	})
}

func (s *Store) RemoveTarget(addr string) (types.Snapshot, error) {
	addr = strings.TrimSpace(addr)
	return s.Update(func(o *types.TargetOptions) error {
		for i, existing := range o.Addrs {
			if existing == addr {
				o.Addrs = append(o.Addrs[:i], o.Addrs[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("remove %q: %w", addr, ErrUnknownTarget)
	})
}

// Normalize fills defaults and rejects options a round cannot run with.
func Normalize(o types.TargetOptions) (types.TargetOptions, error) {
	o = o.Clone()
	if o.IntervalMillis == 0 {
		o.IntervalMillis = DefaultIntervalMillis
	}
	if o.AvgAcross == 0 {
		o.AvgAcross = DefaultAvgAcross
	}
	switch {
	case o.IntervalMillis < 1:
		return o, fmt.Errorf("interval_ms must be positive, got %d", o.IntervalMillis)
	case o.AvgAcross < 1:
		return o, fmt.Errorf("avg_across must be positive, got %d", o.AvgAcross)
	case o.PauseMillis < 0:
		return o, fmt.Errorf("pause_ms must not be negative, got %d", o.PauseMillis)
	}
	seen := make(map[string]struct{}, len(o.Addrs))
	addrs := make([]string, 0, len(o.Addrs))
	for _, addr := range o.Addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return o, errors.New("empty target address")
		}
		if _, ok := seen[addr]; ok {
			return o, fmt.Errorf("%q: %w", addr, ErrDuplicateTarget)
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	o.Addrs = addrs
	return o, nil
}
