package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const StateFileName = "state.yaml"

// State is what the worker remembers across restarts.
type State struct {
	WorkerID  string    `yaml:"worker_id"`
	Kind      int32     `yaml:"kind"`
	CreatedAt time.Time `yaml:"created_at"`
}

// ID parses the persisted worker id.
func (s State) ID() (uuid.UUID, error) {
	id, err := uuid.Parse(s.WorkerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse worker id %q: %w", s.WorkerID, err)
	}
	return id, nil
}

func StatePath(dir string) string {
	return filepath.Join(dir, StateFileName)
}

func LoadState(ctx context.Context, dir string) (State, error) {
	var state State
	path := StatePath(dir)

	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("read state file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse state file %q: %w", path, err)
	}

	return state, nil
}

// SaveState writes state unless a state file already exists.
func SaveState(ctx context.Context, dir string, state State) error {
	path := StatePath(dir)
	_, err := os.Stat(path)
	if err == nil {
		return fmt.Errorf("state file %q already exists", path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("check state file %q: %w", path, err)
	}
	return UpdateState(ctx, dir, state)
}

func UpdateState(ctx context.Context, dir string, state State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure state dir %q: %w", dir, err)
	}

	path := StatePath(dir)
	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state file %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state file %q: %w", path, err)
	}

	return nil
}

// EnsureState loads the state in dir, creating it with a fresh worker id on
// first run. A changed kind is written back while the id is kept.
func EnsureState(ctx context.Context, dir string, kind int32, now time.Time) (State, error) {
	state, err := LoadState(ctx, dir)
	switch {
	case err == nil:
		if _, err := state.ID(); err != nil {
			return state, err
		}
		if state.Kind != kind {
			state.Kind = kind
			if err := UpdateState(ctx, dir, state); err != nil {
				return state, err
			}
		}
		return state, nil
	case errors.Is(err, fs.ErrNotExist):
		state = State{WorkerID: uuid.NewString(), Kind: kind, CreatedAt: now.UTC()}
		if err := SaveState(ctx, dir, state); err != nil {
			return state, err
		}
		return state, nil
	default:
		return state, err
	}
}
