package options

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/tcpping/pkg/types"
)

// FileName is the options file kept in the data directory.
const FileName = "tcpping.options.yaml"

func FilePath(dir string) string {
	return filepath.Join(dir, FileName)
}

// LoadFile reads a previously saved snapshot. ok is false when no file exists.
func LoadFile(path string) (snap types.Snapshot, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snap, false, nil
		}
		return snap, false, fmt.Errorf("read options file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snap, false, fmt.Errorf("parse options file %q: %w", path, err)
	}
	return snap, true, nil
}

// SaveFile writes snap through a temp file so readers never observe a partial file.
func SaveFile(path string, snap types.Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("ensure options dir %q: %w", dir, err)
	}
	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp options %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit options %q: %w", path, err)
	}
	return nil
}
