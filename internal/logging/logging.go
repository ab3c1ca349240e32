package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// New returns the process logger writing to stderr at level.
func New(level string) (*log.Logger, error) {
	return NewWriter(os.Stderr, level)
}

func NewWriter(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "tcpping",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}), nil
}

// ParseLevel maps a configured level name through log.ParseLevel. Empty
// means info; names the library does not know are rejected rather than
// silently logged at info.
func ParseLevel(level string) (log.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "" {
		return log.InfoLevel, nil
	}
	lvl := log.ParseLevel(name)
	if lvl.String() != name {
		return log.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}
