package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// sizeUnits is ordered so that longer suffixes are tried first.
var sizeUnits = []struct {
	suffix     string
	multiplier float64
}{
	{"tib", 1 << 40},
	{"gib", 1 << 30},
	{"mib", 1 << 20},
	{"kib", 1 << 10},
	{"tb", 1e12},
	{"gb", 1e9},
	{"mb", 1e6},
	{"kb", 1e3},
	{"t", 1 << 40},
	{"g", 1 << 30},
	{"m", 1 << 20},
	{"k", 1 << 10},
	{"b", 1},
}

// ParseSize turns a human size such as "512MiB" or "2g" into bytes. An empty
// value yields defaultBytes.
func ParseSize(value string, defaultBytes int64) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultBytes, nil
	}
	lower := strings.ToLower(value)
	for _, unit := range sizeUnits {
		if !strings.HasSuffix(lower, unit.suffix) {
			continue
		}
		num, err := strconv.ParseFloat(strings.TrimSpace(lower[:len(lower)-len(unit.suffix)]), 64)
		if err != nil {
			return 0, fmt.Errorf("parse size %q: %w", value, err)
		}
		if num < 0 {
			return 0, fmt.Errorf("parse size %q: negative size", value)
		}
		return int64(num * unit.multiplier), nil
	}
	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	if num < 0 {
		return 0, fmt.Errorf("parse size %q: negative size", value)
	}
	return num, nil
}
