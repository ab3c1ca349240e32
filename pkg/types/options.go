package types

import "time"

// TargetOptions is the mutable target configuration of the tcpping worker.
type TargetOptions struct {
	IntervalMillis int      `json:"interval_ms" yaml:"interval_ms"`
	AvgAcross      int      `json:"avg_across" yaml:"avg_across"`
	PauseMillis    int      `json:"pause_ms" yaml:"pause_ms"`
	Addrs          []string `json:"addrs" yaml:"addrs"`
}

// Snapshot is an immutable, internally consistent view of the target options.
type Snapshot struct {
	TargetOptions `yaml:",inline"`
	Version       int32 `json:"version" yaml:"version"`
}

func (s Snapshot) Interval() time.Duration {
	return time.Duration(s.IntervalMillis) * time.Millisecond
}

func (s Snapshot) Pause() time.Duration {
	return time.Duration(s.PauseMillis) * time.Millisecond
}

// Clone returns a copy that shares no memory with o.
func (o TargetOptions) Clone() TargetOptions {
	o.Addrs = append([]string(nil), o.Addrs...)
	return o
}
