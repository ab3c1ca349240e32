package types

import "time"

// Envelope is the batch of rounds pushed to a remote collector.
type Envelope struct {
	WorkerID string            `json:"worker_id" yaml:"worker_id"`
	Kind     int32             `json:"kind" yaml:"kind"`
	SentAt   time.Time         `json:"sent_at" yaml:"sent_at"`
	BatchSeq uint64            `json:"batch_seq" yaml:"batch_seq"`
	Labels   map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Rounds   []Round           `json:"rounds" yaml:"rounds"`
}
