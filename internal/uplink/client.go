// Package uplink pushes rounds to a remote collector over HTTP.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pingsantohq/tcpping/pkg/types"
)

const defaultRoundsPath = "/api/v1/rounds"

type Config struct {
	ServerURL string
	WorkerID  string
	Kind      int32
	Labels    map[string]string
}

// Dependencies allow test overrides for HTTP client, clock and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *log.Logger
	RoundsPath string
}

// Client posts each batch as one JSON envelope. Batch sequence numbers let
// the collector detect gaps and replays.
type Client struct {
	httpClient *http.Client
	roundsURL  string
	workerID   string
	kind       int32
	labels     map[string]string
	now        func() time.Time
	logger     *log.Logger
	seq        atomic.Uint64
}

func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker ID is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	roundsPath := deps.RoundsPath
	if roundsPath == "" {
		roundsPath = defaultRoundsPath
	}

	return &Client{
		httpClient: httpClient,
		roundsURL:  joinURL(cfg.ServerURL, roundsPath),
		workerID:   cfg.WorkerID,
		kind:       cfg.Kind,
		labels:     cloneLabels(cfg.Labels),
		now:        now,
		logger:     logger,
	}, nil
}

func (c *Client) Name() string { return "uplink" }

func (c *Client) Send(ctx context.Context, rounds []types.Round) error {
	if len(rounds) == 0 {
		return nil
	}

	envelope := types.Envelope{
		WorkerID: c.workerID,
		Kind:     c.kind,
		SentAt:   c.now().UTC(),
		BatchSeq: c.seq.Add(1),
		Labels:   c.labels,
		Rounds:   rounds,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.roundsURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build rounds request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tcpping")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send rounds: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rounds upload failed: status %s", resp.Status)
	}
	c.logger.Debug("rounds uploaded", "rounds", len(rounds), "seq", envelope.BatchSeq)
	return nil
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
