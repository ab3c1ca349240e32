package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pingsantohq/tcpping/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS tcpping_samples (
    worker_id UUID        NOT NULL,
    kind      INTEGER     NOT NULL,
    version   INTEGER     NOT NULL,
    ts        TIMESTAMPTZ NOT NULL,
    addr      TEXT        NOT NULL,
    value_us  INTEGER,
    failed    BOOLEAN     NOT NULL
);
CREATE INDEX IF NOT EXISTS tcpping_samples_addr_ts ON tcpping_samples (addr, ts);
`

var columns = []string{"worker_id", "kind", "version", "ts", "addr", "value_us", "failed"}

type copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Sink writes one row per target and round into PostgreSQL.
type Sink struct {
	db       copier
	pool     *pgxpool.Pool
	workerID uuid.UUID
}

// Open connects using connString, verifies the connection and ensures the schema.
func Open(ctx context.Context, connString string, workerID uuid.UUID) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Sink{db: pool, pool: pool, workerID: workerID}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure tcpping_samples: %w", err)
	}
	return nil
}

func (s *Sink) Name() string { return "postgres" }

func (s *Sink) Send(ctx context.Context, rounds []types.Round) error {
	rows := s.rows(rounds)
	if len(rows) == 0 {
		return nil
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"tcpping_samples"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy samples: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy samples: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

func (s *Sink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Sink) rows(rounds []types.Round) [][]any {
	var rows [][]any
	for _, round := range rounds {
		ts := time.Unix(int64(round.Row.Timestamp()), 0).UTC()
		values := round.Row.Values()
		for i, addr := range round.Targets {
			if i >= len(values) {
				break
			}
			var value *int32
			failed := types.IsFailure(values[i])
			if !failed {
				v := values[i]
				value = &v
			}
			rows = append(rows, []any{s.workerID, round.Row.Kind(), round.Row.Version(), ts, addr, value, failed})
		}
	}
	return rows
}
