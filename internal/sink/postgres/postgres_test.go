package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pingsantohq/tcpping/pkg/types"
)

type fakeDB struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
	execs   []string
	err     error
}

func (f *fakeDB) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.table = table
	f.columns = columns
	var n int64
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return n, err
		}
		f.rows = append(f.rows, values)
		n++
	}
	return n, src.Err()
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, f.err
}

func TestSendCopiesOneRowPerTarget(t *testing.T) {
	db := &fakeDB{}
	id := uuid.New()
	s := &Sink{db: db, workerID: id}

	rounds := []types.Round{
		{Row: types.Row{5, 2, 1700000000, 1234, types.SentinelError}, Targets: []string{"a:1", "b:2"}},
	}
	if err := s.Send(context.Background(), rounds); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(db.rows) != 2 {
		t.Fatalf("expected 2 rows got %d", len(db.rows))
	}
	if db.table[0] != "tcpping_samples" || len(db.columns) != len(columns) {
		t.Fatalf("unexpected copy target %v %v", db.table, db.columns)
	}

	first := db.rows[0]
	if first[0] != id || first[1] != int32(5) || first[2] != int32(2) {
		t.Fatalf("unexpected header columns %v", first)
	}
	if ts := first[3].(time.Time); ts.Unix() != 1700000000 {
		t.Fatalf("unexpected timestamp %v", ts)
	}
	if v := first[5].(*int32); v == nil || *v != 1234 {
		t.Fatalf("unexpected value %v", first[5])
	}
	if first[6] != false {
		t.Fatalf("expected success row")
	}

	second := db.rows[1]
	if second[5].(*int32) != nil || second[6] != true {
		t.Fatalf("expected failed row with NULL value, got %v", second)
	}
}

func TestSendPropagatesErrors(t *testing.T) {
	s := &Sink{db: &fakeDB{err: errors.New("connection reset")}}
	rounds := []types.Round{{Row: types.Row{1, 1, 1, 1}, Targets: []string{"a:1"}}}
	if err := s.Send(context.Background(), rounds); err == nil {
		t.Fatalf("expected error")
	}
	if err := s.Send(context.Background(), nil); err != nil {
		t.Fatalf("empty send should be a no-op, got %v", err)
	}
}

func TestMigrateCreatesSchema(t *testing.T) {
	db := &fakeDB{}
	s := &Sink{db: db}
	if err := s.migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("expected schema statement")
	}
}

func TestOpenAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("TCPPING_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TCPPING_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn, uuid.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	rounds := []types.Round{{Row: types.Row{1, 1, int32(time.Now().Unix()), 500}, Targets: []string{"127.0.0.1:5432"}}}
	if err := s.Send(ctx, rounds); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
