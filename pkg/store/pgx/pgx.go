package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/magpie-ai/magpie/pkg/common"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements the GraphStorage interface on PostgreSQL
// with pgvector for similarity search. Graph writes are serialized
// with a mutex on top of the per-row version checks so a single worker
// never races itself on the revision counter.
type GraphDBStorage struct {
	conn   pgxIConn
	dbLock sync.Mutex
}

// NewGraphDBStorageWithConnection creates a GraphDBStorage using an
// existing connection or pool. The pool must have pgvector types
// registered (pgxvec.RegisterTypes in AfterConnect).
func NewGraphDBStorageWithConnection(ctx context.Context, conn pgxIConn) (*GraphDBStorage, error) {
	return &GraphDBStorage{
		conn:   conn,
		dbLock: sync.Mutex{},
	}, nil
}

// jsonbArray marshals a slice for a JSONB column, mapping empty slices
// to the empty array instead of null.
func jsonbArray(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	if string(data) == "null" {
		return []byte("[]"), nil
	}
	return data, nil
}

func unmarshalProvenance(data []byte) ([]common.Provenance, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []common.Provenance
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provenance: %w", err)
	}
	return out, nil
}

func unmarshalAssertions(data []byte) ([]common.Assertion, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []common.Assertion
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assertions: %w", err)
	}
	return out, nil
}

// vectorParam converts an embedding to a nullable pgvector parameter.
func vectorParam(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

// bumpRevision advances the global graph revision inside the caller's
// transaction so cache keys change together with the data.
func bumpRevision(ctx context.Context, tx pgxv5.Tx) error {
	_, err := tx.Exec(ctx, `UPDATE graph_revision SET revision = revision + 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to bump graph revision: %w", err)
	}
	return nil
}

func (s *GraphDBStorage) GraphRevision(ctx context.Context) (int64, error) {
	var revision int64
	err := s.conn.QueryRow(ctx, `SELECT revision FROM graph_revision WHERE id = 1`).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("failed to read graph revision: %w", err)
	}
	return revision, nil
}
