package pgx

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

const edgeColumns = `id, source_id, target_id, type, description, confidence, attributes, provenance, merge_version, retracted`

func scanEdge(row pgxv5.Row) (*common.Edge, error) {
	var edge common.Edge
	var attributes, provenance []byte
	err := row.Scan(
		&edge.ID,
		&edge.SourceID,
		&edge.TargetID,
		&edge.Type,
		&edge.Description,
		&edge.Confidence,
		&attributes,
		&provenance,
		&edge.MergeVersion,
		&edge.Retracted,
	)
	if err != nil {
		return nil, err
	}
	if edge.Attributes, err = unmarshalAssertions(attributes); err != nil {
		return nil, err
	}
	if edge.Provenance, err = unmarshalProvenance(provenance); err != nil {
		return nil, err
	}
	return &edge, nil
}

// UpsertEdge writes an edge with the same optimistic version contract
// as UpsertNode. Both endpoints must exist as live nodes.
func (s *GraphDBStorage) UpsertEdge(ctx context.Context, edge common.Edge, expectedVersion int64) (int64, error) {
	if edge.ID == "" {
		return 0, fmt.Errorf("store: edge id required")
	}
	attributes, err := jsonbArray(edge.Attributes)
	if err != nil {
		return 0, err
	}
	provenance, err := jsonbArray(edge.Provenance)
	if err != nil {
		return 0, err
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var liveEndpoints int64
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM nodes WHERE id = ANY($1) AND NOT retracted
	`, []string{edge.SourceID, edge.TargetID}).Scan(&liveEndpoints)
	if err != nil {
		return 0, fmt.Errorf("failed to check edge endpoints: %w", err)
	}
	if liveEndpoints != 2 {
		return 0, &common.NotFoundError{Kind: "node", ID: edge.SourceID + "/" + edge.TargetID}
	}

	newVersion := expectedVersion + 1
	if expectedVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO edges (id, source_id, target_id, type, description, confidence, attributes, provenance, merge_version, retracted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`, edge.ID, edge.SourceID, edge.TargetID, edge.Type, edge.Description, edge.Confidence,
			attributes, provenance, newVersion, edge.Retracted)
		if err != nil {
			return 0, fmt.Errorf("failed to insert edge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, fmt.Errorf("%w: edge %s already exists", store.ErrVersionMismatch, edge.ID)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE edges
			SET source_id = $2,
				target_id = $3,
				type = $4,
				description = $5,
				confidence = $6,
				attributes = $7,
				provenance = $8,
				retracted = $9,
				merge_version = $10
			WHERE id = $1 AND merge_version = $11
		`, edge.ID, edge.SourceID, edge.TargetID, edge.Type, edge.Description, edge.Confidence,
			attributes, provenance, edge.Retracted, newVersion, expectedVersion)
		if err != nil {
			return 0, fmt.Errorf("failed to update edge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, fmt.Errorf("%w: edge %s is not at version %d", store.ErrVersionMismatch, edge.ID, expectedVersion)
		}
	}

	if err := bumpRevision(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit edge upsert: %w", err)
	}
	return newVersion, nil
}

func (s *GraphDBStorage) EdgeByEndpoints(ctx context.Context, sourceID, targetID, edgeType string) (*common.Edge, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT `+edgeColumns+`
		FROM edges
		WHERE source_id = $1 AND target_id = $2 AND type = $3 AND NOT retracted
		ORDER BY id ASC
		LIMIT 1
	`, sourceID, targetID, edgeType)
	edge, err := scanEdge(row)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, &common.NotFoundError{
			Kind: "edge",
			ID:   fmt.Sprintf("%s-%s-%s", sourceID, edgeType, targetID),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edge by endpoints: %w", err)
	}
	return edge, nil
}

func (s *GraphDBStorage) Neighbors(ctx context.Context, nodeIDs []string) ([]common.Edge, error) {
	nodeIDs = store.DedupeStrings(nodeIDs)
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT `+edgeColumns+`
		FROM edges
		WHERE (source_id = ANY($1) OR target_id = ANY($1)) AND NOT retracted
		ORDER BY id ASC
	`, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbors: %w", err)
	}
	defer rows.Close()

	var out []common.Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		out = append(out, *edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read edges: %w", err)
	}
	return out, nil
}
