package pgx

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

const nodeColumns = `id, name, type, norm_key, description, aliases, attributes, provenance, embedding, merge_version, created_seq, retracted`

func scanNodeColumns(row pgxv5.Row, extra ...any) (*common.Node, error) {
	var node common.Node
	var attributes, provenance []byte
	var embedding *pgvector.Vector

	dest := []any{
		&node.ID,
		&node.Name,
		&node.Type,
		&node.NormKey,
		&node.Description,
		&node.Aliases,
		&attributes,
		&provenance,
		&embedding,
		&node.MergeVersion,
		&node.CreatedSeq,
		&node.Retracted,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if node.Attributes, err = unmarshalAssertions(attributes); err != nil {
		return nil, err
	}
	if node.Provenance, err = unmarshalProvenance(provenance); err != nil {
		return nil, err
	}
	if embedding != nil {
		node.Embedding = embedding.Slice()
	}
	return &node, nil
}

func (s *GraphDBStorage) queryNodes(ctx context.Context, sql string, args ...any) ([]common.Node, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var out []common.Node
	for rows.Next() {
		node, err := scanNodeColumns(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, *node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read nodes: %w", err)
	}
	return out, nil
}

func (s *GraphDBStorage) NodesByNormKeys(ctx context.Context, keys []string) (map[string]common.Node, error) {
	keys = store.DedupeStrings(keys)
	if len(keys) == 0 {
		return map[string]common.Node{}, nil
	}

	nodes, err := s.queryNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE norm_key = ANY($1) AND NOT retracted
		ORDER BY created_seq ASC
	`, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]common.Node, len(nodes))
	for _, node := range nodes {
		if _, ok := out[node.NormKey]; !ok {
			out[node.NormKey] = node
		}
	}
	return out, nil
}

func (s *GraphDBStorage) NodesByAlias(ctx context.Context, aliases []string) (map[string][]common.Node, error) {
	aliases = store.DedupeStrings(aliases)
	if len(aliases) == 0 {
		return map[string][]common.Node{}, nil
	}

	nodes, err := s.queryNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE aliases && $1::text[] AND NOT retracted
		ORDER BY created_seq ASC
	`, aliases)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]common.Node)
	for _, alias := range aliases {
		for _, node := range nodes {
			for _, a := range node.Aliases {
				if a == alias {
					out[alias] = append(out[alias], node)
					break
				}
			}
		}
	}
	return out, nil
}

// SimilarNodes ranks live nodes by pgvector cosine similarity against
// the query embedding, dropping scores below minScore.
func (s *GraphDBStorage) SimilarNodes(
	ctx context.Context,
	embedding []float32,
	topK int,
	minScore float64,
) ([]store.ScoredNode, error) {
	if topK <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT `+nodeColumns+`, 1 - (embedding <=> $1) AS score
		FROM nodes
		WHERE NOT retracted
			AND embedding IS NOT NULL
			AND 1 - (embedding <=> $1) >= $2
		ORDER BY score DESC, id ASC
		LIMIT $3
	`, pgvector.NewVector(embedding), minScore, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar nodes: %w", err)
	}
	defer rows.Close()

	var out []store.ScoredNode
	for rows.Next() {
		var score float64
		node, err := scanNodeColumns(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan similar node: %w", err)
		}
		out = append(out, store.ScoredNode{Node: *node, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read similar nodes: %w", err)
	}
	return out, nil
}

func (s *GraphDBStorage) AllNodes(ctx context.Context) ([]common.Node, error) {
	return s.queryNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE NOT retracted
		ORDER BY created_seq ASC
	`)
}

func (s *GraphDBStorage) GetNodes(ctx context.Context, ids []string) ([]common.Node, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	nodes, err := s.queryNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE id = ANY($1) AND NOT retracted
	`, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]common.Node, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}
	out := make([]common.Node, 0, len(nodes))
	for _, id := range ids {
		if node, ok := byID[id]; ok {
			out = append(out, node)
		}
	}
	return out, nil
}

// UpsertNode writes a node guarded by the optimistic merge version. A
// zero expectedVersion inserts; anything else updates the row only if
// the stored version still matches, bumping it to expectedVersion+1.
func (s *GraphDBStorage) UpsertNode(ctx context.Context, node common.Node, expectedVersion int64) (int64, error) {
	if node.ID == "" {
		return 0, fmt.Errorf("store: node id required")
	}
	attributes, err := jsonbArray(node.Attributes)
	if err != nil {
		return 0, err
	}
	provenance, err := jsonbArray(node.Provenance)
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

	newVersion := expectedVersion + 1
	if expectedVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO nodes (id, name, type, norm_key, description, aliases, attributes, provenance, embedding, merge_version, retracted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`, node.ID, node.Name, node.Type, node.NormKey, node.Description, node.Aliases,
			attributes, provenance, vectorParam(node.Embedding), newVersion, node.Retracted)
		if err != nil {
			return 0, fmt.Errorf("failed to insert node: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, fmt.Errorf("%w: node %s already exists", store.ErrVersionMismatch, node.ID)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE nodes
			SET name = $2,
				type = $3,
				norm_key = $4,
				description = $5,
				aliases = $6,
				attributes = $7,
				provenance = $8,
				embedding = $9,
				retracted = $10,
				merge_version = $11
			WHERE id = $1 AND merge_version = $12
		`, node.ID, node.Name, node.Type, node.NormKey, node.Description, node.Aliases,
			attributes, provenance, vectorParam(node.Embedding), node.Retracted, newVersion, expectedVersion)
		if err != nil {
			return 0, fmt.Errorf("failed to update node: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, fmt.Errorf("%w: node %s is not at version %d", store.ErrVersionMismatch, node.ID, expectedVersion)
		}
	}

	if err := bumpRevision(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit node upsert: %w", err)
	}
	return newVersion, nil
}
