package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

func isConstraintViolation(err error) bool {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return strings.Contains(neoErr.Code, "ConstraintValidationFailed")
	}
	return false
}

func (s *GraphNeo4jStorage) queryEntities(ctx context.Context, cypher string, params map[string]any) ([]common.Node, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}

	var out []common.Node
	for result.Next(ctx) {
		props, ok := nodePropsFromRecord(result.Record(), "n")
		if !ok {
			continue
		}
		node, err := entityFromProps(props)
		if err != nil {
			return nil, err
		}
		out = append(out, *node)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}
	return out, nil
}

func (s *GraphNeo4jStorage) NodesByNormKeys(ctx context.Context, keys []string) (map[string]common.Node, error) {
	keys = store.DedupeStrings(keys)
	if len(keys) == 0 {
		return map[string]common.Node{}, nil
	}

	nodes, err := s.queryEntities(ctx, `
		MATCH (n:Entity)
		WHERE n.norm_key IN $keys AND NOT n.retracted
		RETURN n
		ORDER BY n.created_seq ASC
	`, map[string]any{"keys": keys})
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

func (s *GraphNeo4jStorage) NodesByAlias(ctx context.Context, aliases []string) (map[string][]common.Node, error) {
	aliases = store.DedupeStrings(aliases)
	if len(aliases) == 0 {
		return map[string][]common.Node{}, nil
	}

	nodes, err := s.queryEntities(ctx, `
		MATCH (n:Entity)
		WHERE NOT n.retracted AND any(alias IN n.aliases WHERE alias IN $aliases)
		RETURN n
		ORDER BY n.created_seq ASC
	`, map[string]any{"aliases": aliases})
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

// SimilarNodes computes cosine similarity in Cypher so embeddings
// never leave the database. Workable for the graph sizes a single
// instance handles; a vector index would replace the reduce() once
// the deployment guarantees Neo4j 5.13+.
func (s *GraphNeo4jStorage) SimilarNodes(
	ctx context.Context,
	embedding []float32,
	topK int,
	minScore float64,
) ([]store.ScoredNode, error) {
	if topK <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (n:Entity)
		WHERE NOT n.retracted AND n.embedding IS NOT NULL AND size(n.embedding) = size($embedding)
		WITH n,
			reduce(dot = 0.0, i IN range(0, size(n.embedding) - 1) | dot + n.embedding[i] * $embedding[i]) AS dot,
			sqrt(reduce(acc = 0.0, x IN n.embedding | acc + x * x)) AS normN,
			sqrt(reduce(acc = 0.0, x IN $embedding | acc + x * x)) AS normQ
		WITH n, CASE WHEN normN = 0 OR normQ = 0 THEN 0.0 ELSE dot / (normN * normQ) END AS score
		WHERE score >= $min_score
		RETURN n, score
		ORDER BY score DESC, n.id ASC
		LIMIT $top_k
	`, map[string]any{
		"embedding": embeddingParam(embedding),
		"min_score": minScore,
		"top_k":     topK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query similar entities: %w", err)
	}

	var out []store.ScoredNode
	for result.Next(ctx) {
		record := result.Record()
		props, ok := nodePropsFromRecord(record, "n")
		if !ok {
			continue
		}
		node, err := entityFromProps(props)
		if err != nil {
			return nil, err
		}
		out = append(out, store.ScoredNode{
			Node:  *node,
			Score: getFloat64(record.AsMap(), "score"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read similar entities: %w", err)
	}
	return out, nil
}

func (s *GraphNeo4jStorage) AllNodes(ctx context.Context) ([]common.Node, error) {
	return s.queryEntities(ctx, `
		MATCH (n:Entity)
		WHERE NOT n.retracted
		RETURN n
		ORDER BY n.created_seq ASC
	`, nil)
}

func (s *GraphNeo4jStorage) GetNodes(ctx context.Context, ids []string) ([]common.Node, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	nodes, err := s.queryEntities(ctx, `
		MATCH (n:Entity)
		WHERE n.id IN $ids AND NOT n.retracted
		RETURN n
	`, map[string]any{"ids": ids})
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

func (s *GraphNeo4jStorage) UpsertNode(ctx context.Context, node common.Node, expectedVersion int64) (int64, error) {
	if node.ID == "" {
		return 0, fmt.Errorf("store: node id required")
	}
	attributes, err := assertionsJSON(node.Attributes)
	if err != nil {
		return 0, err
	}
	provenance, err := provenanceJSON(node.Provenance)
	if err != nil {
		return 0, err
	}

	params := map[string]any{
		"id":          node.ID,
		"name":        node.Name,
		"type":        node.Type,
		"norm_key":    node.NormKey,
		"description": node.Description,
		"aliases":     node.Aliases,
		"attributes":  attributes,
		"provenance":  provenance,
		"embedding":   embeddingParam(node.Embedding),
		"retracted":   node.Retracted,
		"expected":    expectedVersion,
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	var cypher string
	if expectedVersion == 0 {
		cypher = `
			OPTIONAL MATCH (existing:Entity {id: $id})
			WITH existing
			WHERE existing IS NULL
			MATCH (m:Meta {id: 'graph'})
			SET m.next_seq = m.next_seq + 1, m.revision = m.revision + 1
			CREATE (n:Entity {
				id: $id,
				name: $name,
				type: $type,
				norm_key: $norm_key,
				description: $description,
				aliases: $aliases,
				attributes: $attributes,
				provenance: $provenance,
				embedding: $embedding,
				merge_version: 1,
				created_seq: m.next_seq,
				retracted: $retracted
			})
			RETURN n.merge_version AS version
		`
	} else {
		cypher = `
			MATCH (m:Meta {id: 'graph'})
			MATCH (n:Entity {id: $id})
			WHERE n.merge_version = $expected
			SET n.name = $name,
				n.type = $type,
				n.norm_key = $norm_key,
				n.description = $description,
				n.aliases = $aliases,
				n.attributes = $attributes,
				n.provenance = $provenance,
				n.embedding = $embedding,
				n.retracted = $retracted,
				n.merge_version = $expected + 1,
				m.revision = m.revision + 1
			RETURN n.merge_version AS version
		`
	}

	result, err := session.Run(ctx, cypher, params)
	if err == nil {
		if result.Next(ctx) {
			return getInt64(result.Record().AsMap(), "version"), nil
		}
		err = result.Err()
	}
	if err != nil && !isConstraintViolation(err) {
		return 0, fmt.Errorf("failed to upsert entity: %w", err)
	}
	return 0, fmt.Errorf("%w: entity %s is not at version %d", store.ErrVersionMismatch, node.ID, expectedVersion)
}
