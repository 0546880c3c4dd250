package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

func relationshipPropsFromRecord(record *neo4j.Record, key string) (map[string]any, bool) {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil, false
	}
	rel, ok := val.(neo4j.Relationship)
	if !ok {
		return nil, false
	}
	return rel.Props, true
}

func (s *GraphNeo4jStorage) UpsertEdge(ctx context.Context, edge common.Edge, expectedVersion int64) (int64, error) {
	if edge.ID == "" {
		return 0, fmt.Errorf("store: edge id required")
	}
	attributes, err := assertionsJSON(edge.Attributes)
	if err != nil {
		return 0, err
	}
	provenance, err := provenanceJSON(edge.Provenance)
	if err != nil {
		return 0, err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	live, err := session.Run(ctx, `
		MATCH (n:Entity)
		WHERE n.id IN $ids AND NOT n.retracted
		RETURN count(n) AS live
	`, map[string]any{"ids": []string{edge.SourceID, edge.TargetID}})
	if err != nil {
		return 0, fmt.Errorf("failed to check edge endpoints: %w", err)
	}
	record, err := live.Single(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to check edge endpoints: %w", err)
	}
	if getInt64(record.AsMap(), "live") != 2 {
		return 0, &common.NotFoundError{Kind: "node", ID: edge.SourceID + "/" + edge.TargetID}
	}

	params := map[string]any{
		"id":          edge.ID,
		"source_id":   edge.SourceID,
		"target_id":   edge.TargetID,
		"type":        edge.Type,
		"description": edge.Description,
		"confidence":  edge.Confidence,
		"attributes":  attributes,
		"provenance":  provenance,
		"retracted":   edge.Retracted,
		"expected":    expectedVersion,
	}

	var cypher string
	if expectedVersion == 0 {
		cypher = `
			OPTIONAL MATCH ()-[existing:RELATES_TO {id: $id}]->()
			WITH existing
			WHERE existing IS NULL
			MATCH (m:Meta {id: 'graph'})
			MATCH (a:Entity {id: $source_id})
			MATCH (b:Entity {id: $target_id})
			SET m.revision = m.revision + 1
			CREATE (a)-[r:RELATES_TO {
				id: $id,
				source_id: $source_id,
				target_id: $target_id,
				type: $type,
				description: $description,
				confidence: $confidence,
				attributes: $attributes,
				provenance: $provenance,
				merge_version: 1,
				retracted: $retracted
			}]->(b)
			RETURN r.merge_version AS version
		`
	} else {
		cypher = `
			MATCH (m:Meta {id: 'graph'})
			MATCH ()-[r:RELATES_TO {id: $id}]->()
			WHERE r.merge_version = $expected
			SET r.type = $type,
				r.description = $description,
				r.confidence = $confidence,
				r.attributes = $attributes,
				r.provenance = $provenance,
				r.retracted = $retracted,
				r.merge_version = $expected + 1,
				m.revision = m.revision + 1
			RETURN r.merge_version AS version
		`
	}

	result, err := session.Run(ctx, cypher, params)
	if err == nil {
		if result.Next(ctx) {
			return getInt64(result.Record().AsMap(), "version"), nil
		}
		err = result.Err()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to upsert relation: %w", err)
	}
	return 0, fmt.Errorf("%w: relation %s is not at version %d", store.ErrVersionMismatch, edge.ID, expectedVersion)
}

func (s *GraphNeo4jStorage) EdgeByEndpoints(ctx context.Context, sourceID, targetID, edgeType string) (*common.Edge, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (a:Entity {id: $source_id})-[r:RELATES_TO]->(b:Entity {id: $target_id})
		WHERE r.type = $type AND NOT r.retracted
		RETURN r
		ORDER BY r.id ASC
		LIMIT 1
	`, map[string]any{"source_id": sourceID, "target_id": targetID, "type": edgeType})
	if err != nil {
		return nil, fmt.Errorf("failed to get relation by endpoints: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to get relation by endpoints: %w", err)
		}
		return nil, &common.NotFoundError{
			Kind: "edge",
			ID:   fmt.Sprintf("%s-%s-%s", sourceID, edgeType, targetID),
		}
	}
	props, ok := relationshipPropsFromRecord(result.Record(), "r")
	if !ok {
		return nil, &common.NotFoundError{
			Kind: "edge",
			ID:   fmt.Sprintf("%s-%s-%s", sourceID, edgeType, targetID),
		}
	}
	return edgeFromProps(props)
}

func (s *GraphNeo4jStorage) Neighbors(ctx context.Context, nodeIDs []string) ([]common.Edge, error) {
	nodeIDs = store.DedupeStrings(nodeIDs)
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (a:Entity)-[r:RELATES_TO]->(b:Entity)
		WHERE (a.id IN $ids OR b.id IN $ids) AND NOT r.retracted
		RETURN r
		ORDER BY r.id ASC
	`, map[string]any{"ids": nodeIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbors: %w", err)
	}

	var out []common.Edge
	for result.Next(ctx) {
		props, ok := relationshipPropsFromRecord(result.Record(), "r")
		if !ok {
			continue
		}
		edge, err := edgeFromProps(props)
		if err != nil {
			return nil, err
		}
		out = append(out, *edge)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read neighbors: %w", err)
	}
	return out, nil
}
