package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

func (s *GraphNeo4jStorage) GraphStats(ctx context.Context) (*common.GraphStats, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	stats := &common.GraphStats{
		DocumentStates: make(map[common.DocumentState]int64),
	}

	result, err := session.Run(ctx, `
		MATCH (d:Document)
		RETURN d.state AS state, count(*) AS count
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	for result.Next(ctx) {
		row := result.Record().AsMap()
		count := getInt64(row, "count")
		stats.DocumentStates[common.DocumentState(getString(row, "state"))] = count
		stats.Documents += count
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read document counts: %w", err)
	}

	counts := []struct {
		cypher string
		target *int64
	}{
		{`MATCH (c:Chunk) RETURN count(c) AS count`, &stats.Chunks},
		{`MATCH (n:Entity) WHERE NOT n.retracted RETURN count(n) AS count`, &stats.Nodes},
		{`MATCH ()-[r:RELATES_TO]->() WHERE NOT r.retracted RETURN count(r) AS count`, &stats.Edges},
	}
	for _, c := range counts {
		result, err := session.Run(ctx, c.cypher, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to count graph elements: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count graph elements: %w", err)
		}
		*c.target = getInt64(record.AsMap(), "count")
	}
	return stats, nil
}

func (s *GraphNeo4jStorage) DocumentStats(ctx context.Context, documentID string) (*store.DocumentStats, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	marker := provenanceMarker(documentID)
	stats := &store.DocumentStats{}
	counts := []struct {
		cypher string
		params map[string]any
		target *int64
	}{
		{
			`MATCH (c:Chunk {document_id: $id}) RETURN count(c) AS count`,
			map[string]any{"id": documentID},
			&stats.Chunks,
		},
		{
			`MATCH (n:Entity) WHERE NOT n.retracted AND n.provenance CONTAINS $marker RETURN count(n) AS count`,
			map[string]any{"marker": marker},
			&stats.Nodes,
		},
		{
			`MATCH ()-[r:RELATES_TO]->() WHERE NOT r.retracted AND r.provenance CONTAINS $marker RETURN count(r) AS count`,
			map[string]any{"marker": marker},
			&stats.Edges,
		},
	}
	for _, c := range counts {
		result, err := session.Run(ctx, c.cypher, c.params)
		if err != nil {
			return nil, fmt.Errorf("failed to count document elements: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count document elements: %w", err)
		}
		*c.target = getInt64(record.AsMap(), "count")
	}
	return stats, nil
}

// RetractDocument runs inside one managed transaction: delete the
// document's chunks, strip its provenance and assertions from entities
// and relations, soft-retract anything left without provenance, and
// retract relations whose endpoint went away.
func (s *GraphNeo4jStorage) RetractDocument(ctx context.Context, documentID string) (*store.RetractionResult, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	marker := provenanceMarker(documentID)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result := &store.RetractionResult{}

		chunkRes, err := tx.Run(ctx, `
			MATCH (c:Chunk {document_id: $id})
			DETACH DELETE c
			RETURN count(*) AS deleted
		`, map[string]any{"id": documentID})
		if err != nil {
			return nil, fmt.Errorf("failed to delete chunks: %w", err)
		}
		record, err := chunkRes.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to delete chunks: %w", err)
		}
		result.ChunksDeleted = getInt64(record.AsMap(), "deleted")

		entityRes, err := tx.Run(ctx, `
			MATCH (n:Entity)
			WHERE NOT n.retracted AND n.provenance CONTAINS $marker
			RETURN n
			ORDER BY n.id ASC
		`, map[string]any{"marker": marker})
		if err != nil {
			return nil, fmt.Errorf("failed to select retraction entities: %w", err)
		}
		var affected []common.Node
		for entityRes.Next(ctx) {
			props, ok := nodePropsFromRecord(entityRes.Record(), "n")
			if !ok {
				continue
			}
			node, err := entityFromProps(props)
			if err != nil {
				return nil, err
			}
			affected = append(affected, *node)
		}
		if err := entityRes.Err(); err != nil {
			return nil, fmt.Errorf("failed to read retraction entities: %w", err)
		}

		retracted := make(map[string]struct{})
		retractedIDs := make([]string, 0)
		for _, node := range affected {
			provenance := make([]common.Provenance, 0, len(node.Provenance))
			for _, p := range node.Provenance {
				if p.DocumentID != documentID {
					provenance = append(provenance, p)
				}
			}
			attributes := make([]common.Assertion, 0, len(node.Attributes))
			for _, a := range node.Attributes {
				if a.DocumentID != documentID {
					attributes = append(attributes, a)
				}
			}
			provenanceStr, err := provenanceJSON(provenance)
			if err != nil {
				return nil, err
			}
			attributesStr, err := assertionsJSON(attributes)
			if err != nil {
				return nil, err
			}

			gone := len(provenance) == 0
			_, err = tx.Run(ctx, `
				MATCH (n:Entity {id: $id})
				SET n.provenance = $provenance,
					n.attributes = $attributes,
					n.retracted = $retracted,
					n.merge_version = n.merge_version + 1
			`, map[string]any{
				"id":         node.ID,
				"provenance": provenanceStr,
				"attributes": attributesStr,
				"retracted":  gone,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to retract entity %s: %w", node.ID, err)
			}
			if gone {
				retracted[node.ID] = struct{}{}
				retractedIDs = append(retractedIDs, node.ID)
				result.NodesRemoved++
			} else {
				result.NodesUpdated++
			}
		}

		edgeRes, err := tx.Run(ctx, `
			MATCH (a:Entity)-[r:RELATES_TO]->(b:Entity)
			WHERE NOT r.retracted AND (
				r.provenance CONTAINS $marker OR a.id IN $gone OR b.id IN $gone
			)
			RETURN r
			ORDER BY r.id ASC
		`, map[string]any{"marker": marker, "gone": retractedIDs})
		if err != nil {
			return nil, fmt.Errorf("failed to select retraction relations: %w", err)
		}
		var affectedEdges []common.Edge
		for edgeRes.Next(ctx) {
			props, ok := relationshipPropsFromRecord(edgeRes.Record(), "r")
			if !ok {
				continue
			}
			edge, err := edgeFromProps(props)
			if err != nil {
				return nil, err
			}
			affectedEdges = append(affectedEdges, *edge)
		}
		if err := edgeRes.Err(); err != nil {
			return nil, fmt.Errorf("failed to read retraction relations: %w", err)
		}

		for _, edge := range affectedEdges {
			provenance := make([]common.Provenance, 0, len(edge.Provenance))
			for _, p := range edge.Provenance {
				if p.DocumentID != documentID {
					provenance = append(provenance, p)
				}
			}
			attributes := make([]common.Assertion, 0, len(edge.Attributes))
			for _, a := range edge.Attributes {
				if a.DocumentID != documentID {
					attributes = append(attributes, a)
				}
			}
			provenanceStr, err := provenanceJSON(provenance)
			if err != nil {
				return nil, err
			}
			attributesStr, err := assertionsJSON(attributes)
			if err != nil {
				return nil, err
			}

			_, srcGone := retracted[edge.SourceID]
			_, dstGone := retracted[edge.TargetID]
			gone := len(provenance) == 0 || srcGone || dstGone
			_, err = tx.Run(ctx, `
				MATCH ()-[r:RELATES_TO {id: $id}]->()
				SET r.provenance = $provenance,
					r.attributes = $attributes,
					r.retracted = $retracted,
					r.merge_version = r.merge_version + 1
			`, map[string]any{
				"id":         edge.ID,
				"provenance": provenanceStr,
				"attributes": attributesStr,
				"retracted":  gone,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to retract relation %s: %w", edge.ID, err)
			}
			if gone {
				result.EdgesRemoved++
			} else {
				result.EdgesUpdated++
			}
		}

		_, err = tx.Run(ctx, `MATCH (m:Meta {id: 'graph'}) SET m.revision = m.revision + 1`, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to bump graph revision: %w", err)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*store.RetractionResult), nil
}

func (s *GraphNeo4jStorage) ResolveCitations(ctx context.Context, ids []string) ([]store.Citation, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	byID := make(map[string]store.Citation, len(ids))

	result, err := session.Run(ctx, `
		MATCH (c:Chunk)
		WHERE c.id IN $ids
		MATCH (d:Document {id: c.document_id})
		RETURN c.id AS id, c.content AS content, d.id AS document_id, d.name AS document_name
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chunk citations: %w", err)
	}
	for result.Next(ctx) {
		row := result.Record().AsMap()
		id := getString(row, "id")
		name := getString(row, "document_name")
		byID[id] = store.Citation{
			ID:           id,
			Kind:         "chunk",
			Name:         name,
			DocumentID:   getString(row, "document_id"),
			DocumentName: name,
			Snippet:      store.Snippet(getString(row, "content"), store.CitationSnippetRunes),
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk citations: %w", err)
	}

	result, err = session.Run(ctx, `
		MATCH (n:Entity)
		WHERE n.id IN $ids AND NOT n.retracted
		RETURN n
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entity citations: %w", err)
	}
	var entityDocs []string
	entityCitations := make(map[string]store.Citation)
	for result.Next(ctx) {
		props, ok := nodePropsFromRecord(result.Record(), "n")
		if !ok {
			continue
		}
		node, err := entityFromProps(props)
		if err != nil {
			return nil, err
		}
		citation := store.Citation{
			ID:      node.ID,
			Kind:    "node",
			Name:    node.Name,
			Snippet: store.Snippet(node.Description, store.CitationSnippetRunes),
		}
		if len(node.Provenance) > 0 {
			citation.DocumentID = node.Provenance[0].DocumentID
			entityDocs = append(entityDocs, citation.DocumentID)
		}
		entityCitations[node.ID] = citation
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entity citations: %w", err)
	}

	docNames := make(map[string]string)
	if len(entityDocs) > 0 {
		result, err = session.Run(ctx, `
			MATCH (d:Document)
			WHERE d.id IN $ids
			RETURN d.id AS id, d.name AS name
		`, map[string]any{"ids": store.DedupeStrings(entityDocs)})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve citation documents: %w", err)
		}
		for result.Next(ctx) {
			row := result.Record().AsMap()
			docNames[getString(row, "id")] = getString(row, "name")
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to read citation documents: %w", err)
		}
	}
	for id, citation := range entityCitations {
		if _, ok := byID[id]; ok {
			continue
		}
		citation.DocumentName = docNames[citation.DocumentID]
		byID[id] = citation
	}

	result, err = session.Run(ctx, `
		MATCH (d:Document)
		WHERE d.id IN $ids
		RETURN d.id AS id, d.name AS name, d.summary AS summary
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document citations: %w", err)
	}
	for result.Next(ctx) {
		row := result.Record().AsMap()
		id := getString(row, "id")
		if _, ok := byID[id]; ok {
			continue
		}
		name := getString(row, "name")
		byID[id] = store.Citation{
			ID:           id,
			Kind:         "document",
			Name:         name,
			DocumentID:   id,
			DocumentName: name,
			Snippet:      store.Snippet(getString(row, "summary"), store.CitationSnippetRunes),
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read document citations: %w", err)
	}

	out := make([]store.Citation, 0, len(byID))
	for _, id := range ids {
		if citation, ok := byID[id]; ok {
			out = append(out, citation)
		}
	}
	return out, nil
}
