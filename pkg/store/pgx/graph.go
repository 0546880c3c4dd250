package pgx

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

func (s *GraphDBStorage) GraphStats(ctx context.Context) (*common.GraphStats, error) {
	stats := &common.GraphStats{
		DocumentStates: make(map[common.DocumentState]int64),
	}

	rows, err := s.conn.Query(ctx, `
		SELECT state, count(*)
		FROM documents
		GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan document count: %w", err)
		}
		stats.DocumentStates[common.DocumentState(state)] = count
		stats.Documents += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read document counts: %w", err)
	}

	err = s.conn.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM chunks),
			(SELECT count(*) FROM nodes WHERE NOT retracted),
			(SELECT count(*) FROM edges WHERE NOT retracted)
	`).Scan(&stats.Chunks, &stats.Nodes, &stats.Edges)
	if err != nil {
		return nil, fmt.Errorf("failed to count graph elements: %w", err)
	}
	return stats, nil
}

func (s *GraphDBStorage) DocumentStats(ctx context.Context, documentID string) (*store.DocumentStats, error) {
	var exists bool
	err := s.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, documentID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check document: %w", err)
	}
	if !exists {
		return nil, &common.NotFoundError{Kind: "document", ID: documentID}
	}

	stats := &store.DocumentStats{}
	err = s.conn.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM chunks WHERE document_id = $1),
			(SELECT count(*) FROM nodes WHERE NOT retracted AND EXISTS (
				SELECT 1 FROM jsonb_array_elements(provenance) p WHERE p->>'document_id' = $1
			)),
			(SELECT count(*) FROM edges WHERE NOT retracted AND EXISTS (
				SELECT 1 FROM jsonb_array_elements(provenance) p WHERE p->>'document_id' = $1
			))
	`, documentID).Scan(&stats.Chunks, &stats.Nodes, &stats.Edges)
	if err != nil {
		return nil, fmt.Errorf("failed to count document elements: %w", err)
	}
	return stats, nil
}

// RetractDocument strips the document's provenance and assertions from
// every node and edge inside one transaction. Elements left without
// provenance are soft-retracted; edges also retract when an endpoint
// does. The document's chunks are deleted outright.
func (s *GraphDBStorage) RetractDocument(ctx context.Context, documentID string) (*store.RetractionResult, error) {
	var exists bool
	err := s.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, documentID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check document: %w", err)
	}
	if !exists {
		return nil, &common.NotFoundError{Kind: "document", ID: documentID}
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := &store.RetractionResult{}

	tag, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	result.ChunksDeleted = tag.RowsAffected()

	retractedNodes, err := s.retractNodes(ctx, tx, documentID, result)
	if err != nil {
		return nil, err
	}
	if err := s.retractEdges(ctx, tx, documentID, retractedNodes, result); err != nil {
		return nil, err
	}

	if err := bumpRevision(ctx, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit retraction: %w", err)
	}
	return result, nil
}

type retractionRow struct {
	id         string
	provenance []common.Provenance
	attributes []common.Assertion
}

func scanRetractionRows(rows pgxv5.Rows) ([]retractionRow, error) {
	defer rows.Close()
	var out []retractionRow
	for rows.Next() {
		var row retractionRow
		var provenance, attributes []byte
		if err := rows.Scan(&row.id, &provenance, &attributes); err != nil {
			return nil, fmt.Errorf("failed to scan retraction row: %w", err)
		}
		var err error
		if row.provenance, err = unmarshalProvenance(provenance); err != nil {
			return nil, err
		}
		if row.attributes, err = unmarshalAssertions(attributes); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read retraction rows: %w", err)
	}
	return out, nil
}

func withoutDocument(set []common.Provenance, documentID string) []common.Provenance {
	out := make([]common.Provenance, 0, len(set))
	for _, p := range set {
		if p.DocumentID != documentID {
			out = append(out, p)
		}
	}
	return out
}

func withoutDocumentAssertions(set []common.Assertion, documentID string) []common.Assertion {
	out := make([]common.Assertion, 0, len(set))
	for _, a := range set {
		if a.DocumentID != documentID {
			out = append(out, a)
		}
	}
	return out
}

func (s *GraphDBStorage) retractNodes(
	ctx context.Context,
	tx pgxv5.Tx,
	documentID string,
	result *store.RetractionResult,
) (map[string]struct{}, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, provenance, attributes
		FROM nodes
		WHERE NOT retracted AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(provenance) p WHERE p->>'document_id' = $1
		)
		ORDER BY id ASC
		FOR UPDATE
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to select retraction nodes: %w", err)
	}
	affected, err := scanRetractionRows(rows)
	if err != nil {
		return nil, err
	}

	retracted := make(map[string]struct{})
	for _, row := range affected {
		provenance := withoutDocument(row.provenance, documentID)
		attributes := withoutDocumentAssertions(row.attributes, documentID)
		provenanceJSON, err := jsonbArray(provenance)
		if err != nil {
			return nil, err
		}
		attributesJSON, err := jsonbArray(attributes)
		if err != nil {
			return nil, err
		}

		gone := len(provenance) == 0
		_, err = tx.Exec(ctx, `
			UPDATE nodes
			SET provenance = $2,
				attributes = $3,
				retracted = $4,
				merge_version = merge_version + 1
			WHERE id = $1
		`, row.id, provenanceJSON, attributesJSON, gone)
		if err != nil {
			return nil, fmt.Errorf("failed to retract node %s: %w", row.id, err)
		}
		if gone {
			retracted[row.id] = struct{}{}
			result.NodesRemoved++
		} else {
			result.NodesUpdated++
		}
	}
	return retracted, nil
}

func (s *GraphDBStorage) retractEdges(
	ctx context.Context,
	tx pgxv5.Tx,
	documentID string,
	retractedNodes map[string]struct{},
	result *store.RetractionResult,
) error {
	nodeIDs := make([]string, 0, len(retractedNodes))
	for id := range retractedNodes {
		nodeIDs = append(nodeIDs, id)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, source_id, target_id, provenance, attributes
		FROM edges
		WHERE NOT retracted AND (
			source_id = ANY($2) OR target_id = ANY($2) OR EXISTS (
				SELECT 1 FROM jsonb_array_elements(provenance) p WHERE p->>'document_id' = $1
			)
		)
		ORDER BY id ASC
		FOR UPDATE
	`, documentID, nodeIDs)
	if err != nil {
		return fmt.Errorf("failed to select retraction edges: %w", err)
	}

	type edgeRow struct {
		retractionRow
		sourceID string
		targetID string
	}
	var affected []edgeRow
	for rows.Next() {
		var row edgeRow
		var provenance, attributes []byte
		if err := rows.Scan(&row.id, &row.sourceID, &row.targetID, &provenance, &attributes); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan retraction edge: %w", err)
		}
		if row.provenance, err = unmarshalProvenance(provenance); err != nil {
			rows.Close()
			return err
		}
		if row.attributes, err = unmarshalAssertions(attributes); err != nil {
			rows.Close()
			return err
		}
		affected = append(affected, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read retraction edges: %w", err)
	}

	for _, row := range affected {
		provenance := withoutDocument(row.provenance, documentID)
		attributes := withoutDocumentAssertions(row.attributes, documentID)
		provenanceJSON, err := jsonbArray(provenance)
		if err != nil {
			return err
		}
		attributesJSON, err := jsonbArray(attributes)
		if err != nil {
			return err
		}

		_, srcGone := retractedNodes[row.sourceID]
		_, dstGone := retractedNodes[row.targetID]
		gone := len(provenance) == 0 || srcGone || dstGone
		_, err = tx.Exec(ctx, `
			UPDATE edges
			SET provenance = $2,
				attributes = $3,
				retracted = $4,
				merge_version = merge_version + 1
			WHERE id = $1
		`, row.id, provenanceJSON, attributesJSON, gone)
		if err != nil {
			return fmt.Errorf("failed to retract edge %s: %w", row.id, err)
		}
		if gone {
			result.EdgesRemoved++
		} else {
			result.EdgesUpdated++
		}
	}
	return nil
}

// ResolveCitations maps citation ids to their subjects, preserving
// input order and skipping unknown ids. Chunk ids win over node and
// document ids when an id is ambiguous.
func (s *GraphDBStorage) ResolveCitations(ctx context.Context, ids []string) ([]store.Citation, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	byID := make(map[string]store.Citation, len(ids))

	rows, err := s.conn.Query(ctx, `
		SELECT c.id, c.content, c.document_id, d.name
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chunk citations: %w", err)
	}
	for rows.Next() {
		var id, content, documentID, documentName string
		if err := rows.Scan(&id, &content, &documentID, &documentName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan chunk citation: %w", err)
		}
		byID[id] = store.Citation{
			ID:           id,
			Kind:         "chunk",
			Name:         documentName,
			DocumentID:   documentID,
			DocumentName: documentName,
			Snippet:      store.Snippet(content, store.CitationSnippetRunes),
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk citations: %w", err)
	}

	rows, err = s.conn.Query(ctx, `
		SELECT n.id, n.name, n.description,
			COALESCE(n.provenance->0->>'document_id', ''),
			COALESCE(d.name, '')
		FROM nodes n
		LEFT JOIN documents d ON d.id = n.provenance->0->>'document_id'
		WHERE n.id = ANY($1) AND NOT n.retracted
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve node citations: %w", err)
	}
	for rows.Next() {
		var id, name, description, documentID, documentName string
		if err := rows.Scan(&id, &name, &description, &documentID, &documentName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan node citation: %w", err)
		}
		if _, ok := byID[id]; ok {
			continue
		}
		byID[id] = store.Citation{
			ID:           id,
			Kind:         "node",
			Name:         name,
			DocumentID:   documentID,
			DocumentName: documentName,
			Snippet:      store.Snippet(description, store.CitationSnippetRunes),
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read node citations: %w", err)
	}

	rows, err = s.conn.Query(ctx, `
		SELECT id, name, summary
		FROM documents
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document citations: %w", err)
	}
	for rows.Next() {
		var id, name, summary string
		if err := rows.Scan(&id, &name, &summary); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan document citation: %w", err)
		}
		if _, ok := byID[id]; ok {
			continue
		}
		byID[id] = store.Citation{
			ID:           id,
			Kind:         "document",
			Name:         name,
			DocumentID:   id,
			DocumentName: name,
			Snippet:      store.Snippet(summary, store.CitationSnippetRunes),
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
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
