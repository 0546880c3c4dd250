package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

func getTime(props map[string]any, key string) time.Time {
	if val, ok := props[key].(time.Time); ok {
		return val
	}
	return time.Time{}
}

func documentFromProps(props map[string]any) *common.Document {
	doc := &common.Document{
		ID:          getString(props, "id"),
		Name:        getString(props, "name"),
		ContentHash: getString(props, "content_hash"),
		StorageKey:  getString(props, "storage_key"),
		State:       common.DocumentState(getString(props, "state")),
		StateDetail: getString(props, "state_detail"),
		Summary:     getString(props, "summary"),
		Tags:        getStringSlice(props, "tags"),
		CreatedAt:   getTime(props, "created_at"),
	}
	if ingested := getTime(props, "ingested_at"); !ingested.IsZero() {
		doc.IngestedAt = &ingested
	}
	return doc
}

func chunkFromProps(props map[string]any) *common.Chunk {
	return &common.Chunk{
		ID:           getString(props, "id"),
		DocumentID:   getString(props, "document_id"),
		Index:        int(getInt64(props, "index")),
		Text:         getString(props, "content"),
		Start:        int(getInt64(props, "start_offset")),
		End:          int(getInt64(props, "end_offset")),
		OverlapStart: int(getInt64(props, "overlap_start")),
	}
}

func nodePropsFromRecord(record *neo4j.Record, key string) (map[string]any, bool) {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil, false
	}
	node, ok := val.(neo4j.Node)
	if !ok {
		return nil, false
	}
	return node.Props, true
}

func (s *GraphNeo4jStorage) CreateDocument(ctx context.Context, doc *common.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("store: document id required")
	}
	state := doc.State
	if state == "" {
		state = common.StatePending
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Meta {id: 'graph'})
		CREATE (d:Document {
			id: $id,
			name: $name,
			content_hash: $content_hash,
			storage_key: $storage_key,
			state: $state,
			state_detail: $state_detail,
			summary: $summary,
			tags: $tags,
			created_at: datetime()
		})
		SET m.revision = m.revision + 1
	`, map[string]any{
		"id":           doc.ID,
		"name":         doc.Name,
		"content_hash": doc.ContentHash,
		"storage_key":  doc.StorageKey,
		"state":        string(state),
		"state_detail": doc.StateDetail,
		"summary":      doc.Summary,
		"tags":         doc.Tags,
	})
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *GraphNeo4jStorage) GetDocument(ctx context.Context, id string) (*common.Document, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document {id: $id})
		OPTIONAL MATCH (c:Chunk {document_id: $id})
		WITH d, c ORDER BY c.index ASC
		RETURN d, collect(c.id) AS chunk_ids
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to get document: %w", err)
		}
		return nil, &common.NotFoundError{Kind: "document", ID: id}
	}
	record := result.Record()
	props, ok := nodePropsFromRecord(record, "d")
	if !ok {
		return nil, &common.NotFoundError{Kind: "document", ID: id}
	}
	doc := documentFromProps(props)
	if ids, found := record.Get("chunk_ids"); found {
		if list, ok := ids.([]any); ok {
			for _, v := range list {
				if chunkID, ok := v.(string); ok {
					doc.ChunkIDs = append(doc.ChunkIDs, chunkID)
				}
			}
		}
	}
	return doc, nil
}

func (s *GraphNeo4jStorage) GetDocumentByHash(ctx context.Context, hash string) (*common.Document, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document)
		WHERE d.content_hash = $hash AND d.content_hash <> ''
		RETURN d
		ORDER BY d.created_at ASC
		LIMIT 1
	`, map[string]any{"hash": hash})
	if err != nil {
		return nil, fmt.Errorf("failed to get document by hash: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to get document by hash: %w", err)
		}
		return nil, &common.NotFoundError{Kind: "document", ID: hash}
	}
	props, ok := nodePropsFromRecord(result.Record(), "d")
	if !ok {
		return nil, &common.NotFoundError{Kind: "document", ID: hash}
	}
	return documentFromProps(props), nil
}

func (s *GraphNeo4jStorage) ListDocuments(ctx context.Context) ([]common.Document, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document)
		RETURN d
		ORDER BY d.created_at ASC, d.id ASC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	var out []common.Document
	for result.Next(ctx) {
		if props, ok := nodePropsFromRecord(result.Record(), "d"); ok {
			out = append(out, *documentFromProps(props))
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return out, nil
}

func (s *GraphNeo4jStorage) UpdateDocumentMeta(ctx context.Context, id string, summary string, tags []string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Meta {id: 'graph'})
		MATCH (d:Document {id: $id})
		SET d.summary = $summary,
			d.tags = $tags,
			m.revision = m.revision + 1
		RETURN d.id AS id
	`, map[string]any{"id": id, "summary": summary, "tags": tags})
	if err != nil {
		return fmt.Errorf("failed to update document meta: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return fmt.Errorf("failed to update document meta: %w", err)
		}
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	return nil
}

func (s *GraphNeo4jStorage) TransitionDocumentState(
	ctx context.Context,
	id string,
	from []common.DocumentState,
	to common.DocumentState,
	detail string,
) error {
	fromStates := make([]string, len(from))
	for i, state := range from {
		fromStates[i] = string(state)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Meta {id: 'graph'})
		MATCH (d:Document {id: $id})
		WHERE d.state IN $from
		SET d.state = $to,
			d.state_detail = $detail,
			d.ingested_at = CASE WHEN $to = 'ready' THEN datetime() ELSE d.ingested_at END,
			m.revision = m.revision + 1
		RETURN d.id AS id
	`, map[string]any{"id": id, "from": fromStates, "to": string(to), "detail": detail})
	if err != nil {
		return fmt.Errorf("failed to transition document state: %w", err)
	}
	if result.Next(ctx) {
		return nil
	}
	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to transition document state: %w", err)
	}

	current, err := session.Run(ctx, `MATCH (d:Document {id: $id}) RETURN d.state AS state`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("failed to read document state: %w", err)
	}
	if !current.Next(ctx) {
		if err := current.Err(); err != nil {
			return fmt.Errorf("failed to read document state: %w", err)
		}
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	state := getString(current.Record().AsMap(), "state")
	return fmt.Errorf("%w: document %s is %s, not in %v", store.ErrStateConflict, id, state, from)
}

func (s *GraphNeo4jStorage) DeleteDocument(ctx context.Context, id string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Meta {id: 'graph'})
		MATCH (d:Document {id: $id})
		SET m.revision = m.revision + 1
		WITH d, d.id AS deleted
		OPTIONAL MATCH (c:Chunk {document_id: d.id})
		DETACH DELETE d, c
		RETURN count(DISTINCT deleted) AS deleted
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	if getInt64(result.Record().AsMap(), "deleted") == 0 {
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	return nil
}

func (s *GraphNeo4jStorage) SaveChunks(ctx context.Context, chunks []common.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	params := make([]map[string]any, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.ID == "" || chunk.DocumentID == "" {
			return fmt.Errorf("store: chunk id and document id required")
		}
		params = append(params, map[string]any{
			"id":            chunk.ID,
			"document_id":   chunk.DocumentID,
			"index":         chunk.Index,
			"content":       chunk.Text,
			"start_offset":  chunk.Start,
			"end_offset":    chunk.End,
			"overlap_start": chunk.OverlapStart,
		})
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Meta {id: 'graph'})
		SET m.revision = m.revision + 1
		WITH m
		UNWIND $chunks AS chunk
		MATCH (d:Document {id: chunk.document_id})
		CREATE (c:Chunk {
			id: chunk.id,
			document_id: chunk.document_id,
			index: chunk.index,
			content: chunk.content,
			start_offset: chunk.start_offset,
			end_offset: chunk.end_offset,
			overlap_start: chunk.overlap_start
		})
		CREATE (c)-[:PART_OF]->(d)
	`, map[string]any{"chunks": params})
	if err != nil {
		return fmt.Errorf("failed to save chunks: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("failed to save chunks: %w", err)
	}
	return nil
}

func (s *GraphNeo4jStorage) GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Chunk {document_id: $document_id})
		RETURN c
		ORDER BY c.index ASC
	`, map[string]any{"document_id": documentID})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}

	var out []common.Chunk
	for result.Next(ctx) {
		if props, ok := nodePropsFromRecord(result.Record(), "c"); ok {
			out = append(out, *chunkFromProps(props))
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return out, nil
}

func (s *GraphNeo4jStorage) GetChunksByID(ctx context.Context, ids []string) ([]common.Chunk, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Chunk)
		WHERE c.id IN $ids
		RETURN c
	`, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks by id: %w", err)
	}

	byID := make(map[string]common.Chunk, len(ids))
	for result.Next(ctx) {
		if props, ok := nodePropsFromRecord(result.Record(), "c"); ok {
			chunk := chunkFromProps(props)
			byID[chunk.ID] = *chunk
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}

	out := make([]common.Chunk, 0, len(byID))
	for _, id := range ids {
		if chunk, ok := byID[id]; ok {
			out = append(out, chunk)
		}
	}
	return out, nil
}
