package pgx

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

const documentColumns = `id, name, content_hash, storage_key, state, state_detail, summary, tags, created_at, ingested_at`

func scanDocument(row pgxv5.Row) (*common.Document, error) {
	var doc common.Document
	var state string
	err := row.Scan(
		&doc.ID,
		&doc.Name,
		&doc.ContentHash,
		&doc.StorageKey,
		&state,
		&doc.StateDetail,
		&doc.Summary,
		&doc.Tags,
		&doc.CreatedAt,
		&doc.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.State = common.DocumentState(state)
	return &doc, nil
}

func (s *GraphDBStorage) CreateDocument(ctx context.Context, doc *common.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("store: document id required")
	}
	state := doc.State
	if state == "" {
		state = common.StatePending
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, name, content_hash, storage_key, state, state_detail, summary, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ID, doc.Name, doc.ContentHash, doc.StorageKey, string(state), doc.StateDetail, doc.Summary, doc.Tags)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}

func (s *GraphDBStorage) GetDocument(ctx context.Context, id string) (*common.Document, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1
	`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, &common.NotFoundError{Kind: "document", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list document chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var chunkID string
		if err := rows.Scan(&chunkID); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		doc.ChunkIDs = append(doc.ChunkIDs, chunkID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk ids: %w", err)
	}
	return doc, nil
}

func (s *GraphDBStorage) GetDocumentByHash(ctx context.Context, hash string) (*common.Document, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE content_hash = $1 AND content_hash <> ''
		ORDER BY created_at ASC
		LIMIT 1
	`, hash)
	doc, err := scanDocument(row)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, &common.NotFoundError{Kind: "document", ID: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document by hash: %w", err)
	}
	return doc, nil
}

func (s *GraphDBStorage) ListDocuments(ctx context.Context) ([]common.Document, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []common.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return out, nil
}

func (s *GraphDBStorage) UpdateDocumentMeta(ctx context.Context, id string, summary string, tags []string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE documents
		SET summary = $2, tags = $3
		WHERE id = $1
	`, id, summary, tags)
	if err != nil {
		return fmt.Errorf("failed to update document meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &common.NotFoundError{Kind: "document", ID: id}
	}

	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit document meta: %w", err)
	}
	return nil
}

// TransitionDocumentState moves a document to a new state only when
// its current state is in the allowed set. The compare-and-swap runs
// in a single UPDATE so concurrent triggers cannot both win.
func (s *GraphDBStorage) TransitionDocumentState(
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

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE documents
		SET state = $2,
			state_detail = $3,
			ingested_at = CASE WHEN $2 = 'ready' THEN now() ELSE ingested_at END
		WHERE id = $1 AND state = ANY($4)
	`, id, string(to), detail, fromStates)
	if err != nil {
		return fmt.Errorf("failed to transition document state: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if err := bumpRevision(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit state transition: %w", err)
		}
		return nil
	}

	var current string
	err = tx.QueryRow(ctx, `SELECT state FROM documents WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to read document state: %w", err)
	}
	return fmt.Errorf("%w: document %s is %s, not in %v", store.ErrStateConflict, id, current, from)
}

func (s *GraphDBStorage) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit document delete: %w", err)
	}
	return nil
}
