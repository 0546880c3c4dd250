package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/store"
)

// IngestDocument runs the ingestion state machine for one document:
// parse, chunk, extract, resolve, merge, ready. A document already in
// an active state rejects the trigger with IngestionInProgressError;
// any step failure moves it to the failed state with the recorded
// cause. Partially merged nodes and edges from a failed run stay in
// the graph, tagged with the document's provenance, for later
// retraction.
func (c *Client) IngestDocument(ctx context.Context, documentID string) error {
	doc, err := c.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	startable := []common.DocumentState{common.StatePending, common.StateReady, common.StateFailed}
	if err := c.store.TransitionDocumentState(ctx, documentID, startable, common.StateParsing, ""); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			if current, gerr := c.store.GetDocument(ctx, documentID); gerr == nil {
				doc = current
			}
			return &common.IngestionInProgressError{DocumentID: documentID, State: doc.State}
		}
		return err
	}

	logger.Info("[Ingest] Starting", "document_id", documentID, "name", doc.Name)

	if err := c.runPipeline(ctx, doc); err != nil {
		c.failDocument(ctx, documentID, err)
		return err
	}
	return nil
}

func (c *Client) runPipeline(ctx context.Context, doc *common.Document) error {
	start := time.Now()
	if len(doc.ChunkIDs) > 0 {
		// Re-ingestion: retract the previous run's chunks and
		// provenance so the document does not double-assert.
		result, err := c.store.RetractDocument(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("failed to retract stale document data: %w", err)
		}
		logger.Info("[Ingest] Retracted stale data before re-ingestion",
			"document_id", doc.ID,
			"chunks_deleted", result.ChunksDeleted,
			"nodes_updated", result.NodesUpdated+result.NodesRemoved,
		)
	}
	parsed, err := c.parseDocument(ctx, doc)
	if err != nil {
		return err
	}
	c.recordStage(string(common.StateParsing), start)

	if err := c.transition(ctx, doc.ID, common.StateParsing, common.StateChunking, ""); err != nil {
		return err
	}
	start = time.Now()
	chunks, err := buildChunks(parsed, doc.ID, c.cfg.TokenEncoder, c.cfg.ChunkMaxTokens, c.cfg.ChunkOverlapTokens)
	if err != nil {
		return err
	}
	if err := c.store.SaveChunks(ctx, chunks); err != nil {
		return err
	}
	c.describeDocument(ctx, doc, chunks)
	c.recordStage(string(common.StateChunking), start)

	if err := c.transition(ctx, doc.ID, common.StateChunking, common.StateExtracting, ""); err != nil {
		return err
	}
	start = time.Now()
	entities, relations, skipped, err := c.extractChunks(ctx, doc, chunks)
	if err != nil {
		return err
	}
	c.recordStage(string(common.StateExtracting), start)

	if err := c.transition(ctx, doc.ID, common.StateExtracting, common.StateResolving, ""); err != nil {
		return err
	}
	start = time.Now()
	r := newResolver(c.similarity, c.cfg.SimilarityThreshold, c.cfg.AmbiguityMargin)
	if err := r.loadSnapshot(ctx, c.store); err != nil {
		return err
	}
	res, err := r.resolve(doc.ID, entities, relations)
	if err != nil {
		return err
	}
	c.recordStage(string(common.StateResolving), start)

	if err := c.transition(ctx, doc.ID, common.StateResolving, common.StateMerging, ""); err != nil {
		return err
	}
	start = time.Now()
	stats, err := c.mergeResolution(ctx, res)
	if err != nil {
		return err
	}
	c.recordStage(string(common.StateMerging), start)

	detail := fmt.Sprintf(
		"chunks=%d nodes_created=%d nodes_updated=%d edges_created=%d edges_updated=%d skipped=%d ambiguous=%d",
		len(chunks), stats.nodesCreated, stats.nodesUpdated,
		stats.edgesCreated, stats.edgesUpdated, skipped, res.ambiguous,
	)
	if err := c.transition(ctx, doc.ID, common.StateMerging, common.StateReady, detail); err != nil {
		return err
	}

	logger.Info("[Ingest] Ready",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"nodes_created", stats.nodesCreated,
		"nodes_updated", stats.nodesUpdated,
		"edges_created", stats.edgesCreated,
		"edges_updated", stats.edgesUpdated,
		"skipped", skipped,
	)
	return nil
}

func (c *Client) transition(ctx context.Context, documentID string, from, to common.DocumentState, detail string) error {
	return c.store.TransitionDocumentState(ctx, documentID, []common.DocumentState{from}, to, detail)
}

// failDocument records a terminal failure. The write uses a detached
// context so a cancelled ingestion can still persist its cause.
func (c *Client) failDocument(ctx context.Context, documentID string, cause error) {
	logger.Error("[Ingest] Failed", "document_id", documentID, "error", cause)

	detached := context.WithoutCancel(ctx)
	err := c.store.TransitionDocumentState(detached, documentID, common.ActiveStates(), common.StateFailed, cause.Error())
	if err != nil {
		logger.Error("[Ingest] Failed to record failure state", "document_id", documentID, "error", err)
	}
}

func (c *Client) parseDocument(ctx context.Context, doc *common.Document) (*loader.ParsedDocument, error) {
	if c.parsers == nil {
		return nil, errors.New("graph: no parsers configured")
	}
	return c.parsers.Parse(ctx, loader.Document{
		ID:         doc.ID,
		Name:       doc.Name,
		StorageKey: doc.StorageKey,
		Kind:       loader.KindForName(doc.Name),
		Source:     c.source,
	})
}

// extractChunks runs model extraction over all chunks with bounded
// concurrency. A chunk whose extraction fails after retries is skipped
// and counted, never fatal; only cancellation aborts the wave.
func (c *Client) extractChunks(
	ctx context.Context,
	doc *common.Document,
	chunks []common.Chunk,
) ([]common.CandidateEntity, []common.CandidateRelation, int, error) {
	type chunkResult struct {
		entities  []common.CandidateEntity
		relations []common.CandidateRelation
		skipped   bool
	}
	results := make([]chunkResult, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ParallelChunks)
	for i := range chunks {
		idx := i
		chunk := chunks[i]
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			entities, relations, err := util.Retry2(gctx, c.cfg.Retry,
				func(rctx context.Context) ([]common.CandidateEntity, []common.CandidateRelation, error) {
					return extractFromChunk(rctx, c.ai, chunk, doc.Name, c.cfg.EntityTypes, c.cfg.MaxCandidatesPerChunk)
				})
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				callErr := &common.ExternalCallError{
					Op:       "extract",
					Attempts: c.cfg.Retry.MaxAttempts,
					Err:      err,
				}
				logger.Warn("[Ingest] Chunk extraction skipped",
					"document_id", doc.ID, "chunk_id", chunk.ID, "error", callErr)
				results[idx] = chunkResult{skipped: true}
				return nil
			}
			results[idx] = chunkResult{entities: entities, relations: relations}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, err
	}

	var entities []common.CandidateEntity
	var relations []common.CandidateRelation
	skipped := 0
	for _, result := range results {
		if result.skipped {
			skipped++
			continue
		}
		entities = append(entities, result.entities...)
		relations = append(relations, result.relations...)
	}
	if skipped > 0 {
		logger.Warn("[Ingest] Extraction finished with skipped chunks",
			"document_id", doc.ID, "skipped", skipped, "total", len(chunks))
	}
	return entities, relations, skipped, nil
}

// describeDocument stores an AI-generated summary and topic tags after
// chunking. Summaries feed the document list and the global query
// mode; failures here are logged and absorbed, never fatal.
func (c *Client) describeDocument(ctx context.Context, doc *common.Document, chunks []common.Chunk) {
	sample := contentSample(chunks, 6000)
	if sample == "" {
		return
	}

	summary, err := util.Retry(ctx, c.cfg.Retry, func(rctx context.Context) (string, error) {
		return c.ai.GenerateCompletion(rctx, fmt.Sprintf(ai.DescribePrompt, doc.Name, sample))
	})
	if err != nil {
		logger.Warn("[Ingest] Document summary failed", "document_id", doc.ID, "error", err)
		return
	}
	summary = strings.Join(strings.Fields(summary), " ")

	var tagRes struct {
		Tags []string `json:"tags"`
	}
	err = util.RetryErr(ctx, c.cfg.Retry, func(rctx context.Context) error {
		return c.ai.GenerateCompletionWithFormat(
			rctx,
			"tag_document",
			"Assign short topic tags to a document summary.",
			fmt.Sprintf(ai.TagPrompt, doc.Name, summary),
			&tagRes,
		)
	})
	if err != nil {
		logger.Warn("[Ingest] Document tagging failed", "document_id", doc.ID, "error", err)
	}

	if err := c.store.UpdateDocumentMeta(ctx, doc.ID, summary, cleanTags(tagRes.Tags)); err != nil {
		logger.Warn("[Ingest] Failed to store document summary", "document_id", doc.ID, "error", err)
	}
}

func contentSample(chunks []common.Chunk, maxRunes int) string {
	var b strings.Builder
	for _, chunk := range chunks {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(chunk.Text)
		if b.Len() >= maxRunes {
			break
		}
	}
	return util.Truncate(strings.TrimSpace(b.String()), maxRunes)
}

func cleanTags(tags []string) []string {
	var cleaned []string
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tag := strings.ToLower(strings.TrimSpace(t))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		cleaned = append(cleaned, tag)
		if len(cleaned) == 5 {
			break
		}
	}
	return cleaned
}
