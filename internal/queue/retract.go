package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/logger"
)

// ProcessRetractMessage removes one document: its provenance is
// retracted from the graph, its stored object deleted, and finally the
// document row itself. Jobs for documents that are already gone ack
// without retry.
func (w *Worker) ProcessRetractMessage(ctx context.Context, msg string) error {
	var job RetractJob
	if err := json.Unmarshal([]byte(msg), &job); err != nil {
		return fmt.Errorf("failed to decode retract job: %w", err)
	}
	if job.DocumentID == "" {
		return errors.New("retract job has no document id")
	}

	doc, err := w.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		if common.IsNotFound(err) {
			logger.Info("[Queue] Document already removed", "document_id", job.DocumentID)
			return nil
		}
		return err
	}

	return w.withDocumentLease(ctx, doc.ID, "retract/"+doc.ID+"/", func(leaseCtx context.Context) error {
		result, err := w.store.RetractDocument(leaseCtx, doc.ID)
		if err != nil {
			return err
		}
		logger.Info("[Queue] Retracted document",
			"document_id", doc.ID,
			"nodes_removed", result.NodesRemoved,
			"nodes_updated", result.NodesUpdated,
			"edges_removed", result.EdgesRemoved,
			"chunks_deleted", result.ChunksDeleted,
		)

		// Web documents are fetched from their URL and have no stored
		// object.
		if w.objects != nil && doc.StorageKey != "" && loader.KindForName(doc.Name) != loader.KindWeb {
			if err := w.objects.Delete(leaseCtx, doc.StorageKey); err != nil {
				logger.Warn("[Queue] Failed to delete document object",
					"document_id", doc.ID, "storage_key", doc.StorageKey, "err", err)
			}
		}

		return w.store.DeleteDocument(leaseCtx, doc.ID)
	})
}
