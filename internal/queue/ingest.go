package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/logger"
)

// ProcessIngestMessage runs the ingestion state machine for the
// document an ingest job names. The run is serialized across workers
// by a lease on the document. Jobs for documents that are gone, or
// that another process is already working on, ack without retry.
func (w *Worker) ProcessIngestMessage(ctx context.Context, msg string) error {
	var job IngestJob
	if err := json.Unmarshal([]byte(msg), &job); err != nil {
		return fmt.Errorf("failed to decode ingest job: %w", err)
	}
	if job.DocumentID == "" {
		return errors.New("ingest job has no document id")
	}
	logger.Info("[Queue] Processing ingest job",
		"document_id", job.DocumentID, "correlation_id", job.CorrelationID)

	return w.withDocumentLease(ctx, job.DocumentID, "ingest/"+job.DocumentID+"/", func(leaseCtx context.Context) error {
		err := w.graph.IngestDocument(leaseCtx, job.DocumentID)
		if common.IsIngestionInProgress(err) && w.locker != nil {
			// Holding the lease means no other worker is on this
			// document: the active state is left over from an
			// interrupted run. Reset it and run again.
			resetErr := w.store.TransitionDocumentState(leaseCtx, job.DocumentID,
				common.ActiveStates(), common.StatePending, "reset after interrupted run")
			if resetErr != nil {
				return resetErr
			}
			logger.Info("[Queue] Reset interrupted document before retry", "document_id", job.DocumentID)
			err = w.graph.IngestDocument(leaseCtx, job.DocumentID)
		}

		switch {
		case err == nil:
			return nil
		case common.IsIngestionInProgress(err):
			logger.Info("[Queue] Skipping ingest: document already processing", "document_id", job.DocumentID)
			return nil
		case common.IsNotFound(err):
			logger.Warn("[Queue] Skipping ingest: document no longer exists", "document_id", job.DocumentID)
			return nil
		default:
			return err
		}
	})
}
