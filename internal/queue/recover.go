package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/leaselock"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/store"
)

// RecoverStaleDocuments requeues documents left in an active state by
// an interrupted worker. A document whose lease is still held belongs
// to a live worker and is left alone; the rest are reset to pending
// and republished. Called once on worker boot.
func (w *Worker) RecoverStaleDocuments(ctx context.Context, pub JobPublisher) error {
	docs, err := w.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list documents for recovery: %w", err)
	}

	recovered := 0
	for _, doc := range docs {
		if !doc.State.Active() {
			continue
		}
		requeued, err := w.recoverDocument(ctx, doc, pub)
		if err != nil {
			logger.Error("[Queue] Failed to recover stale document",
				"document_id", doc.ID, "state", doc.State, "err", err)
			continue
		}
		if requeued {
			logger.Info("[Queue] Recovered stale document", "document_id", doc.ID, "state", doc.State)
			recovered++
		}
	}

	if recovered == 0 {
		logger.Debug("[Queue] No stale documents found")
	} else {
		logger.Info("[Queue] Recovered stale documents", "count", recovered)
	}
	return nil
}

func (w *Worker) recoverDocument(ctx context.Context, doc common.Document, pub JobPublisher) (bool, error) {
	if w.locker != nil {
		lease, err := w.locker.Acquire(ctx, documentLockKey(doc.ID), leaselock.Options{
			TTL:         time.Minute,
			TokenPrefix: "recover/" + doc.ID + "/",
		})
		if err != nil {
			if errors.Is(err, leaselock.ErrBusy) {
				return false, nil
			}
			return false, err
		}
		defer func() {
			_ = lease.Release(context.Background())
		}()
	}

	err := w.store.TransitionDocumentState(ctx, doc.ID,
		common.ActiveStates(), common.StatePending, "requeued after worker restart")
	if err != nil {
		// Lost the race against a state change; nothing stale left.
		if errors.Is(err, store.ErrStateConflict) {
			return false, nil
		}
		return false, err
	}

	data, err := json.Marshal(IngestJob{
		Message:       "Recovered stale document",
		DocumentID:    doc.ID,
		CorrelationID: util.NewCorrelationID(),
	})
	if err != nil {
		return false, err
	}
	if err := pub.PublishJob(IngestQueue, data); err != nil {
		return false, err
	}
	return true, nil
}
