package queue

import (
	"context"
	"errors"
	"time"

	"github.com/magpie-ai/magpie/internal/storage"
	"github.com/magpie-ai/magpie/pkg/graph"
	"github.com/magpie-ai/magpie/pkg/leaselock"
	"github.com/magpie-ai/magpie/pkg/store"
)

const (
	// leaseTTL bounds how long a crashed worker keeps a document
	// locked before another worker may take over.
	leaseTTL   = 10 * time.Minute
	leaseRenew = 4 * time.Minute
)

// Worker executes queued jobs: ingestion runs and document
// retractions.
//
// A Worker should be created using NewWorker.
type Worker struct {
	store   store.GraphStorage
	graph   *graph.Client
	objects *storage.ObjectStore
	locker  *leaselock.Locker
}

// WorkerParams defines the collaborators of a Worker. Store and Graph
// are required. A nil Locker disables cross-worker serialization, a
// nil Objects skips stored-object deletion on retraction.
type WorkerParams struct {
	Store   store.GraphStorage
	Graph   *graph.Client
	Objects *storage.ObjectStore
	Locker  *leaselock.Locker
}

// NewWorker creates a Worker from the provided parameters.
func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Store == nil {
		return nil, errors.New("queue: store is required")
	}
	if params.Graph == nil {
		return nil, errors.New("queue: graph client is required")
	}
	return &Worker{
		store:   params.Store,
		graph:   params.Graph,
		objects: params.Objects,
		locker:  params.Locker,
	}, nil
}

func documentLockKey(documentID string) string {
	return "document:" + documentID
}

// withDocumentLease runs fn while holding the document's lease, so
// ingestion and retraction of the same document never overlap across
// workers. fn receives the lease context, which is cancelled when the
// lease is lost.
func (w *Worker) withDocumentLease(ctx context.Context, documentID, tokenPrefix string, fn func(ctx context.Context) error) error {
	if w.locker == nil {
		return fn(ctx)
	}
	return w.locker.WithLease(ctx, documentLockKey(documentID), leaselock.Options{
		TTL:           leaseTTL,
		RenewInterval: leaseRenew,
		Wait:          true,
		TokenPrefix:   tokenPrefix,
	}, fn)
}
