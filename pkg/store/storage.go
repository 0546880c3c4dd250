// Package store defines the persistence interface of the knowledge
// graph. Implementations live in the pgx, neo4j and memory subpackages.
package store

import (
	"context"
	"errors"

	"github.com/magpie-ai/magpie/pkg/common"
)

// ErrVersionMismatch is returned by UpsertNode/UpsertEdge when the
// expected merge version does not match the stored one. The merger
// re-reads and retries; exhaustion becomes a common.MergeConflictError.
var ErrVersionMismatch = errors.New("store: merge version mismatch")

// ErrStateConflict is returned by TransitionDocumentState when the
// document is not in any of the allowed source states. Concurrent
// ingestion triggers lose the compare-and-set race with this error.
var ErrStateConflict = errors.New("store: document state conflict")

// ScoredNode pairs a node with its similarity score for seed selection.
type ScoredNode struct {
	Node  common.Node
	Score float64
}

// Citation resolves a provenance id from an answer back to its origin.
// Kind is "chunk", "node" or "document".
type Citation struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	DocumentID   string `json:"document_id,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
}

// DocumentStats counts the graph footprint of a single document.
type DocumentStats struct {
	Chunks int64 `json:"chunks"`
	Nodes  int64 `json:"nodes"`
	Edges  int64 `json:"edges"`
}

// RetractionResult reports what a document retraction removed and what
// it merely shrank (shared nodes/edges that keep provenance from other
// documents).
type RetractionResult struct {
	NodesRemoved  int64 `json:"nodes_removed"`
	NodesUpdated  int64 `json:"nodes_updated"`
	EdgesRemoved  int64 `json:"edges_removed"`
	EdgesUpdated  int64 `json:"edges_updated"`
	ChunksDeleted int64 `json:"chunks_deleted"`
}

// GraphStorage defines the interface for persisting and querying the
// knowledge graph: document lifecycle, immutable chunks, versioned
// node/edge upserts and the lookups the resolver and retriever need.
type GraphStorage interface {
	// CreateDocument persists a new document record.
	CreateDocument(ctx context.Context, doc *common.Document) error
	// GetDocument returns a document by public id, or
	// common.NotFoundError.
	GetDocument(ctx context.Context, id string) (*common.Document, error)
	// GetDocumentByHash returns the document with the given content
	// hash, or common.NotFoundError. Used for re-upload dedup.
	GetDocumentByHash(ctx context.Context, hash string) (*common.Document, error)
	// ListDocuments returns all documents ordered by creation time.
	ListDocuments(ctx context.Context) ([]common.Document, error)
	// UpdateDocumentMeta stores the generated summary and tags.
	UpdateDocumentMeta(ctx context.Context, id string, summary string, tags []string) error
	// TransitionDocumentState moves a document from one of the allowed
	// source states to the target state with compare-and-set semantics.
	// It returns ErrStateConflict when the current state is not in
	// from, so concurrent triggers lose the race even across processes.
	TransitionDocumentState(ctx context.Context, id string, from []common.DocumentState, to common.DocumentState, detail string) error
	// DeleteDocument removes the document row only. Graph cleanup
	// happens through RetractDocument.
	DeleteDocument(ctx context.Context, id string) error

	// SaveChunks persists the chunks of a document. Chunks are
	// immutable once written.
	SaveChunks(ctx context.Context, chunks []common.Chunk) error
	// GetChunks returns a document's chunks ordered by index.
	GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error)
	// GetChunksByID returns the chunks for the given ids; unknown ids
	// are skipped.
	GetChunksByID(ctx context.Context, ids []string) ([]common.Chunk, error)

	// NodesByNormKeys returns non-retracted nodes keyed by normalized
	// key. Unknown keys are absent from the map.
	NodesByNormKeys(ctx context.Context, keys []string) (map[string]common.Node, error)
	// NodesByAlias returns non-retracted nodes whose alias set contains
	// the given normalized aliases, keyed by alias.
	NodesByAlias(ctx context.Context, aliases []string) (map[string][]common.Node, error)
	// SimilarNodes returns up to topK non-retracted nodes by embedding
	// similarity, ordered score descending then node id ascending.
	SimilarNodes(ctx context.Context, embedding []float32, topK int, minScore float64) ([]ScoredNode, error)
	// AllNodes returns a snapshot of all non-retracted nodes ordered by
	// CreatedSeq. The resolver works against this snapshot.
	AllNodes(ctx context.Context) ([]common.Node, error)
	// GetNodes returns the nodes for the given ids; unknown ids are
	// skipped.
	GetNodes(ctx context.Context, ids []string) ([]common.Node, error)
	// UpsertNode writes a node guarded by its merge version: the write
	// succeeds only when the stored version equals expectedVersion
	// (zero for a new node) and stores the node with version
	// expectedVersion+1. Returns the stored version, or
	// ErrVersionMismatch.
	UpsertNode(ctx context.Context, node common.Node, expectedVersion int64) (int64, error)

	// UpsertEdge writes an edge with the same version guard as
	// UpsertNode. Both endpoints must exist, otherwise the write fails.
	UpsertEdge(ctx context.Context, edge common.Edge, expectedVersion int64) (int64, error)
	// EdgeByEndpoints returns the non-retracted edge with the given
	// source, target and type, or common.NotFoundError.
	EdgeByEndpoints(ctx context.Context, sourceID, targetID, edgeType string) (*common.Edge, error)
	// Neighbors returns all non-retracted edges touching any of the
	// given nodes, ordered by edge id.
	Neighbors(ctx context.Context, nodeIDs []string) ([]common.Edge, error)

	// GraphStats summarises the whole corpus.
	GraphStats(ctx context.Context) (*common.GraphStats, error)
	// DocumentStats counts the graph footprint of one document.
	DocumentStats(ctx context.Context, documentID string) (*DocumentStats, error)
	// GraphRevision returns a counter that increases with every graph
	// or document write. Used to key the answer cache; a cached answer
	// is valid only for the revision it was computed against.
	GraphRevision(ctx context.Context) (int64, error)
	// RetractDocument removes the document's provenance from the graph:
	// nodes and edges whose provenance becomes empty are retracted, the
	// rest shrink; the document's chunks are deleted. The document row
	// itself stays until DeleteDocument.
	RetractDocument(ctx context.Context, documentID string) (*RetractionResult, error)
	// ResolveCitations maps provenance ids cited in an answer back to
	// chunks, nodes or documents, in input order; unknown ids are
	// skipped.
	ResolveCitations(ctx context.Context, ids []string) ([]Citation, error)
}
