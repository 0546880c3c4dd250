package common

import "time"

// Document is one ingested source file. Documents are immutable once
// chunked; only the state fields and the AI-generated summary/tags
// change afterwards.
type Document struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ContentHash string        `json:"content_hash"`
	StorageKey  string        `json:"-"`
	State       DocumentState `json:"state"`
	StateDetail string        `json:"state_detail,omitempty"`
	Summary     string        `json:"summary,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	ChunkIDs    []string      `json:"chunk_ids,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	IngestedAt  *time.Time    `json:"ingested_at,omitempty"`
}

// Chunk is a contiguous passage of a document's parsed text. Chunks are
// the provenance unit for everything extracted from them and are never
// mutated after creation.
//
// Start and End are rune offsets into the parsed document text. The
// chunk text may begin with overlap carried over from the previous
// chunk; OverlapStart marks where novel content begins, so the primary
// span [OverlapStart, End) never overlaps a neighbour's.
type Chunk struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	Index        int    `json:"index"`
	Text         string `json:"text"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	OverlapStart int    `json:"overlap_start"`
}

// CandidateEntity is a raw extraction result before resolution. It is
// consumed by the resolver and discarded.
type CandidateEntity struct {
	Label       string            `json:"label"`
	TypeHint    string            `json:"type_hint"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ChunkID     string            `json:"chunk_id"`
	Confidence  float64           `json:"confidence"`
}

// CandidateRelation is a raw extracted relation between two candidate
// labels from the same chunk.
type CandidateRelation struct {
	SourceLabel string            `json:"source_label"`
	TargetLabel string            `json:"target_label"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ChunkID     string            `json:"chunk_id"`
	Confidence  float64           `json:"confidence"`
}

// Provenance links a node or edge back to the chunk and document that
// asserted it. Provenance sets only grow, except on explicit document
// retraction.
type Provenance struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
}

// Assertion is one attribute value with its provenance. Conflicting
// values for the same key are kept side by side; the assertion with the
// highest Seq is the current display value.
type Assertion struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Seq        int64  `json:"seq"`
}

// Node is a canonical entity in the graph. Created on first resolution,
// mutated by every later merge that references it, never deleted during
// normal operation; retraction soft-invalidates instead.
type Node struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	NormKey      string       `json:"norm_key"`
	Description  string       `json:"description,omitempty"`
	Aliases      []string     `json:"aliases,omitempty"`
	Attributes   []Assertion  `json:"attributes,omitempty"`
	Provenance   []Provenance `json:"provenance,omitempty"`
	Embedding    []float32    `json:"-"`
	MergeVersion int64        `json:"merge_version"`
	CreatedSeq   int64        `json:"created_seq"`
	Retracted    bool         `json:"retracted,omitempty"`
}

// Edge is a directed relation between two nodes. Multiple edges of
// different types between the same pair are allowed; an edge of the
// same type and direction is merged, not duplicated.
type Edge struct {
	ID           string       `json:"id"`
	SourceID     string       `json:"source_id"`
	TargetID     string       `json:"target_id"`
	Type         string       `json:"type"`
	Description  string       `json:"description,omitempty"`
	Confidence   float64      `json:"confidence"`
	Attributes   []Assertion  `json:"attributes,omitempty"`
	Provenance   []Provenance `json:"provenance,omitempty"`
	MergeVersion int64        `json:"merge_version"`
	Retracted    bool         `json:"retracted,omitempty"`
}

// IngestionJob records one run of the ingestion state machine for a
// document. At most one job per document is active at a time.
type IngestionJob struct {
	DocumentID    string        `json:"document_id"`
	CorrelationID string        `json:"correlation_id"`
	State         DocumentState `json:"state"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// GraphStats summarises the corpus for the aggregate status endpoint.
type GraphStats struct {
	Documents      int64                   `json:"documents"`
	DocumentStates map[DocumentState]int64 `json:"document_states"`
	Chunks         int64                   `json:"chunks"`
	Nodes          int64                   `json:"nodes"`
	Edges          int64                   `json:"edges"`
}

// CurrentValue returns the most recently asserted value for key from an
// assertion history, or "" when the key was never asserted.
func CurrentValue(assertions []Assertion, key string) string {
	var best *Assertion
	for i := range assertions {
		a := &assertions[i]
		if a.Key != key {
			continue
		}
		if best == nil || a.Seq > best.Seq {
			best = a
		}
	}
	if best == nil {
		return ""
	}
	return best.Value
}

// AttributeKeys returns the distinct assertion keys in first-seen order.
func AttributeKeys(assertions []Assertion) []string {
	seen := make(map[string]struct{}, len(assertions))
	keys := make([]string, 0, len(assertions))
	for _, a := range assertions {
		if _, ok := seen[a.Key]; ok {
			continue
		}
		seen[a.Key] = struct{}{}
		keys = append(keys, a.Key)
	}
	return keys
}

// HasProvenance reports whether the set already contains the reference.
func HasProvenance(set []Provenance, p Provenance) bool {
	for _, existing := range set {
		if existing.ChunkID == p.ChunkID && existing.DocumentID == p.DocumentID {
			return true
		}
	}
	return false
}

// AppendProvenance adds p unless it is already present.
func AppendProvenance(set []Provenance, p Provenance) []Provenance {
	if HasProvenance(set, p) {
		return set
	}
	return append(set, p)
}
