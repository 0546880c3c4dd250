package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

// MemoryStorage implements the GraphStorage interface on in-process
// maps guarded by a single RWMutex. It backs tests and the
// GRAPH_STORE=memory dev mode; nothing survives a restart.
type MemoryStorage struct {
	mu        sync.RWMutex
	documents map[string]*common.Document
	hashIndex map[string]string
	chunks    map[string]*common.Chunk
	nodes     map[string]*common.Node
	edges     map[string]*common.Edge
	nextSeq   int64
	revision  int64
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		documents: make(map[string]*common.Document),
		hashIndex: make(map[string]string),
		chunks:    make(map[string]*common.Chunk),
		nodes:     make(map[string]*common.Node),
		edges:     make(map[string]*common.Edge),
	}
}

func cloneDocument(d *common.Document) *common.Document {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	c.ChunkIDs = append([]string(nil), d.ChunkIDs...)
	if d.IngestedAt != nil {
		t := *d.IngestedAt
		c.IngestedAt = &t
	}
	return &c
}

func cloneNode(n *common.Node) *common.Node {
	c := *n
	c.Aliases = append([]string(nil), n.Aliases...)
	c.Attributes = append([]common.Assertion(nil), n.Attributes...)
	c.Provenance = append([]common.Provenance(nil), n.Provenance...)
	c.Embedding = append([]float32(nil), n.Embedding...)
	return &c
}

func cloneEdge(e *common.Edge) *common.Edge {
	c := *e
	c.Attributes = append([]common.Assertion(nil), e.Attributes...)
	c.Provenance = append([]common.Provenance(nil), e.Provenance...)
	return &c
}

func (s *MemoryStorage) CreateDocument(ctx context.Context, doc *common.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("store: document id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[doc.ID]; ok {
		return fmt.Errorf("store: document %s already exists", doc.ID)
	}
	stored := cloneDocument(doc)
	if stored.State == "" {
		stored.State = common.StatePending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.documents[doc.ID] = stored
	if stored.ContentHash != "" {
		s.hashIndex[stored.ContentHash] = stored.ID
	}
	s.revision++
	return nil
}

func (s *MemoryStorage) GetDocument(ctx context.Context, id string) (*common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, &common.NotFoundError{Kind: "document", ID: id}
	}
	out := cloneDocument(doc)
	out.ChunkIDs = s.chunkIDsLocked(id)
	return out, nil
}

func (s *MemoryStorage) GetDocumentByHash(ctx context.Context, hash string) (*common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.hashIndex[hash]
	if !ok {
		return nil, &common.NotFoundError{Kind: "document", ID: hash}
	}
	return cloneDocument(s.documents[id]), nil
}

func (s *MemoryStorage) ListDocuments(ctx context.Context) ([]common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Document, 0, len(s.documents))
	for _, doc := range s.documents {
		out = append(out, *cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStorage) UpdateDocumentMeta(ctx context.Context, id string, summary string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	doc.Summary = summary
	doc.Tags = append([]string(nil), tags...)
	s.revision++
	return nil
}

func (s *MemoryStorage) TransitionDocumentState(
	ctx context.Context,
	id string,
	from []common.DocumentState,
	to common.DocumentState,
	detail string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	allowed := false
	for _, f := range from {
		if doc.State == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: document %s is %s, not in %v", store.ErrStateConflict, id, doc.State, from)
	}
	doc.State = to
	doc.StateDetail = detail
	if to == common.StateReady {
		now := time.Now()
		doc.IngestedAt = &now
	}
	s.revision++
	return nil
}

func (s *MemoryStorage) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return &common.NotFoundError{Kind: "document", ID: id}
	}
	delete(s.documents, id)
	if doc.ContentHash != "" && s.hashIndex[doc.ContentHash] == id {
		delete(s.hashIndex, doc.ContentHash)
	}
	for chunkID, chunk := range s.chunks {
		if chunk.DocumentID == id {
			delete(s.chunks, chunkID)
		}
	}
	s.revision++
	return nil
}

func (s *MemoryStorage) SaveChunks(ctx context.Context, chunks []common.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunks {
		if chunk.ID == "" || chunk.DocumentID == "" {
			return fmt.Errorf("store: chunk id and document id required")
		}
		c := chunk
		s.chunks[chunk.ID] = &c
	}
	if len(chunks) > 0 {
		s.revision++
	}
	return nil
}

// chunkIDsLocked returns the document's chunk ids ordered by index.
// Callers must hold at least a read lock.
func (s *MemoryStorage) chunkIDsLocked(documentID string) []string {
	var docChunks []*common.Chunk
	for _, chunk := range s.chunks {
		if chunk.DocumentID == documentID {
			docChunks = append(docChunks, chunk)
		}
	}
	sort.Slice(docChunks, func(i, j int) bool {
		return docChunks[i].Index < docChunks[j].Index
	})
	ids := make([]string, len(docChunks))
	for i, chunk := range docChunks {
		ids[i] = chunk.ID
	}
	return ids
}

func (s *MemoryStorage) GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []common.Chunk
	for _, chunk := range s.chunks {
		if chunk.DocumentID == documentID {
			out = append(out, *chunk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (s *MemoryStorage) GetChunksByID(ctx context.Context, ids []string) ([]common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Chunk, 0, len(ids))
	for _, id := range store.DedupeStrings(ids) {
		if chunk, ok := s.chunks[id]; ok {
			out = append(out, *chunk)
		}
	}
	return out, nil
}

func (s *MemoryStorage) NodesByNormKeys(ctx context.Context, keys []string) (map[string]common.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]common.Node)
	for _, key := range store.DedupeStrings(keys) {
		var best *common.Node
		for _, node := range s.nodes {
			if node.Retracted || node.NormKey != key {
				continue
			}
			if best == nil || node.CreatedSeq < best.CreatedSeq {
				best = node
			}
		}
		if best != nil {
			out[key] = *cloneNode(best)
		}
	}
	return out, nil
}

func (s *MemoryStorage) NodesByAlias(ctx context.Context, aliases []string) (map[string][]common.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]common.Node)
	for _, alias := range store.DedupeStrings(aliases) {
		var matches []common.Node
		for _, node := range s.nodes {
			if node.Retracted {
				continue
			}
			for _, a := range node.Aliases {
				if a == alias {
					matches = append(matches, *cloneNode(node))
					break
				}
			}
		}
		if len(matches) == 0 {
			continue
		}
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].CreatedSeq < matches[j].CreatedSeq
		})
		out[alias] = matches
	}
	return out, nil
}

func (s *MemoryStorage) SimilarNodes(
	ctx context.Context,
	embedding []float32,
	topK int,
	minScore float64,
) ([]store.ScoredNode, error) {
	if topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []store.ScoredNode
	for _, node := range s.nodes {
		if node.Retracted || len(node.Embedding) == 0 {
			continue
		}
		score := store.CosineSimilarity(embedding, node.Embedding)
		if score < minScore {
			continue
		}
		scored = append(scored, store.ScoredNode{Node: *cloneNode(node), Score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *MemoryStorage) AllNodes(ctx context.Context) ([]common.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		if node.Retracted {
			continue
		}
		out = append(out, *cloneNode(node))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedSeq < out[j].CreatedSeq
	})
	return out, nil
}

func (s *MemoryStorage) GetNodes(ctx context.Context, ids []string) ([]common.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Node, 0, len(ids))
	for _, id := range store.DedupeStrings(ids) {
		node, ok := s.nodes[id]
		if !ok || node.Retracted {
			continue
		}
		out = append(out, *cloneNode(node))
	}
	return out, nil
}

func (s *MemoryStorage) UpsertNode(ctx context.Context, node common.Node, expectedVersion int64) (int64, error) {
	if node.ID == "" {
		return 0, fmt.Errorf("store: node id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[node.ID]
	if expectedVersion == 0 {
		if ok {
			return 0, fmt.Errorf("%w: node %s already exists at version %d",
				store.ErrVersionMismatch, node.ID, existing.MergeVersion)
		}
		s.nextSeq++
		node.CreatedSeq = s.nextSeq
	} else {
		if !ok {
			return 0, fmt.Errorf("%w: node %s does not exist", store.ErrVersionMismatch, node.ID)
		}
		if existing.MergeVersion != expectedVersion {
			return 0, fmt.Errorf("%w: node %s is at version %d, expected %d",
				store.ErrVersionMismatch, node.ID, existing.MergeVersion, expectedVersion)
		}
		node.CreatedSeq = existing.CreatedSeq
	}
	node.MergeVersion = expectedVersion + 1
	s.nodes[node.ID] = cloneNode(&node)
	s.revision++
	return node.MergeVersion, nil
}

func (s *MemoryStorage) UpsertEdge(ctx context.Context, edge common.Edge, expectedVersion int64) (int64, error) {
	if edge.ID == "" {
		return 0, fmt.Errorf("store: edge id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, endpoint := range []string{edge.SourceID, edge.TargetID} {
		if node, ok := s.nodes[endpoint]; !ok || node.Retracted {
			return 0, &common.NotFoundError{Kind: "node", ID: endpoint}
		}
	}

	existing, ok := s.edges[edge.ID]
	if expectedVersion == 0 {
		if ok {
			return 0, fmt.Errorf("%w: edge %s already exists at version %d",
				store.ErrVersionMismatch, edge.ID, existing.MergeVersion)
		}
	} else {
		if !ok {
			return 0, fmt.Errorf("%w: edge %s does not exist", store.ErrVersionMismatch, edge.ID)
		}
		if existing.MergeVersion != expectedVersion {
			return 0, fmt.Errorf("%w: edge %s is at version %d, expected %d",
				store.ErrVersionMismatch, edge.ID, existing.MergeVersion, expectedVersion)
		}
	}
	edge.MergeVersion = expectedVersion + 1
	s.edges[edge.ID] = cloneEdge(&edge)
	s.revision++
	return edge.MergeVersion, nil
}

func (s *MemoryStorage) EdgeByEndpoints(ctx context.Context, sourceID, targetID, edgeType string) (*common.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *common.Edge
	for _, edge := range s.edges {
		if edge.Retracted {
			continue
		}
		if edge.SourceID != sourceID || edge.TargetID != targetID || edge.Type != edgeType {
			continue
		}
		if best == nil || edge.ID < best.ID {
			best = edge
		}
	}
	if best == nil {
		return nil, &common.NotFoundError{
			Kind: "edge",
			ID:   fmt.Sprintf("%s-%s-%s", sourceID, edgeType, targetID),
		}
	}
	return cloneEdge(best), nil
}

func (s *MemoryStorage) Neighbors(ctx context.Context, nodeIDs []string) ([]common.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = struct{}{}
	}

	var out []common.Edge
	for _, edge := range s.edges {
		if edge.Retracted {
			continue
		}
		_, src := want[edge.SourceID]
		_, dst := want[edge.TargetID]
		if !src && !dst {
			continue
		}
		out = append(out, *cloneEdge(edge))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStorage) GraphStats(ctx context.Context) (*common.GraphStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &common.GraphStats{
		Documents:      int64(len(s.documents)),
		DocumentStates: make(map[common.DocumentState]int64),
		Chunks:         int64(len(s.chunks)),
	}
	for _, doc := range s.documents {
		stats.DocumentStates[doc.State]++
	}
	for _, node := range s.nodes {
		if !node.Retracted {
			stats.Nodes++
		}
	}
	for _, edge := range s.edges {
		if !edge.Retracted {
			stats.Edges++
		}
	}
	return stats, nil
}

func (s *MemoryStorage) DocumentStats(ctx context.Context, documentID string) (*store.DocumentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.documents[documentID]; !ok {
		return nil, &common.NotFoundError{Kind: "document", ID: documentID}
	}

	stats := &store.DocumentStats{}
	for _, chunk := range s.chunks {
		if chunk.DocumentID == documentID {
			stats.Chunks++
		}
	}
	for _, node := range s.nodes {
		if !node.Retracted && referencesDocument(node.Provenance, documentID) {
			stats.Nodes++
		}
	}
	for _, edge := range s.edges {
		if !edge.Retracted && referencesDocument(edge.Provenance, documentID) {
			stats.Edges++
		}
	}
	return stats, nil
}

func (s *MemoryStorage) GraphRevision(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, nil
}

func referencesDocument(set []common.Provenance, documentID string) bool {
	for _, p := range set {
		if p.DocumentID == documentID {
			return true
		}
	}
	return false
}

func withoutDocument(set []common.Provenance, documentID string) []common.Provenance {
	out := set[:0]
	for _, p := range set {
		if p.DocumentID != documentID {
			out = append(out, p)
		}
	}
	return out
}

func withoutDocumentAssertions(set []common.Assertion, documentID string) []common.Assertion {
	out := set[:0]
	for _, a := range set {
		if a.DocumentID != documentID {
			out = append(out, a)
		}
	}
	return out
}

// RetractDocument strips every provenance reference and assertion the
// document contributed. Nodes and edges left without provenance are
// soft-retracted; edges also retract when an endpoint does. The
// document's chunks are deleted outright.
func (s *MemoryStorage) RetractDocument(ctx context.Context, documentID string) (*store.RetractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[documentID]; !ok {
		return nil, &common.NotFoundError{Kind: "document", ID: documentID}
	}

	result := &store.RetractionResult{}

	for id, chunk := range s.chunks {
		if chunk.DocumentID == documentID {
			delete(s.chunks, id)
			result.ChunksDeleted++
		}
	}

	retractedNodes := make(map[string]struct{})
	for _, node := range s.nodes {
		if node.Retracted || !referencesDocument(node.Provenance, documentID) {
			continue
		}
		node.Provenance = withoutDocument(node.Provenance, documentID)
		node.Attributes = withoutDocumentAssertions(node.Attributes, documentID)
		node.MergeVersion++
		if len(node.Provenance) == 0 {
			node.Retracted = true
			retractedNodes[node.ID] = struct{}{}
			result.NodesRemoved++
		} else {
			result.NodesUpdated++
		}
	}

	for _, edge := range s.edges {
		if edge.Retracted {
			continue
		}
		_, srcGone := retractedNodes[edge.SourceID]
		_, dstGone := retractedNodes[edge.TargetID]
		touched := referencesDocument(edge.Provenance, documentID)
		if !touched && !srcGone && !dstGone {
			continue
		}
		if touched {
			edge.Provenance = withoutDocument(edge.Provenance, documentID)
			edge.Attributes = withoutDocumentAssertions(edge.Attributes, documentID)
		}
		edge.MergeVersion++
		if len(edge.Provenance) == 0 || srcGone || dstGone {
			edge.Retracted = true
			result.EdgesRemoved++
		} else {
			result.EdgesUpdated++
		}
	}

	s.revision++
	return result, nil
}

func (s *MemoryStorage) ResolveCitations(ctx context.Context, ids []string) ([]store.Citation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Citation, 0, len(ids))
	for _, id := range store.DedupeStrings(ids) {
		if chunk, ok := s.chunks[id]; ok {
			citation := store.Citation{
				ID:         id,
				Kind:       "chunk",
				DocumentID: chunk.DocumentID,
				Snippet:    store.Snippet(chunk.Text, store.CitationSnippetRunes),
			}
			if doc, ok := s.documents[chunk.DocumentID]; ok {
				citation.Name = doc.Name
				citation.DocumentName = doc.Name
			}
			out = append(out, citation)
			continue
		}
		if node, ok := s.nodes[id]; ok && !node.Retracted {
			citation := store.Citation{
				ID:      id,
				Kind:    "node",
				Name:    node.Name,
				Snippet: store.Snippet(node.Description, store.CitationSnippetRunes),
			}
			if len(node.Provenance) > 0 {
				citation.DocumentID = node.Provenance[0].DocumentID
				if doc, ok := s.documents[citation.DocumentID]; ok {
					citation.DocumentName = doc.Name
				}
			}
			out = append(out, citation)
			continue
		}
		if doc, ok := s.documents[id]; ok {
			out = append(out, store.Citation{
				ID:           id,
				Kind:         "document",
				Name:         doc.Name,
				DocumentID:   doc.ID,
				DocumentName: doc.Name,
				Snippet:      store.Snippet(doc.Summary, store.CitationSnippetRunes),
			})
		}
	}
	return out, nil
}
