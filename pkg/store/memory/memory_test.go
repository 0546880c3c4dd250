package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

func seedDocument(t *testing.T, s *MemoryStorage, id, hash string) {
	t.Helper()
	err := s.CreateDocument(context.Background(), &common.Document{
		ID:          id,
		Name:        id + ".pdf",
		ContentHash: hash,
	})
	if err != nil {
		t.Fatalf("CreateDocument(%s) returned error: %v", id, err)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	seedDocument(t, s, "doc-1", "hash-1")

	if err := s.CreateDocument(ctx, &common.Document{ID: "doc-1"}); err == nil {
		t.Error("expected error for duplicate document id")
	}

	doc, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument returned error: %v", err)
	}
	if doc.State != common.StatePending {
		t.Errorf("expected initial state pending, got %s", doc.State)
	}

	byHash, err := s.GetDocumentByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetDocumentByHash returned error: %v", err)
	}
	if byHash.ID != "doc-1" {
		t.Errorf("expected doc-1 by hash, got %s", byHash.ID)
	}

	if _, err := s.GetDocument(ctx, "missing"); !common.IsNotFound(err) {
		t.Errorf("expected NotFoundError for missing document, got %v", err)
	}
}

func TestTransitionDocumentState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedDocument(t, s, "doc-1", "")

	err := s.TransitionDocumentState(ctx, "doc-1",
		[]common.DocumentState{common.StatePending}, common.StateParsing, "")
	if err != nil {
		t.Fatalf("pending -> parsing returned error: %v", err)
	}

	// The document is now parsing, so a second CAS from pending loses.
	err = s.TransitionDocumentState(ctx, "doc-1",
		[]common.DocumentState{common.StatePending}, common.StateParsing, "")
	if !errors.Is(err, store.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict, got %v", err)
	}

	err = s.TransitionDocumentState(ctx, "doc-1",
		[]common.DocumentState{common.StateParsing}, common.StateReady, "")
	if err != nil {
		t.Fatalf("parsing -> ready returned error: %v", err)
	}

	doc, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument returned error: %v", err)
	}
	if doc.IngestedAt == nil {
		t.Error("expected IngestedAt to be set after transition to ready")
	}

	err = s.TransitionDocumentState(ctx, "missing",
		[]common.DocumentState{common.StatePending}, common.StateParsing, "")
	if !common.IsNotFound(err) {
		t.Errorf("expected NotFoundError for missing document, got %v", err)
	}
}

func TestUpsertNodeVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	node := common.Node{ID: "node-1", Name: "Acme Corp", Type: "ORGANIZATION", NormKey: "acme corp|ORGANIZATION"}

	version, err := s.UpsertNode(ctx, node, 0)
	if err != nil {
		t.Fatalf("initial upsert returned error: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after create, got %d", version)
	}

	if _, err := s.UpsertNode(ctx, node, 0); !errors.Is(err, store.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch for duplicate create, got %v", err)
	}

	node.Description = "A fictional conglomerate."
	version, err = s.UpsertNode(ctx, node, 1)
	if err != nil {
		t.Fatalf("update at version 1 returned error: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2 after update, got %d", version)
	}

	if _, err := s.UpsertNode(ctx, node, 1); !errors.Is(err, store.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch for stale version, got %v", err)
	}

	if _, err := s.UpsertNode(ctx, common.Node{ID: "ghost"}, 3); !errors.Is(err, store.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch for missing node update, got %v", err)
	}

	other := common.Node{ID: "node-2", Name: "Globex Inc", Type: "ORGANIZATION"}
	if _, err := s.UpsertNode(ctx, other, 0); err != nil {
		t.Fatalf("second create returned error: %v", err)
	}

	all, err := s.AllNodes(ctx)
	if err != nil {
		t.Fatalf("AllNodes returned error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(all))
	}
	if all[0].ID != "node-1" || all[1].ID != "node-2" {
		t.Errorf("expected creation order node-1, node-2, got %s, %s", all[0].ID, all[1].ID)
	}
	if all[0].CreatedSeq >= all[1].CreatedSeq {
		t.Errorf("expected CreatedSeq to increase, got %d then %d", all[0].CreatedSeq, all[1].CreatedSeq)
	}
}

func TestUpsertEdgeEndpoints(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	edge := common.Edge{ID: "edge-1", SourceID: "node-1", TargetID: "node-2", Type: "ACQUIRED"}
	if _, err := s.UpsertEdge(ctx, edge, 0); !common.IsNotFound(err) {
		t.Errorf("expected NotFoundError for missing endpoints, got %v", err)
	}

	for _, id := range []string{"node-1", "node-2"} {
		if _, err := s.UpsertNode(ctx, common.Node{ID: id, Name: id}, 0); err != nil {
			t.Fatalf("UpsertNode(%s) returned error: %v", id, err)
		}
	}

	version, err := s.UpsertEdge(ctx, edge, 0)
	if err != nil {
		t.Fatalf("UpsertEdge returned error: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after create, got %d", version)
	}

	found, err := s.EdgeByEndpoints(ctx, "node-1", "node-2", "ACQUIRED")
	if err != nil {
		t.Fatalf("EdgeByEndpoints returned error: %v", err)
	}
	if found.ID != "edge-1" {
		t.Errorf("expected edge-1, got %s", found.ID)
	}

	// Direction matters.
	if _, err := s.EdgeByEndpoints(ctx, "node-2", "node-1", "ACQUIRED"); !common.IsNotFound(err) {
		t.Errorf("expected NotFoundError for reversed direction, got %v", err)
	}
}

func TestSimilarNodesOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	nodes := []common.Node{
		{ID: "node-a", Name: "Exact", Embedding: []float32{1, 0}},
		{ID: "node-b", Name: "Close", Embedding: []float32{0.9, 0.1}},
		{ID: "node-c", Name: "Orthogonal", Embedding: []float32{0, 1}},
		{ID: "node-d", Name: "Tie", Embedding: []float32{1, 0}},
	}
	for _, node := range nodes {
		if _, err := s.UpsertNode(ctx, node, 0); err != nil {
			t.Fatalf("UpsertNode(%s) returned error: %v", node.ID, err)
		}
	}

	scored, err := s.SimilarNodes(ctx, []float32{1, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("SimilarNodes returned error: %v", err)
	}

	ids := make([]string, len(scored))
	for i, sn := range scored {
		ids[i] = sn.Node.ID
	}
	want := []string{"node-a", "node-d", "node-b"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d results, got %d (%v)", len(want), len(ids), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], ids[i])
		}
	}
	if scored[0].Score <= scored[2].Score {
		t.Errorf("expected descending scores, got %v then %v", scored[0].Score, scored[2].Score)
	}

	truncated, err := s.SimilarNodes(ctx, []float32{1, 0}, 1, 0)
	if err != nil {
		t.Fatalf("SimilarNodes returned error: %v", err)
	}
	if len(truncated) != 1 || truncated[0].Node.ID != "node-a" {
		t.Errorf("expected single node-a result, got %v", truncated)
	}
}

func TestNodeLookups(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	nodes := []common.Node{
		{ID: "node-1", Name: "Jane Smith", NormKey: "jane smith|PERSON", Aliases: []string{"jane smith", "dr. jane smith"}},
		{ID: "node-2", Name: "Acme Corp", NormKey: "acme corp|ORGANIZATION", Aliases: []string{"acme corp", "acme"}},
	}
	for _, node := range nodes {
		if _, err := s.UpsertNode(ctx, node, 0); err != nil {
			t.Fatalf("UpsertNode(%s) returned error: %v", node.ID, err)
		}
	}

	byKey, err := s.NodesByNormKeys(ctx, []string{"jane smith|PERSON", "unknown|PERSON"})
	if err != nil {
		t.Fatalf("NodesByNormKeys returned error: %v", err)
	}
	if len(byKey) != 1 {
		t.Fatalf("expected 1 norm key match, got %d", len(byKey))
	}
	if byKey["jane smith|PERSON"].ID != "node-1" {
		t.Errorf("expected node-1 for jane smith, got %s", byKey["jane smith|PERSON"].ID)
	}

	byAlias, err := s.NodesByAlias(ctx, []string{"acme", "nobody"})
	if err != nil {
		t.Fatalf("NodesByAlias returned error: %v", err)
	}
	matches := byAlias["acme"]
	if len(matches) != 1 || matches[0].ID != "node-2" {
		t.Errorf("expected node-2 for alias acme, got %v", matches)
	}
	if _, ok := byAlias["nobody"]; ok {
		t.Error("expected no entry for unknown alias")
	}
}

func TestNeighborsOrderedByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	for _, id := range []string{"node-1", "node-2", "node-3"} {
		if _, err := s.UpsertNode(ctx, common.Node{ID: id, Name: id}, 0); err != nil {
			t.Fatalf("UpsertNode(%s) returned error: %v", id, err)
		}
	}
	edges := []common.Edge{
		{ID: "edge-b", SourceID: "node-1", TargetID: "node-2", Type: "KNOWS"},
		{ID: "edge-a", SourceID: "node-3", TargetID: "node-1", Type: "KNOWS"},
		{ID: "edge-c", SourceID: "node-2", TargetID: "node-3", Type: "KNOWS"},
	}
	for _, edge := range edges {
		if _, err := s.UpsertEdge(ctx, edge, 0); err != nil {
			t.Fatalf("UpsertEdge(%s) returned error: %v", edge.ID, err)
		}
	}

	neighbors, err := s.Neighbors(ctx, []string{"node-1"})
	if err != nil {
		t.Fatalf("Neighbors returned error: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 edges touching node-1, got %d", len(neighbors))
	}
	if neighbors[0].ID != "edge-a" || neighbors[1].ID != "edge-b" {
		t.Errorf("expected edge-a, edge-b order, got %s, %s", neighbors[0].ID, neighbors[1].ID)
	}
}

func TestRetractDocument(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	seedDocument(t, s, "doc-1", "")
	seedDocument(t, s, "doc-2", "")

	chunks := []common.Chunk{
		{ID: "chunk-1", DocumentID: "doc-1", Index: 0, Text: "Acme Corp acquired Globex Inc."},
		{ID: "chunk-2", DocumentID: "doc-2", Index: 0, Text: "Acme Corp was founded in 1947."},
	}
	if err := s.SaveChunks(ctx, chunks); err != nil {
		t.Fatalf("SaveChunks returned error: %v", err)
	}

	shared := common.Node{
		ID:   "node-acme",
		Name: "Acme Corp",
		Provenance: []common.Provenance{
			{ChunkID: "chunk-1", DocumentID: "doc-1"},
			{ChunkID: "chunk-2", DocumentID: "doc-2"},
		},
		Attributes: []common.Assertion{
			{Key: "founded", Value: "1947", ChunkID: "chunk-2", DocumentID: "doc-2", Seq: 1},
			{Key: "ticker", Value: "ACME", ChunkID: "chunk-1", DocumentID: "doc-1", Seq: 2},
		},
	}
	only := common.Node{
		ID:         "node-globex",
		Name:       "Globex Inc",
		Provenance: []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	}
	for _, node := range []common.Node{shared, only} {
		if _, err := s.UpsertNode(ctx, node, 0); err != nil {
			t.Fatalf("UpsertNode(%s) returned error: %v", node.ID, err)
		}
	}
	edge := common.Edge{
		ID:         "edge-acq",
		SourceID:   "node-acme",
		TargetID:   "node-globex",
		Type:       "ACQUIRED",
		Provenance: []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	}
	if _, err := s.UpsertEdge(ctx, edge, 0); err != nil {
		t.Fatalf("UpsertEdge returned error: %v", err)
	}

	before, err := s.GraphRevision(ctx)
	if err != nil {
		t.Fatalf("GraphRevision returned error: %v", err)
	}

	result, err := s.RetractDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("RetractDocument returned error: %v", err)
	}
	if result.NodesRemoved != 1 || result.NodesUpdated != 1 {
		t.Errorf("expected 1 node removed and 1 updated, got %+v", result)
	}
	if result.EdgesRemoved != 1 {
		t.Errorf("expected 1 edge removed, got %+v", result)
	}
	if result.ChunksDeleted != 1 {
		t.Errorf("expected 1 chunk deleted, got %+v", result)
	}

	all, err := s.AllNodes(ctx)
	if err != nil {
		t.Fatalf("AllNodes returned error: %v", err)
	}
	if len(all) != 1 || all[0].ID != "node-acme" {
		t.Fatalf("expected only node-acme to survive, got %v", all)
	}
	if referencesDocument(all[0].Provenance, "doc-1") {
		t.Error("expected doc-1 provenance to be stripped from surviving node")
	}
	if got := common.CurrentValue(all[0].Attributes, "ticker"); got != "" {
		t.Errorf("expected doc-1 assertion to be removed, still got %q", got)
	}
	if got := common.CurrentValue(all[0].Attributes, "founded"); got != "1947" {
		t.Errorf("expected doc-2 assertion to survive, got %q", got)
	}

	neighbors, err := s.Neighbors(ctx, []string{"node-acme"})
	if err != nil {
		t.Fatalf("Neighbors returned error: %v", err)
	}
	if len(neighbors) != 0 {
		t.Errorf("expected retracted edge to be invisible, got %v", neighbors)
	}

	remaining, err := s.GetChunks(ctx, "doc-2")
	if err != nil {
		t.Fatalf("GetChunks returned error: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected doc-2 chunks to survive, got %d", len(remaining))
	}

	after, err := s.GraphRevision(ctx)
	if err != nil {
		t.Fatalf("GraphRevision returned error: %v", err)
	}
	if after <= before {
		t.Errorf("expected revision to advance, got %d then %d", before, after)
	}
}

func TestResolveCitations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	seedDocument(t, s, "doc-1", "")
	if err := s.SaveChunks(ctx, []common.Chunk{
		{ID: "chunk-1", DocumentID: "doc-1", Index: 0, Text: "Acme Corp acquired Globex Inc in 2020."},
	}); err != nil {
		t.Fatalf("SaveChunks returned error: %v", err)
	}
	node := common.Node{
		ID:          "node-acme",
		Name:        "Acme Corp",
		Description: "A fictional conglomerate.",
		Provenance:  []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	}
	if _, err := s.UpsertNode(ctx, node, 0); err != nil {
		t.Fatalf("UpsertNode returned error: %v", err)
	}

	citations, err := s.ResolveCitations(ctx, []string{"chunk-1", "node-acme", "doc-1", "unknown"})
	if err != nil {
		t.Fatalf("ResolveCitations returned error: %v", err)
	}
	if len(citations) != 3 {
		t.Fatalf("expected 3 citations, got %d", len(citations))
	}

	if citations[0].Kind != "chunk" || citations[0].DocumentName != "doc-1.pdf" {
		t.Errorf("unexpected chunk citation: %+v", citations[0])
	}
	if citations[1].Kind != "node" || citations[1].Name != "Acme Corp" {
		t.Errorf("unexpected node citation: %+v", citations[1])
	}
	if citations[1].DocumentID != "doc-1" {
		t.Errorf("expected node citation to carry provenance document, got %+v", citations[1])
	}
	if citations[2].Kind != "document" || citations[2].Name != "doc-1.pdf" {
		t.Errorf("unexpected document citation: %+v", citations[2])
	}
}

func TestGraphStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	seedDocument(t, s, "doc-1", "")
	if err := s.SaveChunks(ctx, []common.Chunk{
		{ID: "chunk-1", DocumentID: "doc-1", Index: 0, Text: "text"},
		{ID: "chunk-2", DocumentID: "doc-1", Index: 1, Text: "more"},
	}); err != nil {
		t.Fatalf("SaveChunks returned error: %v", err)
	}
	if _, err := s.UpsertNode(ctx, common.Node{
		ID:         "node-1",
		Name:       "Acme Corp",
		Provenance: []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	}, 0); err != nil {
		t.Fatalf("UpsertNode returned error: %v", err)
	}

	stats, err := s.GraphStats(ctx)
	if err != nil {
		t.Fatalf("GraphStats returned error: %v", err)
	}
	if stats.Documents != 1 || stats.Chunks != 2 || stats.Nodes != 1 || stats.Edges != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.DocumentStates[common.StatePending] != 1 {
		t.Errorf("expected 1 pending document, got %+v", stats.DocumentStates)
	}

	docStats, err := s.DocumentStats(ctx, "doc-1")
	if err != nil {
		t.Fatalf("DocumentStats returned error: %v", err)
	}
	if docStats.Chunks != 2 || docStats.Nodes != 1 || docStats.Edges != 0 {
		t.Errorf("unexpected document stats: %+v", docStats)
	}

	if _, err := s.DocumentStats(ctx, "missing"); !common.IsNotFound(err) {
		t.Errorf("expected NotFoundError for missing document, got %v", err)
	}
}
