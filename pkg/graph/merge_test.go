package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
	"github.com/magpie-ai/magpie/pkg/store/memory"
)

func TestMergeResolutionCreatesGraph(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	f := &fakeAI{}
	c := newTestClient(t, f, st, Config{Retry: testRetryPolicy()})

	prov := []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}}
	rnA := &resolvedNode{
		id: "node-a", isNew: true, name: "Acme", nodeType: "ORGANIZATION", normKey: "acme|ORGANIZATION",
		description: "A manufacturer.",
		aliases:     []string{"Acme Corp"},
		assertions:  []assertionDelta{{key: "hq", value: "Springfield", chunkID: "chunk-1", documentID: "doc-1"}},
		provenance:  prov,
	}
	rnB := &resolvedNode{
		id: "node-b", isNew: true, name: "Globex", nodeType: "ORGANIZATION", normKey: "globex|ORGANIZATION",
		provenance: prov,
	}
	re := &resolvedEdge{
		source: rnA, target: rnB, edgeType: "PARTNERS_WITH",
		description: "Joint venture.",
		confidences: []float64{0.8, 0.6},
		provenance:  prov,
	}

	stats, err := c.mergeResolution(ctx, &resolution{nodes: []*resolvedNode{rnA, rnB}, edges: []*resolvedEdge{re}})
	if err != nil {
		t.Fatalf("mergeResolution returned error: %v", err)
	}
	if stats.nodesCreated != 2 || stats.nodesUpdated != 0 || stats.edgesCreated != 1 || stats.edgesUpdated != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if f.embedBatches != 1 {
		t.Errorf("expected one batched embedding call, got %d", f.embedBatches)
	}

	nodes, err := st.GetNodes(ctx, []string{"node-a"})
	if err != nil || len(nodes) != 1 {
		t.Fatalf("GetNodes returned %d nodes, err %v", len(nodes), err)
	}
	node := nodes[0]
	if node.MergeVersion != 1 || len(node.Embedding) == 0 {
		t.Errorf("unexpected node state: version=%d embedding=%d", node.MergeVersion, len(node.Embedding))
	}
	if !reflect.DeepEqual(node.Aliases, []string{"Acme Corp"}) {
		t.Errorf("unexpected aliases %v", node.Aliases)
	}
	expectedAttrs := []common.Assertion{
		{Key: "hq", Value: "Springfield", ChunkID: "chunk-1", DocumentID: "doc-1", Seq: 1},
	}
	if !reflect.DeepEqual(node.Attributes, expectedAttrs) {
		t.Errorf("unexpected attributes %v", node.Attributes)
	}

	edge, err := st.EdgeByEndpoints(ctx, "node-a", "node-b", "PARTNERS_WITH")
	if err != nil {
		t.Fatalf("EdgeByEndpoints returned error: %v", err)
	}
	if math.Abs(edge.Confidence-0.7) > 1e-12 {
		t.Errorf("expected averaged confidence 0.7, got %v", edge.Confidence)
	}
	if edge.MergeVersion != 1 || edge.Description != "Joint venture." {
		t.Errorf("unexpected edge state %+v", edge)
	}
}

func TestMergeResolutionUpdatesExistingNode(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	f := &fakeAI{}
	c := newTestClient(t, f, st, Config{Retry: testRetryPolicy()})

	_, err := st.UpsertNode(ctx, common.Node{
		ID: "node-a", Name: "Acme", Type: "ORGANIZATION", NormKey: "acme|ORGANIZATION",
		Description: "Old.",
		Aliases:     []string{"Acme Corp"},
		Attributes:  []common.Assertion{{Key: "hq", Value: "Springfield", ChunkID: "chunk-0", DocumentID: "doc-0", Seq: 1}},
		Provenance:  []common.Provenance{{ChunkID: "chunk-0", DocumentID: "doc-0"}},
	}, 0)
	if err != nil {
		t.Fatalf("seeding node returned error: %v", err)
	}
	snapshot, err := st.GetNodes(ctx, []string{"node-a"})
	if err != nil || len(snapshot) != 1 {
		t.Fatalf("GetNodes returned %d nodes, err %v", len(snapshot), err)
	}

	rn := &resolvedNode{
		id: "node-a", name: "Acme", nodeType: "ORGANIZATION", normKey: "acme|ORGANIZATION",
		snapshot:    &snapshot[0],
		description: "A much longer description of Acme.",
		aliases:     []string{"acme corp", "Acme Inc"},
		assertions: []assertionDelta{
			{key: "hq", value: "Springfield", chunkID: "chunk-0", documentID: "doc-0"},
			{key: "ceo", value: "Jane Smith", chunkID: "chunk-1", documentID: "doc-1"},
		},
		provenance: []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	}

	stats, err := c.mergeResolution(ctx, &resolution{nodes: []*resolvedNode{rn}})
	if err != nil {
		t.Fatalf("mergeResolution returned error: %v", err)
	}
	if stats.nodesCreated != 0 || stats.nodesUpdated != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	nodes, err := st.GetNodes(ctx, []string{"node-a"})
	if err != nil || len(nodes) != 1 {
		t.Fatalf("GetNodes returned %d nodes, err %v", len(nodes), err)
	}
	node := nodes[0]
	if node.MergeVersion != 2 {
		t.Errorf("expected version 2, got %d", node.MergeVersion)
	}
	if node.Description != "A much longer description of Acme." {
		t.Errorf("expected the longer description, got %q", node.Description)
	}
	if !reflect.DeepEqual(node.Aliases, []string{"Acme Corp", "Acme Inc"}) {
		t.Errorf("case-insensitive duplicate alias should be skipped, got %v", node.Aliases)
	}
	if len(node.Attributes) != 2 {
		t.Fatalf("duplicate assertion should be skipped, got %v", node.Attributes)
	}
	if node.Attributes[1].Key != "ceo" || node.Attributes[1].Seq != 2 {
		t.Errorf("new assertion should continue the sequence, got %+v", node.Attributes[1])
	}
	expectedProv := []common.Provenance{
		{ChunkID: "chunk-0", DocumentID: "doc-0"},
		{ChunkID: "chunk-1", DocumentID: "doc-1"},
	}
	if !reflect.DeepEqual(node.Provenance, expectedProv) {
		t.Errorf("unexpected provenance %v", node.Provenance)
	}
	if len(node.Embedding) == 0 {
		t.Error("grown description should refresh the embedding")
	}
}

func TestMergeSkipsEmbeddingWhenDescriptionDoesNotGrow(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	f := &fakeAI{}
	c := newTestClient(t, f, st, Config{Retry: testRetryPolicy()})

	_, err := st.UpsertNode(ctx, common.Node{
		ID: "node-a", Name: "Acme", Type: "ORGANIZATION", NormKey: "acme|ORGANIZATION",
		Description: "A very long existing description.",
	}, 0)
	if err != nil {
		t.Fatalf("seeding node returned error: %v", err)
	}
	snapshot, err := st.GetNodes(ctx, []string{"node-a"})
	if err != nil || len(snapshot) != 1 {
		t.Fatalf("GetNodes returned %d nodes, err %v", len(snapshot), err)
	}

	rn := &resolvedNode{
		id: "node-a", name: "Acme", snapshot: &snapshot[0],
		description: "Short.",
		provenance:  []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	}
	if _, err := c.mergeResolution(ctx, &resolution{nodes: []*resolvedNode{rn}}); err != nil {
		t.Fatalf("mergeResolution returned error: %v", err)
	}
	if f.embedBatches != 0 {
		t.Errorf("expected no embedding call, got %d", f.embedBatches)
	}

	nodes, _ := st.GetNodes(ctx, []string{"node-a"})
	if nodes[0].Description != "A very long existing description." {
		t.Errorf("shorter description must not replace the stored one, got %q", nodes[0].Description)
	}
}

func TestMergeNodeConflictRetries(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	f := &fakeAI{}
	c := newTestClient(t, f, st, Config{Retry: testRetryPolicy()})

	if _, err := st.UpsertNode(ctx, common.Node{ID: "node-a", Name: "Acme", Type: "ORGANIZATION", NormKey: "acme|ORGANIZATION"}, 0); err != nil {
		t.Fatalf("seeding node returned error: %v", err)
	}
	stale, err := st.GetNodes(ctx, []string{"node-a"})
	if err != nil || len(stale) != 1 {
		t.Fatalf("GetNodes returned %d nodes, err %v", len(stale), err)
	}

	// A concurrent merge moves the node to version 2 behind our back.
	bumped := stale[0]
	bumped.Description = "Concurrent update."
	if _, err := st.UpsertNode(ctx, bumped, 1); err != nil {
		t.Fatalf("concurrent update returned error: %v", err)
	}

	rn := &resolvedNode{
		id: "node-a", name: "Acme", snapshot: &stale[0],
		aliases:    []string{"Acme Corp"},
		provenance: []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	}
	created, err := c.mergeNode(ctx, rn)
	if err != nil {
		t.Fatalf("mergeNode returned error: %v", err)
	}
	if created {
		t.Error("retried merge should report an update")
	}

	nodes, _ := st.GetNodes(ctx, []string{"node-a"})
	node := nodes[0]
	if node.MergeVersion != 3 {
		t.Errorf("expected version 3 after retry, got %d", node.MergeVersion)
	}
	if node.Description != "Concurrent update." {
		t.Errorf("retry must re-apply onto the fresh state, got %q", node.Description)
	}
	if !reflect.DeepEqual(node.Aliases, []string{"Acme Corp"}) {
		t.Errorf("delta should survive the retry, got %v", node.Aliases)
	}
}

type conflictStore struct {
	store.GraphStorage
}

func (s *conflictStore) UpsertNode(ctx context.Context, node common.Node, expectedVersion int64) (int64, error) {
	return 0, fmt.Errorf("%w: forced conflict", store.ErrVersionMismatch)
}

func TestMergeNodeConflictExhaustion(t *testing.T) {
	ctx := context.Background()
	st := &conflictStore{GraphStorage: memory.NewMemoryStorage()}
	f := &fakeAI{}
	c := newTestClient(t, f, st, Config{MergeMaxAttempts: 2, Retry: testRetryPolicy()})

	rn := &resolvedNode{id: "node-a", isNew: true, name: "Acme", nodeType: "ORGANIZATION", normKey: "acme|ORGANIZATION"}
	_, err := c.mergeNode(ctx, rn)
	if !common.IsMergeConflict(err) {
		t.Fatalf("expected MergeConflictError, got %v", err)
	}
	var conflict *common.MergeConflictError
	if errors.As(err, &conflict) && conflict.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", conflict.Attempts)
	}
}

func TestMergeEdgeAveragesIntoExisting(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	f := &fakeAI{}
	c := newTestClient(t, f, st, Config{Retry: testRetryPolicy()})

	for _, id := range []string{"node-a", "node-b"} {
		if _, err := st.UpsertNode(ctx, common.Node{ID: id, Name: id, Type: "ORGANIZATION", NormKey: id + "|ORGANIZATION"}, 0); err != nil {
			t.Fatalf("seeding %s returned error: %v", id, err)
		}
	}
	_, err := st.UpsertEdge(ctx, common.Edge{
		ID: "edge-1", SourceID: "node-a", TargetID: "node-b", Type: "PARTNERS_WITH", Confidence: 0.8,
	}, 0)
	if err != nil {
		t.Fatalf("seeding edge returned error: %v", err)
	}

	re := &resolvedEdge{
		source:      &resolvedNode{id: "node-a"},
		target:      &resolvedNode{id: "node-b"},
		edgeType:    "PARTNERS_WITH",
		confidences: []float64{0.4},
		provenance:  []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	}
	created, err := c.mergeEdge(ctx, re)
	if err != nil {
		t.Fatalf("mergeEdge returned error: %v", err)
	}
	if created {
		t.Error("existing edge should report an update")
	}

	edge, err := st.EdgeByEndpoints(ctx, "node-a", "node-b", "PARTNERS_WITH")
	if err != nil {
		t.Fatalf("EdgeByEndpoints returned error: %v", err)
	}
	if math.Abs(edge.Confidence-0.6) > 1e-12 {
		t.Errorf("expected confidence (0.8+0.4)/2 = 0.6, got %v", edge.Confidence)
	}
	if edge.MergeVersion != 2 {
		t.Errorf("expected version 2, got %d", edge.MergeVersion)
	}
}

func TestApplyDeltaRevivesRetracted(t *testing.T) {
	prov := []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}}

	node := applyNodeDelta(common.Node{ID: "node-a", Retracted: true}, &resolvedNode{id: "node-a", provenance: prov})
	if node.Retracted {
		t.Error("provenance-carrying delta should revive a retracted node")
	}
	node = applyNodeDelta(common.Node{ID: "node-a", Retracted: true}, &resolvedNode{id: "node-a"})
	if !node.Retracted {
		t.Error("delta without provenance must not revive a retracted node")
	}

	edge := applyEdgeDelta(common.Edge{ID: "edge-1", Retracted: true}, &resolvedEdge{provenance: prov}, 0.5)
	if edge.Retracted {
		t.Error("provenance-carrying delta should revive a retracted edge")
	}
}

func TestMergeEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	f := &fakeAI{
		embedFn: func(inputs [][]byte) ([][]float32, error) {
			return nil, errors.New("model unavailable")
		},
	}
	c := newTestClient(t, f, st, Config{Retry: testRetryPolicy()})

	rn := &resolvedNode{id: "node-a", isNew: true, name: "Acme", nodeType: "ORGANIZATION", normKey: "acme|ORGANIZATION"}
	_, err := c.mergeResolution(ctx, &resolution{nodes: []*resolvedNode{rn}})

	var callErr *common.ExternalCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected ExternalCallError, got %v", err)
	}
	if callErr.Op != "embed_nodes" {
		t.Errorf("unexpected op %q", callErr.Op)
	}
}
