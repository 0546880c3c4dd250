package query

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
	"github.com/magpie-ai/magpie/pkg/store/memory"
)

// queryFakeAI is the stand-in model backend for query tests.
type queryFakeAI struct {
	embedFn          func(input []byte) ([]float32, error)
	chatFn           func(msgs []ai.ChatMessage) (string, error)
	streamFn         func(msgs []ai.ChatMessage) (<-chan ai.StreamEvent, error)
	completionFn     func(prompt string) (string, error)
	lastSystemPrompt string
}

func (f *queryFakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	if f.completionFn != nil {
		return f.completionFn(prompt)
	}
	return "", nil
}

func (f *queryFakeAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return errors.New("not used in query tests")
}

func (f *queryFakeAI) GenerateChat(ctx context.Context, msgs []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	f.recordSystemPrompt(opts)
	if f.chatFn != nil {
		return f.chatFn(msgs)
	}
	return "", nil
}

func (f *queryFakeAI) GenerateChatStream(ctx context.Context, msgs []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
	f.recordSystemPrompt(opts)
	if f.streamFn != nil {
		return f.streamFn(msgs)
	}
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, nil
}

func (f *queryFakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(input)
	}
	return []float32{1, 0}, nil
}

func (f *queryFakeAI) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		vec, err := f.GenerateEmbedding(ctx, input)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *queryFakeAI) ResetMetrics() {}

func (f *queryFakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func (f *queryFakeAI) recordSystemPrompt(opts []ai.GenerateOption) {
	var options ai.GenerateOptions
	for _, opt := range opts {
		opt(&options)
	}
	if len(options.SystemPrompts) > 0 {
		f.lastSystemPrompt = options.SystemPrompts[0]
	}
}

func quickRetry() util.RetryPolicy {
	return util.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newTestClient(t *testing.T, f *queryFakeAI, st store.GraphStorage) *Client {
	t.Helper()
	client, err := NewClient(NewClientParams{AI: f, Store: st, Config: Config{Retry: quickRetry()}})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

func seedGraphNode(t *testing.T, st store.GraphStorage, node common.Node) {
	t.Helper()
	if _, err := st.UpsertNode(context.Background(), node, 0); err != nil {
		t.Fatalf("UpsertNode(%s) returned error: %v", node.ID, err)
	}
}

func seedGraphEdge(t *testing.T, st store.GraphStorage, edge common.Edge) {
	t.Helper()
	if _, err := st.UpsertEdge(context.Background(), edge, 0); err != nil {
		t.Fatalf("UpsertEdge(%s) returned error: %v", edge.ID, err)
	}
}

// expandGraph builds the traversal fixture:
//
//	node-a [1,0]  -- edge-ad 0.9 --> node-d -- edge-de 0.8 --> node-e
//	node-a        -- edge-ab 0.3 --> node-b [3,4]
//
// A question embedded as [1,0] seeds node-a (similarity 1) and node-b
// (similarity 0.6); node-d and node-e carry no embedding and are only
// reachable through traversal.
func expandGraph(t *testing.T, st store.GraphStorage) {
	t.Helper()
	seedGraphNode(t, st, common.Node{ID: "node-a", Name: "Acme Corp", Type: "ORGANIZATION", NormKey: "acme corp|ORGANIZATION", Embedding: []float32{1, 0}})
	seedGraphNode(t, st, common.Node{ID: "node-b", Name: "Globex", Type: "ORGANIZATION", NormKey: "globex|ORGANIZATION", Embedding: []float32{3, 4}})
	seedGraphNode(t, st, common.Node{ID: "node-d", Name: "Jane Smith", Type: "PERSON", NormKey: "jane smith|PERSON"})
	seedGraphNode(t, st, common.Node{ID: "node-e", Name: "Springfield", Type: "LOCATION", NormKey: "springfield|LOCATION"})
	seedGraphEdge(t, st, common.Edge{ID: "edge-ab", SourceID: "node-a", TargetID: "node-b", Type: "PARTNERS_WITH", Confidence: 0.3})
	seedGraphEdge(t, st, common.Edge{ID: "edge-ad", SourceID: "node-a", TargetID: "node-d", Type: "LED_BY", Confidence: 0.9})
	seedGraphEdge(t, st, common.Edge{ID: "edge-de", SourceID: "node-d", TargetID: "node-e", Type: "BASED_IN", Confidence: 0.8})
}

type rankedNodeView struct {
	ID    string
	Score float64
	Hops  int
	Seed  bool
}

type rankedEdgeView struct {
	ID    string
	Score float64
	Hop   int
}

func nodeViews(r *retrieval) []rankedNodeView {
	out := make([]rankedNodeView, 0, len(r.nodes))
	for _, rn := range r.nodes {
		out = append(out, rankedNodeView{ID: rn.Node.ID, Score: rn.Score, Hops: rn.Hops, Seed: rn.Seed})
	}
	return out
}

func edgeViews(r *retrieval) []rankedEdgeView {
	out := make([]rankedEdgeView, 0, len(r.edges))
	for _, re := range r.edges {
		out = append(out, rankedEdgeView{ID: re.Edge.ID, Score: re.Score, Hop: re.Hop})
	}
	return out
}

func TestRetrieveSeedsAndExpands(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	expandGraph(t, st)
	c := newTestClient(t, &queryFakeAI{}, st)

	r, err := c.retrieve(ctx, "Who runs Acme Corp?", Params{
		TopK: 2, MaxHops: 2, FanOut: 8, HopDecay: 0.5,
	})
	if err != nil {
		t.Fatalf("retrieve returned error: %v", err)
	}

	wantNodes := []rankedNodeView{
		{ID: "node-a", Score: 1, Hops: 0, Seed: true},
		{ID: "node-b", Score: 0.6, Hops: 0, Seed: true},
		{ID: "node-d", Score: 0.45, Hops: 1},
		{ID: "node-e", Score: 0.2, Hops: 2},
	}
	if got := nodeViews(r); !reflect.DeepEqual(got, wantNodes) {
		t.Errorf("nodes = %+v, want %+v", got, wantNodes)
	}

	wantEdges := []rankedEdgeView{
		{ID: "edge-ad", Score: 0.45, Hop: 1},
		{ID: "edge-de", Score: 0.2, Hop: 2},
		{ID: "edge-ab", Score: 0.15, Hop: 1},
	}
	if got := edgeViews(r); !reflect.DeepEqual(got, wantEdges) {
		t.Errorf("edges = %+v, want %+v", got, wantEdges)
	}

	for _, rn := range r.nodes {
		if rn.Node.Name == "" {
			t.Errorf("node %s payload not loaded", rn.Node.ID)
		}
	}
}

func TestRetrieveMaxHopsZero(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	expandGraph(t, st)
	c := newTestClient(t, &queryFakeAI{}, st)

	r, err := c.retrieve(ctx, "Acme?", Params{TopK: 2, MaxHops: 0, FanOut: 8, HopDecay: 0.5})
	if err != nil {
		t.Fatalf("retrieve returned error: %v", err)
	}
	wantNodes := []rankedNodeView{
		{ID: "node-a", Score: 1, Hops: 0, Seed: true},
		{ID: "node-b", Score: 0.6, Hops: 0, Seed: true},
	}
	if got := nodeViews(r); !reflect.DeepEqual(got, wantNodes) {
		t.Errorf("nodes = %+v, want %+v", got, wantNodes)
	}
	if len(r.edges) != 0 {
		t.Errorf("expected no edges without expansion, got %+v", edgeViews(r))
	}
}

func TestRetrieveFanOutCap(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	seedGraphNode(t, st, common.Node{ID: "hub", Name: "Hub", Type: "CONCEPT", NormKey: "hub|CONCEPT", Embedding: []float32{1, 0}})
	seedGraphNode(t, st, common.Node{ID: "spoke-1", Name: "One", Type: "CONCEPT", NormKey: "one|CONCEPT"})
	seedGraphNode(t, st, common.Node{ID: "spoke-2", Name: "Two", Type: "CONCEPT", NormKey: "two|CONCEPT"})
	seedGraphNode(t, st, common.Node{ID: "spoke-3", Name: "Three", Type: "CONCEPT", NormKey: "three|CONCEPT"})
	seedGraphEdge(t, st, common.Edge{ID: "edge-1", SourceID: "hub", TargetID: "spoke-1", Type: "RELATED_TO", Confidence: 0.9})
	// Same confidence: the lower edge id wins the last fan-out slot.
	seedGraphEdge(t, st, common.Edge{ID: "edge-3", SourceID: "hub", TargetID: "spoke-2", Type: "RELATED_TO", Confidence: 0.8})
	seedGraphEdge(t, st, common.Edge{ID: "edge-2", SourceID: "hub", TargetID: "spoke-3", Type: "RELATED_TO", Confidence: 0.8})
	c := newTestClient(t, &queryFakeAI{}, st)

	r, err := c.retrieve(ctx, "hub", Params{TopK: 1, MaxHops: 1, FanOut: 2, HopDecay: 0.5})
	if err != nil {
		t.Fatalf("retrieve returned error: %v", err)
	}

	wantNodes := []rankedNodeView{
		{ID: "hub", Score: 1, Hops: 0, Seed: true},
		{ID: "spoke-1", Score: 0.45, Hops: 1},
		{ID: "spoke-3", Score: 0.4, Hops: 1},
	}
	if got := nodeViews(r); !reflect.DeepEqual(got, wantNodes) {
		t.Errorf("nodes = %+v, want %+v", got, wantNodes)
	}
	wantEdges := []rankedEdgeView{
		{ID: "edge-1", Score: 0.45, Hop: 1},
		{ID: "edge-2", Score: 0.4, Hop: 1},
	}
	if got := edgeViews(r); !reflect.DeepEqual(got, wantEdges) {
		t.Errorf("edges = %+v, want %+v", got, wantEdges)
	}
}

func TestRetrieveMinEdgeConfidence(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	seedGraphNode(t, st, common.Node{ID: "hub", Name: "Hub", Type: "CONCEPT", NormKey: "hub|CONCEPT", Embedding: []float32{1, 0}})
	seedGraphNode(t, st, common.Node{ID: "spoke-1", Name: "One", Type: "CONCEPT", NormKey: "one|CONCEPT"})
	seedGraphEdge(t, st, common.Edge{ID: "edge-1", SourceID: "hub", TargetID: "spoke-1", Type: "RELATED_TO", Confidence: 0.2})
	c := newTestClient(t, &queryFakeAI{}, st)

	r, err := c.retrieve(ctx, "hub", Params{TopK: 1, MaxHops: 2, FanOut: 8, HopDecay: 0.5, MinEdgeConfidence: 0.5})
	if err != nil {
		t.Fatalf("retrieve returned error: %v", err)
	}
	if len(r.nodes) != 1 || r.nodes[0].Node.ID != "hub" {
		t.Errorf("low-confidence edge must not expand, got %+v", nodeViews(r))
	}
	if len(r.edges) != 0 {
		t.Errorf("expected no edges, got %+v", edgeViews(r))
	}
}

func TestRetrieveDeterminism(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	expandGraph(t, st)
	c := newTestClient(t, &queryFakeAI{}, st)
	p := Params{TopK: 4, MaxHops: 2, FanOut: 8, HopDecay: 0.5}

	first, err := c.retrieve(ctx, "Acme?", p)
	if err != nil {
		t.Fatalf("first retrieve returned error: %v", err)
	}
	second, err := c.retrieve(ctx, "Acme?", p)
	if err != nil {
		t.Fatalf("second retrieve returned error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("two runs over a fixed snapshot differ:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestRetrieveEmptyGraph(t *testing.T) {
	c := newTestClient(t, &queryFakeAI{}, memory.NewMemoryStorage())
	r, err := c.retrieve(context.Background(), "anything", Params{TopK: 8, MaxHops: 2, FanOut: 8, HopDecay: 0.5})
	if err != nil {
		t.Fatalf("retrieve returned error: %v", err)
	}
	if !r.empty() {
		t.Errorf("expected empty retrieval, got %+v", nodeViews(r))
	}
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	f := &queryFakeAI{embedFn: func(input []byte) ([]float32, error) {
		return nil, errors.New("model offline")
	}}
	c := newTestClient(t, f, memory.NewMemoryStorage())

	_, err := c.retrieve(context.Background(), "anything", Params{TopK: 8, MaxHops: 2, FanOut: 8, HopDecay: 0.5})
	var callErr *common.ExternalCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected ExternalCallError, got %v", err)
	}
	if callErr.Op != "embed_question" {
		t.Errorf("expected op embed_question, got %s", callErr.Op)
	}
}
