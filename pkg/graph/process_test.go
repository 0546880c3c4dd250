package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/store"
	"github.com/magpie-ai/magpie/pkg/store/memory"
)

// fakeAI is the stand-in model backend for pipeline tests. Structured
// completions are answered by formatFn, plain completions by
// completionFn, and embeddings are deterministic unless embedFn is set.
type fakeAI struct {
	mu               sync.Mutex
	completionFn     func(prompt string) (string, error)
	formatFn         func(name, prompt string, out any) error
	embedFn          func(inputs [][]byte) ([][]float32, error)
	embedBatches     int
	lastSystemPrompt string
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	if f.completionFn != nil {
		return f.completionFn(prompt)
	}
	return "", nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	var options ai.GenerateOptions
	for _, opt := range opts {
		opt(&options)
	}
	f.mu.Lock()
	f.lastSystemPrompt = strings.Join(options.SystemPrompts, "\n")
	f.mu.Unlock()
	if f.formatFn != nil {
		return f.formatFn(name, prompt, out)
	}
	return nil
}

func (f *fakeAI) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (f *fakeAI) GenerateChatStream(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, nil
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	vecs, err := f.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeAI) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	f.mu.Lock()
	f.embedBatches++
	f.mu.Unlock()
	if f.embedFn != nil {
		return f.embedFn(inputs)
	}
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		out[i] = testEmbedding(input)
	}
	return out, nil
}

func (f *fakeAI) ResetMetrics() {}

func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func testEmbedding(input []byte) []float32 {
	var sum float32
	for _, b := range input {
		sum += float32(b)
	}
	return []float32{sum, float32(len(input)), 1}
}

// encodeInto routes a canned value into a structured-output target the
// way a real backend would, through JSON.
func encodeInto(out any, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func testRetryPolicy() util.RetryPolicy {
	return util.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newTestClient(t *testing.T, f *fakeAI, st store.GraphStorage, cfg Config) *Client {
	t.Helper()
	client, err := NewClient(NewClientParams{AI: f, Store: st, Config: cfg})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

type memorySource struct {
	objects map[string][]byte
}

func (s *memorySource) GetDocumentBytes(ctx context.Context, doc loader.Document) ([]byte, error) {
	data, ok := s.objects[doc.StorageKey]
	if !ok {
		return nil, &common.NotFoundError{Kind: "object", ID: doc.StorageKey}
	}
	return data, nil
}

type fakeStages struct {
	mu     sync.Mutex
	stages []string
}

func (f *fakeStages) RecordStage(stage string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
}

func (f *fakeStages) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stages...)
}

const scenarioText = "Acme Corporation is a manufacturing company based in Springfield. " +
	"Dr. Jane Smith leads Acme Corporation. " +
	"Jane Smith founded the Globex initiative."

// scenarioExtraction answers per chunk, keyed on a word unique to the
// sentence the chunk carries.
func scenarioExtraction(prompt string) extractResponse {
	switch {
	case strings.Contains(prompt, "manufacturing"):
		return extractResponse{
			Entities: []extractEntity{
				{EntityName: "Acme Corporation", EntityType: "ORGANIZATION", EntityDescription: "A manufacturing company based in Springfield."},
				{EntityName: "Springfield", EntityType: "LOCATION"},
			},
			Relationships: []extractRelationship{
				{SourceEntity: "Acme Corporation", TargetEntity: "Springfield", RelationType: "based in", RelationshipStrength: 0.9},
			},
		}
	case strings.Contains(prompt, "leads"):
		return extractResponse{
			Entities: []extractEntity{
				{EntityName: "Dr. Jane Smith", EntityType: "PERSON", EntityDescription: "Chief executive of Acme Corporation."},
				{EntityName: "Acme Corporation", EntityType: "ORGANIZATION"},
			},
			Relationships: []extractRelationship{
				{SourceEntity: "Dr. Jane Smith", TargetEntity: "Acme Corporation", RelationType: "leads", RelationshipStrength: 0.8},
			},
		}
	case strings.Contains(prompt, "founded"):
		return extractResponse{
			Entities: []extractEntity{
				{EntityName: "Jane Smith", EntityType: "PERSON"},
				{EntityName: "Globex", EntityType: "ORGANIZATION", EntityDescription: "A research initiative founded by Jane Smith."},
			},
			Relationships: []extractRelationship{
				{SourceEntity: "Jane Smith", TargetEntity: "Globex", RelationType: "founded", RelationshipStrength: 0.7},
			},
		}
	}
	return extractResponse{}
}

func scenarioAI(failOn string) *fakeAI {
	return &fakeAI{
		completionFn: func(prompt string) (string, error) {
			return "  A   test  summary. ", nil
		},
		formatFn: func(name, prompt string, out any) error {
			switch name {
			case "extract_entities_and_relationships":
				if failOn != "" && strings.Contains(prompt, failOn) {
					return errors.New("model returned garbage")
				}
				return encodeInto(out, scenarioExtraction(prompt))
			case "tag_document":
				return encodeInto(out, map[string][]string{"tags": {"corporate", "Corporate", " "}})
			}
			return fmt.Errorf("unexpected format call %s", name)
		},
	}
}

type scenario struct {
	ai     *fakeAI
	store  *memory.MemoryStorage
	stages *fakeStages
	client *Client
}

// newScenario wires a client against the in-memory store, a canned
// model and a three-sentence text document. ChunkMaxTokens of one
// forces one chunk per sentence.
func newScenario(t *testing.T, failOn string) *scenario {
	t.Helper()
	st := memory.NewMemoryStorage()
	f := scenarioAI(failOn)
	stages := &fakeStages{}
	source := &memorySource{objects: map[string][]byte{
		"reports/report.txt": []byte(scenarioText),
	}}

	client, err := NewClient(NewClientParams{
		AI:      f,
		Store:   st,
		Source:  source,
		Parsers: &loader.ParserSet{Text: loader.NewTextParser()},
		Stages:  stages,
		Config: Config{
			ChunkMaxTokens: 1,
			Retry:          testRetryPolicy(),
		},
	})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	err = st.CreateDocument(context.Background(), &common.Document{
		ID:         "doc-1",
		Name:       "report.txt",
		StorageKey: "reports/report.txt",
	})
	if err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}
	return &scenario{ai: f, store: st, stages: stages, client: client}
}

func nodesByName(t *testing.T, st store.GraphStorage) map[string]common.Node {
	t.Helper()
	nodes, err := st.AllNodes(context.Background())
	if err != nil {
		t.Fatalf("AllNodes returned error: %v", err)
	}
	out := make(map[string]common.Node, len(nodes))
	for _, n := range nodes {
		out[n.Name] = n
	}
	return out
}

func TestIngestDocumentEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, "")

	if err := s.client.IngestDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("IngestDocument returned error: %v", err)
	}

	doc, err := s.store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument returned error: %v", err)
	}
	if doc.State != common.StateReady {
		t.Fatalf("expected state ready, got %s (%s)", doc.State, doc.StateDetail)
	}
	if !strings.Contains(doc.StateDetail, "chunks=3") || !strings.Contains(doc.StateDetail, "skipped=0") {
		t.Errorf("unexpected state detail %q", doc.StateDetail)
	}
	if doc.Summary != "A test summary." {
		t.Errorf("expected normalized summary, got %q", doc.Summary)
	}
	if len(doc.Tags) != 1 || doc.Tags[0] != "corporate" {
		t.Errorf("expected deduplicated lowercase tags, got %v", doc.Tags)
	}
	if doc.IngestedAt == nil {
		t.Error("expected IngestedAt to be set")
	}

	chunks, err := s.store.GetChunks(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetChunks returned error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	nodes := nodesByName(t, s.store)
	if len(nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d: %v", len(nodes), nodes)
	}
	acme, ok := nodes["Acme Corporation"]
	if !ok {
		t.Fatal("missing Acme Corporation node")
	}
	if acme.Description != "A manufacturing company based in Springfield." {
		t.Errorf("unexpected Acme description %q", acme.Description)
	}
	if len(acme.Provenance) != 2 {
		t.Errorf("Acme appears in two chunks, got provenance %v", acme.Provenance)
	}
	jane, ok := nodes["Dr. Jane Smith"]
	if !ok {
		t.Fatal("missing Dr. Jane Smith node")
	}
	if !containsFold(jane.Aliases, "Jane Smith") {
		t.Errorf("expected the bare name as alias, got %v", jane.Aliases)
	}
	for name, node := range nodes {
		if len(node.Embedding) == 0 {
			t.Errorf("node %s has no embedding", name)
		}
		if node.NormKey == "" {
			t.Errorf("node %s has no normalized key", name)
		}
	}

	stats, err := s.store.GraphStats(ctx)
	if err != nil {
		t.Fatalf("GraphStats returned error: %v", err)
	}
	if stats.Edges != 3 {
		t.Errorf("expected 3 edges, got %d", stats.Edges)
	}
	for _, want := range []struct {
		source string
		target string
		typ    string
	}{
		{source: acme.ID, target: nodes["Springfield"].ID, typ: "BASED_IN"},
		{source: jane.ID, target: acme.ID, typ: "LEADS"},
		{source: jane.ID, target: nodes["Globex"].ID, typ: "FOUNDED"},
	} {
		if _, err := s.store.EdgeByEndpoints(ctx, want.source, want.target, want.typ); err != nil {
			t.Errorf("missing %s edge: %v", want.typ, err)
		}
	}

	expectedStages := []string{"parsing", "chunking", "extracting", "resolving", "merging"}
	if got := s.stages.recorded(); !reflect.DeepEqual(got, expectedStages) {
		t.Errorf("expected stages %v, got %v", expectedStages, got)
	}
	if s.ai.embedBatches != 1 {
		t.Errorf("expected one batched embedding call, got %d", s.ai.embedBatches)
	}
}

func TestIngestDocumentAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, "")

	err := s.store.TransitionDocumentState(ctx, "doc-1",
		[]common.DocumentState{common.StatePending}, common.StateParsing, "")
	if err != nil {
		t.Fatalf("TransitionDocumentState returned error: %v", err)
	}

	err = s.client.IngestDocument(ctx, "doc-1")
	if !common.IsIngestionInProgress(err) {
		t.Fatalf("expected IngestionInProgressError, got %v", err)
	}
	var inProgress *common.IngestionInProgressError
	if errors.As(err, &inProgress) && inProgress.State != common.StateParsing {
		t.Errorf("expected reported state parsing, got %s", inProgress.State)
	}

	doc, _ := s.store.GetDocument(ctx, "doc-1")
	if doc.State != common.StateParsing {
		t.Errorf("rejected trigger must not change the state, got %s", doc.State)
	}
}

func TestIngestDocumentNotFound(t *testing.T) {
	s := newScenario(t, "")
	if err := s.client.IngestDocument(context.Background(), "missing"); !common.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestIngestDocumentSkipsFailedChunk(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, "founded")

	if err := s.client.IngestDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("IngestDocument returned error: %v", err)
	}

	doc, _ := s.store.GetDocument(ctx, "doc-1")
	if doc.State != common.StateReady {
		t.Fatalf("one bad chunk must not fail the document, got %s (%s)", doc.State, doc.StateDetail)
	}
	if !strings.Contains(doc.StateDetail, "skipped=1") {
		t.Errorf("expected skipped=1 in state detail, got %q", doc.StateDetail)
	}

	nodes := nodesByName(t, s.store)
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes without the failed chunk, got %d", len(nodes))
	}
	if _, ok := nodes["Globex"]; ok {
		t.Error("entities from the failed chunk must not appear")
	}
}

func TestIngestDocumentParseFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, "")

	err := s.store.CreateDocument(ctx, &common.Document{
		ID:         "doc-2",
		Name:       "missing.txt",
		StorageKey: "reports/missing.txt",
	})
	if err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}

	if err := s.client.IngestDocument(ctx, "doc-2"); err == nil {
		t.Fatal("expected an error for a document without stored bytes")
	}

	doc, _ := s.store.GetDocument(ctx, "doc-2")
	if doc.State != common.StateFailed {
		t.Errorf("expected state failed, got %s", doc.State)
	}
	if doc.StateDetail == "" {
		t.Error("failure must record its cause")
	}
}

func TestIngestDocumentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newScenario(t, "")

	inner := s.ai.formatFn
	s.ai.formatFn = func(name, prompt string, out any) error {
		if name == "extract_entities_and_relationships" {
			cancel()
			return context.Canceled
		}
		return inner(name, prompt, out)
	}

	err := s.client.IngestDocument(ctx, "doc-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	doc, _ := s.store.GetDocument(ctx, "doc-1")
	if doc.State != common.StateFailed {
		t.Errorf("cancelled ingestion must land in failed, got %s", doc.State)
	}
	if !strings.Contains(doc.StateDetail, "context canceled") {
		t.Errorf("expected the cause in state detail, got %q", doc.StateDetail)
	}
}

func TestIngestDocumentReingest(t *testing.T) {
	ctx := context.Background()
	s := newScenario(t, "")

	if err := s.client.IngestDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("first ingestion returned error: %v", err)
	}
	if err := s.client.IngestDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("re-ingestion returned error: %v", err)
	}

	doc, _ := s.store.GetDocument(ctx, "doc-1")
	if doc.State != common.StateReady {
		t.Fatalf("expected state ready after re-ingestion, got %s (%s)", doc.State, doc.StateDetail)
	}

	chunks, err := s.store.GetChunks(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetChunks returned error: %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("re-ingestion must not duplicate chunks, got %d", len(chunks))
	}
	if nodes := nodesByName(t, s.store); len(nodes) != 4 {
		t.Errorf("re-ingestion must not duplicate visible nodes, got %d", len(nodes))
	}
}
