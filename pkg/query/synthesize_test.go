package query

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store/memory"
)

// answerFixture seeds one ingested document with a chunk and a single
// embedded entity so a [1,0] question embedding retrieves it.
func answerFixture(t *testing.T, st *memory.MemoryStorage) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateDocument(ctx, &common.Document{ID: "doc-1", Name: "report.txt", State: common.StateReady}); err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}
	if err := st.SaveChunks(ctx, []common.Chunk{
		{ID: "chunk-1", DocumentID: "doc-1", Index: 0, Text: "Acme Corporation is based in Springfield."},
	}); err != nil {
		t.Fatalf("SaveChunks returned error: %v", err)
	}
	seedGraphNode(t, st, common.Node{
		ID:          "node-a",
		Name:        "Acme Corp",
		Type:        "ORGANIZATION",
		NormKey:     "acme corp|ORGANIZATION",
		Description: "A manufacturing company.",
		Embedding:   []float32{1, 0},
		Provenance:  []common.Provenance{{ChunkID: "chunk-1", DocumentID: "doc-1"}},
	})
}

func TestAnswerEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	answerFixture(t, st)

	var gotQuestion string
	f := &queryFakeAI{chatFn: func(msgs []ai.ChatMessage) (string, error) {
		if len(msgs) == 1 && msgs[0].Role == "user" {
			gotQuestion = msgs[0].Message
		}
		return "Acme Corp is based in Springfield [[ chunk-1 ]] and makes widgets [[node-a]].", nil
	}}
	c := newTestClient(t, f, st)

	res, err := c.Answer(ctx, "Where is Acme based?", Params{})
	if err != nil {
		t.Fatalf("Answer returned error: %v", err)
	}
	if res.NoData {
		t.Error("expected a grounded answer, got no-data")
	}
	want := "Acme Corp is based in Springfield [[chunk-1]] and makes widgets [[node-a]]."
	if res.Answer != want {
		t.Errorf("answer = %q, want %q", res.Answer, want)
	}
	if len(res.Citations) != 2 {
		t.Fatalf("expected 2 citations, got %+v", res.Citations)
	}
	if res.Citations[0].ID != "chunk-1" || res.Citations[0].Kind != "chunk" || res.Citations[0].DocumentName != "report.txt" {
		t.Errorf("unexpected chunk citation %+v", res.Citations[0])
	}
	if res.Citations[1].ID != "node-a" || res.Citations[1].Kind != "node" || res.Citations[1].Name != "Acme Corp" {
		t.Errorf("unexpected node citation %+v", res.Citations[1])
	}
	if len(res.Nodes) != 1 || res.Nodes[0].Node.ID != "node-a" || !res.Nodes[0].Seed {
		t.Errorf("unexpected subgraph %+v", res.Nodes)
	}
	if gotQuestion != "Where is Acme based?" {
		t.Errorf("model saw question %q", gotQuestion)
	}
	if !strings.Contains(f.lastSystemPrompt, "Relevant Entities:") {
		t.Errorf("system prompt missing context block:\n%s", f.lastSystemPrompt)
	}
	if !strings.Contains(f.lastSystemPrompt, "Acme Corp (ORGANIZATION)") {
		t.Errorf("system prompt missing entity line:\n%s", f.lastSystemPrompt)
	}
}

func TestAnswerNoData(t *testing.T) {
	f := &queryFakeAI{
		completionFn: func(prompt string) (string, error) {
			if !strings.Contains(prompt, "What color is the sky?") {
				t.Errorf("no-data prompt missing the question:\n%s", prompt)
			}
			return "Nothing has been ingested that answers this.", nil
		},
		chatFn: func(msgs []ai.ChatMessage) (string, error) {
			t.Error("GenerateChat must not be called without retrieved context")
			return "", nil
		},
	}
	c := newTestClient(t, f, memory.NewMemoryStorage())

	res, err := c.Answer(context.Background(), "What color is the sky?", Params{})
	if err != nil {
		t.Fatalf("Answer returned error: %v", err)
	}
	if !res.NoData {
		t.Error("expected no-data result")
	}
	if res.Answer != "Nothing has been ingested that answers this." {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 0 || len(res.Nodes) != 0 {
		t.Errorf("no-data result must carry no citations or subgraph: %+v", res)
	}
}

func TestAnswerSynthesisFailure(t *testing.T) {
	st := memory.NewMemoryStorage()
	answerFixture(t, st)
	f := &queryFakeAI{chatFn: func(msgs []ai.ChatMessage) (string, error) {
		return "", errors.New("model offline")
	}}
	c := newTestClient(t, f, st)

	_, err := c.Answer(context.Background(), "Where is Acme based?", Params{})
	if !common.IsSynthesisFailure(err) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
}

func TestAnswerEmptyQuestion(t *testing.T) {
	c := newTestClient(t, &queryFakeAI{}, memory.NewMemoryStorage())
	for _, question := range []string{"", "   "} {
		if _, err := c.Answer(context.Background(), question, Params{}); err == nil {
			t.Errorf("Answer(%q) expected error", question)
		}
		if _, err := c.AnswerStream(context.Background(), question, Params{}); err == nil {
			t.Errorf("AnswerStream(%q) expected error", question)
		}
	}
}

func TestAnswerStream(t *testing.T) {
	st := memory.NewMemoryStorage()
	answerFixture(t, st)
	f := &queryFakeAI{streamFn: func(msgs []ai.ChatMessage) (<-chan ai.StreamEvent, error) {
		ch := make(chan ai.StreamEvent, 2)
		ch <- ai.StreamEvent{Type: "content", Content: "Acme Corp "}
		ch <- ai.StreamEvent{Type: "content", Content: "is in Springfield [[node-a]]"}
		close(ch)
		return ch, nil
	}}
	c := newTestClient(t, f, st)

	sr, err := c.AnswerStream(context.Background(), "Where is Acme based?", Params{})
	if err != nil {
		t.Fatalf("AnswerStream returned error: %v", err)
	}
	if sr.NoData {
		t.Error("expected a grounded stream, got no-data")
	}
	if len(sr.Nodes) != 1 || sr.Nodes[0].Node.ID != "node-a" {
		t.Errorf("unexpected subgraph %+v", sr.Nodes)
	}

	var events []ai.StreamEvent
	for event := range sr.Events {
		events = append(events, event)
	}
	want := []ai.StreamEvent{
		{Type: "step", Step: "synthesize"},
		{Type: "content", Content: "Acme Corp "},
		{Type: "content", Content: "is in Springfield [[node-a]]"},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}
	if !strings.Contains(f.lastSystemPrompt, "Relevant Entities:") {
		t.Errorf("system prompt missing context block:\n%s", f.lastSystemPrompt)
	}
}

func TestAnswerStreamNoData(t *testing.T) {
	f := &queryFakeAI{completionFn: func(prompt string) (string, error) {
		return "Nothing has been ingested that answers this.", nil
	}}
	c := newTestClient(t, f, memory.NewMemoryStorage())

	sr, err := c.AnswerStream(context.Background(), "Anything?", Params{})
	if err != nil {
		t.Fatalf("AnswerStream returned error: %v", err)
	}
	if !sr.NoData {
		t.Error("expected no-data stream")
	}
	var events []ai.StreamEvent
	for event := range sr.Events {
		events = append(events, event)
	}
	want := []ai.StreamEvent{{Type: "content", Content: "Nothing has been ingested that answers this."}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}
}

func TestAnswerGlobal(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	if err := st.CreateDocument(ctx, &common.Document{
		ID: "doc-1", Name: "Annual Report", State: common.StateReady, Summary: "Revenue grew.",
	}); err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}
	f := &queryFakeAI{chatFn: func(msgs []ai.ChatMessage) (string, error) {
		return "The corpus reports revenue growth [[doc-1]].", nil
	}}
	c := newTestClient(t, f, st)

	res, err := c.AnswerGlobal(ctx, "What do the documents say?", Params{})
	if err != nil {
		t.Fatalf("AnswerGlobal returned error: %v", err)
	}
	if res.NoData {
		t.Error("expected a grounded answer, got no-data")
	}
	if res.Answer != "The corpus reports revenue growth [[doc-1]]." {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 1 || res.Citations[0].Kind != "document" || res.Citations[0].Name != "Annual Report" {
		t.Errorf("unexpected citations %+v", res.Citations)
	}
	if len(res.Nodes) != 0 || len(res.Edges) != 0 {
		t.Errorf("global answers carry no subgraph: %+v", res)
	}
	if !strings.Contains(f.lastSystemPrompt, "Documents:") {
		t.Errorf("system prompt missing summaries block:\n%s", f.lastSystemPrompt)
	}
}

func TestAnswerGlobalNoDocuments(t *testing.T) {
	f := &queryFakeAI{completionFn: func(prompt string) (string, error) {
		return "No documents have been ingested yet.", nil
	}}
	c := newTestClient(t, f, memory.NewMemoryStorage())

	res, err := c.AnswerGlobal(context.Background(), "What do the documents say?", Params{})
	if err != nil {
		t.Fatalf("AnswerGlobal returned error: %v", err)
	}
	if !res.NoData {
		t.Error("expected no-data result")
	}
	if res.Answer != "No documents have been ingested yet." {
		t.Errorf("answer = %q", res.Answer)
	}
}

func TestAnswerGlobalStream(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStorage()
	if err := st.CreateDocument(ctx, &common.Document{
		ID: "doc-1", Name: "Annual Report", State: common.StateReady, Summary: "Revenue grew.",
	}); err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}
	f := &queryFakeAI{streamFn: func(msgs []ai.ChatMessage) (<-chan ai.StreamEvent, error) {
		ch := make(chan ai.StreamEvent, 1)
		ch <- ai.StreamEvent{Type: "content", Content: "Revenue grew [[doc-1]]."}
		close(ch)
		return ch, nil
	}}
	c := newTestClient(t, f, st)

	sr, err := c.AnswerGlobalStream(ctx, "What do the documents say?", Params{})
	if err != nil {
		t.Fatalf("AnswerGlobalStream returned error: %v", err)
	}
	var events []ai.StreamEvent
	for event := range sr.Events {
		events = append(events, event)
	}
	want := []ai.StreamEvent{
		{Type: "step", Step: "synthesize"},
		{Type: "content", Content: "Revenue grew [[doc-1]]."},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}
}

func TestNormalizeCitations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spaced marker", "see [[ chunk-1 ]]", "see [[chunk-1]]"},
		{"already normal", "see [[chunk-1]]", "see [[chunk-1]]"},
		{"multiple markers", "a [[x]] b [[ y ]]", "a [[x]] b [[y]]"},
		{"no markers", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeCitations(tt.in); got != tt.want {
				t.Errorf("normalizeCitations(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractCitationIDs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"dedupe keeps first-use order", "[[b]] then [[a]] then [[b]]", []string{"b", "a"}},
		{"single", "answer [[chunk-1]].", []string{"chunk-1"}},
		{"no markers", "plain text", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractCitationIDs(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("extractCitationIDs(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
