package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/store"
)

// Answer runs one grounded query: retrieve the subgraph, assemble the
// context, synthesize a cited answer and resolve its citations. When
// retrieval finds nothing the model generates a no-data reply instead
// of an answer; it never fabricates one locally.
func (c *Client) Answer(ctx context.Context, question string, params Params) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("query: question must not be empty")
	}
	p := params.withDefaults(c.cfg)

	r, err := c.retrieve(ctx, question, p)
	if err != nil {
		return nil, err
	}
	if r.empty() {
		answer, err := c.noDataAnswer(ctx, question)
		if err != nil {
			return nil, err
		}
		return &Result{Answer: answer, NoData: true}, nil
	}

	contextBlock, err := c.buildContext(ctx, r, p.ContextBudget)
	if err != nil {
		return nil, err
	}
	answer, err := c.generateAnswer(ctx, fmt.Sprintf(ai.QueryPrompt, contextBlock), question)
	if err != nil {
		return nil, err
	}
	answer, citations, err := c.finishAnswer(ctx, answer)
	if err != nil {
		return nil, err
	}

	logger.Info("[Query] Answered",
		"nodes", len(r.nodes), "edges", len(r.edges), "citations", len(citations))
	return &Result{Answer: answer, Citations: citations, Nodes: r.nodes, Edges: r.edges}, nil
}

// AnswerStream is the streaming variant of Answer. Retrieval and
// context assembly run before it returns, so the ranked subgraph is
// available immediately; answer content arrives as events. The caller
// resolves citations incrementally from the streamed text.
func (c *Client) AnswerStream(ctx context.Context, question string, params Params) (*StreamResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("query: question must not be empty")
	}
	p := params.withDefaults(c.cfg)

	r, err := c.retrieve(ctx, question, p)
	if err != nil {
		return nil, err
	}

	out := make(chan ai.StreamEvent, 10)
	if r.empty() {
		go func() {
			defer close(out)
			answer, err := c.noDataAnswer(ctx, question)
			if err != nil {
				logger.Error("[Query] No-data response failed", "error", err)
				return
			}
			out <- ai.StreamEvent{Type: "content", Content: answer}
		}()
		return &StreamResult{Events: out, NoData: true}, nil
	}

	contextBlock, err := c.buildContext(ctx, r, p.ContextBudget)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		out <- ai.StreamEvent{Type: "step", Step: "synthesize"}
		c.streamAnswer(ctx, out, fmt.Sprintf(ai.QueryPrompt, contextBlock), question)
	}()
	return &StreamResult{Events: out, Nodes: r.nodes, Edges: r.edges}, nil
}

// AnswerGlobal answers a corpus-level question from the ready
// documents' summaries instead of subgraph retrieval. Citations map to
// document ids.
func (c *Client) AnswerGlobal(ctx context.Context, question string, params Params) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("query: question must not be empty")
	}
	p := params.withDefaults(c.cfg)

	contextBlock, err := c.globalContext(ctx, p)
	if err != nil {
		return nil, err
	}
	if contextBlock == "" {
		answer, err := c.noDataAnswer(ctx, question)
		if err != nil {
			return nil, err
		}
		return &Result{Answer: answer, NoData: true}, nil
	}

	answer, err := c.generateAnswer(ctx, fmt.Sprintf(ai.GlobalQueryPrompt, contextBlock), question)
	if err != nil {
		return nil, err
	}
	answer, citations, err := c.finishAnswer(ctx, answer)
	if err != nil {
		return nil, err
	}

	logger.Info("[Query] Global answered", "citations", len(citations))
	return &Result{Answer: answer, Citations: citations}, nil
}

// AnswerGlobalStream is the streaming variant of AnswerGlobal.
func (c *Client) AnswerGlobalStream(ctx context.Context, question string, params Params) (*StreamResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("query: question must not be empty")
	}
	p := params.withDefaults(c.cfg)

	contextBlock, err := c.globalContext(ctx, p)
	if err != nil {
		return nil, err
	}

	out := make(chan ai.StreamEvent, 10)
	if contextBlock == "" {
		go func() {
			defer close(out)
			answer, err := c.noDataAnswer(ctx, question)
			if err != nil {
				logger.Error("[Query] No-data response failed", "error", err)
				return
			}
			out <- ai.StreamEvent{Type: "content", Content: answer}
		}()
		return &StreamResult{Events: out, NoData: true}, nil
	}

	go func() {
		defer close(out)
		out <- ai.StreamEvent{Type: "step", Step: "synthesize"}
		c.streamAnswer(ctx, out, fmt.Sprintf(ai.GlobalQueryPrompt, contextBlock), question)
	}()
	return &StreamResult{Events: out}, nil
}

func (c *Client) globalContext(ctx context.Context, p Params) (string, error) {
	docs, err := c.store.ListDocuments(ctx)
	if err != nil {
		return "", err
	}
	return c.buildGlobalContext(docs, p.ContextBudget)
}

// generateAnswer runs the chat completion under the retry policy.
// Model failure after retries becomes a SynthesisError; cancellation
// passes through untouched.
func (c *Client) generateAnswer(ctx context.Context, systemPrompt, question string) (string, error) {
	msgs := []ai.ChatMessage{{Role: "user", Message: question}}
	answer, err := util.Retry(ctx, c.cfg.Retry, func(rctx context.Context) (string, error) {
		return c.ai.GenerateChat(rctx, msgs, ai.WithSystemPrompts(systemPrompt))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &common.SynthesisError{Err: err}
	}
	return answer, nil
}

// streamAnswer forwards the model's stream events to out. Stream setup
// failures are logged; the closed channel signals the end either way.
func (c *Client) streamAnswer(ctx context.Context, out chan<- ai.StreamEvent, systemPrompt, question string) {
	msgs := []ai.ChatMessage{{Role: "user", Message: question}}
	events, err := c.ai.GenerateChatStream(ctx, msgs, ai.WithSystemPrompts(systemPrompt))
	if err != nil {
		logger.Error("[Query] Failed to open answer stream", "error", err)
		return
	}
	for event := range events {
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) noDataAnswer(ctx context.Context, question string) (string, error) {
	answer, err := util.Retry(ctx, c.cfg.Retry, func(rctx context.Context) (string, error) {
		return c.ai.GenerateCompletion(rctx, fmt.Sprintf(ai.NoDataPrompt, question))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &common.SynthesisError{Err: err}
	}
	return answer, nil
}

// finishAnswer normalizes the citation markers in the answer and
// resolves the cited ids through the store.
func (c *Client) finishAnswer(ctx context.Context, answer string) (string, []store.Citation, error) {
	answer = normalizeCitations(answer)
	ids := extractCitationIDs(answer)
	if len(ids) == 0 {
		return answer, nil, nil
	}
	citations, err := c.store.ResolveCitations(ctx, ids)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve citations: %w", err)
	}
	return answer, citations, nil
}

var citationNormRe = regexp.MustCompile(`\[\[\s*([^\[\]]+?)\s*\]\]`)

// normalizeCitations trims whitespace inside [[id]] markers so cited
// ids match their stored form.
func normalizeCitations(answer string) string {
	return citationNormRe.ReplaceAllString(answer, "[[${1}]]")
}

// extractCitationIDs returns the distinct cited ids in first-use order.
func extractCitationIDs(answer string) []string {
	matches := citationNormRe.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return nil
	}
	var ids []string
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		id := m[1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
