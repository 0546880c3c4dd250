package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/magpie-ai/magpie/internal/cache"
	"github.com/magpie-ai/magpie/internal/server/middleware"
	"github.com/magpie-ai/magpie/internal/server/util"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/query"
	"github.com/magpie-ai/magpie/pkg/store"
)

// queryModeFrom collapses the requested mode onto the two the engine
// knows. Anything that is not "global" runs the local subgraph path.
func queryModeFrom(mode string) string {
	if mode == "global" {
		return "global"
	}
	return "local"
}

// queryParamsFrom maps request fields onto retrieval overrides. A
// max_hops field that is absent from the JSON selects the configured
// default; an explicit 0 disables expansion, so the two must stay
// distinguishable.
func queryParamsFrom(topK int, maxHops *int, fanOut, contextBudget int) query.Params {
	params := query.Params{
		TopK:          topK,
		MaxHops:       -1,
		FanOut:        fanOut,
		ContextBudget: contextBudget,
	}
	if maxHops != nil {
		params.MaxHops = *maxHops
	}
	return params
}

// QueryHandler answers one question against the graph and returns the
// cited answer together with the subgraph it was grounded on. Results
// are served from the answer cache while the graph revision holds.
func QueryHandler(c echo.Context) error {
	type queryRequest struct {
		Question      string `json:"question" validate:"required"`
		Mode          string `json:"mode"`
		TopK          int    `json:"top_k"`
		MaxHops       *int   `json:"max_hops"`
		FanOut        int    `json:"fan_out"`
		ContextBudget int    `json:"context_budget"`
	}

	type queryResponse struct {
		Message   string             `json:"message"`
		Answer    string             `json:"answer,omitempty"`
		Citations []store.Citation   `json:"citations,omitempty"`
		Nodes     []query.RankedNode `json:"nodes,omitempty"`
		Edges     []query.RankedEdge `json:"edges,omitempty"`
		NoData    bool               `json:"no_data,omitempty"`
		Cached    bool               `json:"cached,omitempty"`
	}

	data := new(queryRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{
			Message: "Invalid request body",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	mode := queryModeFrom(data.Mode)
	params := queryParamsFrom(data.TopK, data.MaxHops, data.FanOut, data.ContextBudget)

	var cacheKey string
	if app.Cache != nil {
		revision, err := app.Store.GraphRevision(ctx)
		if err != nil {
			logger.Error("Failed to load graph revision", "err", err)
		} else {
			cacheKey = cache.Key(mode, data.Question, params, revision)
			if cached := app.Cache.Get(ctx, cacheKey); cached != nil {
				return c.JSON(http.StatusOK, queryResponse{
					Message:   "OK",
					Answer:    cached.Answer,
					Citations: cached.Citations,
					Nodes:     cached.Nodes,
					Edges:     cached.Edges,
					NoData:    cached.NoData,
					Cached:    true,
				})
			}
		}
	}

	var result *query.Result
	var err error
	switch mode {
	case "global":
		result, err = app.Query.AnswerGlobal(ctx, data.Question, params)
	default:
		result, err = app.Query.Answer(ctx, data.Question, params)
	}
	if err != nil {
		logger.Error("Failed to answer query", "err", err)
		return c.JSON(http.StatusInternalServerError, queryResponse{
			Message: "Internal server error",
		})
	}

	// No-data answers are not cached; they depend on the corpus being
	// empty for this question, which an in-flight ingestion may change
	// before the revision moves.
	if app.Cache != nil && cacheKey != "" && !result.NoData {
		app.Cache.Put(ctx, cacheKey, result)
	}

	return c.JSON(http.StatusOK, queryResponse{
		Message:   "OK",
		Answer:    result.Answer,
		Citations: result.Citations,
		Nodes:     result.Nodes,
		Edges:     result.Edges,
		NoData:    result.NoData,
	})
}

// QueryStreamHandler is the streaming variant of QueryHandler. It
// writes JSON lines: each line carries the message so far and the
// citations resolved so far, interleaved with step markers; the final
// line adds the grounding subgraph. Citation markers are recognized
// incrementally, so the streamed text equals the non-streaming answer.
func QueryStreamHandler(c echo.Context) error {
	type queryRequest struct {
		Question      string `json:"question" validate:"required"`
		Mode          string `json:"mode"`
		TopK          int    `json:"top_k"`
		MaxHops       *int   `json:"max_hops"`
		FanOut        int    `json:"fan_out"`
		ContextBudget int    `json:"context_budget"`
	}

	type streamResponse struct {
		Step      string             `json:"step,omitempty"`
		Message   string             `json:"message"`
		Citations []store.Citation   `json:"citations"`
		Nodes     []query.RankedNode `json:"nodes,omitempty"`
		Edges     []query.RankedEdge `json:"edges,omitempty"`
		NoData    bool               `json:"no_data,omitempty"`
	}

	data := new(queryRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, streamResponse{
			Message:   "Invalid request body",
			Citations: []store.Citation{},
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, streamResponse{
			Message:   "Invalid request body",
			Citations: []store.Citation{},
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	mode := queryModeFrom(data.Mode)
	params := queryParamsFrom(data.TopK, data.MaxHops, data.FanOut, data.ContextBudget)

	// Retrieval failures surface before the first event, so the status
	// line stays uncommitted until the stream is open.
	var sr *query.StreamResult
	var err error
	switch mode {
	case "global":
		sr, err = app.Query.AnswerGlobalStream(ctx, data.Question, params)
	default:
		sr, err = app.Query.AnswerStream(ctx, data.Question, params)
	}
	if err != nil {
		logger.Error("Failed to open answer stream", "err", err)
		return c.JSON(http.StatusInternalServerError, streamResponse{
			Message:   "Internal server error",
			Citations: []store.Citation{},
		})
	}

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c.Response().WriteHeader(http.StatusOK)

	enc := json.NewEncoder(c.Response())
	parser := util.StreamCitationParser{}
	resolved := make(map[string]bool)
	citations := make([]store.Citation, 0)
	var messageBuffer strings.Builder

	for event := range sr.Events {
		if event.Type == "step" {
			resp := streamResponse{
				Step:      event.Step,
				Message:   messageBuffer.String(),
				Citations: citations,
			}
			if err := enc.Encode(resp); err != nil {
				return err
			}
			c.Response().Flush()
			continue
		}

		newIds := make([]string, 0)
		for _, tok := range parser.Consume(event.Content) {
			if tok.ID == "" {
				messageBuffer.WriteString(tok.Text)
				continue
			}
			// Re-emit the marker in normalized form so the streamed
			// text matches what the non-streaming endpoint returns.
			messageBuffer.WriteString("[[" + tok.ID + "]]")
			if !resolved[tok.ID] {
				resolved[tok.ID] = true
				newIds = append(newIds, tok.ID)
			}
		}

		if len(newIds) > 0 {
			resolvedCitations, err := app.Store.ResolveCitations(ctx, newIds)
			if err != nil {
				logger.Error("Failed to resolve citations for stream", "err", err)
			} else {
				citations = append(citations, resolvedCitations...)
			}
		}

		resp := streamResponse{
			Message:   messageBuffer.String(),
			Citations: citations,
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
		c.Response().Flush()
	}
	messageBuffer.WriteString(parser.Flush())

	return c.JSON(http.StatusOK, streamResponse{
		Message:   messageBuffer.String(),
		Citations: citations,
		Nodes:     sr.Nodes,
		Edges:     sr.Edges,
		NoData:    sr.NoData,
	})
}
