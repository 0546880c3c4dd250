// Package query answers questions against the knowledge graph: seed
// nodes by embedding similarity, expand them with a bounded traversal,
// flatten the ranked subgraph into a token-budgeted context and
// synthesize a grounded, cited answer. A global mode answers
// corpus-level questions from document summaries instead.
package query

import (
	"errors"
	"time"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store"
)

// Config carries the retrieval and synthesis tunables. Zero values are
// replaced with defaults by NewClient.
type Config struct {
	// TokenEncoder is the tiktoken encoding used to meter the context
	// budget.
	TokenEncoder string
	// TopK is the default number of seed nodes.
	TopK int
	// MaxHops is the default traversal depth from the seeds.
	MaxHops int
	// FanOut caps the edges expanded per visited node and hop.
	FanOut int
	// HopDecay discounts edge scores per hop, (0, 1].
	HopDecay float64
	// MinEdgeConfidence filters edges below this confidence from the
	// traversal.
	MinEdgeConfidence float64
	// ContextBudget bounds the assembled context in tokens.
	ContextBudget int
	// Retry is applied to every model call.
	Retry util.RetryPolicy
}

// ConfigFromEnv builds a Config from environment variables, falling
// back to the defaults documented on each field.
func ConfigFromEnv() Config {
	return Config{
		TokenEncoder:      util.GetEnvString("TOKEN_ENCODER", "cl100k_base"),
		TopK:              int(util.GetEnvNumeric("RETRIEVE_TOP_K", 8)),
		MaxHops:           int(util.GetEnvNumeric("RETRIEVE_MAX_HOPS", 2)),
		FanOut:            int(util.GetEnvNumeric("RETRIEVE_FAN_OUT", 8)),
		HopDecay:          util.GetEnvNumeric("RETRIEVE_HOP_DECAY", 0),
		MinEdgeConfidence: util.GetEnvNumeric("MIN_EDGE_CONFIDENCE", 0),
		ContextBudget:     int(util.GetEnvNumeric("CONTEXT_BUDGET", 4096)),
		Retry: util.RetryPolicy{
			MaxAttempts: int(util.GetEnvNumeric("AI_MAX_RETRIES", 3)),
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.TokenEncoder == "" {
		cfg.TokenEncoder = "cl100k_base"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 2
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 8
	}
	if cfg.HopDecay <= 0 || cfg.HopDecay > 1 {
		cfg.HopDecay = 0.5
	}
	if cfg.MinEdgeConfidence < 0 || cfg.MinEdgeConfidence > 1 {
		cfg.MinEdgeConfidence = 0
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 4096
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = util.DefaultRetryPolicy()
	}
	return cfg
}

// Params are the per-request retrieval overrides. Zero values select
// the configured defaults; MaxHops is special: negative selects the
// default while an explicit 0 disables expansion entirely.
type Params struct {
	TopK              int
	MaxHops           int
	FanOut            int
	HopDecay          float64
	MinEdgeConfidence float64
	ContextBudget     int
}

func (p Params) withDefaults(cfg Config) Params {
	if p.TopK <= 0 {
		p.TopK = cfg.TopK
	}
	if p.TopK > 32 {
		p.TopK = 32
	}
	if p.MaxHops < 0 {
		p.MaxHops = cfg.MaxHops
	}
	if p.MaxHops > 4 {
		p.MaxHops = 4
	}
	if p.FanOut <= 0 {
		p.FanOut = cfg.FanOut
	}
	if p.HopDecay <= 0 || p.HopDecay > 1 {
		p.HopDecay = cfg.HopDecay
	}
	if p.MinEdgeConfidence <= 0 {
		p.MinEdgeConfidence = cfg.MinEdgeConfidence
	}
	if p.MinEdgeConfidence > 1 {
		p.MinEdgeConfidence = 1
	}
	if p.ContextBudget <= 0 {
		p.ContextBudget = cfg.ContextBudget
	}
	return p
}

// RankedNode is a retrieved node with its retrieval score. Seeds carry
// their question similarity; expanded nodes the score of the best edge
// that reached them.
type RankedNode struct {
	Node  common.Node `json:"node"`
	Score float64     `json:"score"`
	Hops  int         `json:"hops"`
	Seed  bool        `json:"seed,omitempty"`
}

// RankedEdge is an edge taken during traversal, scored as confidence
// discounted by the hop it was taken at.
type RankedEdge struct {
	Edge  common.Edge `json:"edge"`
	Score float64     `json:"score"`
	Hop   int         `json:"hop"`
}

// Result is one answered query: the answer text with [[id]] citation
// markers, the resolved citation list, and the ranked subgraph the
// answer was grounded on. NoData marks answers generated without any
// retrieved context.
type Result struct {
	Answer    string           `json:"answer"`
	Citations []store.Citation `json:"citations"`
	Nodes     []RankedNode     `json:"nodes,omitempty"`
	Edges     []RankedEdge     `json:"edges,omitempty"`
	NoData    bool             `json:"no_data,omitempty"`
}

// StreamResult is the streaming counterpart of Result: the subgraph is
// known up front, the answer arrives as events on the channel. The
// channel is closed when generation finishes or fails.
type StreamResult struct {
	Events <-chan ai.StreamEvent
	Nodes  []RankedNode
	Edges  []RankedEdge
	NoData bool
}

// Client answers questions against one AI backend and one graph store.
//
// A Client should be created using NewClient.
type Client struct {
	ai    ai.GraphAIClient
	store store.GraphStorage
	cfg   Config
}

// NewClientParams defines the collaborators and configuration for a
// query Client. AI and Store are required.
type NewClientParams struct {
	AI     ai.GraphAIClient
	Store  store.GraphStorage
	Config Config
}

// NewClient creates a query Client from the provided parameters.
func NewClient(params NewClientParams) (*Client, error) {
	if params.AI == nil {
		return nil, errors.New("query: AI client is required")
	}
	if params.Store == nil {
		return nil, errors.New("query: graph storage is required")
	}
	return &Client{
		ai:    params.AI,
		store: params.Store,
		cfg:   params.Config.withDefaults(),
	}, nil
}
