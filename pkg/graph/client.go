// Package graph implements the ingestion pipeline of the knowledge
// graph: chunking parsed documents, extracting candidate entities and
// relations with a generation model, resolving candidates onto
// canonical nodes, and merging the result into the graph store under
// optimistic concurrency.
package graph

import (
	"errors"
	"time"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/store"
)

// Config carries the tunables of the ingestion pipeline. Zero values
// are replaced with defaults by NewClient.
type Config struct {
	// TokenEncoder is the tiktoken encoding used to measure chunk and
	// context sizes.
	TokenEncoder string
	// ChunkMaxTokens bounds the token length of one chunk.
	ChunkMaxTokens int
	// ChunkOverlapTokens is carried from the tail of each chunk into
	// the next one.
	ChunkOverlapTokens int
	// EntityTypes is the type list offered to the extraction model.
	EntityTypes []string
	// MaxCandidatesPerChunk caps extracted entities and relations per
	// chunk before resolution.
	MaxCandidatesPerChunk int
	// ParallelChunks bounds concurrent extraction calls per document.
	ParallelChunks int
	// SimilarityThreshold is the minimum name similarity for a
	// candidate to merge into an existing node.
	SimilarityThreshold float64
	// AmbiguityMargin is the score distance within which competing
	// matches count as ambiguous.
	AmbiguityMargin float64
	// MergeMaxAttempts bounds optimistic-concurrency retries per node
	// or edge.
	MergeMaxAttempts int
	// Retry is applied to every model call.
	Retry util.RetryPolicy
}

// ConfigFromEnv builds a Config from environment variables, falling
// back to the defaults documented on each field.
func ConfigFromEnv() Config {
	return Config{
		TokenEncoder:          util.GetEnvString("TOKEN_ENCODER", "cl100k_base"),
		ChunkMaxTokens:        int(util.GetEnvNumeric("CHUNK_MAX_TOKENS", 1024)),
		ChunkOverlapTokens:    int(util.GetEnvNumeric("CHUNK_OVERLAP_TOKENS", 50)),
		MaxCandidatesPerChunk: int(util.GetEnvNumeric("MAX_CANDIDATES_PER_CHUNK", 24)),
		ParallelChunks:        int(util.GetEnvNumeric("PARALLEL_CHUNKS", 4)),
		SimilarityThreshold:   util.GetEnvNumeric("SIMILARITY_THRESHOLD", 0),
		AmbiguityMargin:       util.GetEnvNumeric("AMBIGUITY_MARGIN", 0),
		MergeMaxAttempts:      int(util.GetEnvNumeric("MERGE_MAX_ATTEMPTS", 5)),
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
	if cfg.ChunkMaxTokens <= 0 {
		cfg.ChunkMaxTokens = 1024
	}
	if cfg.ChunkOverlapTokens <= 0 {
		cfg.ChunkOverlapTokens = 50
	}
	if cfg.ChunkOverlapTokens >= cfg.ChunkMaxTokens {
		cfg.ChunkOverlapTokens = cfg.ChunkMaxTokens / 4
	}
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = ai.DefaultEntityTypes
	}
	if cfg.MaxCandidatesPerChunk <= 0 {
		cfg.MaxCandidatesPerChunk = 24
	}
	if cfg.ParallelChunks <= 0 {
		cfg.ParallelChunks = 4
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 0.75
	}
	if cfg.AmbiguityMargin <= 0 || cfg.AmbiguityMargin > 1 {
		cfg.AmbiguityMargin = 0.05
	}
	if cfg.MergeMaxAttempts <= 0 {
		cfg.MergeMaxAttempts = 5
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = util.DefaultRetryPolicy()
	}
	return cfg
}

// StageRecorder receives the duration of each completed pipeline stage.
// Implemented by the timing tracker; a nil recorder disables recording.
type StageRecorder interface {
	RecordStage(stage string, duration time.Duration)
}

// Client drives document ingestion against one AI backend and one
// graph store.
//
// A Client should be created using NewClient.
type Client struct {
	ai         ai.GraphAIClient
	store      store.GraphStorage
	source     loader.Source
	parsers    *loader.ParserSet
	similarity SimilarityFunc
	stages     StageRecorder
	cfg        Config
}

// NewClientParams defines the collaborators and configuration for a
// Client. AI and Store are required; Source and Parsers are required
// for ingestion but may be nil for clients that only resolve and
// merge. Similarity defaults to DiceSimilarity.
type NewClientParams struct {
	AI         ai.GraphAIClient
	Store      store.GraphStorage
	Source     loader.Source
	Parsers    *loader.ParserSet
	Similarity SimilarityFunc
	Stages     StageRecorder
	Config     Config
}

// NewClient creates a Client from the provided parameters.
//
// Example:
//
//	client, err := graph.NewClient(graph.NewClientParams{
//		AI:      aiClient,
//		Store:   storeClient,
//		Source:  s3Source,
//		Parsers: parsers,
//		Config:  graph.ConfigFromEnv(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewClient(params NewClientParams) (*Client, error) {
	if params.AI == nil {
		return nil, errors.New("graph: AI client is required")
	}
	if params.Store == nil {
		return nil, errors.New("graph: store is required")
	}

	sim := params.Similarity
	if sim == nil {
		sim = DiceSimilarity
	}

	c := &Client{
		ai:         params.AI,
		store:      params.Store,
		source:     params.Source,
		parsers:    params.Parsers,
		similarity: sim,
		stages:     params.Stages,
		cfg:        params.Config.withDefaults(),
	}
	return c, nil
}

func (c *Client) recordStage(stage string, start time.Time) {
	if c.stages == nil {
		return
	}
	c.stages.RecordStage(stage, time.Since(start))
}
