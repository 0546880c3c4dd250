// Package setup builds the process-wide collaborators the server and
// the worker share: the graph store, the model adapter and object
// storage. Everything reads its configuration from the environment.
package setup

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/magpie-ai/magpie/internal/storage"
	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/ai"
	oai "github.com/magpie-ai/magpie/pkg/ai/ollama"
	gai "github.com/magpie-ai/magpie/pkg/ai/openai"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/store"
	"github.com/magpie-ai/magpie/pkg/store/memory"
	neostore "github.com/magpie-ai/magpie/pkg/store/neo4j"
	pgxstore "github.com/magpie-ai/magpie/pkg/store/pgx"
)

// AIClient builds the model adapter selected by AI_ADAPTER. The
// default talks to an OpenAI-compatible endpoint; "ollama" talks to a
// local Ollama server.
func AIClient() ai.GraphAIClient {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:   util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel:  util.GetEnv("AI_EXTRACT_MODEL"),
			SynthesisModel:   util.GetEnv("AI_SYNTH_MODEL"),
			DescriptionModel: util.GetEnv("AI_DESCRIBE_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			TimeoutMinutes:        int64(util.GetEnvNumeric("AI_TIMEOUT_MINUTES", 5)),
			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 4)),
		})
		if err != nil {
			logger.Fatal("Failed to create Ollama client", "err", err)
		}
		return client
	default:
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:   util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel:  util.GetEnv("AI_EXTRACT_MODEL"),
			SynthesisModel:   util.GetEnv("AI_SYNTH_MODEL"),
			DescriptionModel: util.GetEnv("AI_DESCRIBE_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			TimeoutMinutes:        int64(util.GetEnvNumeric("AI_TIMEOUT_MINUTES", 5)),
			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 4)),
		})
	}
}

// GraphStore builds the store selected by GRAPH_STORE: "pgx"
// (default), "neo4j" or "memory". The returned pool is non-nil only
// for the pgx backend; the returned close function is always safe to
// call.
func GraphStore(ctx context.Context) (store.GraphStorage, *pgxpool.Pool, func(), error) {
	backend := util.GetEnvString("GRAPH_STORE", "pgx")

	switch backend {
	case "memory":
		return memory.NewMemoryStorage(), nil, func() {}, nil

	case "neo4j":
		st, err := neostore.NewGraphNeo4jStorage(ctx, neostore.NewGraphNeo4jStorageParams{
			URI:      util.GetEnvString("NEO4J_URI", "bolt://localhost:7687"),
			Username: util.GetEnvString("NEO4J_USER", "neo4j"),
			Password: util.GetEnv("NEO4J_PASSWORD"),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to neo4j: %w", err)
		}
		return st, nil, func() { _ = st.Close(context.Background()) }, nil

	case "pgx":
		databaseURL := util.GetEnv("DATABASE_URL")
		if err := RunMigrations(databaseURL); err != nil {
			return nil, nil, nil, err
		}

		cfg, err := pgxpool.ParseConfig(databaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		st, err := pgxstore.NewGraphDBStorageWithConnection(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return st, pool, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown graph store %q", backend)
	}
}

// RunMigrations applies the SQL migrations under migrations/ to the
// database. An up-to-date schema is not an error.
func RunMigrations(databaseURL string) error {
	dir := util.GetEnvString("MIGRATIONS_DIR", "migrations")
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ObjectStore connects to the configured S3 bucket. Without a bucket
// it returns nil; file uploads are rejected but web documents still
// work.
func ObjectStore(ctx context.Context) *storage.ObjectStore {
	cfg := storage.ConfigFromEnv()
	if cfg.Bucket == "" {
		logger.Warn("No object storage bucket configured, file uploads are disabled")
		return nil
	}
	objects, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to object storage", "err", err)
	}
	return objects
}
