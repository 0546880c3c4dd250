package middleware

import (
	"github.com/MicahParks/keyfunc/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/magpie-ai/magpie/internal/cache"
	"github.com/magpie-ai/magpie/internal/storage"
	"github.com/magpie-ai/magpie/internal/timing"
	"github.com/magpie-ai/magpie/pkg/ai"
	"github.com/magpie-ai/magpie/pkg/query"
	"github.com/magpie-ai/magpie/pkg/store"
)

// App holds the shared collaborators the handlers work with. Everything
// here is built once at startup; AppContextMiddleware attaches it to
// each request.
//
// DBConn, Objects, Cache and Timing are optional and may be nil
// depending on deployment (memory store, no object storage, no redis).
// Key is nil when no JWKS endpoint is configured.
type App struct {
	DBConn   *pgxpool.Pool
	Queue    *amqp091.Channel
	Key      keyfunc.Keyfunc
	Store    store.GraphStorage
	AiClient ai.GraphAIClient
	Query    *query.Client
	Objects  *storage.ObjectStore
	Cache    *cache.AnswerCache
	Timing   *timing.Tracker

	MasterAPIKey string
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app})
		}
	}
}
