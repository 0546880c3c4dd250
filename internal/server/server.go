package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/magpie-ai/magpie/internal/cache"
	"github.com/magpie-ai/magpie/internal/queue"
	mid "github.com/magpie-ai/magpie/internal/server/middleware"
	"github.com/magpie-ai/magpie/internal/setup"
	"github.com/magpie-ai/magpie/internal/timing"
	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/query"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, pool, closeStore, err := setup.GraphStore(ctx)
	if err != nil {
		logger.Fatal("Failed to set up graph store", "err", err)
	}
	defer closeStore()

	aiClient := setup.AIClient()

	queryClient, err := query.NewClient(query.NewClientParams{
		AI:     aiClient,
		Store:  st,
		Config: query.ConfigFromEnv(),
	})
	if err != nil {
		logger.Fatal("Failed to create query client", "err", err)
	}

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch, queue.Queues()); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	objects := setup.ObjectStore(ctx)

	answerCache := cache.New(cache.ConfigFromEnv())
	if answerCache != nil {
		defer answerCache.Close()
	}

	var tracker *timing.Tracker
	if pool != nil {
		tracker = timing.New(pool)
	}

	var key keyfunc.Keyfunc
	if jwksURL := util.GetEnv("AUTH_JWKS_URL"); jwksURL != "" {
		key, err = keyfunc.NewDefault([]string{jwksURL})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
	}

	app := &mid.App{
		DBConn:       pool,
		Queue:        ch,
		Key:          key,
		Store:        st,
		AiClient:     aiClient,
		Query:        queryClient,
		Objects:      objects,
		Cache:        answerCache,
		Timing:       tracker,
		MasterAPIKey: util.GetEnv("MASTER_API_KEY"),
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4G"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
