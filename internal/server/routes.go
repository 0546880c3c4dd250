package server

import (
	"github.com/magpie-ai/magpie/internal/server/middleware"
	"github.com/magpie-ai/magpie/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Document routes
	apiRoutes.GET("/documents", routes.GetDocumentsHandler)
	apiRoutes.POST("/documents", routes.CreateDocumentsHandler)
	apiRoutes.GET("/documents/:id", routes.GetDocumentHandler)
	apiRoutes.DELETE("/documents/:id", routes.DeleteDocumentHandler)
	apiRoutes.POST("/documents/:id/ingest", routes.IngestDocumentHandler)
	apiRoutes.POST("/documents/:id/file", routes.GetDocumentFile)

	// Graph routes
	apiRoutes.GET("/status", routes.GetStatusHandler)

	// Query routes
	apiRoutes.POST("/query", routes.QueryHandler)
	apiRoutes.POST("/query/stream", routes.QueryStreamHandler)
}
