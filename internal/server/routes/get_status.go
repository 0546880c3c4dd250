package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/magpie-ai/magpie/internal/server/middleware"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/logger"
)

// GetStatusHandler reports corpus-wide totals: document counts by
// state, chunk, node and edge counts, and the graph revision clients
// can watch to notice merges and retractions.
func GetStatusHandler(c echo.Context) error {
	type statusResponse struct {
		Message  string             `json:"message"`
		Stats    *common.GraphStats `json:"stats,omitempty"`
		Revision int64              `json:"revision"`
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	stats, err := app.Store.GraphStats(ctx)
	if err != nil {
		logger.Error("Failed to load graph stats", "err", err)
		return c.JSON(http.StatusInternalServerError, statusResponse{
			Message: "Internal server error",
		})
	}
	revision, err := app.Store.GraphRevision(ctx)
	if err != nil {
		logger.Error("Failed to load graph revision", "err", err)
		return c.JSON(http.StatusInternalServerError, statusResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, statusResponse{
		Message:  "OK",
		Stats:    stats,
		Revision: revision,
	})
}
