package routes

import (
	"net/http"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/magpie-ai/magpie/internal/queue"
	"github.com/magpie-ai/magpie/internal/server/middleware"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/logger"
)

// DeleteDocumentHandler queues the retraction of one document. The
// worker removes the document's provenance from the graph, its chunks,
// its stored object and finally the document row; until then the
// document stays visible.
func DeleteDocumentHandler(c echo.Context) error {
	type deleteDocumentParams struct {
		DocumentID string `param:"id" validate:"required"`
	}

	type deleteDocumentResponse struct {
		Message    string `json:"message"`
		DocumentID string `json:"document_id,omitempty"`
	}

	params := new(deleteDocumentParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, deleteDocumentResponse{
			Message: "Invalid request params",
		})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, deleteDocumentResponse{
			Message: "Invalid request params",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	doc, err := app.Store.GetDocument(ctx, params.DocumentID)
	if err != nil {
		if common.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, deleteDocumentResponse{
				Message: "Document does not exist",
			})
		}
		logger.Error("Failed to load document", "err", err)
		return c.JSON(http.StatusInternalServerError, deleteDocumentResponse{
			Message: "Internal server error",
		})
	}

	if err := queue.PublishRetractJob(app.Queue, doc.ID); err != nil {
		logger.Error("Failed to publish to retract_queue", "err", err)
		return c.JSON(http.StatusInternalServerError, deleteDocumentResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusAccepted, deleteDocumentResponse{
		Message:    "Retraction queued",
		DocumentID: doc.ID,
	})
}
