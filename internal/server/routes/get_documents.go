package routes

import (
	"net/http"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/magpie-ai/magpie/internal/server/middleware"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/store"
)

// documentStatus is a document as the API reports it: the stored
// fields plus a progress percentage and, while a run is active, the
// current step and predicted time remaining. The pointer fields stay
// absent for settled documents.
type documentStatus struct {
	common.Document
	Progress        int     `json:"progress"`
	ProcessStep     *string `json:"process_step,omitempty"`
	RemainingMillis *int64  `json:"remaining_ms,omitempty"`
}

func documentStatusFrom(c echo.Context, doc common.Document) documentStatus {
	status := documentStatus{Document: doc, Progress: doc.State.Progress()}
	if !doc.State.Active() {
		return status
	}

	step := string(doc.State)
	status.ProcessStep = &step

	tracker := c.(*middleware.AppContext).App.Timing
	if tracker == nil {
		return status
	}
	remaining, err := tracker.PredictRemaining(c.Request().Context(), doc.State)
	if err != nil {
		logger.Error("Failed to predict remaining time", "err", err)
		return status
	}
	ms := remaining.Milliseconds()
	status.RemainingMillis = &ms
	return status
}

func GetDocumentsHandler(c echo.Context) error {
	type getDocumentsResponse struct {
		Message   string           `json:"message"`
		Documents []documentStatus `json:"documents"`
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	docs, err := app.Store.ListDocuments(ctx)
	if err != nil {
		logger.Error("Failed to list documents", "err", err)
		return c.JSON(http.StatusInternalServerError, getDocumentsResponse{
			Message: "Internal server error",
		})
	}

	statuses := make([]documentStatus, 0, len(docs))
	for _, doc := range docs {
		statuses = append(statuses, documentStatusFrom(c, doc))
	}

	return c.JSON(http.StatusOK, getDocumentsResponse{
		Message:   "OK",
		Documents: statuses,
	})
}

func GetDocumentHandler(c echo.Context) error {
	type getDocumentParams struct {
		DocumentID string `param:"id" validate:"required"`
	}

	type getDocumentResponse struct {
		Message  string               `json:"message"`
		Document *documentStatus      `json:"document,omitempty"`
		Stats    *store.DocumentStats `json:"stats,omitempty"`
	}

	params := new(getDocumentParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, getDocumentResponse{
			Message: "Invalid request params",
		})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, getDocumentResponse{
			Message: "Invalid request params",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	doc, err := app.Store.GetDocument(ctx, params.DocumentID)
	if err != nil {
		if common.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, getDocumentResponse{
				Message: "Document does not exist",
			})
		}
		logger.Error("Failed to load document", "err", err)
		return c.JSON(http.StatusInternalServerError, getDocumentResponse{
			Message: "Internal server error",
		})
	}

	stats, err := app.Store.DocumentStats(ctx, doc.ID)
	if err != nil {
		logger.Error("Failed to load document stats", "err", err)
		return c.JSON(http.StatusInternalServerError, getDocumentResponse{
			Message: "Internal server error",
		})
	}

	status := documentStatusFrom(c, *doc)
	return c.JSON(http.StatusOK, getDocumentResponse{
		Message:  "OK",
		Document: &status,
		Stats:    stats,
	})
}

// GetDocumentFile returns a download link for the stored original. Web
// documents have no stored object; their source URL is the link.
func GetDocumentFile(c echo.Context) error {
	type getDocumentFileParams struct {
		DocumentID string `param:"id" validate:"required"`
	}

	type getDocumentFileResponse struct {
		Message string `json:"message"`
	}

	params := new(getDocumentFileParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, getDocumentFileResponse{
			Message: "Invalid request params",
		})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, getDocumentFileResponse{
			Message: "Invalid request params",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	doc, err := app.Store.GetDocument(ctx, params.DocumentID)
	if err != nil {
		if common.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, getDocumentFileResponse{
				Message: "Document does not exist",
			})
		}
		logger.Error("Failed to load document", "err", err)
		return c.JSON(http.StatusInternalServerError, getDocumentFileResponse{
			Message: "Internal server error",
		})
	}

	if loader.KindForName(doc.Name) == loader.KindWeb {
		return c.JSON(http.StatusOK, getDocumentFileResponse{
			Message: doc.StorageKey,
		})
	}
	if app.Objects == nil || doc.StorageKey == "" {
		return c.JSON(http.StatusNotFound, getDocumentFileResponse{
			Message: "File does not exist",
		})
	}

	url, err := app.Objects.DownloadLink(ctx, doc.StorageKey)
	if err != nil {
		return c.JSON(http.StatusNotFound, getDocumentFileResponse{
			Message: "File does not exist",
		})
	}

	return c.JSON(http.StatusOK, getDocumentFileResponse{
		Message: url,
	})
}
