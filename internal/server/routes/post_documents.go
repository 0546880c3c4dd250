package routes

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/magpie-ai/magpie/internal/queue"
	"github.com/magpie-ai/magpie/internal/server/middleware"
	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/logger"
)

// CreateDocumentsHandler registers documents from multipart/form-data:
// uploads under "files", web pages as repeated "url" values. Uploaded
// bytes go to object storage; every document starts out pending until
// an ingest trigger picks it up. A re-upload with a known content hash
// returns the existing document instead of creating a second one.
func CreateDocumentsHandler(c echo.Context) error {
	type documentResult struct {
		Document  *common.Document `json:"document"`
		Duplicate bool             `json:"duplicate,omitempty"`
	}

	type createDocumentsResponse struct {
		Message   string           `json:"message"`
		Documents []documentResult `json:"documents,omitempty"`
	}

	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, createDocumentsResponse{
			Message: "Invalid request body",
		})
	}
	uploads := form.File["files"]
	urls := form.Value["url"]
	if len(uploads) == 0 && len(urls) == 0 {
		return c.JSON(http.StatusBadRequest, createDocumentsResponse{
			Message: "No files provided",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	if len(uploads) > 0 && app.Objects == nil {
		logger.Error("Rejecting upload, object storage is not configured")
		return c.JSON(http.StatusInternalServerError, createDocumentsResponse{
			Message: "Internal server error",
		})
	}

	results := make([]documentResult, 0, len(uploads)+len(urls))
	for _, file := range uploads {
		src, err := file.Open()
		if err != nil {
			return c.JSON(http.StatusBadRequest, createDocumentsResponse{
				Message: "Could not open file",
			})
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return c.JSON(http.StatusBadRequest, createDocumentsResponse{
				Message: "Could not read file",
			})
		}

		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		existing, err := app.Store.GetDocumentByHash(ctx, hash)
		if err == nil {
			results = append(results, documentResult{Document: existing, Duplicate: true})
			continue
		}
		if !common.IsNotFound(err) {
			logger.Error("Failed to check content hash", "err", err)
			return c.JSON(http.StatusInternalServerError, createDocumentsResponse{
				Message: "Internal server error",
			})
		}

		doc := &common.Document{
			ID:          util.MustNewID(),
			Name:        file.Filename,
			ContentHash: hash,
			State:       common.StatePending,
			CreatedAt:   time.Now(),
		}
		key, err := app.Objects.Put(ctx, doc.ID, file.Filename, bytes.NewReader(data))
		if err != nil {
			logger.Error("Failed to upload file", "err", err)
			return c.JSON(http.StatusInternalServerError, createDocumentsResponse{
				Message: "Internal server error",
			})
		}
		doc.StorageKey = key

		if err := app.Store.CreateDocument(ctx, doc); err != nil {
			logger.Error("Failed to create document", "err", err)
			return c.JSON(http.StatusInternalServerError, createDocumentsResponse{
				Message: "Internal server error",
			})
		}
		results = append(results, documentResult{Document: doc})
	}

	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if loader.KindForName(u) != loader.KindWeb {
			return c.JSON(http.StatusBadRequest, createDocumentsResponse{
				Message: "Invalid URL",
			})
		}

		// Web content is fetched at ingest time, so the URL itself is
		// the dedup key.
		sum := sha256.Sum256([]byte(u))
		hash := hex.EncodeToString(sum[:])
		existing, err := app.Store.GetDocumentByHash(ctx, hash)
		if err == nil {
			results = append(results, documentResult{Document: existing, Duplicate: true})
			continue
		}
		if !common.IsNotFound(err) {
			logger.Error("Failed to check content hash", "err", err)
			return c.JSON(http.StatusInternalServerError, createDocumentsResponse{
				Message: "Internal server error",
			})
		}

		doc := &common.Document{
			ID:          util.MustNewID(),
			Name:        u,
			ContentHash: hash,
			StorageKey:  u,
			State:       common.StatePending,
			CreatedAt:   time.Now(),
		}
		if err := app.Store.CreateDocument(ctx, doc); err != nil {
			logger.Error("Failed to create document", "err", err)
			return c.JSON(http.StatusInternalServerError, createDocumentsResponse{
				Message: "Internal server error",
			})
		}
		results = append(results, documentResult{Document: doc})
	}

	return c.JSON(http.StatusOK, createDocumentsResponse{
		Message:   "Documents created successfully",
		Documents: results,
	})
}

// IngestDocumentHandler queues an ingestion run for one document. The
// state check here is advisory; the worker re-checks with
// compare-and-set before it touches anything.
func IngestDocumentHandler(c echo.Context) error {
	type ingestParams struct {
		DocumentID string `param:"id" validate:"required"`
	}

	type ingestResponse struct {
		Message       string `json:"message"`
		DocumentID    string `json:"document_id,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty"`
	}

	params := new(ingestParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, ingestResponse{
			Message: "Invalid request params",
		})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, ingestResponse{
			Message: "Invalid request params",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	doc, err := app.Store.GetDocument(ctx, params.DocumentID)
	if err != nil {
		if common.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, ingestResponse{
				Message: "Document does not exist",
			})
		}
		logger.Error("Failed to load document", "err", err)
		return c.JSON(http.StatusInternalServerError, ingestResponse{
			Message: "Internal server error",
		})
	}
	if doc.State.Active() {
		return c.JSON(http.StatusConflict, ingestResponse{
			Message:    "Document is already being processed",
			DocumentID: doc.ID,
		})
	}

	correlationID := util.NewCorrelationID()
	if err := queue.PublishIngestJob(app.Queue, doc.ID, correlationID); err != nil {
		logger.Error("Failed to publish to ingest_queue", "err", err)
		return c.JSON(http.StatusInternalServerError, ingestResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusAccepted, ingestResponse{
		Message:       "Ingestion queued",
		DocumentID:    doc.ID,
		CorrelationID: correlationID,
	})
}
