package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ImportManager is the import scheduling surface exposed over HTTP.
type ImportManager interface {
	Submit(ctx context.Context, req *models.ImportRequest) (*models.ImportRequest, error)
	Upload(ctx context.Context, datasetKey int, content io.Reader, user int) (*models.ImportRequest, error)
	Cancel(ctx context.Context, datasetKey, user int)
	Queue() []*models.ImportRequest
	ListImports(ctx context.Context, datasetKey *int, states []models.ImportState, page models.Page) (models.ResultPage[models.DatasetImport], error)
	Restart(ctx context.Context) error
}

// ImportHandler handles dataset import API requests
type ImportHandler struct {
	manager       ImportManager
	maxUploadSize int64
	logger        ectologger.Logger
}

func NewImportHandler(manager ImportManager, maxUploadSize int64, logger ectologger.Logger) *ImportHandler {
	return &ImportHandler{
		manager:       manager,
		maxUploadSize: maxUploadSize,
		logger:        logger,
	}
}

// RegisterRoutes registers import routes under /api/v1
func (h *ImportHandler) RegisterRoutes(e *echo.Echo) {
	imports := e.Group("/api/v1/imports")
	imports.GET("", h.List)
	imports.POST("", h.Submit)
	imports.GET("/queue", h.Queue)
	imports.POST("/:datasetKey/upload", h.Upload)
	imports.DELETE("/:datasetKey", h.Cancel)

	e.POST("/api/v1/importer/restart", h.Restart)
}

// SubmitRequest asks for an import of a dataset
type SubmitRequest struct {
	DatasetKey int  `json:"dataset_key" validate:"required,gt=0"`
	Force      bool `json:"force"`
	Priority   bool `json:"priority"`
}

// List pages through running, queued and finished imports
// GET /api/v1/imports?dataset_key=&state=&offset=&limit=
func (h *ImportHandler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ImportHandler.List")
	defer span.End()

	var (
		datasetKey int
		rawStates  []string
		page       = models.NewPage(0, models.DefaultPageLimit)
	)
	err := echo.QueryParamsBinder(c).
		Int("dataset_key", &datasetKey).
		Strings("state", &rawStates).
		Int("offset", &page.Offset).
		Int("limit", &page.Limit).
		BindError()
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(page); err != nil {
		return validationError(err)
	}

	states := make([]models.ImportState, 0, len(rawStates))
	for _, raw := range rawStates {
		state, ok := models.ParseImportState(raw)
		if !ok {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid state %s", raw)
		}
		states = append(states, state)
	}

	var key *int
	if datasetKey > 0 {
		key = &datasetKey
	}

	result, err := h.manager.ListImports(ctx, key, states, page)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list imports")
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Submit queues an import
// POST /api/v1/imports
func (h *ImportHandler) Submit(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ImportHandler.Submit")
	defer span.End()

	body, err := BindRequest[SubmitRequest](c)
	if err != nil {
		return err
	}
	user, err := GetUserKey(c)
	if err != nil {
		return err
	}

	req, err := h.manager.Submit(ctx, models.NewImportRequest(body.DatasetKey, user, body.Force, body.Priority, false))
	if err != nil {
		return err
	}
	return AcceptedResponse(c, req)
}

// Queue lists the waiting imports in execution order
// GET /api/v1/imports/queue
func (h *ImportHandler) Queue(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Queue())
}

// Upload stores the request body as the archive of an uploaded dataset and
// queues its import
// POST /api/v1/imports/:datasetKey/upload
func (h *ImportHandler) Upload(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ImportHandler.Upload")
	defer span.End()

	key, err := ParseDatasetKey(c, "datasetKey")
	if err != nil {
		return err
	}
	user, err := GetUserKey(c)
	if err != nil {
		return err
	}

	body := c.Request().Body
	if h.maxUploadSize > 0 {
		body = http.MaxBytesReader(c.Response(), body, h.maxUploadSize)
	}

	req, err := h.manager.Upload(ctx, key, body, user)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return httperror.NewHTTPErrorf(http.StatusRequestEntityTooLarge, "archive exceeds %d bytes", maxErr.Limit)
		}
		return err
	}
	return AcceptedResponse(c, req)
}

// Cancel removes a queued import or stops a running one
// DELETE /api/v1/imports/:datasetKey
func (h *ImportHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()

	key, err := ParseDatasetKey(c, "datasetKey")
	if err != nil {
		return err
	}
	user, err := GetUserKey(c)
	if err != nil {
		return err
	}

	h.manager.Cancel(ctx, key, user)
	return NoContentResponse(c)
}

// Restart stops all imports and starts the import manager again
// POST /api/v1/importer/restart
func (h *ImportHandler) Restart(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.manager.Restart(ctx); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to restart import manager")
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "restarted",
	})
}
