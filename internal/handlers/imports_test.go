package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/importer"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeManager struct {
	submitted  *models.ImportRequest
	submitErr  error
	uploaded   string
	uploadKey  int
	uploadErr  error
	cancelled  []int
	restarted  bool
	listKey    *int
	listStates []models.ImportState
	listPage   models.Page
}

func (f *fakeManager) Submit(_ context.Context, req *models.ImportRequest) (*models.ImportRequest, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = req
	return req, nil
}

func (f *fakeManager) Upload(_ context.Context, datasetKey int, content io.Reader, user int) (*models.ImportRequest, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploadKey = datasetKey
	f.uploaded = string(data)
	return models.NewImportRequest(datasetKey, user, true, true, true), nil
}

func (f *fakeManager) Cancel(_ context.Context, datasetKey, _ int) {
	f.cancelled = append(f.cancelled, datasetKey)
}

func (f *fakeManager) Queue() []*models.ImportRequest {
	return []*models.ImportRequest{models.NewImportRequest(4, 1, false, true, false)}
}

func (f *fakeManager) ListImports(_ context.Context, datasetKey *int, states []models.ImportState, page models.Page) (models.ResultPage[models.DatasetImport], error) {
	f.listKey = datasetKey
	f.listStates = states
	f.listPage = page
	return models.NewResultPage(page, 1, []models.DatasetImport{{DatasetKey: 4, Attempt: 2, State: models.ImportStateFinished}}), nil
}

func (f *fakeManager) Restart(context.Context) error {
	f.restarted = true
	return nil
}

func serve(t *testing.T, m ImportManager, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(testLogger())
	e.Use(middleware.Context())
	NewImportHandler(m, 16, testLogger()).RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestSubmit(t *testing.T) {
	m := &fakeManager{}
	req := jsonRequest(http.MethodPost, "/api/v1/imports", `{"dataset_key": 12, "force": true}`)
	req.Header.Set(middleware.HeaderUserID, "7")

	rec := serve(t, m, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, m.submitted)
	assert.Equal(t, 12, m.submitted.DatasetKey)
	assert.Equal(t, 7, m.submitted.CreatedBy)
	assert.True(t, m.submitted.Force)
	assert.False(t, m.submitted.Priority)
	assert.False(t, m.submitted.Upload)
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		user string
	}{
		{"missing dataset key", `{"force": true}`, ""},
		{"negative dataset key", `{"dataset_key": -1}`, ""},
		{"malformed body", `{"dataset_key": "x"`, ""},
		{"invalid user", `{"dataset_key": 1}`, "curator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeManager{}
			req := jsonRequest(http.MethodPost, "/api/v1/imports", tt.body)
			if tt.user != "" {
				req.Header.Set(middleware.HeaderUserID, tt.user)
			}
			rec := serve(t, m, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, m.submitted)
		})
	}
}

func TestSubmitRejected(t *testing.T) {
	sector := 9
	m := &fakeManager{submitErr: &importer.RejectedError{
		Reason:     importer.ReasonLockedBySync,
		DatasetKey: 12,
		SectorKey:  &sector,
		Message:    "dataset 12 is being synced by sector 9",
	}}

	rec := serve(t, m, jsonRequest(http.MethodPost, "/api/v1/imports", `{"dataset_key": 12}`))

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "dataset 12 is being synced by sector 9", body.Message)
	assert.Equal(t, "locked-by-sync", body.Meta["reason"])
	assert.EqualValues(t, 9, body.Meta["sector_key"])
}

func TestList(t *testing.T) {
	m := &fakeManager{}
	rec := serve(t, m, httptest.NewRequest(http.MethodGet, "/api/v1/imports?dataset_key=4&state=FINISHED&state=FAILED&offset=5&limit=20", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, m.listKey)
	assert.Equal(t, 4, *m.listKey)
	assert.Equal(t, []models.ImportState{models.ImportStateFinished, models.ImportStateFailed}, m.listStates)
	assert.Equal(t, models.Page{Offset: 5, Limit: 20}, m.listPage)

	var page models.ResultPage[models.DatasetImport]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Result, 1)
	assert.Equal(t, models.ImportStateFinished, page.Result[0].State)
}

func TestListDefaults(t *testing.T) {
	m := &fakeManager{}
	rec := serve(t, m, httptest.NewRequest(http.MethodGet, "/api/v1/imports", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, m.listKey)
	assert.Empty(t, m.listStates)
	assert.Equal(t, models.Page{Offset: 0, Limit: models.DefaultPageLimit}, m.listPage)
}

func TestListValidation(t *testing.T) {
	for _, query := range []string{"state=DONE", "limit=5000", "offset=-1", "offset=abc"} {
		t.Run(query, func(t *testing.T) {
			rec := serve(t, &fakeManager{}, httptest.NewRequest(http.MethodGet, "/api/v1/imports?"+query, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestQueue(t *testing.T) {
	rec := serve(t, &fakeManager{}, httptest.NewRequest(http.MethodGet, "/api/v1/imports/queue", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var queue []models.ImportRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, 4, queue[0].DatasetKey)
	assert.True(t, queue[0].Priority)
}

func TestUpload(t *testing.T) {
	m := &fakeManager{}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/8/upload", strings.NewReader("archive"))
	req.Header.Set(middleware.HeaderUserID, "3")

	rec := serve(t, m, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 8, m.uploadKey)
	assert.Equal(t, "archive", m.uploaded)
}

func TestUploadTooLarge(t *testing.T) {
	rec := serve(t, &fakeManager{}, httptest.NewRequest(http.MethodPost, "/api/v1/imports/8/upload", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadInvalidKey(t *testing.T) {
	rec := serve(t, &fakeManager{}, httptest.NewRequest(http.MethodPost, "/api/v1/imports/abc/upload", strings.NewReader("archive")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRejected(t *testing.T) {
	m := &fakeManager{uploadErr: &importer.RejectedError{Reason: importer.ReasonNotUploadedOrigin, DatasetKey: 8, Message: "dataset 8 is EXTERNAL"}}
	rec := serve(t, m, httptest.NewRequest(http.MethodPost, "/api/v1/imports/8/upload", strings.NewReader("archive")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	m := &fakeManager{}
	rec := serve(t, m, httptest.NewRequest(http.MethodDelete, "/api/v1/imports/8", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int{8}, m.cancelled)
}

func TestRestart(t *testing.T) {
	m := &fakeManager{}
	rec := serve(t, m, httptest.NewRequest(http.MethodPost, "/api/v1/importer/restart", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, m.restarted)
}

func TestValidationErrorWithoutValidatorErrors(t *testing.T) {
	err := validationError(errors.New("boom"))
	assert.Error(t, err)
}
