package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rpattn/surveyingest/internal/auth"
	"github.com/rpattn/surveyingest/internal/domain"
	"github.com/rpattn/surveyingest/internal/tabular"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(f *fixture) *mux.Router {
	router := mux.NewRouter()
	NewHTTPHandler(f.service, nil).Register(router)
	return router
}

func uploadRequest(t *testing.T, principal *auth.Principal, fileName string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if principal != nil {
		req = req.WithContext(auth.ContextWithPrincipal(req.Context(), *principal))
	}
	return req
}

func withPrincipal(req *http.Request, principal auth.Principal) *http.Request {
	return req.WithContext(auth.ContextWithPrincipal(req.Context(), principal))
}

func TestHTTPSubmitAccepted(t *testing.T) {
	f := newFixture(t, Options{})
	principal := submitter()
	rec := httptest.NewRecorder()

	newRouter(f).ServeHTTP(rec, uploadRequest(t, &principal, "march.csv", csvPayload("alice,04:12,5,2024-03-01,")))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var handle JobHandle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &handle))
	assert.Equal(t, 1, handle.TotalRows)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/uploads/"+handle.JobID.String(), nil), principal)
	rec = httptest.NewRecorder()
	newRouter(f).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var job domain.UploadJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestHTTPSubmitValidationFailureBody(t *testing.T) {
	f := newFixture(t, Options{})
	principal := submitter()
	rows := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		rows = append(rows, fmt.Sprintf("agent%d,04:12,,2024-03-01,", i))
	}
	rec := httptest.NewRecorder()

	newRouter(f).ServeHTTP(rec, uploadRequest(t, &principal, "march.csv", csvPayload(rows...)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error       string `json:"error"`
		CappedAt    int    `json:"cappedAt"`
		InvalidRows []struct {
			Row   int               `json:"row"`
			Error string            `json:"error"`
			Data  map[string]string `json:"data"`
		} `json:"invalidRows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.CappedAt)
	require.Len(t, body.InvalidRows, 10)
	assert.Equal(t, 2, body.InvalidRows[0].Row)
	assert.Equal(t, "missing required fields: satisfactionScore", body.InvalidRows[0].Error)
}

func TestHTTPSubmitStatusCodes(t *testing.T) {
	f := newFixture(t, Options{MaxUploadBytes: 40})
	router := newRouter(f)
	payload := csvPayload("alice,04:12,5,2024-03-01,", "bob,04:12,5,2024-03-01,")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, nil, "a.csv", payload))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer := auth.NewPrincipal(submitter().UserID, nil, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, &viewer, "a.csv", payload))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	principal := submitter()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, &principal, "a.csv", payload))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "file size exceeds the upload limit")

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/uploads", strings.NewReader("")), principal)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=nothing")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPSubmitBodyOverReadLimit(t *testing.T) {
	f := newFixture(t, Options{MaxUploadBytes: 40})
	router := newRouter(f)
	principal := submitter()
	payload := bytes.Repeat([]byte("x"), multipartOverhead+1024)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, &principal, "a.csv", payload))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "file size exceeds the upload limit")
	assert.Equal(t, 0, f.blobs.Len())
}

func TestHTTPStatusListsRecentJobs(t *testing.T) {
	f := newFixture(t, Options{})
	router := newRouter(f)
	principal := submitter()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, uploadRequest(t, &principal, "a.csv", csvPayload("alice,04:12,5,2024-03-01,")))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodGet, "/uploads/status", nil), principal))
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []domain.UploadJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodGet, "/uploads/status?jobId=not-a-uuid", nil), principal))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodGet, "/uploads/status?jobId="+jobs[0].ID.String(), nil), submitter()))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodGet, "/uploads/"+jobs[0].ID.String()+"/errors", nil), principal))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHTTPTemplateDownload(t *testing.T) {
	f := newFixture(t, Options{})
	rec := httptest.NewRecorder()
	newRouter(f).ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodGet, "/uploads/template", nil), submitter()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tabular.ContentTypeXLSX, rec.Header().Get("Content-Type"))

	table, err := tabular.Decode("template.xlsx", rec.Body.Bytes())
	require.NoError(t, err)
	assert.Empty(t, table.Rows)
	assert.Contains(t, table.Columns, tabular.FieldTargetIdentifier)
}
