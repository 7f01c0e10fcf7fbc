package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkimg/internal/ingest"
	"bulkimg/internal/models"
)

type fakeSubmitter struct {
	id       uuid.UUID
	err      error
	manifest string
}

func (f *fakeSubmitter) Submit(_ context.Context, r io.Reader) (uuid.UUID, error) {
	b, _ := io.ReadAll(r)
	f.manifest = string(b)
	return f.id, f.err
}

type fakeStatus struct {
	subs    map[uuid.UUID]*models.Submission
	err     error
	pingErr error
}

func (f *fakeStatus) SubmissionStatus(_ context.Context, id uuid.UUID) (models.SubmissionStatus, error) {
	if f.err != nil {
		return "", f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return "", models.ErrNotFound
	}
	return sub.Status, nil
}

func (f *fakeStatus) Submission(_ context.Context, id uuid.UUID) (*models.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return sub, nil
}

func (f *fakeStatus) Ping(context.Context) error { return f.pingErr }

func newTestServer(sub Submitter, store StatusReader) http.Handler {
	gin.SetMode(gin.TestMode)
	cfg := &models.Config{AppEnv: "test", ServerAddr: ":0", MaxUploadMB: 1}
	return NewServer(cfg, sub, store, zerolog.Nop()).Handler()
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func upload(t *testing.T, h http.Handler, field, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, field, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const csvManifest = "S. No,Product Name,Input Image Urls\n1,SKU1,https://a/1.jpg\n"

func TestUploadAccepted(t *testing.T) {
	id := uuid.New()
	sub := &fakeSubmitter{id: id}
	h := newTestServer(sub, &fakeStatus{})

	rec := upload(t, h, "file", "products.csv", []byte(csvManifest))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "File is being processed", body["message"])
	assert.Equal(t, id.String(), body["request_id"])
	assert.Equal(t, csvManifest, sub.manifest, "the sniffed upload is rewound before parsing")
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestUploadRejections(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	cases := []struct {
		name     string
		field    string
		filename string
		content  []byte
		subErr   error
		code     int
		msg      string
	}{
		{name: "no file part", code: http.StatusBadRequest, msg: "No file part"},
		{name: "wrong field", field: "image", filename: "a.csv", content: []byte(csvManifest), code: http.StatusBadRequest, msg: "No file part"},
		{name: "wrong extension", field: "file", filename: "a.xlsx", content: []byte(csvManifest), code: http.StatusBadRequest, msg: "Invalid file type"},
		{name: "binary disguised as csv", field: "file", filename: "a.csv", content: png, code: http.StatusBadRequest, msg: "Invalid file type"},
		{name: "empty manifest", field: "file", filename: "a.csv", subErr: ingest.ErrEmptyManifest, code: http.StatusBadRequest, msg: "Invalid manifest"},
		{name: "persistence failure", field: "file", filename: "a.csv", content: []byte(csvManifest), subErr: errors.New("db down"), code: http.StatusInternalServerError, msg: "File processing error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(&fakeSubmitter{err: tc.subErr}, &fakeStatus{})
			rec := upload(t, h, tc.field, tc.filename, tc.content)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.msg, decode(t, rec)["error"])
		})
	}
}

func TestStatus(t *testing.T) {
	known := uuid.New()
	store := &fakeStatus{subs: map[uuid.UUID]*models.Submission{
		known: {ID: known, Status: models.StatusCompleted},
	}}
	h := newTestServer(&fakeSubmitter{}, store)

	cases := []struct {
		path string
		code int
		want map[string]any
	}{
		{"/status/" + known.String(), http.StatusOK, map[string]any{"request_id": known.String(), "status": "completed"}},
		{"/status/" + uuid.NewString(), http.StatusNotFound, map[string]any{"error": "Request ID not found"}},
		{"/status/not-a-uuid", http.StatusNotFound, map[string]any{"error": "Request ID not found"}},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.code, rec.Code, tc.path)
		assert.Equal(t, tc.want, decode(t, rec), tc.path)
	}
}

func TestStatusStoreError(t *testing.T) {
	h := newTestServer(&fakeSubmitter{}, &fakeStatus{err: errors.New("timeout")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubmissionDetail(t *testing.T) {
	id := uuid.New()
	rowID := uuid.New()
	store := &fakeStatus{subs: map[uuid.UUID]*models.Submission{
		id: {ID: id, Status: models.StatusProcessing, CreatedAt: time.Now(), Rows: []models.ProductRow{{
			ID:              rowID,
			SerialNo:        "1",
			ProductName:     "SKU1",
			InputImageURLs:  []string{"https://a/1.jpg"},
			OutputImageURLs: []string{},
		}}},
	}}
	h := newTestServer(&fakeSubmitter{}, store)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/submissions/%s", id), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, id, got.ID)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, rowID, got.Rows[0].ID)
	assert.Equal(t, []string{"https://a/1.jpg"}, got.Rows[0].InputImageURLs)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&fakeSubmitter{}, &fakeStatus{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newTestServer(&fakeSubmitter{}, &fakeStatus{pingErr: errors.New("down")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
