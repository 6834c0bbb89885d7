package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/stagemerge/internal/config"
	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/pipeline"
	"github.com/JonMunkholm/stagemerge/internal/rules"
	"github.com/JonMunkholm/stagemerge/internal/store/sqlite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxBodyBytes:   1 << 20,
			RequestTimeout: 10 * time.Second,
		},
	}
	for _, m := range mutate {
		m(cfg)
	}

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "web.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	std, engine, err := rules.LoadAndBuild("")
	require.NoError(t, err)

	svc := pipeline.New(st, std, engine, nil, pipeline.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { svc.Close(context.Background()) })

	s := NewServer(svc, cfg)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func do(t *testing.T, s *Server, method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func submitJSON(t *testing.T, s *Server, source, body string) core.IngestionBatch {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/batches?source="+source, "application/json", strings.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[core.IngestionBatch](t, rec)
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

func TestSubmitAndProcess_JSON(t *testing.T) {
	s := newTestServer(t)

	batch := submitJSON(t, s, "automated", `[
		{"Item ID": "A1", "Name": "Widget", "Qty": 4},
		{"Item ID": "A2", "Name": "Gadget", "Is Active": true}
	]`)
	assert.Equal(t, core.BatchPending, batch.Status)

	rec := do(t, s, http.MethodPost, "/api/batches/"+batch.ID.String()+"/process", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[pipeline.Summary](t, rec)
	assert.Equal(t, core.BatchComplete, sum.Status)
	assert.Equal(t, 2, sum.Counts.Created)

	rec = do(t, s, http.MethodGet, "/api/batches/"+batch.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[pipeline.BatchStatusView](t, rec)
	assert.Equal(t, core.BatchComplete, status.Batch.Status)
	assert.Equal(t, 2, status.Counts.Processed)

	rec = do(t, s, http.MethodGet, "/api/items/A1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	item := decode[core.CanonicalItem](t, rec)
	assert.EqualValues(t, 4, item.Fields[core.FieldQuantity])
}

func TestPreview_JSONAndCSV(t *testing.T) {
	s := newTestServer(t)
	batch := submitJSON(t, s, "automated", `[{"Item ID": "A1", "Name": "Widget"}]`)
	rec := do(t, s, http.MethodPost, "/api/batches/"+batch.ID.String()+"/process", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/preview?source=automated", "text/csv",
		strings.NewReader("Item ID,Name\nA2,Gadget\n"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[pipeline.PreviewResponse](t, rec)
	assert.Equal(t, 1, resp.Summary.Creates)

	rec = do(t, s, http.MethodPost, "/api/preview", "application/json",
		strings.NewReader(`{"source": "manual", "rows": [{"Item ID": "A1", "Workflow": "Done"}]}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[pipeline.PreviewResponse](t, rec)
	assert.Equal(t, 1, resp.Summary.Updates)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, pipeline.ActionUpdate, resp.Rows[0].Action)

	// Nothing was staged by either preview.
	rec = do(t, s, http.MethodGet, "/api/batches", "", nil)
	assert.Len(t, decode[[]core.IngestionBatch](t, rec), 1)

	rec = do(t, s, http.MethodPost, "/api/preview?source=robot", "text/csv", strings.NewReader("Item ID\nA1\n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
func TestSubmit_ObjectBodyAndCSV(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/batches", "application/json",
		strings.NewReader(`{"source": "manual", "origin": "review", "rows": [{"Key": "A1", "Workflow": "Done"}]}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[core.IngestionBatch](t, rec)
	assert.Equal(t, core.SourceManual, b.Source)
	assert.Equal(t, "review", b.Origin)

	rec = do(t, s, http.MethodPost, "/api/batches?source=automated&origin=feed.csv", "text/csv",
		strings.NewReader("Item ID,Name\nA1,Widget\n"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "feed.csv", decode[core.IngestionBatch](t, rec).Origin)
}

func TestSubmit_Multipart(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("source", "automated"))
	fw, err := mw.CreateFormFile("file", "inventory.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Item ID;Name\nA1;Widget\nA2;Gadget\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := do(t, s, http.MethodPost, "/api/batches", mw.FormDataContentType(), &buf)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[core.IngestionBatch](t, rec)
	assert.Equal(t, "inventory.csv", b.Origin)

	rec = do(t, s, http.MethodGet, "/api/batches/"+b.ID.String(), "", nil)
	assert.Equal(t, 2, decode[pipeline.BatchStatusView](t, rec).Counts.Pending)
}

func TestSubmit_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name        string
		target      string
		contentType string
		body        string
		status      int
		code        string
	}{
		{"unknown source", "/api/batches?source=robot", "application/json", `[]`, http.StatusBadRequest, "VAL001"},
		{"malformed json", "/api/batches?source=automated", "application/json", `[{`, http.StatusBadRequest, "VAL003"},
		{"duplicate keys", "/api/batches?source=automated", "application/json", `[{"ID":"A1"},{"ID":"A1"}]`, http.StatusBadRequest, "STG002"},
		{"empty csv", "/api/batches?source=automated", "text/csv", "", http.StatusBadRequest, "FILE005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.target, tt.contentType, strings.NewReader(tt.body))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestBatch_NotFoundAndBadID(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/batches/6f1c7c59-35c9-4d43-9a8e-3c3f1bfae000", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "STG001", decode[ErrorResponse](t, rec).Code)

	rec = do(t, s, http.MethodPost, "/api/batches/not-a-uuid/process", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBatches_StatusFilter(t *testing.T) {
	s := newTestServer(t)
	b := submitJSON(t, s, "automated", `[{"ID":"A1"}]`)
	submitJSON(t, s, "automated", `[{"ID":"A2"}]`)
	do(t, s, http.MethodPost, "/api/batches/"+b.ID.String()+"/process", "", nil)

	rec := do(t, s, http.MethodGet, "/api/batches?status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]core.IngestionBatch](t, rec), 1)

	rec = do(t, s, http.MethodGet, "/api/batches", "", nil)
	assert.Len(t, decode[[]core.IngestionBatch](t, rec), 2)

	rec = do(t, s, http.MethodGet, "/api/batches?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcess_Async(t *testing.T) {
	s := newTestServer(t)
	b := submitJSON(t, s, "automated", `[{"ID":"A1"}]`)

	rec := do(t, s, http.MethodPost, "/api/batches/"+b.ID.String()+"/process?async=true", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/api/batches/"+b.ID.String(), "", nil)
		return decode[pipeline.BatchStatusView](t, rec).Batch.Status == core.BatchComplete
	}, 5*time.Second, 10*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Failures, items and metadata
// ---------------------------------------------------------------------------

func TestFailures_ListAndResolve(t *testing.T) {
	s := newTestServer(t)
	b := submitJSON(t, s, "automated", `[{"ID":"A1"}]`)

	rec := do(t, s, http.MethodGet, "/api/batches/"+b.ID.String()+"/failures", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/batches/"+b.ID.String()+"/failures?resolved=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/failures/6f1c7c59-35c9-4d43-9a8e-3c3f1bfae000/resolve", "application/json",
		strings.NewReader(`{"note":"done"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "STG005", decode[ErrorResponse](t, rec).Code)
}

func TestItems_ExportChangesAndFields(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/items", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]core.CanonicalItem](t, rec))

	b := submitJSON(t, s, "automated", `[{"ID":"B2","Name":"Second"},{"ID":"A1","Name":"First"}]`)
	do(t, s, http.MethodPost, "/api/batches/"+b.ID.String()+"/process", "", nil)

	rec = do(t, s, http.MethodGet, "/api/items", "", nil)
	items := decode[[]core.CanonicalItem](t, rec)
	require.Len(t, items, 2)
	assert.Equal(t, "A1", items[0].NaturalKey)
	assert.Equal(t, "B2", items[1].NaturalKey)

	rec = do(t, s, http.MethodGet, "/api/items?format=ndjson", "", nil)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(rec.Body.String()), "\n")+1)

	rec = do(t, s, http.MethodGet, "/api/items/A1/changes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	changes := decode[[]core.ChangeLogRecord](t, rec)
	require.Len(t, changes, 1)
	assert.Equal(t, core.ChangeCreate, changes[0].Kind)

	rec = do(t, s, http.MethodGet, "/api/items/ZZZ/changes", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/batches/"+b.ID.String()+"/changes", "", nil)
	assert.Len(t, decode[[]core.ChangeLogRecord](t, rec), 2)

	rec = do(t, s, http.MethodGet, "/api/fields", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fields []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fields))
	assert.NotEmpty(t, fields)
}

// ---------------------------------------------------------------------------
// Cross-cutting
// ---------------------------------------------------------------------------

func TestDownloadTemplate(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/templates/manual", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "manual_template.csv")

	header := strings.TrimSpace(rec.Body.String())
	assert.True(t, strings.HasPrefix(header, "Item ID,"), header)
	assert.Contains(t, header, "Workflow State")
	assert.NotContains(t, header, "Quantity", "automated fields are not in the manual template")

	rec = do(t, s, http.MethodGet, "/api/templates/robot", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[healthResponse](t, rec).Status)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Security.RequireAPIKey = true
		c.Security.APIKeys = []string{"secret"}
	})

	rec := do(t, s, http.MethodGet, "/api/batches", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/batches", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for probes.
	rec = do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Security.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "", nil).Code)
	}
	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pipeline.ErrBatchBusy, http.StatusConflict},
		{pipeline.ErrTooManyBatches, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{core.ErrInvalidInput, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
