package web

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/ingest"
	"github.com/JonMunkholm/stagemerge/internal/pipeline"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

// submitRequest is the JSON form of a batch submission. A bare array of
// rows is accepted as well.
type submitRequest struct {
	Source string           `json:"source"`
	Origin string           `json:"origin"`
	Rows   []map[string]any `json:"rows"`
}

// upload is a decoded submission body: JSON rows or a CSV stream.
type upload struct {
	src    core.SourceType
	origin string
	rows   []map[string]string
	csv    io.Reader
	opts   ingest.Options
}

// readUpload decodes a JSON body, a multipart upload (field "file") or a raw
// CSV body. It writes the error response itself and reports false on failure.
// The caller closes the returned closer once the CSV has been consumed.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*upload, io.Closer, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)

	q := r.URL.Query()
	sourceParam := q.Get("source")
	u := &upload{origin: q.Get("origin"), opts: ingest.Options{Charset: q.Get("charset")}}
	var closer io.Closer = io.NopCloser(nil)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		req, err := decodeSubmit(r)
		if err != nil {
			badRequest(w, r, "malformed JSON body: %v", err)
			return nil, nil, false
		}
		if sourceParam == "" {
			sourceParam = req.Source
		}
		if u.origin == "" {
			u.origin = req.Origin
		}
		u.rows = stringRows(req.Rows)

	case "multipart/form-data":
		file, header, err := r.FormFile("file")
		if err != nil {
			badRequest(w, r, "no file provided")
			return nil, nil, false
		}
		if sourceParam == "" {
			sourceParam = r.FormValue("source")
		}
		if u.origin == "" {
			u.origin = header.Filename
		}
		u.csv, closer = file, file

	default:
		u.csv = r.Body
	}

	src, err := core.ParseSourceType(sourceParam)
	if err != nil {
		closer.Close()
		respondError(w, r, err)
		return nil, nil, false
	}
	u.src = src
	return u, closer, true
}

// handleSubmitBatch stages a batch from an upload.
//
//	POST /api/batches?source=automated&origin=nightly.csv
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	u, closer, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer closer.Close()

	var (
		batch *core.IngestionBatch
		err   error
	)
	if u.csv != nil {
		batch, err = s.service.SubmitCSV(r.Context(), u.csv, u.src, u.origin, u.opts)
	} else {
		batch, err = s.service.SubmitBatch(r.Context(), u.rows, u.src, u.origin)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, batch)
}

// handlePreview reports what an upload would do without staging it.
//
//	POST /api/preview?source=manual
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	u, closer, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer closer.Close()

	var (
		resp *pipeline.PreviewResponse
		err  error
	)
	if u.csv != nil {
		resp, err = s.service.PreviewCSV(r.Context(), u.csv, u.src, u.opts)
	} else {
		resp, err = s.service.Preview(r.Context(), u.rows, u.src)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func decodeSubmit(r *http.Request) (*submitRequest, error) {
	var raw json.RawMessage
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	req := &submitRequest{}
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return req, unmarshalNumbers(raw, &req.Rows)
	}
	return req, unmarshalNumbers(raw, req)
}

func unmarshalNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// stringRows flattens JSON cell values to the strings a feed would carry.
func stringRows(rows []map[string]any) []map[string]string {
	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		m := make(map[string]string, len(row))
		for k, v := range row {
			m[k] = core.FormatValue(v)
		}
		out[i] = m
	}
	return out
}

// handleProcessBatch runs the batch. With async=true it returns 202 at once.
//
//	POST /api/batches/{batchID}/process?async=true
func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.batchID(w, r)
	if !ok {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := s.service.ProcessAsync(r.Context(), id); err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"batch_id": id.String(),
			"status":   "accepted",
		})
		return
	}

	summary, err := s.service.ProcessBatch(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleBatchStatus returns the batch with live counts.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.batchID(w, r)
	if !ok {
		return
	}
	status, err := s.service.GetBatchStatus(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleListBatches lists batches, optionally ?status=PENDING,PROCESSING.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	var statuses []core.BatchStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := core.BatchStatus(strings.ToUpper(strings.TrimSpace(part)))
			switch st {
			case core.BatchPending, core.BatchProcessing, core.BatchComplete, core.BatchError:
				statuses = append(statuses, st)
			default:
				badRequest(w, r, "unknown batch status %q", part)
				return
			}
		}
	}

	batches, err := s.service.ListBatches(r.Context(), statuses...)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// handleListFailures lists a batch's failures. resolved defaults to false;
// resolved=all returns both.
func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	id, ok := s.batchID(w, r)
	if !ok {
		return
	}

	filter := store.FailureFilter{BatchID: id, Limit: parseLimit(r)}
	switch raw := strings.ToLower(r.URL.Query().Get("resolved")); raw {
	case "all":
	case "":
		filter = store.Unresolved(id)
		filter.Limit = parseLimit(r)
	default:
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, r, "resolved must be true, false or all")
			return
		}
		filter.Resolved = &resolved
	}

	failures, err := s.service.ListFailures(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

// handleBatchChanges lists the change log records a batch produced.
func (s *Server) handleBatchChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := s.batchID(w, r)
	if !ok {
		return
	}
	if _, err := s.service.GetBatchStatus(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	changes, err := s.service.ListChanges(r.Context(), store.ChangeFilter{BatchID: id, Limit: parseLimit(r)})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

type resolveRequest struct {
	Note string `json:"note"`
}

// handleResolveFailure marks a failure resolved with an operator note.
func (s *Server) handleResolveFailure(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "failureID"))
	if err != nil {
		badRequest(w, r, "failure id must be a UUID")
		return
	}

	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			badRequest(w, r, "malformed JSON body: %v", err)
			return
		}
	}

	f, err := s.service.MarkResolved(r.Context(), id, strings.TrimSpace(req.Note))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) batchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		badRequest(w, r, "batch id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// parseLimit reads ?limit=N; missing or invalid means no limit.
func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 1 {
		return 0
	}
	return n
}
