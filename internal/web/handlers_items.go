package web

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/logging"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

// handleExportItems streams every canonical item as a JSON array, or as
// newline-delimited JSON with ?format=ndjson.
func (s *Server) handleExportItems(w http.ResponseWriter, r *http.Request) {
	ndjson := r.URL.Query().Get("format") == "ndjson"
	if ndjson {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}

	enc := json.NewEncoder(w)
	n := 0
	err := s.service.Export(r.Context(), func(item core.CanonicalItem) error {
		if !ndjson {
			sep := ","
			if n == 0 {
				sep = "["
			}
			if _, err := w.Write([]byte(sep)); err != nil {
				return err
			}
		}
		n++
		return enc.Encode(item)
	})
	if err != nil {
		if n == 0 {
			w.Header().Del("Content-Type")
			respondError(w, r, err)
			return
		}
		// Headers are gone; the truncated body is all the client gets.
		logging.FromContext(r.Context()).Error("export aborted", "items_written", n, "error", err)
		return
	}
	if !ndjson {
		if n == 0 {
			_, _ = w.Write([]byte("["))
		}
		_, _ = w.Write([]byte("]\n"))
	}
}

// handleGetItem returns one canonical item by natural key.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.GetItem(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleItemChanges returns the change history of one item, oldest first.
func (s *Server) handleItemChanges(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.GetItem(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	changes, err := s.service.ListChanges(r.Context(), store.ChangeFilter{
		NaturalKey: item.NaturalKey,
		Limit:      parseLimit(r),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// handleFieldMetadata describes the exported fields.
func (s *Server) handleFieldMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.FieldMetadata())
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Batches  any    `json:"batches"`
}

// handleHealth pings the store and reports processing slots.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		Database: "ok",
		Batches:  s.service.Limiter().Status(),
	}
	status := http.StatusOK
	if err := s.service.Store().Ping(ctx); err != nil {
		logging.FromContext(ctx).Error("health check: store ping failed", "error", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleDownloadTemplate returns an empty CSV carrying the columns a feed
// should send.
//
//	GET /api/templates/{source}
func (s *Server) handleDownloadTemplate(w http.ResponseWriter, r *http.Request) {
	src, err := core.ParseSourceType(chi.URLParam(r, "source"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	headers, err := s.service.TemplateHeaders(src)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_template.csv"`, src))

	cw := csv.NewWriter(w)
	cw.Write(headers)
	cw.Flush()
}
