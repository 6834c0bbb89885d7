package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/ingest"
	"github.com/JonMunkholm/stagemerge/internal/standardize"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

// Preview actions.
const (
	ActionCreate    = "create"
	ActionUpdate    = "update"
	ActionUnchanged = "unchanged"
	ActionSkip      = "skip"
	ActionDuplicate = "duplicate"
)

const (
	maxPreviewSamples = 20
	maxPreviewIgnored = 10
)

// PreviewSummary counts the planned action for every row.
type PreviewSummary struct {
	TotalRows int `json:"total_rows"`
	Creates   int `json:"creates"`
	Updates   int `json:"updates"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Duplicate int `json:"duplicate"`
	Warnings  int `json:"warnings"`
}

// RowPreview is the planned outcome of one row.
type RowPreview struct {
	RowNumber  int                         `json:"row_number"`
	NaturalKey string                      `json:"natural_key,omitempty"`
	Action     string                      `json:"action"`
	Message    string                      `json:"message,omitempty"`
	Changes    map[string]core.FieldChange `json:"changes,omitempty"`
	Ignored    []string                    `json:"ignored,omitempty"`
	Warnings   []string                    `json:"warnings,omitempty"`
}

// PreviewResponse is the read-only analysis of a prospective batch.
type PreviewResponse struct {
	Source           core.SourceType `json:"source"`
	Summary          PreviewSummary  `json:"summary"`
	Rows             []RowPreview    `json:"rows"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
}

// Preview reports what processing rows would do against the current items
// without staging or changing anything. Rows are evaluated independently,
// so two rows for one key both compare against the stored item.
//
// Rows left untouched are only sampled when the threshold held back their
// changes. Samples are capped; the summary always covers every row.
func (s *Service) Preview(ctx context.Context, rows []map[string]string, src core.SourceType) (*PreviewResponse, error) {
	start := time.Now()
	if !src.Valid() {
		return nil, fmt.Errorf("%w: unknown source type %q", core.ErrInvalidInput, src)
	}
	if s.opts.MaxRows > 0 && len(rows) > s.opts.MaxRows {
		return nil, fmt.Errorf("%w: too many rows: %d exceeds the limit of %d", core.ErrInvalidInput, len(rows), s.opts.MaxRows)
	}

	resp := &PreviewResponse{
		Source:  src,
		Summary: PreviewSummary{TotalRows: len(rows)},
		Rows:    []RowPreview{},
	}
	seen := make(map[string]int, len(rows))

	for i, raw := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := s.std.Standardize(validRow(raw), src)
		rp := RowPreview{RowNumber: i + 1, NaturalKey: res.NaturalKey}
		for _, w := range res.Warnings {
			rp.Warnings = append(rp.Warnings, w.String())
		}
		resp.Summary.Warnings += len(res.Warnings)

		switch prev, dup := seen[res.NaturalKey]; {
		case res.NaturalKey == "":
			rp.Action, rp.Message = ActionSkip, core.ReasonMissingKey
		case dup:
			rp.Action, rp.Message = ActionDuplicate, fmt.Sprintf("same natural key as row %d", prev)
		default:
			seen[res.NaturalKey] = i + 1
			if err := s.planRow(ctx, src, &rp, res); err != nil {
				return nil, err
			}
		}

		switch rp.Action {
		case ActionCreate:
			resp.Summary.Creates++
		case ActionUpdate:
			resp.Summary.Updates++
		case ActionUnchanged:
			resp.Summary.Unchanged++
		case ActionSkip:
			resp.Summary.Skipped++
		case ActionDuplicate:
			resp.Summary.Duplicate++
		}

		if (rp.Action != ActionUnchanged || len(rp.Changes) > 0) && len(resp.Rows) < maxPreviewSamples {
			resp.Rows = append(resp.Rows, rp)
		}
	}

	resp.ProcessingTimeMS = time.Since(start).Milliseconds()
	return resp, nil
}

// PreviewCSV parses a CSV upload and previews its rows.
func (s *Service) PreviewCSV(ctx context.Context, r io.Reader, src core.SourceType, opts ingest.Options) (*PreviewResponse, error) {
	if opts.MaxRows == 0 {
		opts.MaxRows = s.opts.MaxRows
	}
	table, err := ingest.ReadCSV(ctx, r, opts)
	if err != nil {
		return nil, errors.Mark(err, core.ErrInvalidInput)
	}
	return s.Preview(ctx, table.Rows, src)
}

func (s *Service) planRow(ctx context.Context, src core.SourceType, rp *RowPreview, res standardize.Result) error {
	item, err := s.store.GetItem(ctx, res.NaturalKey)
	if errors.Is(err, store.ErrNotFound) {
		if !s.engine.CanCreate(src) {
			rp.Action, rp.Message = ActionSkip, core.ReasonNoMatch
			return nil
		}
		_, changes := s.engine.Seed(res)
		rp.Action, rp.Changes = ActionCreate, changes
		return nil
	}
	if err != nil {
		return err
	}

	d := s.engine.Evaluate(src, item.Fields, res)
	if len(d.Ignored) > maxPreviewIgnored {
		d.Ignored = d.Ignored[:maxPreviewIgnored]
	}
	rp.Ignored = d.Ignored
	if !d.Apply {
		rp.Action, rp.Message = ActionUnchanged, unchangedMessage(d)
		if len(d.Changes) > 0 {
			rp.Changes = d.Changes
		}
		return nil
	}
	rp.Action, rp.Changes = ActionUpdate, d.Changes
	return nil
}
