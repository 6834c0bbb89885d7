package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/ingest"
)

func TestPreview_PlansEveryAction(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget"))

	resp, err := env.svc.Preview(ctx, []map[string]string{
		row("Item ID", "A1", "Name", "Widget"),
		row("Item ID", "A1", "Name", "Twice"),
		row("Item ID", "A2", "Name", "Gadget"),
		row("Name", "no key"),
	}, core.SourceAutomated)
	require.NoError(t, err)

	assert.Equal(t, PreviewSummary{TotalRows: 4, Creates: 1, Unchanged: 1, Skipped: 1, Duplicate: 1}, resp.Summary)
	require.Len(t, resp.Rows, 3, "plain unchanged rows are not sampled")

	assert.Equal(t, ActionDuplicate, resp.Rows[0].Action)
	assert.Equal(t, 2, resp.Rows[0].RowNumber)
	assert.Equal(t, ActionCreate, resp.Rows[1].Action)
	assert.Equal(t, "Gadget", resp.Rows[1].Changes[core.FieldTitle].New)
	assert.Equal(t, ActionSkip, resp.Rows[2].Action)
	assert.Equal(t, core.ReasonMissingKey, resp.Rows[2].Message)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget"))

	resp, err := env.svc.Preview(ctx, []map[string]string{
		row("Item ID", "A1", "Name", "Renamed"),
		row("Item ID", "A9", "Name", "New"),
	}, core.SourceAutomated)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Summary.Updates)
	assert.Equal(t, 1, resp.Summary.Creates)

	assert.Equal(t, "Widget", env.item(t, "A1").Fields[core.FieldTitle])
	_, err = env.svc.GetItem(ctx, "A9")
	assert.Error(t, err)

	batches, err := env.svc.ListBatches(ctx)
	require.NoError(t, err)
	assert.Len(t, batches, 1, "preview stages nothing")
}

func TestPreview_ManualAndThreshold(t *testing.T) {
	env := newEnv(t, withThreshold(core.SourceManual, 2))
	ctx := context.Background()
	env.run(t, core.SourceAutomated, row("Item ID", "A1"))

	resp, err := env.svc.Preview(ctx, []map[string]string{
		row("Item ID", "A1", "Workflow", "Done"),
		row("Item ID", "M1", "Workflow", "Done"),
	}, core.SourceManual)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Summary.Unchanged)
	assert.Equal(t, 1, resp.Summary.Skipped)
	require.Len(t, resp.Rows, 2)
	assert.Contains(t, resp.Rows[0].Message, "below threshold: 1 of 2")
	assert.Contains(t, resp.Rows[0].Changes, core.FieldWorkflowState)
	assert.Equal(t, core.ReasonNoMatch, resp.Rows[1].Message)
}

func TestPreviewCSV(t *testing.T) {
	env := newEnv(t)

	resp, err := env.svc.PreviewCSV(context.Background(), strings.NewReader("Item ID,Qty\nA1,many\n"), core.SourceAutomated, ingest.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Summary.Creates)
	assert.Equal(t, 1, resp.Summary.Warnings)
	require.Len(t, resp.Rows, 1)
	assert.NotEmpty(t, resp.Rows[0].Warnings)

	_, err = env.svc.PreviewCSV(context.Background(), strings.NewReader(""), core.SourceAutomated, ingest.Options{})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = env.svc.Preview(context.Background(), nil, core.SourceType("robot"))
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}
