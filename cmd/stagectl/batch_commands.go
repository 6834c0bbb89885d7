package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/ingest"
	"github.com/JonMunkholm/stagemerge/internal/pipeline"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		source  string
		origin  string
		charset string
		comma   string
		process bool
		output  string
	)

	cmd := &cobra.Command{
		Use:   "submit <file.csv>",
		Short: "Stage a CSV file as a new batch",
		Long: `Stage every row of a CSV file as PENDING entries of a new batch.

Nothing touches the canonical items until the batch is processed, either with
--process or a later "stagectl process".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := core.ParseSourceType(source)
			if err != nil {
				return err
			}
			opts := ingest.Options{Charset: charset}
			if comma != "" {
				r := []rune(comma)
				if len(r) != 1 {
					return fmt.Errorf("--delimiter must be a single character")
				}
				opts.Comma = r[0]
			}
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}

			path := args[0]
			if origin == "" {
				origin = filepath.Base(path)
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()

				batch, err := svc.SubmitCSV(c, f, src, origin, opts)
				if err != nil {
					return err
				}
				if !process {
					return renderBatches(cmd, format, batch, []core.IngestionBatch{*batch})
				}

				summary, err := svc.ProcessBatch(c, batch.ID)
				if err != nil {
					return interrupted(cmd, batch.ID, err)
				}
				return renderSummary(cmd, format, summary)
			})
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source type: automated or manual (required)")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin recorded on the batch (default: file name)")
	cmd.Flags().StringVar(&charset, "charset", "", "Input encoding, for example windows-1252 (default: utf-8)")
	cmd.Flags().StringVar(&comma, "delimiter", "", "Field delimiter (default: detected)")
	cmd.Flags().BoolVar(&process, "process", false, "Process the batch right after staging it")
	addOutputFlag(cmd, &output)
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func newPreviewCommand(ctx *commandContext) *cobra.Command {
	var (
		source  string
		charset string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "preview <file.csv>",
		Short: "Show what processing a CSV file would do, without staging it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := core.ParseSourceType(source)
			if err != nil {
				return err
			}
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()

				resp, err := svc.PreviewCSV(c, f, src, ingest.Options{Charset: charset})
				if err != nil {
					return err
				}
				return render(cmd, format, resp, func() ([]string, [][]string) {
					sum := resp.Summary
					fmt.Fprintf(cmd.OutOrStdout(), "%d row(s): %d create, %d update, %d unchanged, %d skip, %d duplicate, %d warning(s)\n",
						sum.TotalRows, sum.Creates, sum.Updates, sum.Unchanged, sum.Skipped, sum.Duplicate, sum.Warnings)
					rows := make([][]string, 0, len(resp.Rows))
					for _, r := range resp.Rows {
						rows = append(rows, []string{
							strconv.Itoa(r.RowNumber), r.NaturalKey, r.Action,
							changedFields(r.Changes), r.Message,
						})
					}
					return []string{"Row", "Key", "Action", "Fields", "Message"}, rows
				})
			})
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source type: automated or manual (required)")
	cmd.Flags().StringVar(&charset, "charset", "", "Input encoding, for example windows-1252 (default: utf-8)")
	addOutputFlag(cmd, &output)
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "process <batch-id>",
		Short: "Merge a batch's pending entries into the canonical items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				summary, err := svc.ProcessBatch(c, id)
				if err != nil {
					return interrupted(cmd, id, err)
				}
				return renderSummary(cmd, format, summary)
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resume every pending or interrupted batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				n := svc.Sweep(c)
				fmt.Fprintf(cmd.OutOrStdout(), "%d batch(es) completed\n", n)
				return c.Err()
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show a batch with live entry counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				view, err := svc.GetBatchStatus(c, id)
				if err != nil {
					return err
				}
				return render(cmd, format, view, func() ([]string, [][]string) {
					b := view.Batch
					rows := [][]string{
						{"ID", b.ID.String()},
						{"Source", string(b.Source)},
						{"Origin", b.Origin},
						{"Status", string(b.Status)},
						{"Created", formatTime(&b.CreatedAt)},
						{"Started", formatTime(b.StartedAt)},
						{"Completed", formatTime(b.CompletedAt)},
						{"Open failures", strconv.Itoa(view.OpenFailures)},
					}
					rows = append(rows, countRows(view.Counts)...)
					if b.Error != "" {
						rows = append(rows, []string{"Error", b.Error})
					}
					return []string{"Field", "Value"}, rows
				})
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newBatchesCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List batches, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				batches, err := svc.ListBatches(c, filter...)
				if err != nil {
					return err
				}
				return renderBatches(cmd, format, batches, batches)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only batches in these statuses (PENDING, PROCESSING, COMPLETE, ERROR)")
	addOutputFlag(cmd, &output)
	return cmd
}

func newFailuresCommand(ctx *commandContext) *cobra.Command {
	var (
		resolved string
		limit    int
		output   string
	)

	cmd := &cobra.Command{
		Use:   "failures <batch-id>",
		Short: "List a batch's processing failures",
		Long:  "List a batch's processing failures. Only unresolved failures are shown unless --resolved says otherwise.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}

			filter := store.FailureFilter{BatchID: id, Limit: limit}
			if !strings.EqualFold(resolved, "all") {
				b, err := strconv.ParseBool(resolved)
				if err != nil {
					return fmt.Errorf("--resolved must be true, false or all")
				}
				filter.Resolved = &b
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				failures, err := svc.ListFailures(c, filter)
				if err != nil {
					return err
				}
				return render(cmd, format, failures, func() ([]string, [][]string) {
					rows := make([][]string, 0, len(failures))
					for _, f := range failures {
						rows = append(rows, []string{
							f.ID.String(), strconv.Itoa(f.RowNumber), f.NaturalKey,
							string(f.Class), f.Message, strconv.FormatBool(f.Resolved),
						})
					}
					return []string{"ID", "Row", "Key", "Class", "Message", "Resolved"}, rows
				})
			})
		},
	}
	cmd.Flags().StringVar(&resolved, "resolved", "false", "Filter by resolution: true, false or all")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of failures (0 for all)")
	addOutputFlag(cmd, &output)
	return cmd
}

func newResolveCommand(ctx *commandContext) *cobra.Command {
	var (
		note   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "resolve <failure-id>",
		Short: "Mark a processing failure as resolved",
		Long:  "Mark a processing failure as resolved. The entry is not reprocessed; fix the data and submit it again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				f, err := svc.MarkResolved(c, id, strings.TrimSpace(note))
				if err != nil {
					return err
				}
				return render(cmd, format, f, func() ([]string, [][]string) {
					return []string{"ID", "Resolved", "Note"}, [][]string{
						{f.ID.String(), formatTime(f.ResolvedAt), f.ResolutionNote},
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&note, "note", "m", "", "Resolution note")
	addOutputFlag(cmd, &output)
	return cmd
}

func renderBatches(cmd *cobra.Command, format string, v any, batches []core.IngestionBatch) error {
	return render(cmd, format, v, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(batches))
		for _, b := range batches {
			rows = append(rows, []string{
				b.ID.String(), string(b.Source), b.Origin, string(b.Status),
				strconv.Itoa(b.Counts.Total), formatTime(&b.CreatedAt),
			})
		}
		return []string{"ID", "Source", "Origin", "Status", "Entries", "Created"}, rows
	})
}

func renderSummary(cmd *cobra.Command, format string, s *pipeline.Summary) error {
	return render(cmd, format, s, func() ([]string, [][]string) {
		rows := [][]string{
			{"Batch", s.BatchID.String()},
			{"Status", string(s.Status)},
			{"Attempted", strconv.Itoa(s.Attempted)},
			{"Warnings", strconv.Itoa(s.Warnings)},
			{"Duration", (time.Duration(s.DurationMS) * time.Millisecond).String()},
		}
		return []string{"Field", "Value"}, append(rows, countRows(s.Counts)...)
	})
}

func countRows(c core.BatchCounts) [][]string {
	return [][]string{
		{"Total", strconv.Itoa(c.Total)},
		{"Pending", strconv.Itoa(c.Pending)},
		{"Created", strconv.Itoa(c.Created)},
		{"Updated", strconv.Itoa(c.Updated)},
		{"Unchanged", strconv.Itoa(c.Unchanged)},
		{"Skipped", strconv.Itoa(c.Skipped)},
		{"Errored", strconv.Itoa(c.Errored)},
	}
}

// interrupted adds a resume hint when processing stopped on cancellation.
func interrupted(cmd *cobra.Command, id uuid.UUID, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(cmd.ErrOrStderr(), "batch %s interrupted; run \"stagectl process %s\" to resume\n", id, id)
	}
	return err
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}

func parseStatuses(raw []string) ([]core.BatchStatus, error) {
	var out []core.BatchStatus
	for _, part := range raw {
		st := core.BatchStatus(strings.ToUpper(strings.TrimSpace(part)))
		switch st {
		case core.BatchPending, core.BatchProcessing, core.BatchComplete, core.BatchError:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown batch status %q", part)
		}
	}
	return out, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
