package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/merge"
	"github.com/JonMunkholm/stagemerge/internal/pipeline"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

func newItemCommand(ctx *commandContext) *cobra.Command {
	var (
		history bool
		limit   int
		output  string
	)

	cmd := &cobra.Command{
		Use:   "item <natural-key>",
		Short: "Show a canonical item, or its change history with --history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				item, err := svc.GetItem(c, args[0])
				if err != nil {
					return err
				}
				if !history {
					return render(cmd, format, item, func() ([]string, [][]string) {
						return itemRows(item)
					})
				}

				changes, err := svc.ListChanges(c, store.ChangeFilter{NaturalKey: item.NaturalKey, Limit: limit})
				if err != nil {
					return err
				}
				return render(cmd, format, changes, func() ([]string, [][]string) {
					rows := make([][]string, 0, len(changes))
					for _, ch := range changes {
						rows = append(rows, []string{
							formatTime(&ch.CreatedAt), string(ch.Kind), ch.Actor,
							changedFields(ch.Changes), ch.Reason,
						})
					}
					return []string{"When", "Kind", "Actor", "Fields", "Reason"}, rows
				})
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Show the item's change log instead of its fields")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of change records (0 for all)")
	addOutputFlag(cmd, &output)
	return cmd
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var (
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every canonical item",
		Long: `Export every canonical item in natural key order.

Formats: json (an array), ndjson (one item per line), yaml, or csv with one
column per catalog field. Export never modifies anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			switch format {
			case "json", "ndjson", formatYAML, "csv":
			default:
				return fmt.Errorf("unknown export format %q (want json, ndjson, yaml or csv)", format)
			}

			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				if out == "" || out == "-" {
					return exportItems(c, svc, cmd.OutOrStdout(), format)
				}

				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := exportItems(c, svc, f, format); err != nil {
					f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Export format: json, ndjson, yaml or csv")
	cmd.Flags().StringVar(&out, "out", "", "Write to this file instead of stdout")
	return cmd
}

func exportItems(ctx context.Context, svc *pipeline.Service, w io.Writer, format string) error {
	switch format {
	case "ndjson":
		enc := json.NewEncoder(w)
		return svc.Export(ctx, func(item core.CanonicalItem) error {
			return enc.Encode(item)
		})
	case "csv":
		return exportCSV(ctx, svc, w)
	}

	items := []core.CanonicalItem{}
	if err := svc.Export(ctx, func(item core.CanonicalItem) error {
		items = append(items, item)
		return nil
	}); err != nil {
		return err
	}

	if format == formatYAML {
		return encodeYAML(w, items)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// exportCSV writes one column per catalog field, using the field labels
// report generators expect, followed by the item version. Null fields are
// empty cells.
func exportCSV(ctx context.Context, svc *pipeline.Service, w io.Writer) error {
	meta := svc.FieldMetadata()
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(meta)+1)
	for _, m := range meta {
		header = append(header, m.Label)
	}
	if err := cw.Write(append(header, "Version")); err != nil {
		return err
	}

	record := make([]string, len(meta)+1)
	err := svc.Export(ctx, func(item core.CanonicalItem) error {
		for i, m := range meta {
			if m.Name == core.FieldNaturalKey {
				record[i] = item.NaturalKey
				continue
			}
			record[i] = core.FormatValue(item.Fields[m.Name])
		}
		record[len(meta)] = strconv.FormatInt(item.Version, 10)
		return cw.Write(record)
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func newFieldsCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Describe the exported fields: type, choices, owner and editability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd, output)
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				meta := svc.FieldMetadata()
				return render(cmd, format, meta, func() ([]string, [][]string) {
					return fieldRows(meta)
				})
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newTemplateCommand(ctx *commandContext) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "template",
		Short: "Print the CSV header row a source's feed should carry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := core.ParseSourceType(source)
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(c context.Context, svc *pipeline.Service) error {
				headers, err := svc.TemplateHeaders(src)
				if err != nil {
					return err
				}
				cw := csv.NewWriter(cmd.OutOrStdout())
				if err := cw.Write(headers); err != nil {
					return err
				}
				cw.Flush()
				return cw.Error()
			})
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "Source type: automated or manual (required)")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func fieldRows(meta []merge.FieldMetadata) ([]string, [][]string) {
	rows := make([][]string, 0, len(meta))
	for _, m := range meta {
		rows = append(rows, []string{
			m.Name, string(m.Type), string(m.Owner), string(m.Strategy),
			strconv.FormatBool(m.Editable), strings.Join(m.Choices, ", "),
		})
	}
	return []string{"Field", "Type", "Owner", "Strategy", "Editable", "Choices"}, rows
}

func itemRows(item *core.CanonicalItem) ([]string, [][]string) {
	names := make([]string, 0, len(item.Fields))
	for name := range item.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := [][]string{
		{"natural_key", item.NaturalKey},
		{"version", strconv.FormatInt(item.Version, 10)},
		{"updated_at", formatTime(&item.UpdatedAt)},
	}
	for _, name := range names {
		rows = append(rows, []string{name, core.FormatValue(item.Fields[name])})
	}
	return []string{"Field", "Value"}, rows
}

func changedFields(changes map[string]core.FieldChange) string {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
