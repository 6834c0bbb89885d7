package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/stagemerge/internal/rules"
)

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "rules",
		Short:       "Inspect merge rules files",
		Annotations: map[string]string{"skipConfigLoad": "true"},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Validate a rules file (default: the built-in rules)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}

			f, err := rules.Load(path)
			if err != nil {
				return err
			}
			if _, _, err := f.Build(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			name := path
			if name == "" {
				name = "built-in rules"
			}
			fmt.Fprintf(out, "%s: ok\n", name)
			for _, src := range sortedSources(f) {
				sr := f.Sources[src]
				fmt.Fprintf(out, "  %-10s fields=%d can_create=%v min_changed_fields=%d\n",
					src, len(sr.Fields), sr.CanCreate, sr.Threshold())
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in rules file as a starting point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(rules.DefaultRulesTOML())
			return err
		},
	})

	return cmd
}

func sortedSources(f *rules.File) []string {
	names := make([]string, 0, len(f.Sources))
	for name := range f.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
