package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rahul/webpilot/internal/gateway"
	"github.com/rahul/webpilot/internal/intent"
	"github.com/rahul/webpilot/internal/store"
	"github.com/rahul/webpilot/internal/task"
	"github.com/spf13/cobra"
)

// withMemory opens the configured memory for the duration of fn.
func (a *app) withMemory(cmd *cobra.Command, fn func(*store.Memory) error) error {
	mem, err := a.openMemory(cmd.Context())
	if err != nil {
		return err
	}
	defer mem.Close()
	return fn(mem)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	var status, kind, contains, since string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List remembered tasks, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.QueryFilter{
				Status:   task.Status(strings.ToUpper(status)),
				Kind:     intent.Kind(strings.ToUpper(kind)),
				Contains: contains,
				Limit:    limit,
			}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				f.Since = time.Now().Add(-d)
			}
			return a.withMemory(cmd, func(mem *store.Memory) error {
				recs := mem.Query(f)
				if asJSON {
					if recs == nil {
						recs = []store.MemoryRecord{}
					}
					return printJSON(cmd, recs)
				}
				fmt.Fprintln(cmd.OutOrStdout(), gateway.FormatHistory(recs))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum records to show (0 for all)")
	cmd.Flags().StringVar(&status, "status", "", "only SUCCESS, PARTIAL or FAILED tasks")
	cmd.Flags().StringVar(&kind, "kind", "", "only tasks of this intent kind")
	cmd.Flags().StringVar(&contains, "contains", "", "only instructions containing this text")
	cmd.Flags().StringVar(&since, "since", "", "only tasks newer than this duration, e.g. 24h")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise remembered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMemory(cmd, func(mem *store.Memory) error {
				s := mem.Stats()
				if asJSON {
					return printJSON(cmd, s)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, gateway.FormatStats(s))
				kinds := make([]string, 0, len(s.ByKind))
				for k := range s.ByKind {
					kinds = append(kinds, string(k))
				}
				sort.Strings(kinds)
				for _, k := range kinds {
					fmt.Fprintf(out, "  %-10s %d\n", k, s.ByKind[intent.Kind(k)])
				}
				if s.Total > 0 {
					fmt.Fprintf(out, "  first %s, last %s\n", s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print statistics as JSON")
	return cmd
}

func newClearMemoryCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear-memory",
		Short: "Forget every remembered task, durable records included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("clearing memory cannot be undone; pass --yes to confirm")
			}
			return a.withMemory(cmd, func(mem *store.Memory) error {
				n := mem.Len()
				if err := mem.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible clear")
	return cmd
}

func newImportMemoryCmd(a *app) *cobra.Command {
	var persist bool

	cmd := &cobra.Command{
		Use:   "import-memory <path>",
		Short: "Append tasks from a JSON file written by export-memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMemory(cmd, func(mem *store.Memory) error {
				rep, err := mem.Import(cmd.Context(), args[0], persist || a.cfg.Memory.Persist)
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d records (%d duplicates, %d invalid) from %s\n",
					rep.Imported, rep.Duplicates, rep.Invalid, args[0])
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&persist, "persist-memory", false, "write imported tasks to the durable memory backend")
	return cmd
}

func newExportMemoryCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export-memory <path>",
		Short: "Write every remembered task, oldest first, to a JSON or CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if format == "" {
				format = "json"
				if strings.EqualFold(filepath.Ext(path), ".csv") {
					format = "csv"
				}
			}
			return a.withMemory(cmd, func(mem *store.Memory) error {
				n, err := mem.Export(path, format)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d records (%d bytes) to %s\n", mem.Len(), n, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "json or csv (default from the file extension)")
	return cmd
}
