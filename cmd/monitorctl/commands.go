package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cylestio/monitor/internal/config"
	"github.com/cylestio/monitor/internal/store"
)

// =============================================================================
// Events Command
// =============================================================================

func buildEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Work with JSON-lines event logs",
	}
	cmd.AddCommand(buildEventsTailCmd())
	return cmd
}

func buildEventsTailCmd() *cobra.Command {
	var (
		follow     bool
		level      string
		nameFilter string
	)

	cmd := &cobra.Command{
		Use:   "tail <event-log>",
		Short: "Print events from a log file, optionally following appends",
		Args:  cobra.ExactArgs(1),
		Example: `  # Dump a log
  monitorctl events tail ./events.json

  # Follow like tail -f, security only
  monitorctl events tail --follow --name security. ./events.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailEvents(cmd.Context(), cmd.OutOrStdout(), args[0], follow, level, nameFilter)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep the file open and print appended events")
	cmd.Flags().StringVar(&level, "level", "", "Only show events at this level (e.g. WARNING)")
	cmd.Flags().StringVar(&nameFilter, "name", "", "Only show events whose name has this prefix")
	return cmd
}

func tailEvents(ctx context.Context, out io.Writer, path string, follow bool, level, namePrefix string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			printEventLine(out, strings.TrimRight(line, "\n"), level, namePrefix)
		}
		if err == io.EOF {
			if !follow {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

// printEventLine renders one event as a compact single line; unparsable
// lines pass through raw so a corrupt log is still inspectable.
func printEventLine(out io.Writer, line, level, namePrefix string) {
	var e struct {
		Timestamp  time.Time      `json:"timestamp"`
		Name       string         `json:"name"`
		Level      string         `json:"level"`
		TraceID    string         `json:"trace_id"`
		SpanID     string         `json:"span_id"`
		Attributes map[string]any `json:"attributes"`
	}
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		fmt.Fprintln(out, line)
		return
	}
	if level != "" && !strings.EqualFold(e.Level, level) {
		return
	}
	if namePrefix != "" && !strings.HasPrefix(e.Name, namePrefix) {
		return
	}
	fmt.Fprintf(out, "%s %-8s %-28s trace=%s span=%s %s\n",
		e.Timestamp.Format(time.RFC3339), e.Level, e.Name,
		short(e.TraceID), short(e.SpanID), summarizeAttrs(e.Attributes))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// summarizeAttrs renders a few attributes deterministically, keys
// sorted, long values truncated.
func summarizeAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 5 {
		keys = keys[:5]
	}

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		val := fmt.Sprint(attrs[k])
		if len(val) > 60 {
			val = val[:57] + "..."
		}
		fmt.Fprintf(&b, "%s=%s", k, val)
	}
	return b.String()
}

// =============================================================================
// DB Command
// =============================================================================

func buildDBCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the SQLite event store",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "",
		"Database path (default: CYLESTIO_TEST_DB_DIR or the platform user-data dir)")

	cmd.AddCommand(
		buildDBVerifyCmd(&dbPath),
		buildDBUpdateCmd(&dbPath),
		buildDBResetCmd(&dbPath),
	)
	return cmd
}

func openStore(path string) (*store.Store, error) {
	return store.Open(store.Options{Path: path})
}

func buildDBVerifyCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare the on-disk schema against the expected one",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(*dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := db.VerifySchema(cmd.Context())
			if err != nil {
				return err
			}
			printSchemaReport(cmd.OutOrStdout(), db.Path(), report)
			return nil
		},
	}
}

func buildDBUpdateCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Add missing tables and columns (never drops anything)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(*dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := db.UpdateSchema(cmd.Context())
			if err != nil {
				return err
			}
			printSchemaReport(cmd.OutOrStdout(), db.Path(), report)
			return nil
		},
	}
}

func buildDBResetCmd(dbPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Back up and re-create the event store",
		Long: `Reset drops all monitor tables and re-creates them empty.

A timestamped backup copy is written next to the database file first.
Refuses to run without --force.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(*dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := db.Reset(cmd.Context(), force)
			if err != nil {
				return err
			}
			if result.BackupPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", result.BackupPath)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store reset: %s\n", db.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Actually perform the reset")
	return cmd
}

func printSchemaReport(out io.Writer, path string, report *store.SchemaReport) {
	fmt.Fprintf(out, "database: %s\n", path)
	if report.Matches {
		fmt.Fprintln(out, "schema: ok")
		return
	}
	fmt.Fprintln(out, "schema: MISMATCH")
	for _, t := range report.MissingTables {
		fmt.Fprintf(out, "  missing table: %s\n", t)
	}
	for table, cols := range report.MissingColumns {
		for _, c := range cols {
			fmt.Fprintf(out, "  missing column: %s.%s\n", table, c)
		}
	}
	for _, t := range report.ExtraTables {
		fmt.Fprintf(out, "  extra table: %s\n", t)
	}
	for table, cols := range report.ExtraColumns {
		for _, c := range cols {
			fmt.Fprintf(out, "  extra column: %s.%s\n", table, c)
		}
	}
}

// =============================================================================
// Schema Command
// =============================================================================

func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration file JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
