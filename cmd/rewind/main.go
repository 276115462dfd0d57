// Command rewind manages JSON audit-log history for SQLite tables: enabling
// and disabling capture, listing history, and restoring tables to an earlier
// version.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/mickamy/rewind"
)

var (
	dbPath string

	colorErr = color.New(color.FgRed, color.Bold)
	colorOK  = color.New(color.FgGreen)
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		colorErr.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "rewind",
	Short:         "SQLite table history tracking using a JSON audit log",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the SQLite database file")
	_ = rootCmd.MarkPersistentFlagRequired("db")

	rootCmd.AddCommand(
		enableCmd(),
		disableCmd(),
		populateCmd(),
		historyCmd(),
		rowHistoryCmd(),
		restoreCmd(),
		rowStateSQLCmd(),
	)
}

func openDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dbPath, err)
	}
	return db, nil
}

// coerceValue parses a key value given on the command line: int first, then
// float, otherwise the string itself.
func coerceValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// keyFromArgs maps positional key values onto the table's primary-key
// columns, in key order.
func keyFromArgs(ctx context.Context, h *rewind.Handler, db rewind.DBTX, table string, args []string) (map[string]any, error) {
	t, err := h.Resolve(ctx, db, table)
	if err != nil {
		return nil, err
	}
	keys := t.KeyColumns()
	if len(args) != len(keys) {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.Name
		}
		return nil, fmt.Errorf("table %q has %d primary key column(s) (%v), but %d value(s) provided",
			table, len(keys), names, len(args))
	}
	key := make(map[string]any, len(keys))
	for i, k := range keys {
		key[k.Name] = coerceValue(args[i])
	}
	return key, nil
}

func printEntries(entries []rewind.Entry) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func enableCmd() *cobra.Command {
	var noPopulate bool
	cmd := &cobra.Command{
		Use:   "enable <table>",
		Short: "Enable tracking for a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			var opts []rewind.EnableOption
			if noPopulate {
				opts = append(opts, rewind.WithoutPopulate())
			}
			if err := rewind.New(rewind.Config{}).EnableTracking(cmd.Context(), db, args[0], opts...); err != nil {
				return err
			}
			colorOK.Fprintf(os.Stderr, "Tracking enabled for table '%s'.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&noPopulate, "no-populate", false, "skip the baseline snapshot of existing rows")
	return cmd
}

func disableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <table>",
		Short: "Disable tracking for a table (the audit table is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := rewind.New(rewind.Config{}).DisableTracking(cmd.Context(), db, args[0]); err != nil {
				return err
			}
			colorOK.Fprintf(os.Stderr, "Tracking disabled for table '%s'.\n", args[0])
			return nil
		},
	}
}

func populateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "populate <table>",
		Short: "Snapshot all existing rows into the audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := rewind.New(rewind.Config{}).Populate(cmd.Context(), db, args[0]); err != nil {
				return err
			}
			colorOK.Fprintf(os.Stderr, "Populated audit log for table '%s'.\n", args[0])
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <table>",
		Short: "List audit entries for a table, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			entries, err := rewind.New(rewind.Config{}).History(cmd.Context(), db, args[0], limit)
			if err != nil {
				return err
			}
			return printEntries(entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of entries (0 = all)")
	return cmd
}

func rowHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "row-history <table> <pk-value>...",
		Short: "List audit entries for a single row, newest first",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			h := rewind.New(rewind.Config{})
			key, err := keyFromArgs(cmd.Context(), h, db, args[0], args[1:])
			if err != nil {
				return err
			}
			entries, err := h.RowHistory(cmd.Context(), db, args[0], key, limit)
			if err != nil {
				return err
			}
			return printEntries(entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of entries (0 = all)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var opts rewind.RestoreOptions
	cmd := &cobra.Command{
		Use:   "restore <table>",
		Short: "Restore a table to its state at a version or timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			restored, err := rewind.New(rewind.Config{}).Restore(cmd.Context(), db, args[0], opts)
			if err != nil {
				return err
			}
			switch {
			case opts.Swap:
				colorOK.Fprintf(os.Stderr, "Table '%s' replaced with restored data.\n", restored)
			case opts.OutputDB != "":
				colorOK.Fprintf(os.Stderr, "Restored table '%s' written to '%s'.\n", restored, opts.OutputDB)
			default:
				colorOK.Fprintf(os.Stderr, "Restored table created as '%s'.\n", restored)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.AtVersion, "id", 0, "restore up to this audit entry id (inclusive)")
	cmd.Flags().StringVar(&opts.AtTimestamp, "timestamp", "", "restore up to this timestamp (inclusive)")
	cmd.Flags().StringVar(&opts.NewTableName, "table", "", "name for the restored table")
	cmd.Flags().BoolVar(&opts.Swap, "replace", false, "atomically replace the original table")
	cmd.Flags().StringVar(&opts.OutputDB, "output-db", "", "write the restored table into this database file")
	return cmd
}

func rowStateSQLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "row-state-sql <table>",
		Short: "Output the SQL query that reconstructs a row's state at a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			sqlText, err := rewind.New(rewind.Config{}).RowStateSQL(cmd.Context(), db, args[0])
			if err != nil {
				return err
			}
			fmt.Println(sqlText)
			return nil
		},
	}
}
