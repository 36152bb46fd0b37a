package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/db"
)

// MigrateCmd folds legacy tables and applies the schema.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run the legacy migration and apply the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(c.Database.SQLitePath, db.Options{})
			if err != nil {
				errColor.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			status := store.LegacyMigration()
			switch {
			case status.Err != nil:
				printStatus(out, warnColor, "legacy", "skipped: %v", status.Err)
			case status.Applied:
				printStatus(out, okColor, "legacy", "folded %d rows from %s", status.Rows, strings.Join(status.Sources, ", "))
			default:
				printStatus(out, infoColor, "legacy", "nothing to migrate")
			}

			version, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			printStatus(out, okColor, "schema", "version %d at %s", version, c.Database.SQLitePath)
			return nil
		},
	}
}

// CheckpointCmd truncates the write-ahead log into the main database file.
func CheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Run a truncating WAL checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(c.Database.SQLitePath, db.Options{})
			if err != nil {
				errColor.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := store.Checkpoint(ctx, db.CheckpointTruncate)
			if err != nil {
				return err
			}
			col := okColor
			if res.Busy {
				col = warnColor
			}
			printStatus(cmd.OutOrStdout(), col, "checkpoint", "%d/%d frames (busy=%v)", res.Checkpointed, res.LogFrames, res.Busy)
			return nil
		},
	}
}
