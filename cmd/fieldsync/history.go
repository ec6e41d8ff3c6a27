package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/fieldsync/internal/audit"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

var historyCmd = &cobra.Command{
	Use:     "history <table> <id>",
	GroupID: "data",
	Short:   "Show the change history of a record",
	Long: `Show who changed a record and what they changed, newest first.

With --workflow on a task, show its claim and status transitions instead.

Examples:
  fieldsync history tasks 6f1c...
  fieldsync history tasks 6f1c... --workflow
  fieldsync history listings 9a2e... --limit 20`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, err := schema.ParseTable(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		workflow, _ := cmd.Flags().GetBool("workflow")
		if workflow && t != schema.TableTasks {
			return fmt.Errorf("--workflow applies to tasks only")
		}

		return withSession(ctx, func(s *session) error {
			h := audit.NewHistory(s.backend, s.store, s.diags, logger)
			var items []audit.Item
			if workflow {
				items, err = h.ForTask(ctx, args[1])
			} else {
				items, err = h.ForEntity(ctx, t, args[1], limit)
			}
			if err != nil {
				return err
			}

			if len(items) == 0 {
				fmt.Println(renderMuted("No history"))
				return nil
			}
			for _, it := range items {
				fmt.Printf("%s  %s\n", renderMuted(it.At.Local().Format(time.DateTime)), it.Summary)
			}
			return nil
		})
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries")
	historyCmd.Flags().Bool("workflow", false, "Show claim and status transitions of a task")
	rootCmd.AddCommand(historyCmd)
}
