package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/fieldsync/internal/lifecycle"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local sync state",
	Long: `Show the signed-in user, how many records are waiting to upload, which
records the server rejected and when each table last downloaded.

This reads only the local database and works offline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		user, err := lifecycle.ReadSession(cfg.SessionFile)
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := st.Counts(ctx, cfg.Sync.MaxRetries)
		if err != nil {
			return err
		}

		fmt.Println(section("Session"))
		if user == nil {
			fmt.Println(field("User", renderMuted("signed out")))
		} else {
			name := user.UserID
			if user.DisplayName != "" {
				name = fmt.Sprintf("%s (%s)", user.DisplayName, user.UserID)
			}
			fmt.Println(field("User", name))
		}
		fmt.Println(field("Database", st.Path()))

		fmt.Println()
		fmt.Println(section("Records"))
		fmt.Println(field("Synced", counts.Synced))
		fmt.Println(field("Pending", renderCount(counts.Pending+counts.Syncing, renderWarn)))
		fmt.Println(field("Failed", renderCount(counts.Failed, renderFail)))
		fmt.Println(field("Unsynced", renderCount(counts.Dirty(), renderWarn)))
		if counts.Exhausted > 0 {
			fmt.Println(field("Exhausted", renderFail(fmt.Sprint(counts.Exhausted))+
				renderMuted("  (run fieldsync reset-failed)")))
		}

		failed, err := st.FailedRecords(ctx)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			fmt.Println()
			fmt.Println(section("Rejected"))
			for _, rec := range failed {
				fmt.Printf("%s %s/%s %s %s\n",
					renderFail("✗"), rec.Table, rec.ID,
					renderMuted(fmt.Sprintf("(attempt %d)", rec.Meta.RetryCount)),
					rec.Meta.LastError)
			}
		}

		fmt.Println()
		fmt.Println(section("Last download"))
		for _, t := range schema.UploadOrder {
			mark, ok, err := st.Watermark(ctx, t)
			if err != nil {
				return err
			}
			value := renderMuted("never")
			if ok {
				value = mark.Local().Format(time.DateTime)
			}
			fmt.Println(field(string(t), value))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
