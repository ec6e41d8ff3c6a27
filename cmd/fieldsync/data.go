package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
	"github.com/mschirtzinger/fieldsync/internal/store"
)

var listCmd = &cobra.Command{
	Use:     "list <table>",
	GroupID: "data",
	Short:   "List local records",
	Long: `List records in the local database with their sync state.

Examples:
  fieldsync list tasks
  fieldsync list tasks --where status=open
  fieldsync list listings --since 24h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, err := schema.ParseTable(args[0])
		if err != nil {
			return err
		}
		where, _ := cmd.Flags().GetString("where")
		since, _ := cmd.Flags().GetDuration("since")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		var recs []*store.Record
		switch {
		case where != "":
			col, raw, ok := strings.Cut(where, "=")
			if !ok {
				return fmt.Errorf("--where must be field=value")
			}
			recs, err = st.Fetch(ctx, t, col, sqlValue(parseValue(raw)))
		case since > 0:
			recs, err = st.UpdatedSince(ctx, t, time.Now().Add(-since))
		default:
			recs, err = st.List(ctx, t)
		}
		if err != nil {
			return err
		}

		for _, rec := range recs {
			fmt.Printf("%s %s %s\n", stateMark(rec.Meta.State), rec.ID, describeRow(rec.Row))
		}
		fmt.Println(renderMuted(fmt.Sprintf("%d record(s)", len(recs))))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:     "put <table> [id]",
	GroupID: "data",
	Short:   "Create or edit a local record",
	Long: `Save a record locally and mark it for upload. Without an id a new record
is created. Values are parsed as JSON when possible, so numbers, booleans and
null keep their type; anything else is a string.

Examples:
  fieldsync put tasks --set title="Call seller" --set priority=2
  fieldsync put tasks 6f1c... --set status=done
  fieldsync put listings 9a2e... --set price=null`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, err := schema.ParseTable(args[0])
		if err != nil {
			return err
		}
		sets, _ := cmd.Flags().GetStringArray("set")
		if len(sets) == 0 {
			return fmt.Errorf("nothing to set")
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		row := dto.Row{}
		if len(args) == 2 {
			rec, err := st.Get(ctx, t, args[1])
			if err != nil {
				return err
			}
			row = rec.Row.Clone()
		} else {
			row["id"] = schema.NewID()
		}

		for _, kv := range sets {
			col, raw, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("--set %q must be field=value", kv)
			}
			row[col] = parseValue(raw)
		}

		e, diags, err := dto.Decode(t, row)
		if err != nil {
			return err
		}
		for _, d := range diags {
			fmt.Printf("%s %s\n", renderWarn("!"), d)
		}
		rec, err := st.Save(ctx, e)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s/%s saved, pending upload\n", renderPass("✓"), t, rec.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <table> <id>",
	GroupID: "data",
	Short:   "Delete a local record",
	Long:    `Mark a record deleted locally. The deletion uploads with the next sync.`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := schema.ParseTable(args[0])
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.SoftDelete(cmd.Context(), t, args[1]); err != nil {
			return err
		}
		fmt.Printf("%s %s/%s deleted, pending upload\n", renderPass("✓"), t, args[1])
		return nil
	},
}

// parseValue reads raw as JSON when it parses, otherwise as a string.
func parseValue(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	switch v.(type) {
	case map[string]any, []any:
		return raw
	}
	return v
}

// sqlValue converts JSON numbers so they compare as numbers in SQLite.
func sqlValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func stateMark(s schema.SyncState) string {
	switch s {
	case schema.SyncSynced:
		return renderPass("●")
	case schema.SyncFailed:
		return renderFail("✗")
	default:
		return renderWarn("○")
	}
}

// describeRow picks the columns that identify a record at a glance.
func describeRow(row dto.Row) string {
	var parts []string
	for _, col := range []string{"title", "name", "address", "status", "stage", "body"} {
		if v, ok := row[col]; ok && v != nil {
			parts = append(parts, fmt.Sprintf("%s=%v", col, v))
		}
	}
	if len(parts) == 0 {
		cols := make([]string, 0, len(row))
		for col := range row {
			if col != "id" && row[col] != nil {
				cols = append(cols, col)
			}
		}
		sort.Strings(cols)
		if len(cols) > 3 {
			cols = cols[:3]
		}
		for _, col := range cols {
			parts = append(parts, fmt.Sprintf("%s=%v", col, row[col]))
		}
	}
	if row["deleted_at"] != nil {
		parts = append(parts, renderMuted("(deleted)"))
	}
	return strings.Join(parts, " ")
}

func init() {
	listCmd.Flags().String("where", "", "Filter by field=value")
	listCmd.Flags().Duration("since", 0, "Only records updated within this duration")
	putCmd.Flags().StringArray("set", nil, "field=value to set (repeatable)")
	rootCmd.AddCommand(listCmd, putCmd, deleteCmd)
}
