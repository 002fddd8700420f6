package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/internal/util"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/sym"
)

// StatusCmd shows recorded transfers
var StatusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: sym.DB + " Show recorded transfers",
	Long: sym.DB + ` status — Show recorded transfers

Reads the transfer database directly, so it works whether or not a server
is running. Progress of running transfers is persisted about once a second.

Examples:
  fetchq status                      # Table of all transfers
  fetchq status 12                   # One transfer in detail
  fetchq status --status failed      # Only failed transfers
  fetchq status 12 --output yaml     # Machine-readable`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusOutput string
	statusFilter string
	statusLimit  int
)

func init() {
	StatusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "Output format: text, json, yaml")
	StatusCmd.Flags().StringVar(&statusFilter, "status", "", "Only show transfers with this status")
	StatusCmd.Flags().IntVar(&statusLimit, "limit", 50, "Maximum transfers to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	switch statusOutput {
	case "text", "json", "yaml":
	default:
		return errors.Newf("unsupported output format: %s (supported: text, json, yaml)", statusOutput)
	}

	database, _, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer database.Close()
	store := async.NewStore(database)
	ctx := commandContext(cmd)

	if len(args) == 1 {
		id, err := parseTransferID(args[0])
		if err != nil {
			return err
		}
		rec, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		return writeRecords(cmd.OutOrStdout(), []*async.Record{rec}, true)
	}

	var filter *async.Status
	if statusFilter != "" {
		st, err := async.ParseStatus(statusFilter)
		if err != nil {
			return err
		}
		filter = util.Ptr(st)
	}
	records, err := store.List(ctx, filter, statusLimit)
	if err != nil {
		return err
	}
	return writeRecords(cmd.OutOrStdout(), records, false)
}

func parseTransferID(raw string) (async.JobID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, errors.NewInvalidRequestError("invalid transfer id %q", raw)
	}
	return async.JobID(id), nil
}

// writeRecords renders records in the selected output format. single selects
// the detailed text view.
func writeRecords(w io.Writer, records []*async.Record, single bool) error {
	switch statusOutput {
	case "json":
		var v interface{} = records
		if single {
			v = records[0]
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal transfers to JSON")
		}
		_, err = fmt.Fprintln(w, string(data))
		return err

	case "yaml":
		var v interface{} = records
		if single {
			v = records[0]
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "failed to marshal transfers to YAML")
		}
		return enc.Close()
	}

	if single {
		return writeDetail(w, records[0])
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No transfers recorded")
		return err
	}

	rows := pterm.TableData{{"", "ID", "STATUS", "PROGRESS", "TITLE", "DESTINATION"}}
	for _, rec := range records {
		rows = append(rows, []string{
			sym.ForStatus(string(rec.Status)),
			strconv.FormatInt(int64(rec.ID), 10),
			string(rec.Status),
			progressText(rec.JobState),
			rec.Title,
			rec.Destination,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).WithWriter(w).Render()
}

func writeDetail(w io.Writer, rec *async.Record) error {
	lines := []struct{ label, value string }{
		{"ID", strconv.FormatInt(int64(rec.ID), 10)},
		{"Title", rec.Title},
		{"URI", rec.URI},
		{"Destination", rec.Destination},
		{"Networks", rec.AllowedNetworks.String()},
		{"Status", sym.ForStatus(string(rec.Status)) + " " + string(rec.Status)},
		{"Progress", progressText(rec.JobState)},
		{"Created", rec.CreatedAt.Local().Format("2006-01-02 15:04:05")},
		{"Updated", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05")},
	}
	for _, ts := range []struct {
		label string
		at    *time.Time
	}{{"Started", rec.StartedAt}, {"Completed", rec.CompletedAt}} {
		if at := util.Deref(ts.at); !at.IsZero() {
			lines = append(lines, struct{ label, value string }{ts.label, at.Local().Format("2006-01-02 15:04:05")})
		}
	}
	if rec.Description != "" {
		lines = append(lines, struct{ label, value string }{"Description", rec.Description})
	}
	if rec.ErrorMessage != "" {
		lines = append(lines, struct{ label, value string }{"Error", rec.ErrorMessage})
	}

	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%-12s %s\n", l.label+":", l.value); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n%s\n", async.StatusText(rec.JobState))
	return err
}

func progressText(s async.JobState) string {
	if s.TotalBytes < 0 {
		return util.HumanBytes(s.BytesDownloaded)
	}
	return fmt.Sprintf("%s / %s (%.0f%%)", util.HumanBytes(s.BytesDownloaded), util.HumanBytes(s.TotalBytes), s.Percentage())
}
