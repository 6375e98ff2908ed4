package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sonaris/internal/task/timekeeper"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect finished jobs",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runArchiveList,
}

var archiveClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every archived job",
	Args:  cobra.NoArgs,
	RunE:  runArchiveClear,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd, archiveClearCmd)

	archiveListCmd.Flags().Bool("json", false, "Output as JSON")
	archiveListCmd.Flags().Int("limit", 0, "Show at most this many entries (0 = all)")
	archiveListCmd.Flags().Bool("failed", false, "Only show failed jobs")
}

func runArchiveList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	limit, _ := cmd.Flags().GetInt("limit")
	failedOnly, _ := cmd.Flags().GetBool("failed")

	a, err := openOffline(false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	all := a.Timekeeper().Archive()
	entries := make([]timekeeper.ArchiveEntry, 0, len(all))
	// Archive() is oldest first.
	for i := len(all) - 1; i >= 0; i-- {
		if failedOnly && all[i].Result {
			continue
		}
		entries = append(entries, all[i])
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Archive is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "ID\tACTION\tFINISHED\tRESULT\tERROR")
	loc := a.Location()
	for _, e := range entries {
		result := "ok"
		if !e.Result {
			result = "failed"
		}
		detail := e.ErrorDetail
		if detail == "" {
			detail = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.JobID, e.Task, e.FinishedAt.In(loc).Format(time.RFC3339), result, firstLine(detail))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func runArchiveClear(cmd *cobra.Command, _ []string) error {
	a, err := openOffline(true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	n := len(a.Timekeeper().Archive())
	if err := a.Timekeeper().ClearArchive(cmd.Context()); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d archived jobs\n", n)
	return nil
}
