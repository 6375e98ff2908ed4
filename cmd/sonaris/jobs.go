package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"sonaris/internal/task/action"
	"sonaris/internal/task/experiment"
	"sonaris/internal/task/timekeeper"
	"sonaris/internal/task/when"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <action>",
	Short: "Schedule an action",
	Long: `Schedule an action with parameters given as repeated -p name=value.

Values are converted to the parameter's declared type, then checked against
its constraints. Nothing is stored if validation fails.

Time forms accepted by --at:
  now
  2026-03-01T09:30:00Z        RFC3339
  2026-03-01 09:30            local date and time
  09:30                       next occurrence of a clock time
  in 90s | +5m | 1h30m        relative
  cron:*/5 * * * *            next cron occurrence

Examples:
  # Switch channel 1 on in ten seconds
  sonaris jobs add toggle_output --in 10s -p channel=1 -p status=on

  # Sine wave on channel 2 at 07:00
  sonaris jobs add set_waveform --at 07:00 -p channel=2 -p send_on=true \
    -p waveform_type=SINE -p amplitude=1 -p frequency=1000 -p offset=0`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsAdd,
}

var jobsExperimentCmd = &cobra.Command{
	Use:   "experiment <file>",
	Short: "Schedule every step of an experiment file",
	Long: `Schedule the steps of a YAML experiment file back to back.

Each step names a task (action name or alias, any case), its parameters and
a duration. A step fires when the previous step's duration has elapsed; the
first fires at --at / --in (default now). Every step is validated before any
job is created.

  experiment:
    name: warmup
    steps:
      - task: DG4202_TOGGLE
        parameters:
          - {channel: 1, status: true}
        duration: 5
      - task: Press Auto
        parameters: {press: OK}

Examples:
  sonaris jobs experiment warmup.yaml --at 07:00
  sonaris jobs experiment warmup.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsExperiment,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsAddCmd, jobsExperimentCmd, jobsListCmd, jobsCancelCmd)

	jobsAddCmd.Flags().String("at", "", "When to fire (see forms above)")
	jobsAddCmd.Flags().Duration("in", 0, "Fire after this delay")
	jobsAddCmd.Flags().StringArrayP("param", "p", nil, "Parameter as name=value (repeatable)")
	jobsAddCmd.MarkFlagsMutuallyExclusive("at", "in")

	jobsExperimentCmd.Flags().String("at", "", "When the first step fires (same forms as jobs add)")
	jobsExperimentCmd.Flags().Duration("in", 0, "Fire the first step after this delay")
	jobsExperimentCmd.Flags().Bool("dry-run", false, "Validate and print the timeline without scheduling")
	jobsExperimentCmd.MarkFlagsMutuallyExclusive("at", "in")

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	at, _ := cmd.Flags().GetString("at")
	in, _ := cmd.Flags().GetDuration("in")
	raw, _ := cmd.Flags().GetStringArray("param")

	a, err := openOffline(true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	task, err := a.Registry().Canonical(args[0])
	if err != nil {
		return err
	}
	shape, err := a.Registry().Shape(task)
	if err != nil {
		return err
	}
	kwargs, err := parseParams(shape, raw)
	if err != nil {
		return err
	}
	fireAt, err := resolveFireTime(at, in, time.Now(), a.Location())
	if err != nil {
		return err
	}

	id, err := a.Timekeeper().AddJob(cmd.Context(), task, fireAt, kwargs)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", id, task, fireAt.Format(time.RFC3339))
	return nil
}

func runJobsExperiment(cmd *cobra.Command, args []string) error {
	at, _ := cmd.Flags().GetString("at")
	in, _ := cmd.Flags().GetDuration("in")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	exp, err := experiment.Load(args[0])
	if err != nil {
		return err
	}

	a, err := openOffline(!dryRun)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	start, err := resolveFireTime(at, in, time.Now(), a.Location())
	if err != nil {
		return err
	}

	var (
		ids     []string
		entries []experiment.Entry
	)
	if dryRun {
		entries, err = experiment.Plan(a.Registry(), exp, start)
	} else {
		ids, entries, err = experiment.Schedule(cmd.Context(), a.Registry(), a.Timekeeper(), exp, start)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	loc := a.Location()
	for i, e := range entries {
		id := "-"
		if i < len(ids) {
			id = ids[i]
		}
		_, _ = fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", e.Step, id, e.Task, e.At.In(loc).Format(time.RFC3339))
	}
	name := exp.Name
	if name == "" {
		name = args[0]
	}
	verb := "scheduled"
	if dryRun {
		verb = "validated"
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s %d steps of %s\n", verb, len(entries), name)
	return nil
}

// parseParams turns name=value pairs into kwargs typed by shape. Names the
// shape does not declare are kept as strings so validation reports them.
func parseParams(shape action.Shape, raw []string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Newf("invalid parameter %q: expected name=value", kv)
		}
		if _, dup := out[name]; dup {
			return nil, errors.Newf("parameter %q given twice", name)
		}
		p, known := shape.Lookup(name)
		if !known {
			out[name] = value
			continue
		}
		v, err := action.ParseArg(p, value)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func resolveFireTime(at string, in time.Duration, now time.Time, loc *time.Location) (time.Time, error) {
	if in < 0 {
		return time.Time{}, errors.New("--in must not be negative")
	}
	if in > 0 {
		return now.Add(in), nil
	}
	if strings.TrimSpace(at) == "" {
		return now, nil
	}
	return when.Parse(at, now, loc)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	a, err := openOffline(false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	jobs := sortedJobs(a.Timekeeper().GetJobs())
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No jobs scheduled")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "ID\tACTION\tTIME\tSTATUS\tPARAMS")
	loc := a.Location()
	for _, j := range jobs {
		params, _ := json.Marshal(j.Kwargs)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Task, j.ScheduleTime.In(loc).Format(time.RFC3339), j.Status, params)
	}
	return nil
}

func sortedJobs(m map[string]timekeeper.Job) []timekeeper.Job {
	out := make([]timekeeper.Job, 0, len(m))
	for _, j := range m {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].ScheduleTime.Equal(out[k].ScheduleTime) {
			return out[i].ScheduleTime.Before(out[k].ScheduleTime)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	a, err := openOffline(true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	id := strings.TrimSpace(args[0])
	err = a.Timekeeper().CancelJob(cmd.Context(), id)
	switch {
	case errors.Is(err, timekeeper.ErrJobNotFound):
		return errors.Newf("no active job %s", id)
	case errors.Is(err, timekeeper.ErrJobFiring):
		return errors.Newf("job %s is already firing; it will be archived when it finishes", id)
	case err != nil:
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
	return nil
}
