package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-agent/pkg/planstore"
	"github.com/openfroyo/froyo-agent/pkg/stores"
)

// agentStatus is the JSON shape printed by the status command.
type agentStatus struct {
	PlansDir      string                   `json:"plans_dir"`
	Stamp         int64                    `json:"stamp"`
	PendingPlans  []string                 `json:"pending_plans"`
	PendingResult []string                 `json:"pending_results"`
	RunCounts     map[stores.RunStatus]int `json:"run_counts,omitempty"`
	RecentRuns    []*stores.Run            `json:"recent_runs,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show staged plans, pending results and recent runs",
		Long: `Show the agent's on-disk state.

Lists plans waiting to run or resume, results waiting for upload, the
dedup stamp, and the most recent runs recorded in the journal.`,
		Example: `  # Show status
  froyo-agent status -c agent.cue

  # Show the last 5 runs as JSON
  froyo-agent status --limit 5 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := planstore.New(cfg.PlansDir, nil)
			if err != nil {
				return err
			}
			st := agentStatus{PlansDir: store.Dir()}
			if st.Stamp, err = store.Stamp(); err != nil {
				return err
			}
			plans, err := store.PendingPlans()
			if err != nil {
				return err
			}
			for _, p := range plans {
				st.PendingPlans = append(st.PendingPlans, planstore.IDFromPath(p))
			}
			results, err := store.OrphanResults()
			if err != nil {
				return err
			}
			for _, r := range results {
				st.PendingResult = append(st.PendingResult, planstore.IDFromPath(r))
			}

			journal, err := openJournalReadOnly(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			if journal != nil {
				defer journal.Close()
				if st.RunCounts, err = journal.CountRunsByStatus(ctx); err != nil {
					return err
				}
				if st.RecentRuns, err = journal.ListRuns(ctx, "", limit, 0); err != nil {
					return err
				}
			}

			return printStatus(cmd, &st)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent runs to show")

	return cmd
}

func printStatus(cmd *cobra.Command, st *agentStatus) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(out, "Plans directory: %s\n", st.PlansDir)
	fmt.Fprintf(out, "Stamp:           %d\n", st.Stamp)
	fmt.Fprintf(out, "Pending plans:   %d\n", len(st.PendingPlans))
	for _, id := range st.PendingPlans {
		fmt.Fprintf(out, "  %s\n", id)
	}
	fmt.Fprintf(out, "Pending results: %d\n", len(st.PendingResult))
	for _, id := range st.PendingResult {
		fmt.Fprintf(out, "  %s\n", id)
	}

	if st.RunCounts == nil {
		return nil
	}
	fmt.Fprintln(out, "\nRuns:")
	for _, status := range []stores.RunStatus{
		stores.RunStatusRunning, stores.RunStatusCompleted, stores.RunStatusFailed,
		stores.RunStatusDropped, stores.RunStatusRejected,
	} {
		fmt.Fprintf(out, "  %-10s %d\n", status, st.RunCounts[status])
	}

	if len(st.RecentRuns) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nRecent runs:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PLAN\tSTATUS\tSTAMP\tCOMMANDS\tFAILURES\tREBOOT\tSTARTED")
	for _, r := range st.RecentRuns {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%d\t%t\t%s\n",
			r.PlanID, r.Status, r.Stamp, r.Commands, r.Failures, r.Reboot,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
