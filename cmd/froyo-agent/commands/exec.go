package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-agent/pkg/backend"
	"github.com/openfroyo/froyo-agent/pkg/engine"
	"github.com/openfroyo/froyo-agent/pkg/executor"
	"github.com/openfroyo/froyo-agent/pkg/planstore"
)

func newExecCommand() *cobra.Command {
	var noPolicy bool

	cmd := &cobra.Command{
		Use:   "exec <plan.json>",
		Short: "Execute a local plan file once",
		Long: `Execute a plan file without the broker and print its result.

The plan runs in a scratch plans directory, so the agent's stamp and staged
plans are left untouched. Admission checks apply unless --no-policy is set.`,
		Example: `  # Run a plan and print the result document
  froyo-agent exec plan.json

  # Run without admission checks
  froyo-agent exec plan.json --no-policy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, tel, err := setupTelemetry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			body, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}

			scratch, err := os.MkdirTemp("", "froyo-agent-exec-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(scratch)

			store, err := planstore.New(scratch, tel.Logger)
			if err != nil {
				return err
			}
			id := strings.TrimSuffix(filepath.Base(args[0]), planstore.PlanExt)
			if planstore.ValidateID(id) != nil {
				id = engine.UnknownID
			}
			path, err := store.StagePlan(id, body, "")
			if err != nil {
				return err
			}

			if !noPolicy {
				policies, err := newPolicyEngine(ctx, cfg, tel.Logger)
				if err != nil {
					return err
				}
				if err := policies.Admit(ctx, id, body); err != nil {
					return err
				}
			}

			runner := executor.New(store, backend.NewStarlark(cfg.Backend, tel.Logger), tel.Logger)
			outcome, err := runner.Execute(ctx, path)
			if err != nil {
				return err
			}

			if outcome.Status == engine.OutcomeDropped {
				fmt.Fprintln(cmd.OutOrStdout(), "plan dropped: stamp is not newer than the watermark")
				return nil
			}

			result, err := store.ReadResult(planstore.ResultPath(path))
			if err != nil {
				return fmt.Errorf("failed to read result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))

			if outcome.Status == engine.OutcomeFailed {
				return fmt.Errorf("plan failed: %s", outcome.Error)
			}
			if outcome.Failures > 0 {
				return fmt.Errorf("%d command(s) failed", outcome.Failures)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip plan admission checks")

	return cmd
}
