package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-agent/pkg/executor"
	"github.com/openfroyo/froyo-agent/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan.json>",
		Short: "Check a plan against validation rules and policies",
		Long: `Run the admission checks the agent applies before execution.

This command:
  - Parses the plan document
  - Validates its structure (command names, base64 scripts)
  - Evaluates the built-in and configured Rego policies
  - Reports violations and warnings without executing anything`,
		Example: `  # Validate a plan
  froyo-agent validate plan.json

  # Validate with a policy directory from the config
  froyo-agent validate plan.json -c agent.cue --json`,
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
			plan, err := executor.ParsePlan(body)
			if err != nil {
				return err
			}

			engine, err := newPolicyEngine(ctx, cfg, tel.Logger)
			if err != nil {
				return err
			}
			if err := engine.Validate(plan); err != nil {
				return fmt.Errorf("plan failed validation: %w", err)
			}

			result, err := engine.Evaluate(ctx, args[0], plan)
			if err != nil {
				return fmt.Errorf("policy evaluation failed: %w", err)
			}
			if err := printPolicyResult(cmd, engine.ListPolicies(), result); err != nil {
				return err
			}
			if !result.Allowed {
				return fmt.Errorf("plan rejected by %d violation(s)", len(result.Violations))
			}
			return nil
		},
	}

	return cmd
}

func printPolicyResult(cmd *cobra.Command, policies []policy.Policy, result *policy.Result) error {
	var names []string
	for _, p := range policies {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Policies []string `json:"policies"`
			*policy.Result
		}{names, result})
	}

	fmt.Fprintf(out, "evaluated %d policies: %s\n", len(names), strings.Join(names, ", "))
	for _, v := range result.Violations {
		fmt.Fprintf(out, "[%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if result.Allowed {
		fmt.Fprintln(out, "plan is admissible")
	}
	return nil
}
