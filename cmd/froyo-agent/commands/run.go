package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-agent/pkg/agent"
	"github.com/openfroyo/froyo-agent/pkg/backend"
	"github.com/openfroyo/froyo-agent/pkg/executor"
	"github.com/openfroyo/froyo-agent/pkg/planstore"
	"github.com/openfroyo/froyo-agent/pkg/signature"
	"github.com/openfroyo/froyo-agent/pkg/stores"
	"github.com/openfroyo/froyo-agent/pkg/transports/amqp"
)

func newRunCommand() *cobra.Command {
	var noPolicy bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		Long: `Run the agent loop until interrupted.

The agent:
  - Uploads results left over from earlier runs
  - Resumes a staged plan, or waits for the next broker message
  - Verifies, stages and acknowledges inbound plans
  - Checks each plan against validation rules and policies
  - Executes the plan's commands and writes the result
  - Reboots the host when the plan asks for it

The first interrupt lets the current plan finish; a second one exits.`,
		Example: `  # Run with a CUE configuration
  froyo-agent run --config /etc/froyo-agent/agent.cue

  # Run with debug logging
  LOG_LEVEL=debug froyo-agent run -c agent.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), noPolicy)
		},
	}

	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip plan admission checks")

	return cmd
}

func runAgent(ctx context.Context, noPolicy bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, tel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(tel)
	logger := tel.Logger

	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	journal, err := openJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if journal != nil {
		defer journal.Close()
		if cfg.Journal.Retention > 0 {
			pruned, err := journal.PruneBefore(ctx, time.Now().Add(-cfg.Journal.Retention))
			if err != nil {
				logger.WithError(err).Warn("failed to prune journal")
			} else if pruned > 0 {
				logger.Infof("pruned %d journal runs", pruned)
			}
		}
		stores.NewJournal(journal, logger).Attach(tel.Events)
	}

	keyData, err := cfg.EngineKeyData()
	if err != nil {
		return err
	}
	verifier, err := signature.NewVerifier([]byte(cfg.Broker.InputQueue), keyData)
	if err != nil {
		return fmt.Errorf("failed to load engine key: %w", err)
	}
	if !verifier.Enabled() {
		logger.Warn("no engine key configured, plan signatures are not checked")
	}

	store, err := planstore.New(cfg.PlansDir, logger)
	if err != nil {
		return err
	}

	transport := amqp.New(&cfg.Broker, verifier,
		amqp.WithLogger(logger),
		amqp.WithMetrics(tel.Metrics),
	)
	runner := executor.New(store, backend.NewStarlark(cfg.Backend, logger), logger)

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithRebooter(agent.NewExecRebooter(cfg.Reboot.Command)),
		agent.WithRebootWait(cfg.Reboot.Wait),
	}
	if !noPolicy {
		engine, err := newPolicyEngine(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if cfg.Policy.Watch && cfg.Policy.Path != "" {
			if err := engine.Watch(ctx, []string{cfg.Policy.Path}); err != nil {
				logger.WithError(err).Warn("policy hot reload disabled")
			}
			defer func() {
				if err := engine.Close(); err != nil {
					logger.WithError(err).Warn("failed to stop policy watcher")
				}
			}()
		}
		opts = append(opts, agent.WithAdmitter(engine))
	}

	supervisor := agent.NewSupervisor(transport, store, runner, opts...)

	// Cancelling ctx stops the loop between plans; the running plan keeps
	// an uncancelled context.
	release := stopOnCancel(ctx, supervisor)

	logger.Infof("agent consuming from %q on %s:%d", cfg.Broker.InputQueue, cfg.Broker.Host, cfg.Broker.Port)
	err = supervisor.Run(context.WithoutCancel(ctx))
	release()
	if errors.Is(err, agent.ErrSourceClosed) {
		return fmt.Errorf("broker unavailable: %w", err)
	}
	return err
}

// stopOnCancel stops s once ctx is cancelled. The returned func ends the
// wait when s returned on its own, and blocks until the waiter is gone.
func stopOnCancel(ctx context.Context, s interface{ Stop() }) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
