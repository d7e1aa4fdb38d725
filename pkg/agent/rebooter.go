package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/froyo-agent/pkg/backend/handlers"
	"github.com/openfroyo/froyo-agent/pkg/engine"
)

// ExecRebooter reboots the host by running a command. A single-element
// command goes through the shell; longer ones are executed directly.
type ExecRebooter struct {
	Exec    *handlers.ExecHandler
	Command []string
}

// NewExecRebooter creates a rebooter that runs command.
func NewExecRebooter(command []string) *ExecRebooter {
	return &ExecRebooter{
		Exec:    &handlers.ExecHandler{},
		Command: command,
	}
}

var _ engine.Rebooter = (*ExecRebooter)(nil)

// Reboot runs the reboot command and fails when it exits non-zero.
func (r *ExecRebooter) Reboot(ctx context.Context) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("no reboot command configured")
	}

	result, err := r.Exec.Handle(ctx, &handlers.ExecParams{
		Command: r.Command[0],
		Args:    r.Command[1:],
	})
	if err != nil {
		return fmt.Errorf("failed to run reboot command: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("reboot command exited with %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}
