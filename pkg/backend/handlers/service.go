package handlers

import (
	"context"
	"fmt"
	"strings"
)

// ServiceHandler manages systemd units through systemctl.
type ServiceHandler struct {
	// Exec runs systemctl. Defaults to a plain ExecHandler.
	Exec *ExecHandler
	// Systemctl is the binary to call. Defaults to "systemctl".
	Systemctl string
}

// Handle applies the action to the unit and reports its state afterwards.
// start, stop, enable and disable are idempotent.
func (h *ServiceHandler) Handle(ctx context.Context, params *ServiceParams) (*ServiceResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}

	beforeStatus, beforeEnabled, _ := h.status(ctx, params.Name)

	result := &ServiceResult{}

	switch params.Action {
	case "reload", "restart":
		if err := h.run(ctx, params.Action, params.Name); err != nil {
			return nil, err
		}
		result.Action = params.Action + "ed"
		result.Changed = true

	case "start":
		if beforeStatus == "active" {
			result.Action = "already_started"
		} else {
			if err := h.run(ctx, "start", params.Name); err != nil {
				return nil, err
			}
			result.Action = "started"
			result.Changed = true
		}

	case "stop":
		if beforeStatus == "inactive" {
			result.Action = "already_stopped"
		} else {
			if err := h.run(ctx, "stop", params.Name); err != nil {
				return nil, err
			}
			result.Action = "stopped"
			result.Changed = true
		}

	case "enable":
		if beforeEnabled {
			result.Action = "already_enabled"
		} else {
			if err := h.run(ctx, "enable", params.Name); err != nil {
				return nil, err
			}
			result.Action = "enabled"
			result.Changed = true
		}

	case "disable":
		if !beforeEnabled {
			result.Action = "already_disabled"
		} else {
			if err := h.run(ctx, "disable", params.Name); err != nil {
				return nil, err
			}
			result.Action = "disabled"
			result.Changed = true
		}

	default:
		return nil, fmt.Errorf("invalid action: %s", params.Action)
	}

	result.Status, result.Enabled, result.SubState = h.status(ctx, params.Name)
	return result, nil
}

func (h *ServiceHandler) systemctl() (*ExecHandler, string) {
	execer := h.Exec
	if execer == nil {
		execer = &ExecHandler{}
	}
	bin := h.Systemctl
	if bin == "" {
		bin = "systemctl"
	}
	return execer, bin
}

// status returns the active state, enablement and sub-state of a unit.
// Query failures read as unknown state.
func (h *ServiceHandler) status(ctx context.Context, name string) (string, bool, string) {
	execer, bin := h.systemctl()
	query := func(args ...string) string {
		res, err := execer.Handle(ctx, &ExecParams{Command: bin, Args: args})
		if err != nil {
			return ""
		}
		return strings.TrimSpace(res.Stdout)
	}

	status := query("is-active", name)
	enabled := query("is-enabled", name) == "enabled"
	subState := query("show", name, "--property=SubState", "--value")
	return status, enabled, subState
}

func (h *ServiceHandler) run(ctx context.Context, action, name string) error {
	execer, bin := h.systemctl()
	res, err := execer.Handle(ctx, &ExecParams{Command: bin, Args: []string{action, name}})
	if err != nil {
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to %s service: exit status %d: %s", action, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
