package handlers

import (
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
)

// packageManagers lists the supported managers in detection order.
var packageManagers = []string{"apt", "dnf", "yum", "zypper"}

// PackageHandler installs, removes and upgrades distribution packages.
type PackageHandler struct {
	// Exec runs the package tools. Defaults to a plain ExecHandler.
	Exec *ExecHandler
	// Manager forces a package manager. Empty detects one from PATH.
	Manager string
	// Tools overrides tool binaries by name, e.g. "dpkg-query".
	Tools map[string]string
}

// Handle brings the package to the requested state: present, absent or
// latest. present and absent are idempotent.
func (h *PackageHandler) Handle(ctx context.Context, params *PackageParams) (*PackageResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("package name is required")
	}

	manager := params.Manager
	if manager == "" {
		manager = h.Manager
	}
	if manager == "" {
		var err error
		if manager, err = detectPackageManager(); err != nil {
			return nil, err
		}
	}
	if !slices.Contains(packageManagers, manager) {
		return nil, fmt.Errorf("unsupported package manager: %s", manager)
	}

	installed, version := h.installed(ctx, manager, params.Name)
	result := &PackageResult{Manager: manager, PreviousVersion: version}

	switch params.State {
	case "", "present":
		if installed {
			result.Action = "already_present"
			result.InstalledVersion = version
			return result, nil
		}
		if err := h.run(ctx, manager, "install", params.Options, packageSpec(manager, params.Name, params.Version)); err != nil {
			return nil, err
		}
		result.Action = "installed"

	case "absent":
		if !installed {
			result.Action = "already_absent"
			return result, nil
		}
		if err := h.run(ctx, manager, "remove", params.Options, params.Name); err != nil {
			return nil, err
		}
		result.Action = "removed"
		result.Changed = true
		return result, nil

	case "latest":
		verb, action := "install", "installed"
		if installed {
			verb, action = "upgrade", "upgraded"
			if manager == "zypper" {
				verb = "update"
			}
		}
		if err := h.run(ctx, manager, verb, params.Options, params.Name); err != nil {
			return nil, err
		}
		result.Action = action

	default:
		return nil, fmt.Errorf("invalid state: %s", params.State)
	}

	_, result.InstalledVersion = h.installed(ctx, manager, params.Name)
	result.Changed = result.InstalledVersion != result.PreviousVersion || !installed
	return result, nil
}

// installed reports whether the package is installed and its version. A
// failed query reads as not installed.
func (h *PackageHandler) installed(ctx context.Context, manager, name string) (bool, string) {
	params := &ExecParams{Command: h.tool("rpm"), Args: []string{"-q", "--queryformat", "%{VERSION}-%{RELEASE}", name}}
	if manager == "apt" {
		params = &ExecParams{Command: h.tool("dpkg-query"), Args: []string{"-W", "-f=${Version}", name}}
	}

	res, err := h.exec().Handle(ctx, params)
	if err != nil || res.ExitCode != 0 {
		return false, ""
	}
	return true, strings.TrimSpace(res.Stdout)
}

func (h *PackageHandler) run(ctx context.Context, manager, verb string, options []string, spec string) error {
	args := append([]string{verb, "-y"}, options...)
	args = append(args, spec)

	params := &ExecParams{Command: h.tool(manager), Args: args}
	if manager == "apt" {
		params.Env = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	}

	res, err := h.exec().Handle(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to %s package: %w", verb, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to %s package: exit status %d: %s", verb, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (h *PackageHandler) exec() *ExecHandler {
	if h.Exec == nil {
		return &ExecHandler{}
	}
	return h.Exec
}

func (h *PackageHandler) tool(name string) string {
	if bin, ok := h.Tools[name]; ok {
		return bin
	}
	return name
}

func packageSpec(manager, name, version string) string {
	if version == "" {
		return name
	}
	switch manager {
	case "apt", "zypper":
		return name + "=" + version
	default:
		return name + "-" + version
	}
}

func detectPackageManager() (string, error) {
	for _, m := range packageManagers {
		if _, err := exec.LookPath(m); err == nil {
			return m, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}
