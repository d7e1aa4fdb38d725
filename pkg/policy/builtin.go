package policy

// BuiltinPolicies returns the policies shipped with the agent.
func BuiltinPolicies() []Policy {
	return []Policy{
		commandNamingPolicy(),
		rebootPolicy(),
		destructiveScriptPolicy(),
	}
}

// commandNamingPolicy flags command names that are not identifiers. Such a
// command fails at invocation with a command-not-found entry, so the plan
// still runs up to it.
func commandNamingPolicy() Policy {
	return Policy{
		Name:        "command-naming",
		Description: "Warns about command names that are not identifiers",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package froyo.builtin.naming

import rego.v1

deny contains violation if {
	some cmd in input.plan.commands
	not regex.match("^[A-Za-z_][A-Za-z0-9_]*$", cmd.name)
	violation := {
		"message": sprintf("command name %q is not an identifier", [cmd.name]),
		"command": cmd.name,
	}
}
`,
	}
}

// rebootPolicy flags plans asking for an unconditional reboot.
func rebootPolicy() Policy {
	return Policy{
		Name:        "reboot-on-completion",
		Description: "Warns when a plan requests an unconditional reboot",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package froyo.builtin.reboot

import rego.v1

deny contains msg if {
	input.plan.rebootOnCompletion >= 2
	msg := sprintf("plan %s reboots the host unconditionally", [input.plan_id])
}
`,
	}
}

// destructiveScriptPolicy rejects scripts that wipe the root filesystem.
func destructiveScriptPolicy() Policy {
	return Policy{
		Name:        "destructive-script",
		Description: "Rejects scripts removing the root filesystem",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package froyo.builtin.destructive

import rego.v1

deny contains msg if {
	some i, script in input.scripts
	regex.match("rm\\s+-(rf|fr)\\s+/(\\s|\\*|$|\"|')", script)
	msg := sprintf("script #%d removes the root filesystem", [i + 1])
}
`,
	}
}
