// Package policy decides whether a received plan may run.
//
// Admission has two stages. The plan is first checked structurally with
// validator struct tags (command names present, scripts valid base64). It
// is then evaluated against Rego policies: every enabled policy's
// data.<package>.deny set is queried with the plan as input, and any
// violation of severity error or critical rejects the plan.
//
// Policy files use Rego v1 syntax. A minimal deny-list policy:
//
//	package froyo.agent
//
//	import rego.v1
//
//	deny contains msg if {
//		some cmd in input.plan.commands
//		cmd.name == "FormatDisk"
//		msg := "disk formatting is not allowed on this host"
//	}
//
// The input document has plan_id, plan (scripts, commands,
// rebootOnCompletion, stamp), scripts (decoded sources) and context
// (timestamp, hostname).
//
// Policy files can be watched with fsnotify and are recompiled on change;
// a file that fails to compile leaves the previous set in place.
package policy
