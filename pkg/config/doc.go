// Package config loads the agent configuration.
//
// A configuration is one file, CUE (.cue) or YAML (.yaml, .yml). Every
// setting is optional:
//
//	plans_dir: "/var/lib/froyo-agent/plans"
//	engine_key_file: "/etc/froyo-agent/engine.pub"
//	broker: {
//	    host:        "mq.example.com"
//	    user:        "agent"
//	    input_queue: "web-01"
//	    tls: {enabled: true, ca_file: "/etc/froyo-agent/ca.pem"}
//	}
//	reboot: wait: "2m"
//	policy: {path: "/etc/froyo-agent/policies", watch: true}
//
// CUE files are unified with the built-in #Config schema (see Schema) before
// decoding, so type and range mistakes are reported with file positions.
// YAML files are decoded strictly: unknown keys are errors.
//
// Loading proceeds in a fixed order: defaults, file, environment overrides
// (FROYO_AGENT_BROKER_PASSWORD, FROYO_AGENT_PLANS_DIR, LOG_LEVEL), then
// validation with go-playground/validator struct tags.
package config
