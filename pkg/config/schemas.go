package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// configSchema constrains agent configuration written in CUE. Every field is
// optional; omitted fields keep their defaults.
const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#TLS: {
	enabled?:          bool
	allow_invalid_ca?: bool
	server_name?:      string
	ca_file?:          string
}

#Broker: {
	host?:                 string & !=""
	port?:                 int & >=1 & <=65535
	vhost?:                string
	user?:                 string
	password?:             string
	tls?:                  #TLS
	input_queue?:          string & !=""
	result_exchange?:      string
	result_routing_key?:   string
	durable_messages?:     bool
	heartbeat?:            #Duration
	dynamic_result_queue?: bool
	connection_name?:      string
}

#Logging: {
	level?:               "trace" | "debug" | "info" | "warn" | "error" | "fatal"
	format?:              "console" | "json"
	output?:              string
	enable_caller?:       bool
	enable_sampling?:     bool
	sampling_initial?:    int & >=0
	sampling_thereafter?: int & >=0
	time_format?:         string
}

#Tracing: {
	enabled?:               bool
	exporter?:              "none" | "stdout" | "otlp"
	endpoint?:              string
	sampling_rate?:         number & >=0 & <=1
	max_export_batch_size?: int & >0
	export_timeout?:        #Duration
	headers?: {[string]: string}
	insecure?: bool
}

#Metrics: {
	enabled?:        bool
	listen_address?: string
	path?:           string
	namespace?:      string
	histogram_buckets?: [...number]
}

#Events: {
	enabled?:      bool
	buffer_size?:  int & >=0
	enable_async?: bool
}

#Telemetry: {
	service_name?:    string
	service_version?: string
	environment?:     string
	logging?:         #Logging
	tracing?:         #Tracing
	metrics?:         #Metrics
	events?:          #Events
}

#Config: {
	plans_dir?:       string & !=""
	engine_key?:      string
	engine_key_file?: string
	broker?:          #Broker
	backend?: {
		timeout?: #Duration
	}
	reboot?: {
		command?: [string, ...string]
		wait?:    #Duration
	}
	policy?: {
		path?:  string
		watch?: bool
	}
	journal?: {
		enabled?:   bool
		path?:      string
		retention?: #Duration
	}
	telemetry?: #Telemetry
}
`

const schemaFile = "schema.cue"

var (
	schemaOnce sync.Once
	schemaVal  cue.Value
	schemaErr  error
)

// schema returns the compiled #Config definition in cueCtx.
func schema(cueCtx *cue.Context) (cue.Value, error) {
	val := cueCtx.CompileString(configSchema, cue.Filename(schemaFile))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return val.LookupPath(cue.ParsePath("#Config")), nil
}

// Schema returns the built-in configuration schema.
func Schema() (cue.Value, error) {
	schemaOnce.Do(func() {
		schemaVal, schemaErr = schema(cuecontext.New())
	})
	return schemaVal, schemaErr
}
