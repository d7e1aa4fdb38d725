package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads agent configuration from CUE or YAML files.
type Loader struct {
	ctx       *cue.Context
	validator *validator.Validate
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader that applies overrides from the process
// environment.
func NewLoader() *Loader {
	return &Loader{
		ctx:       cuecontext.New(),
		validator: validator.New(),
		lookupEnv: os.LookupEnv,
	}
}

// WithEnv replaces the environment lookup.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load reads path and returns the effective configuration. An empty path
// yields the defaults with environment overrides.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.finish(DefaultConfig(), "defaults")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return l.Parse(path, data)
}

// Parse decodes data using the format implied by name's extension.
func (l *Loader) Parse(name string, data []byte) (*Config, error) {
	cfg := DefaultConfig()

	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".cue":
		if err := l.decodeCUE(name, data, cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := decodeYAML(name, data, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q: use .cue, .yaml or .yml", ext)
	}

	return l.finish(cfg, name)
}

// decodeCUE unifies the file with the schema and decodes the concrete
// result over cfg.
func (l *Loader) decodeCUE(name string, data []byte, cfg *Config) error {
	val := l.ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	def, err := schema(l.ctx)
	if err != nil {
		return err
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	// JSON is a subset of YAML, so the yaml tags drive the decode and
	// durations parse the same way in both formats.
	out, err := unified.MarshalJSON()
	if err != nil {
		return &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}
	return decodeYAML(name, out, cfg)
}

func decodeYAML(name string, data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err := dec.Decode(cfg)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		errs := make([]ValidationError, 0, len(typeErr.Errors))
		for _, msg := range typeErr.Errors {
			errs = append(errs, ValidationError{File: name, Message: msg})
		}
		return &LoadError{Source: name, Errors: errs}
	}
	return &LoadError{Source: name, Errors: []ValidationError{{File: name, Message: err.Error()}}}
}

// finish applies environment overrides and validates.
func (l *Loader) finish(cfg *Config, source string) (*Config, error) {
	l.applyEnv(cfg)

	if err := l.Validate(cfg); err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			loadErr.Source = source
		}
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) {
	if l.lookupEnv == nil {
		return
	}
	if v, ok := l.lookupEnv(EnvBrokerPassword); ok {
		cfg.Broker.Password = v
	}
	if v, ok := l.lookupEnv(EnvPlansDir); ok && v != "" {
		cfg.PlansDir = v
	}
	if v, ok := l.lookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks struct constraints and broker settings.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		errs := make([]ValidationError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed %q", fe.Tag()),
			})
		}
		return &LoadError{Errors: errs}
	}

	if err := cfg.Broker.Validate(); err != nil {
		return &LoadError{Errors: []ValidationError{{Path: "broker", Message: err.Error()}}}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int

		// Prefer the user's file over the schema.
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			p := pos[0]
			for _, candidate := range pos {
				if candidate.Filename() != schemaFile {
					p = candidate
					break
				}
			}
			file = p.Filename()
			line = p.Line()
			column = p.Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}

// Load reads a config file with a default loader.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}
