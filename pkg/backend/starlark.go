package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

const ctxLocal = "froyo.context"

// Starlark is a Backend evaluating plan scripts as Starlark.
type Starlark struct {
	cfg  Config
	log  *telemetry.Logger
	host *hostBuiltins
}

// NewStarlark creates a Starlark backend.
func NewStarlark(cfg Config, log *telemetry.Logger) *Starlark {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Starlark{
		cfg:  cfg,
		log:  log.NewComponentLogger("backend"),
		host: newHostBuiltins(),
	}
}

var _ Backend = (*Starlark)(nil)

// Open starts a fresh session with an empty namespace.
func (b *Starlark) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &starlarkSession{
		backend:     b,
		predeclared: b.predeclared(),
		globals:     starlark.StringDict{},
	}, nil
}

func (b *Starlark) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":     starlarkstruct.Default,
		"json":       json.Module,
		"sh":         starlark.NewBuiltin("sh", b.host.sh),
		"file_write": starlark.NewBuiltin("file_write", b.host.fileWrite),
		"file_read":  starlark.NewBuiltin("file_read", b.host.fileRead),
		"service":    starlark.NewBuiltin("service", b.host.service),
		"package":    starlark.NewBuiltin("package", b.host.pkg),
	}
}

type starlarkSession struct {
	backend     *Starlark
	predeclared starlark.StringDict

	mu      sync.Mutex
	globals starlark.StringDict
	closed  bool
}

// LoadScript executes source. Its top-level definitions become visible to
// later scripts and to Invoke.
func (s *starlarkSession) LoadScript(ctx context.Context, name, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("session is closed")
	}

	env := make(starlark.StringDict, len(s.predeclared)+len(s.globals))
	for k, v := range s.predeclared {
		env[k] = v
	}
	for k, v := range s.globals {
		env[k] = v
	}

	var globals starlark.StringDict
	err := s.run(ctx, name, func(thread *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFile(thread, name, source, env)
		return err
	})
	if err != nil {
		return s.commandError(ctx, err)
	}

	for k, v := range globals {
		s.globals[k] = v
	}
	return nil
}

// Invoke calls a global function, or a host builtin, by name with args as
// keyword arguments.
func (s *starlarkSession) Invoke(ctx context.Context, command string, args map[string]any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("session is closed")
	}

	fn, ok := s.globals[command]
	if !ok {
		fn, ok = s.predeclared[command]
	}
	if !ok {
		return nil, &CommandError{
			Type: TypeCommandNotFound,
			Err:  fmt.Errorf("the term %q is not a defined command", command),
		}
	}
	callable, ok := fn.(starlark.Callable)
	if !ok {
		return nil, &CommandError{
			Type: TypeCommandNotFound,
			Err:  fmt.Errorf("%q is a %s, not a command", command, fn.Type()),
		}
	}

	kwargs, err := keywordArgs(args)
	if err != nil {
		return nil, &CommandError{Type: TypeConversion, Err: err}
	}

	var result starlark.Value
	err = s.run(ctx, command, func(thread *starlark.Thread) error {
		var err error
		result, err = starlark.Call(thread, callable, nil, kwargs)
		return err
	})
	if err != nil {
		return nil, s.commandError(ctx, err)
	}

	out, err := outputs(result)
	if err != nil {
		return nil, &CommandError{Type: TypeConversion, Err: err}
	}
	return out, nil
}

// Close marks the session closed.
func (s *starlarkSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.globals = nil
	return nil
}

// run evaluates fn on a fresh thread that is cancelled when ctx ends or the
// configured timeout elapses.
func (s *starlarkSession) run(ctx context.Context, name string, fn func(*starlark.Thread) error) error {
	if s.backend.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.backend.cfg.Timeout)
		defer cancel()
	}

	log := s.backend.log.WithField("script", name)
	thread := &starlark.Thread{
		Name: "froyo-agent",
		Print: func(_ *starlark.Thread, msg string) {
			log.Info(msg)
		},
	}
	thread.SetLocal(ctxLocal, ctx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	return fn(thread)
}

// commandError classifies an evaluation error and extracts its diagnostics.
func (s *starlarkSession) commandError(ctx context.Context, err error) *CommandError {
	cmdErr := &CommandError{Type: TypeEvalError, Err: err}

	var hostErr *hostError
	var evalErr *starlark.EvalError
	switch {
	case ctx.Err() != nil:
		cmdErr.Type = TypeCancelled
		cmdErr.Err = fmt.Errorf("%w: %v", ctx.Err(), err)
	case errors.As(err, &hostErr):
		cmdErr.Type = TypeHostError
	case errors.As(err, &evalErr) && strings.HasPrefix(evalErr.Msg, "fail: "):
		cmdErr.Type = TypeFailure
		cmdErr.Err = errors.New(strings.TrimPrefix(evalErr.Msg, "fail: "))
	}

	if errors.As(err, &evalErr) {
		cmdErr.StackTrace = evalErr.Backtrace()
		cmdErr.Position = position(evalErr.CallStack)
	}
	return cmdErr
}

// position describes the innermost source location of a call stack.
func position(stack starlark.CallStack) string {
	for i := range stack {
		frame := stack.At(i)
		if frame.Pos.IsValid() && frame.Pos.Line > 0 {
			return fmt.Sprintf("at %s, %s", frame.Name, frame.Pos)
		}
	}
	return ""
}

func keywordArgs(args map[string]any) ([]starlark.Tuple, error) {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	kwargs := make([]starlark.Tuple, 0, len(names))
	for _, name := range names {
		v, err := toStarlarkValue(args[name])
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", name, err)
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), v})
	}
	return kwargs, nil
}

// contextOf returns the context bound to a running thread.
func contextOf(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxLocal).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// hostError marks failures raised by host builtins.
type hostError struct {
	err error
}

func (e *hostError) Error() string { return e.err.Error() }
func (e *hostError) Unwrap() error { return e.err }
