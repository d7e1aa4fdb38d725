package backend

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyo-agent/pkg/backend/handlers"
)

// hostBuiltins binds the host handlers to Starlark builtins.
type hostBuiltins struct {
	execHandler    *handlers.ExecHandler
	writeHandler   *handlers.FileWriteHandler
	readHandler    *handlers.FileReadHandler
	serviceHandler *handlers.ServiceHandler
	packageHandler *handlers.PackageHandler
}

func newHostBuiltins() *hostBuiltins {
	execer := &handlers.ExecHandler{}
	return &hostBuiltins{
		execHandler:    execer,
		writeHandler:   &handlers.FileWriteHandler{},
		readHandler:    &handlers.FileReadHandler{},
		serviceHandler: &handlers.ServiceHandler{Exec: execer},
		packageHandler: &handlers.PackageHandler{Exec: execer},
	}
}

// sh(command, args=[], shell="", work_dir="", env={}, stdin="")
func (h *hostBuiltins) sh(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		command, shell, workDir, stdin string
		argList                        *starlark.List
		env                            *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"command", &command,
		"args?", &argList,
		"shell?", &shell,
		"work_dir?", &workDir,
		"env?", &env,
		"stdin?", &stdin,
	); err != nil {
		return nil, err
	}

	params := &handlers.ExecParams{
		Command: command,
		Shell:   shell,
		WorkDir: workDir,
		Stdin:   stdin,
	}

	if argList != nil {
		for i := 0; i < argList.Len(); i++ {
			s, ok := starlark.AsString(argList.Index(i))
			if !ok {
				s = argList.Index(i).String()
			}
			params.Args = append(params.Args, s)
		}
	}

	if env != nil {
		params.Env = make(map[string]string, env.Len())
		for _, item := range env.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("%s: env keys must be strings", b.Name())
			}
			v, ok := starlark.AsString(item[1])
			if !ok {
				v = item[1].String()
			}
			params.Env[k] = v
		}
	}

	res, err := h.execHandler.Handle(contextOf(thread), params)
	if err != nil {
		return nil, &hostError{err: fmt.Errorf("%s: %w", b.Name(), err)}
	}

	return newStruct(starlark.StringDict{
		"exit_code": starlark.MakeInt(res.ExitCode),
		"stdout":    starlark.String(res.Stdout),
		"stderr":    starlark.String(res.Stderr),
		"duration":  starlark.Float(res.Duration),
	}), nil
}

// file_write(path, content, mode="", backup=False, create=True)
func (h *hostBuiltins) fileWrite(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	params := &handlers.FileWriteParams{Create: true}
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"path", &params.Path,
		"content", &params.Content,
		"mode?", &params.Mode,
		"backup?", &params.Backup,
		"create?", &params.Create,
	); err != nil {
		return nil, err
	}

	res, err := h.writeHandler.Handle(contextOf(thread), params)
	if err != nil {
		return nil, &hostError{err: fmt.Errorf("%s: %w", b.Name(), err)}
	}

	return newStruct(starlark.StringDict{
		"bytes_written": starlark.MakeInt64(res.BytesWritten),
		"created":       starlark.Bool(res.Created),
		"backup_path":   starlark.String(res.BackupPath),
		"checksum":      starlark.String(res.Checksum),
	}), nil
}

// file_read(path, max_bytes=0)
func (h *hostBuiltins) fileRead(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var maxBytes int
	params := &handlers.FileReadParams{}
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"path", &params.Path,
		"max_bytes?", &maxBytes,
	); err != nil {
		return nil, err
	}
	params.MaxBytes = int64(maxBytes)

	res, err := h.readHandler.Handle(contextOf(thread), params)
	if err != nil {
		return nil, &hostError{err: fmt.Errorf("%s: %w", b.Name(), err)}
	}

	return newStruct(starlark.StringDict{
		"content":   starlark.String(res.Content),
		"size":      starlark.MakeInt64(res.Size),
		"mode":      starlark.String(res.Mode),
		"owner":     starlark.String(res.Owner),
		"group":     starlark.String(res.Group),
		"checksum":  starlark.String(res.Checksum),
		"truncated": starlark.Bool(res.Truncated),
	}), nil
}

// service(name, action)
func (h *hostBuiltins) service(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	params := &handlers.ServiceParams{}
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &params.Name,
		"action", &params.Action,
	); err != nil {
		return nil, err
	}

	res, err := h.serviceHandler.Handle(contextOf(thread), params)
	if err != nil {
		return nil, &hostError{err: fmt.Errorf("%s: %w", b.Name(), err)}
	}

	return newStruct(starlark.StringDict{
		"changed":   starlark.Bool(res.Changed),
		"action":    starlark.String(res.Action),
		"status":    starlark.String(res.Status),
		"enabled":   starlark.Bool(res.Enabled),
		"sub_state": starlark.String(res.SubState),
	}), nil
}

// package(name, state="present", version="", manager="", options=[])
func (h *hostBuiltins) pkg(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var options *starlark.List
	params := &handlers.PackageParams{State: "present"}
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &params.Name,
		"state?", &params.State,
		"version?", &params.Version,
		"manager?", &params.Manager,
		"options?", &options,
	); err != nil {
		return nil, err
	}
	if options != nil {
		for i := 0; i < options.Len(); i++ {
			s, ok := starlark.AsString(options.Index(i))
			if !ok {
				return nil, fmt.Errorf("%s: options must be strings", b.Name())
			}
			params.Options = append(params.Options, s)
		}
	}

	res, err := h.packageHandler.Handle(contextOf(thread), params)
	if err != nil {
		return nil, &hostError{err: fmt.Errorf("%s: %w", b.Name(), err)}
	}

	return newStruct(starlark.StringDict{
		"changed":           starlark.Bool(res.Changed),
		"action":            starlark.String(res.Action),
		"manager":           starlark.String(res.Manager),
		"previous_version":  starlark.String(res.PreviousVersion),
		"installed_version": starlark.String(res.InstalledVersion),
	}), nil
}

func newStruct(fields starlark.StringDict) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields)
}
