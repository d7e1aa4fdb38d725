package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func openSession(t *testing.T, cfg Config, scripts ...string) Session {
	t.Helper()

	sess, err := NewStarlark(cfg, nil).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	for i, src := range scripts {
		if err := sess.LoadScript(context.Background(), fmt.Sprintf("script%d.star", i), src); err != nil {
			t.Fatalf("LoadScript %d failed: %v", i, err)
		}
	}
	return sess
}

func TestInvokeSharedNamespace(t *testing.T) {
	sess := openSession(t, Config{},
		`
def greeting(name):
    return "hello " + name
`,
		`
def Greet(name, excited=False):
    msg = greeting(name)
    if excited:
        msg += "!"
    return struct(message=msg, length=len(msg))
`)

	out, err := sess.Invoke(context.Background(), "Greet", map[string]any{"name": "web01", "excited": true})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d outputs, want 1", len(out))
	}

	rec, ok := out[0].(Record)
	if !ok {
		t.Fatalf("output is %T, want Record", out[0])
	}
	if got := rec.Properties(); !reflect.DeepEqual(got, []string{"length", "message"}) {
		t.Errorf("properties = %v", got)
	}
	if v, _ := rec.Property("message"); v != "hello web01!" {
		t.Errorf("message = %q", v)
	}
	if v, _ := rec.Property("length"); v != "12" {
		t.Errorf("length = %q", v)
	}
}

func TestInvokeOutputs(t *testing.T) {
	sess := openSession(t, Config{}, `
def Nothing():
    pass

def Many():
    return 1, None, "two"

def Echo(**kwargs):
    return kwargs

def Records():
    return [struct(n=1), struct(n=2)]

def WithMethod():
    return struct(name="x", run=lambda: 1)
`)

	tests := []struct {
		command string
		args    map[string]any
		want    []any
	}{
		{"Nothing", nil, []any{}},
		{"Many", nil, []any{int64(1), "two"}},
		{
			"Echo",
			map[string]any{"n": int64(1 << 40), "xs": []any{"a", 2.5, nil}, "m": map[string]any{"k": true}},
			[]any{map[string]any{"n": int64(1 << 40), "xs": []any{"a", 2.5, nil}, "m": map[string]any{"k": true}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			out, err := sess.Invoke(context.Background(), tt.command, tt.args)
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if !reflect.DeepEqual(out, tt.want) {
				t.Errorf("outputs = %#v, want %#v", out, tt.want)
			}
		})
	}

	out, err := sess.Invoke(context.Background(), "Records", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	list, ok := out[0].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("Records output = %#v", out)
	}
	for _, item := range list {
		if _, ok := item.(Record); !ok {
			t.Errorf("element %T is not a Record", item)
		}
	}

	out, err = sess.Invoke(context.Background(), "WithMethod", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	rec := out[0].(Record)
	if _, err := rec.Property("run"); err == nil {
		t.Error("expected function field to fail stringification")
	}
}

func TestInvokeErrors(t *testing.T) {
	sess := openSession(t, Config{}, `
def Boom():
    fail("disk full")

def Divide(a, b):
    return a // b

def ReadMissing(path):
    return file_read(path)

notACommand = 3
`)

	tests := []struct {
		command      string
		args         map[string]any
		wantType     string
		wantMsg      string
		wantPosition bool
	}{
		{"Boom", nil, TypeFailure, "disk full", true},
		{"Divide", map[string]any{"a": int64(1), "b": int64(0)}, TypeEvalError, "division by zero", true},
		{"ReadMissing", map[string]any{"path": filepath.Join(t.TempDir(), "nope")}, TypeHostError, "failed to stat file", true},
		{"Missing", nil, TypeCommandNotFound, "not a defined command", false},
		{"notACommand", nil, TypeCommandNotFound, "not a command", false},
		{"Divide", map[string]any{"a": int64(1)}, TypeEvalError, "missing argument", false},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			_, err := sess.Invoke(context.Background(), tt.command, tt.args)
			var cmdErr *CommandError
			if !errors.As(err, &cmdErr) {
				t.Fatalf("error %v is not a CommandError", err)
			}
			if cmdErr.Type != tt.wantType {
				t.Errorf("type = %s, want %s", cmdErr.Type, tt.wantType)
			}
			if !strings.Contains(cmdErr.Error(), tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", cmdErr.Error(), tt.wantMsg)
			}
			if tt.wantPosition && cmdErr.Position == "" {
				t.Error("expected a position")
			}
			if tt.wantPosition && cmdErr.StackTrace == "" {
				t.Error("expected a stack trace")
			}
		})
	}
}

func TestLoadScriptError(t *testing.T) {
	sess, err := NewStarlark(Config{}, nil).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sess.Close()

	err = sess.LoadScript(context.Background(), "bad.star", "def broken(:\n")
	if err == nil {
		t.Fatal("expected syntax error")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Errorf("error %T is not a CommandError", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	sess := openSession(t, Config{Timeout: 50 * time.Millisecond}, `
def Spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n
`)

	start := time.Now()
	_, err := sess.Invoke(context.Background(), "Spin", nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Type != TypeCancelled {
		t.Fatalf("expected cancelled command error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap deadline exceeded: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout was not enforced promptly")
	}
}

func TestHostBuiltins(t *testing.T) {
	dir := t.TempDir()
	sess := openSession(t, Config{}, `
def WriteConfig(path, settings):
    w = file_write(path, json.encode(settings), mode="0600")
    r = file_read(path)
    return w.created, json.decode(r.content), r.mode

def Run(cmd):
    res = sh(cmd, env={"GREETING": "hi"})
    return res.exit_code, res.stdout.strip()
`)

	path := filepath.Join(dir, "app.json")
	out, err := sess.Invoke(context.Background(), "WriteConfig", map[string]any{
		"path":     path,
		"settings": map[string]any{"port": int64(8080)},
	})
	if err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}
	want := []any{true, map[string]any{"port": int64(8080)}, "0600"}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("WriteConfig = %#v, want %#v", out, want)
	}

	out, err = sess.Invoke(context.Background(), "Run", map[string]any{"cmd": "echo $GREETING; exit 2"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !reflect.DeepEqual(out, []any{int64(2), "hi"}) {
		t.Errorf("Run = %#v", out)
	}

	// builtins are invocable directly
	out, err = sess.Invoke(context.Background(), "sh", map[string]any{"command": "printf ok"})
	if err != nil {
		t.Fatalf("sh failed: %v", err)
	}
	if v, _ := out[0].(Record).Property("stdout"); v != "ok" {
		t.Errorf("stdout = %q", v)
	}
}

func TestClosedSession(t *testing.T) {
	sess, err := NewStarlark(Config{}, nil).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sess.LoadScript(context.Background(), "x.star", "x = 1"); err == nil {
		t.Error("LoadScript on closed session should fail")
	}
	if _, err := sess.Invoke(context.Background(), "sh", nil); err == nil {
		t.Error("Invoke on closed session should fail")
	}
}
