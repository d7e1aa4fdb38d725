package commands

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testEnv struct {
	dir      string
	plansDir string
	config   string
}

// newTestEnv writes a config with the journal and plans directory under a
// temp dir. keyFile may be empty.
func newTestEnv(t *testing.T, keyFile string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{
		dir:      dir,
		plansDir: filepath.Join(dir, "plans"),
		config:   filepath.Join(dir, "agent.yaml"),
	}

	cfg := fmt.Sprintf(`plans_dir: %s
engine_key_file: %q
broker:
  host: localhost
  input_queue: web-01
journal:
  enabled: true
  path: %s
telemetry:
  logging:
    level: error
`, env.plansDir, keyFile, filepath.Join(dir, "journal.db"))
	if err := os.WriteFile(env.config, []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return env
}

func (e *testEnv) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVerifyCommand(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyFile := filepath.Join(t.TempDir(), "engine.pub")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	env := newTestEnv(t, keyFile)

	payload := []byte(`{"commands":[]}`)
	sign := func(salt string) []byte {
		digest := sha256.Sum256(append([]byte(salt), payload...))
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			t.Fatalf("failed to sign: %v", err)
		}
		return sig
	}

	payloadFile := env.writeFile(t, "plan.json", payload)
	queueSig := env.writeFile(t, "queue.sig", sign("web-01"))
	otherSig := env.writeFile(t, "other.sig", sign("db-01"))
	encodedSig := env.writeFile(t, "queue.sig.b64", []byte(base64.StdEncoding.EncodeToString(sign("web-01"))+"\n"))

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"queue salt", []string{"verify", payloadFile, "-s", queueSig}, false},
		{"wrong salt", []string{"verify", payloadFile, "-s", otherSig}, true},
		{"explicit salt", []string{"verify", payloadFile, "-s", otherSig, "--salt", "db-01"}, false},
		{"base64", []string{"verify", payloadFile, "-s", encodedSig, "--base64"}, false},
		{"raw read as base64", []string{"verify", payloadFile, "-s", queueSig, "--base64"}, true},
		{"explicit key", []string{"verify", payloadFile, "-s", queueSig, "--key", keyFile}, false},
		{"missing signature flag", []string{"verify", payloadFile}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-c", env.config}, tt.args...)
			out, err := runCommand(t, args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v (output %q)", err, tt.wantErr, out)
			}
			if !tt.wantErr && !strings.Contains(out, "signature is valid") {
				t.Errorf("output = %q", out)
			}
		})
	}
}

func TestVerifyCommandWithoutKey(t *testing.T) {
	env := newTestEnv(t, "")
	payload := env.writeFile(t, "plan.json", []byte("{}"))
	sig := env.writeFile(t, "plan.sig", []byte("x"))

	_, err := runCommand(t, "-c", env.config, "verify", payload, "-s", sig)
	if err == nil || !strings.Contains(err.Error(), "no engine key") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name    string
		plan    string
		wantErr bool
		wantOut string
	}{
		{
			name:    "admissible",
			plan:    `{"commands":[{"name":"Deploy"}]}`,
			wantOut: "plan is admissible",
		},
		{
			name:    "warning only",
			plan:    `{"commands":[{"name":"Deploy"}],"rebootOnCompletion":2}`,
			wantOut: "reboots the host unconditionally",
		},
		{
			name:    "naming warning",
			plan:    `{"commands":[{"name":"not a name"}]}`,
			wantOut: "is not an identifier",
		},
		{
			name:    "policy violation",
			plan:    `{"scripts":["` + base64.StdEncoding.EncodeToString([]byte(`sh("rm -rf /")`)) + `"],"commands":[]}`,
			wantErr: true,
			wantOut: "destructive-script",
		},
		{
			name:    "structural error",
			plan:    `{"commands":[{"name":""}]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			plan:    `{"commands":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := env.writeFile(t, "plan.json", []byte(tt.plan))
			out, err := runCommand(t, "-c", env.config, "validate", path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v (output %q)", err, tt.wantErr, out)
			}
			if tt.wantOut != "" && !strings.Contains(out, tt.wantOut) {
				t.Errorf("output %q does not contain %q", out, tt.wantOut)
			}
		})
	}
}

func TestValidateListsPolicies(t *testing.T) {
	env := newTestEnv(t, "")
	path := env.writeFile(t, "plan.json", []byte(`{"commands":[{"name":"Deploy"}]}`))

	out, err := runCommand(t, "-c", env.config, "validate", "--json", path)
	if err != nil {
		t.Fatalf("validate failed: %v (output %q)", err, out)
	}
	var got struct {
		Policies []string `json:"policies"`
		Allowed  bool     `json:"allowed"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	want := []string{"command-naming", "destructive-script", "reboot-on-completion"}
	if strings.Join(got.Policies, ",") != strings.Join(want, ",") || !got.Allowed {
		t.Errorf("output = %+v, want policies %v and allowed", got, want)
	}
}

func TestExecCommand(t *testing.T) {
	env := newTestEnv(t, "")

	script := base64.StdEncoding.EncodeToString([]byte("def Greet(name):\n    return \"hello \" + name\n"))
	ok := env.writeFile(t, "greet.json", []byte(
		`{"scripts":["`+script+`"],"commands":[{"name":"Greet","arguments":{"name":"web"}}]}`))

	out, err := runCommand(t, "-c", env.config, "exec", ok)
	if err != nil {
		t.Fatalf("exec failed: %v (output %q)", err, out)
	}
	var result struct {
		IsException bool `json:"isException"`
		Result      []struct {
			IsException bool  `json:"isException"`
			Result      []any `json:"result"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output is not a result document: %v (%q)", err, out)
	}
	if result.IsException || len(result.Result) != 1 || result.Result[0].Result[0] != "hello web" {
		t.Errorf("unexpected result: %+v", result)
	}

	// The agent's own plans directory is untouched.
	if entries, _ := os.ReadDir(env.plansDir); len(entries) != 0 {
		t.Errorf("plans directory has %d entries", len(entries))
	}

	missing := env.writeFile(t, "missing.json", []byte(`{"commands":[{"name":"Nope"}]}`))
	if _, err := runCommand(t, "-c", env.config, "exec", missing, "--no-policy"); err == nil {
		t.Error("expected error for failed command")
	}

	wipe := base64.StdEncoding.EncodeToString([]byte(`sh("rm -rf /")`))
	denied := env.writeFile(t, "denied.json", []byte(`{"scripts":["`+wipe+`"],"commands":[]}`))
	if _, err := runCommand(t, "-c", env.config, "exec", denied); err == nil {
		t.Error("expected admission error")
	}
}

func TestStatusCommand(t *testing.T) {
	env := newTestEnv(t, "")

	if err := os.MkdirAll(env.plansDir, 0o700); err != nil {
		t.Fatalf("failed to create plans dir: %v", err)
	}
	files := map[string]string{
		"pending.json":        `{"commands":[]}`,
		"done.json.result":    `{"isException":false,"result":[]}`,
		"running.json":        `{"commands":[]}`,
		"running.json.result": `{}`,
		"stamp.txt":           "17",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(env.plansDir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	out, err := runCommand(t, "-c", env.config, "status", "--json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	var st agentStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, out)
	}
	if st.Stamp != 17 {
		t.Errorf("stamp = %d, want 17", st.Stamp)
	}
	if strings.Join(st.PendingPlans, ",") != "pending,running" {
		t.Errorf("pending plans = %v", st.PendingPlans)
	}
	if strings.Join(st.PendingResult, ",") != "done" {
		t.Errorf("pending results = %v", st.PendingResult)
	}
	// No journal file exists yet.
	if st.RunCounts != nil {
		t.Errorf("run counts = %v, want none", st.RunCounts)
	}

	text, err := runCommand(t, "-c", env.config, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(text, "Pending plans:   2") {
		t.Errorf("text output = %q", text)
	}
}

type countingStopper struct {
	stops chan struct{}
}

func (s *countingStopper) Stop() { s.stops <- struct{}{} }

func TestStopOnCancel(t *testing.T) {
	t.Run("cancel stops", func(t *testing.T) {
		s := &countingStopper{stops: make(chan struct{}, 1)}
		ctx, cancel := context.WithCancel(context.Background())
		release := stopOnCancel(ctx, s)
		cancel()
		<-s.stops
		release()
	})

	t.Run("release ends the wait", func(t *testing.T) {
		s := &countingStopper{stops: make(chan struct{}, 1)}
		ctx, cancel := context.WithCancel(context.Background())
		release := stopOnCancel(ctx, s)
		release()
		cancel()
		if len(s.stops) != 0 {
			t.Error("Stop called after release")
		}
	})
}
