package agent

import (
	"context"
	"testing"
)

func TestExecRebooter(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		wantErr bool
	}{
		{"shell builtin", []string{"true"}, false},
		{"direct", []string{"sh", "-c", "exit 0"}, false},
		{"non-zero exit", []string{"sh", "-c", "echo nope >&2; exit 3"}, true},
		{"missing program", []string{"/nonexistent/shutdown", "-r", "now"}, true},
		{"empty", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewExecRebooter(tt.command).Reboot(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Reboot() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
