package amqp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "localhost" || cfg.Port != 5672 || cfg.VHost != "/" {
		t.Errorf("unexpected endpoint defaults: %s:%d%s", cfg.Host, cfg.Port, cfg.VHost)
	}
	if cfg.User != "guest" || cfg.Password != "guest" {
		t.Errorf("unexpected credential defaults: %s/%s", cfg.User, cfg.Password)
	}
	if cfg.ResultRoutingKey != "-execution-results" {
		t.Errorf("result routing key = %q", cfg.ResultRoutingKey)
	}
	if !cfg.DurableMessages || !cfg.TLS.AllowInvalidCA || cfg.TLS.Enabled {
		t.Errorf("unexpected flag defaults: %+v", cfg)
	}
	if cfg.Heartbeat != 10*time.Second {
		t.Errorf("heartbeat = %v, want 10s", cfg.Heartbeat)
	}
	if cfg.InputQueue != strings.ToLower(cfg.InputQueue) {
		t.Errorf("input queue %q should be lower case", cfg.InputQueue)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) { c.InputQueue = "q" }, false},
		{"missing host", func(c *Config) { c.InputQueue = "q"; c.Host = "" }, true},
		{"bad port", func(c *Config) { c.InputQueue = "q"; c.Port = 70000 }, true},
		{"missing queue", func(c *Config) { c.InputQueue = "" }, true},
		{"missing CA file", func(c *Config) { c.InputQueue = "q"; c.TLS.CAFile = "/nonexistent/ca.pem" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "broker.internal"
	cfg.User = "agent"
	cfg.Password = "s3cret"
	cfg.VHost = "ops"

	uri, err := amqp091.ParseURI(cfg.URL())
	if err != nil {
		t.Fatalf("URL() is not parseable: %v", err)
	}
	if uri.Scheme != "amqp" || uri.Host != "broker.internal" || uri.Port != 5672 {
		t.Errorf("unexpected endpoint %+v", uri)
	}
	if uri.Username != "agent" || uri.Password != "s3cret" || uri.Vhost != "ops" {
		t.Errorf("unexpected credentials or vhost %+v", uri)
	}

	cfg.TLS.Enabled = true
	cfg.Port = 5671
	if !strings.HasPrefix(cfg.URL(), "amqps://") {
		t.Errorf("TLS URL should use amqps, got %q", cfg.URL())
	}
}

func writeTestCA(t *testing.T) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("failed to write CA: %v", err)
	}
	return path
}

func TestBuildTLSConfig(t *testing.T) {
	cfg := DefaultConfig()
	tlsConfig, err := cfg.BuildTLSConfig()
	if err != nil || tlsConfig != nil {
		t.Fatalf("TLS disabled: got %v, %v, want nil, nil", tlsConfig, err)
	}

	cfg.TLS.Enabled = true
	cfg.TLS.AllowInvalidCA = false
	cfg.TLS.CAFile = writeTestCA(t)
	tlsConfig, err = cfg.BuildTLSConfig()
	if err != nil {
		t.Fatalf("BuildTLSConfig failed: %v", err)
	}
	if tlsConfig.ServerName != "localhost" {
		t.Errorf("server name = %q, want host fallback", tlsConfig.ServerName)
	}
	if tlsConfig.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should follow allow_invalid_ca")
	}
	if tlsConfig.RootCAs == nil {
		t.Error("RootCAs should be loaded from the CA file")
	}

	cfg.TLS.ServerName = "rabbit.example"
	cfg.TLS.AllowInvalidCA = true
	tlsConfig, _ = cfg.BuildTLSConfig()
	if tlsConfig.ServerName != "rabbit.example" || !tlsConfig.InsecureSkipVerify {
		t.Errorf("unexpected TLS config: %+v", tlsConfig)
	}

	bad := filepath.Join(t.TempDir(), "empty.pem")
	_ = os.WriteFile(bad, []byte("nothing here"), 0o600)
	cfg.TLS.CAFile = bad
	if _, err := cfg.BuildTLSConfig(); err == nil {
		t.Error("expected error for a CA file without certificates")
	}
}

func TestBuildAMQPConfig(t *testing.T) {
	cfg := DefaultConfig()
	amqpConfig, err := cfg.BuildAMQPConfig()
	if err != nil {
		t.Fatalf("BuildAMQPConfig failed: %v", err)
	}
	if amqpConfig.Heartbeat != 10*time.Second || amqpConfig.Vhost != "/" {
		t.Errorf("unexpected amqp config: %+v", amqpConfig)
	}
	if amqpConfig.Properties["connection_name"] != "froyo-agent" {
		t.Errorf("connection name = %v", amqpConfig.Properties["connection_name"])
	}
}
