package amqp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// TLSConfig holds broker TLS settings.
type TLSConfig struct {
	// Enabled switches the connection to amqps.
	Enabled bool `yaml:"enabled"`

	// AllowInvalidCA accepts certificates that do not chain to a trusted root.
	AllowInvalidCA bool `yaml:"allow_invalid_ca"`

	// ServerName overrides the name checked against the server certificate.
	// Defaults to Host.
	ServerName string `yaml:"server_name"`

	// CAFile is an optional PEM bundle used instead of the system roots.
	CAFile string `yaml:"ca_file"`
}

// Config holds broker connection and routing configuration.
type Config struct {
	// Host is the broker hostname or IP address
	Host string `yaml:"host" validate:"required"`

	// Port is the broker port (default: 5672)
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// VHost is the broker virtual host (default: "/")
	VHost string `yaml:"vhost"`

	// User is the broker username
	User string `yaml:"user"`

	// Password is the broker password
	Password string `yaml:"password"`

	// TLS contains transport security settings
	TLS TLSConfig `yaml:"tls"`

	// InputQueue is the queue plans are consumed from. Its name is also the
	// signature salt.
	InputQueue string `yaml:"input_queue" validate:"required"`

	// ResultExchange is the exchange results are published to
	ResultExchange string `yaml:"result_exchange"`

	// ResultRoutingKey is the routing key used for results
	ResultRoutingKey string `yaml:"result_routing_key"`

	// DurableMessages publishes results with the persistent delivery mode
	DurableMessages bool `yaml:"durable_messages"`

	// Heartbeat is the AMQP heartbeat interval
	Heartbeat time.Duration `yaml:"heartbeat"`

	// DynamicResultQueue routes results to the plan message's reply-to
	// queue when one was supplied
	DynamicResultQueue bool `yaml:"dynamic_result_queue"`

	// ConnectionName is reported to the broker as the client connection name
	ConnectionName string `yaml:"connection_name"`
}

// DefaultConfig returns a Config with the broker defaults. The input queue
// defaults to the lower-cased host name of this machine.
func DefaultConfig() *Config {
	queue := ""
	if hostname, err := os.Hostname(); err == nil {
		queue = strings.ToLower(hostname)
	}

	return &Config{
		Host:     "localhost",
		Port:     5672,
		VHost:    "/",
		User:     "guest",
		Password: "guest",
		TLS: TLSConfig{
			Enabled:        false,
			AllowInvalidCA: true,
		},
		InputQueue:       queue,
		ResultExchange:   "",
		ResultRoutingKey: "-execution-results",
		DurableMessages:  true,
		Heartbeat:        10 * time.Second,
		ConnectionName:   "froyo-agent",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.InputQueue == "" {
		return fmt.Errorf("input queue is required")
	}

	if c.Heartbeat < 0 {
		return fmt.Errorf("heartbeat must not be negative")
	}

	if c.TLS.CAFile != "" {
		if _, err := os.Stat(c.TLS.CAFile); err != nil {
			return fmt.Errorf("CA file not found: %s", c.TLS.CAFile)
		}
	}

	return nil
}

// URL returns the AMQP URL for the configured broker.
func (c *Config) URL() string {
	scheme := "amqp"
	if c.TLS.Enabled {
		scheme = "amqps"
	}

	uri := amqp091.URI{
		Scheme:   scheme,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}
	return uri.String()
}

// BuildTLSConfig creates the client TLS configuration, or nil when TLS is off.
func (c *Config) BuildTLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}

	serverName := c.TLS.ServerName
	if serverName == "" {
		serverName = c.Host
	}

	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.AllowInvalidCA, //nolint:gosec // explicit opt-in
	}

	if c.TLS.CAFile != "" {
		pemData, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", c.TLS.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// BuildAMQPConfig creates the amqp091 dial configuration.
func (c *Config) BuildAMQPConfig() (amqp091.Config, error) {
	tlsConfig, err := c.BuildTLSConfig()
	if err != nil {
		return amqp091.Config{}, err
	}

	props := amqp091.NewConnectionProperties()
	if c.ConnectionName != "" {
		props.SetClientConnectionName(c.ConnectionName)
	}

	return amqp091.Config{
		Vhost:           c.VHost,
		Heartbeat:       c.Heartbeat,
		TLSClientConfig: tlsConfig,
		Properties:      props,
		Locale:          "en_US",
	}, nil
}
