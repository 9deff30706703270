package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/gopcua/opcua/ua"
)

// FullConfig is the complete bridge configuration as read from the config file.
type FullConfig struct {
	Broker   BrokerConfig   `yaml:"broker"`   // Broker connection, requires restart to take effect
	Endpoint EndpointConfig `yaml:"endpoint"` // How requests are turned into OPC UA reads
	Bridge   BridgeConfig   `yaml:"bridge"`   // Request processing
	Agent    AgentConfig    `yaml:"agent"`    // Process level settings
}

// BrokerConfig describes the AMQP 1.0 broker the bridge consumes from.
type BrokerConfig struct {
	URL       string          `yaml:"url"`
	Options   string          `yaml:"options"` // qpid style connection options, e.g. {protocol:amqp1.0}
	Queue     string          `yaml:"queue"`
	Credit    int32           `yaml:"credit"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls re-dialling the broker after a session failure.
// MaxRetries of 0 keeps the fail-fast behaviour: the first broker error ends the process.
type ReconnectConfig struct {
	MaxRetries        uint64 `yaml:"maxRetries"`
	InitialIntervalMs int    `yaml:"initialIntervalMs"`
	MaxIntervalMs     int    `yaml:"maxIntervalMs"`
}

// EndpointConfig holds everything needed to query an OPC UA endpoint for a request.
type EndpointConfig struct {
	EndpointPrefix        string  `yaml:"endpointPrefix"`
	NodeIdentifier        string  `yaml:"nodeIdentifier"`
	ReadTimeoutMs         int     `yaml:"readTimeoutMs"`
	ConnectTimeoutMs      int     `yaml:"connectTimeoutMs"`
	ConnectRetryBackoffMs int     `yaml:"connectRetryBackoffMs"`
	MaxLocatorLength      int     `yaml:"maxLocatorLength"`
	MaxConnectsPerSecond  float64 `yaml:"maxConnectsPerSecond"` // 0 disables the limiter
	SecurityMode          string  `yaml:"securityMode"`
	SecurityPolicy        string  `yaml:"securityPolicy"`
	Username              string  `yaml:"username"`
	Password              string  `yaml:"password"`
	SessionTimeoutMs      int     `yaml:"sessionTimeoutMs"`
}

// BridgeConfig holds request processing settings.
type BridgeConfig struct {
	Workers       int    `yaml:"workers"`
	RequestSchema string `yaml:"requestSchema"` // optional JSON schema every request payload must satisfy
}

// AgentConfig holds process level settings.
type AgentConfig struct {
	MetricsPort int `yaml:"metricsPort"` // Port to expose metrics on, 0 disables the listener
}

const (
	DefaultBrokerURL      = "amqp:tcp:192.168.10.2:5672"
	DefaultBrokerOptions  = "{protocol:amqp1.0}"
	DefaultQueue          = "queue"
	DefaultEndpointPrefix = "opc.tcp://"
	DefaultNodeIdentifier = "ns=1;s=the.answer"
)

// DefaultConfig returns the configuration matching the historic hard coded behaviour.
func DefaultConfig() FullConfig {
	return FullConfig{
		Broker: BrokerConfig{
			URL:     DefaultBrokerURL,
			Options: DefaultBrokerOptions,
			Queue:   DefaultQueue,
			Credit:  1,
			Reconnect: ReconnectConfig{
				MaxRetries:        0,
				InitialIntervalMs: 1000,
				MaxIntervalMs:     30000,
			},
		},
		Endpoint: EndpointConfig{
			EndpointPrefix:        DefaultEndpointPrefix,
			NodeIdentifier:        DefaultNodeIdentifier,
			ReadTimeoutMs:         5000,
			ConnectTimeoutMs:      5000,
			ConnectRetryBackoffMs: 2000,
			MaxLocatorLength:      256,
			SessionTimeoutMs:      10000,
		},
		Bridge: BridgeConfig{
			Workers: 1,
		},
	}
}

// Validate checks the configuration for values the bridge cannot work with.
func (c FullConfig) Validate() error {
	var errs []error
	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url must not be empty"))
	}
	if c.Broker.Queue == "" {
		errs = append(errs, errors.New("broker.queue must not be empty"))
	}
	if c.Broker.Credit < 1 {
		errs = append(errs, fmt.Errorf("broker.credit must be at least 1, got %d", c.Broker.Credit))
	}
	if c.Broker.Reconnect.MaxRetries > 0 && (c.Broker.Reconnect.InitialIntervalMs <= 0 || c.Broker.Reconnect.MaxIntervalMs <= 0) {
		errs = append(errs, errors.New("broker.reconnect intervals must be positive when maxRetries is set"))
	}
	if err := c.Endpoint.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Bridge.Workers < 1 {
		errs = append(errs, fmt.Errorf("bridge.workers must be at least 1, got %d", c.Bridge.Workers))
	}
	if c.Agent.MetricsPort < 0 || c.Agent.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("agent.metricsPort out of range: %d", c.Agent.MetricsPort))
	}
	return errors.Join(errs...)
}

// Validate checks the endpoint section on its own. The benthos processor reuses it.
func (e EndpointConfig) Validate() error {
	var errs []error
	if e.EndpointPrefix == "" {
		errs = append(errs, errors.New("endpoint.endpointPrefix must not be empty"))
	}
	if _, err := ua.ParseNodeID(e.NodeIdentifier); err != nil {
		errs = append(errs, fmt.Errorf("endpoint.nodeIdentifier %q: %w", e.NodeIdentifier, err))
	}
	if e.ReadTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("endpoint.readTimeoutMs must be positive, got %d", e.ReadTimeoutMs))
	}
	if e.ConnectTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("endpoint.connectTimeoutMs must be positive, got %d", e.ConnectTimeoutMs))
	}
	if e.ConnectRetryBackoffMs < 0 {
		errs = append(errs, fmt.Errorf("endpoint.connectRetryBackoffMs must not be negative, got %d", e.ConnectRetryBackoffMs))
	}
	if e.MaxLocatorLength <= 0 {
		errs = append(errs, fmt.Errorf("endpoint.maxLocatorLength must be positive, got %d", e.MaxLocatorLength))
	}
	if e.MaxConnectsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("endpoint.maxConnectsPerSecond must not be negative, got %v", e.MaxConnectsPerSecond))
	}
	return errors.Join(errs...)
}

func (e EndpointConfig) ReadTimeout() time.Duration {
	return time.Duration(e.ReadTimeoutMs) * time.Millisecond
}

func (e EndpointConfig) ConnectTimeout() time.Duration {
	return time.Duration(e.ConnectTimeoutMs) * time.Millisecond
}

func (e EndpointConfig) ConnectRetryBackoff() time.Duration {
	return time.Duration(e.ConnectRetryBackoffMs) * time.Millisecond
}

func (e EndpointConfig) SessionTimeout() time.Duration {
	return time.Duration(e.SessionTimeoutMs) * time.Millisecond
}

func (r ReconnectConfig) InitialInterval() time.Duration {
	return time.Duration(r.InitialIntervalMs) * time.Millisecond
}

func (r ReconnectConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMs) * time.Millisecond
}
