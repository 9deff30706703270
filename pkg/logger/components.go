package logger

// Component name constants for standardized logging
const (
	// Core components
	ComponentCore       = "Core"
	ComponentBridge     = "Bridge"
	ComponentSupervisor = "Supervisor"

	// Transport components
	ComponentBroker   = "Broker"
	ComponentEndpoint = "Endpoint"

	// Configuration
	ComponentConfigManager = "ConfigManager"

	// Metrics
	ComponentMetrics = "Metrics"
)
