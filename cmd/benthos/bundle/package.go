package bundle

import (
	// amqp_1 input and output among the rest of the free connectors
	_ "github.com/redpanda-data/connect/public/bundle/free/v4"

	_ "github.com/united-manufacturing-hub/opcua-amqp-bridge/skill_plugin"
)
