package main

import (
	"context"

	"github.com/redpanda-data/benthos/v4/public/service"

	_ "github.com/united-manufacturing-hub/opcua-amqp-bridge/cmd/benthos/bundle"
)

func main() {
	service.RunCLI(context.Background())
}
