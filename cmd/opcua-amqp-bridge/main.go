package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/opcua-amqp-bridge/opcua_plugin"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/bridge"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/broker"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/config"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/logger"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/message"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/metrics"
)

func main() {
	logger.Initialize()

	if err := newRootCmd().Execute(); err != nil {
		logger.For(logger.ComponentCore).Errorf("opcua-amqp-bridge stopped: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "opcua-amqp-bridge [broker-url] [connection-options]",
		Short: "Answer AMQP requests with values read from OPC UA servers",
		Long: `opcua-amqp-bridge consumes requests from an AMQP 1.0 queue. Each request names an OPC UA server in its
"URL" field. The bridge reads the configured node from that server and sends the request back to its
reply-to address with the value added as "Skill".

broker-url defaults to ` + config.DefaultBrokerURL + ` and connection-options to ` + config.DefaultBrokerOptions + `.
Positional arguments override the config file.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.NewFileConfigManager(configPath).GetConfig(ctx)
			if err != nil {
				return err
			}
			cfg, err = applyArgs(cfg, args)
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", fmt.Sprintf("path to the config file (default %s if present)", config.DefaultConfigPath))
	return cmd
}

// applyArgs lets the positional broker url and connection options win over the config file.
func applyArgs(cfg config.FullConfig, args []string) (config.FullConfig, error) {
	if len(args) > 0 {
		cfg.Broker.URL = args[0]
	}
	if len(args) > 1 {
		cfg.Broker.Options = args[1]
	}
	if _, err := broker.ParseURL(cfg.Broker.URL); err != nil {
		return cfg, err
	}
	if _, err := broker.ParseConnectionOptions(cfg.Broker.Options); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.FullConfig) error {
	log := logger.For(logger.ComponentCore)

	decoder, err := message.NewDecoder(message.DecoderConfig{
		EndpointPrefix:   cfg.Endpoint.EndpointPrefix,
		MaxLocatorLength: cfg.Endpoint.MaxLocatorLength,
		RequestSchema:    cfg.Bridge.RequestSchema,
	})
	if err != nil {
		return err
	}

	endpoint := opcua_plugin.NewEndpointClient(opcua_plugin.EndpointConfig{
		SecurityMode:         cfg.Endpoint.SecurityMode,
		SecurityPolicy:       cfg.Endpoint.SecurityPolicy,
		Username:             cfg.Endpoint.Username,
		Password:             cfg.Endpoint.Password,
		ConnectTimeout:       cfg.Endpoint.ConnectTimeout(),
		RetryBackoff:         cfg.Endpoint.ConnectRetryBackoff(),
		SessionTimeout:       cfg.Endpoint.SessionTimeout(),
		MaxConnectsPerSecond: cfg.Endpoint.MaxConnectsPerSecond,
	}, logger.For(logger.ComponentEndpoint))

	b := bridge.NewBridge(bridge.Config{
		NodeIdentifier: cfg.Endpoint.NodeIdentifier,
		ReadTimeout:    cfg.Endpoint.ReadTimeout(),
		Workers:        cfg.Bridge.Workers,
	}, decoder, endpoint, logger.For(logger.ComponentBridge))

	brokerCfg := broker.Config{
		URL:     cfg.Broker.URL,
		Options: cfg.Broker.Options,
		Queue:   cfg.Broker.Queue,
		Credit:  cfg.Broker.Credit,
	}
	// every worker needs a message in hand
	if int(brokerCfg.Credit) < cfg.Bridge.Workers {
		brokerCfg.Credit = int32(cfg.Bridge.Workers)
	}
	connect := func(ctx context.Context) (bridge.Connection, error) {
		c, err := broker.Connect(ctx, brokerCfg, logger.For(logger.ComponentBroker))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	supervisor := bridge.NewSupervisor(b, connect, cfg.Broker.Reconnect, logger.For(logger.ComponentSupervisor))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Agent.MetricsPort > 0 {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Agent.MetricsPort, logger.For(logger.ComponentMetrics))
		})
	}
	g.Go(func() error {
		log.Infof("Answering requests from %s with %s read from %s<URL> using %d worker(s)",
			cfg.Broker.Queue, cfg.Endpoint.NodeIdentifier, cfg.Endpoint.EndpointPrefix, cfg.Bridge.Workers)
		err := supervisor.Run(gctx)
		if err == nil {
			log.Infof("Shutting down")
		}
		return err
	})
	return g.Wait()
}
