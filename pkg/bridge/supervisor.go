package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/backoff"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/config"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/logger"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/metrics"
)

const closeTimeout = 5 * time.Second

// Supervisor owns the broker session lifecycle around a Bridge.
type Supervisor struct {
	bridge    *Bridge
	connect   Connector
	reconnect config.ReconnectConfig
	backoff   *backoff.BackoffManager
	log       *zap.SugaredLogger
}

// NewSupervisor re-dials failed sessions as reconnect allows. MaxRetries 0
// makes the first broker error fatal.
func NewSupervisor(b *Bridge, connect Connector, reconnect config.ReconnectConfig, log *zap.SugaredLogger) *Supervisor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Supervisor{
		bridge:    b,
		connect:   connect,
		reconnect: reconnect,
		backoff: backoff.NewBackoffManager(backoff.Config{
			InitialInterval: reconnect.InitialInterval(),
			MaxInterval:     reconnect.MaxInterval(),
			MaxRetries:      reconnect.MaxRetries,
			ComponentName:   logger.ComponentSupervisor,
			Logger:          log,
		}),
		log: log,
	}
}

// Run returns nil once ctx is done and the last session is closed. Any other
// return is a broker error the process should exit on.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if s.backoff.SetError(err) {
			if s.reconnect.MaxRetries == 0 {
				return err
			}
			return s.backoff.GetBackoffError()
		}
		if err := s.backoff.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.log.Infof("Reconnecting to broker")
	}
}

func (s *Supervisor) session(ctx context.Context) error {
	conn, err := s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &BrokerError{Op: "connect", Err: err}
	}
	metrics.RecordBrokerSession()

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			s.log.Warnf("Failed to close broker connection: %v", err)
		}
	}()

	before := s.bridge.Handled()
	err = s.bridge.Run(ctx, conn)
	if s.bridge.Handled() > before {
		s.backoff.Reset()
	}
	if err != nil {
		s.log.Errorf("Broker session ended: %v", err)
	}
	return err
}
