package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/broker"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/message"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/metrics"
)

// Connection is an open broker session as seen by the bridge.
type Connection interface {
	// Receive blocks for the next request.
	Receive(ctx context.Context) (broker.Delivery, error)
	// Reply sends resp to replyTo and returns once the broker has settled it.
	Reply(ctx context.Context, replyTo string, correlationID any, resp message.Response) error
	Close(ctx context.Context) error
}

// Connector opens a new broker session.
type Connector func(ctx context.Context) (Connection, error)

// EndpointReader reads one string value from an endpoint.
type EndpointReader interface {
	ReadScalarAttribute(ctx context.Context, address, nodeID string, timeout time.Duration) (string, error)
}

// Config controls what the bridge reads and how many requests it handles at once.
type Config struct {
	NodeIdentifier string
	ReadTimeout    time.Duration
	// Workers above 1 handle requests concurrently.
	Workers int
}

// Bridge answers requests from one broker session by reading the requested endpoint.
type Bridge struct {
	cfg      Config
	decoder  *message.Decoder
	endpoint EndpointReader
	log      *zap.SugaredLogger

	handled atomic.Uint64
}

func NewBridge(cfg Config, decoder *message.Decoder, endpoint EndpointReader, log *zap.SugaredLogger) *Bridge {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Bridge{
		cfg:      cfg,
		decoder:  decoder,
		endpoint: endpoint,
		log:      log,
	}
}

// Handled returns the number of requests settled so far.
func (b *Bridge) Handled() uint64 {
	return b.handled.Load()
}

// Run processes requests until ctx is done, which returns nil, or the broker
// fails, which returns a *BrokerError. Request level failures reject the
// request and do not end Run.
func (b *Bridge) Run(ctx context.Context, conn Connection) error {
	if b.cfg.Workers > 1 {
		return b.runPool(ctx, conn)
	}

	for {
		d, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &BrokerError{Op: "receive", Err: err}
		}
		if err := b.handle(ctx, conn, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (b *Bridge) runPool(ctx context.Context, conn Connection) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	var receiveErr error
	for {
		d, err := conn.Receive(gctx)
		if err != nil {
			receiveErr = err
			break
		}
		// blocks while all workers are busy
		g.Go(func() error {
			return b.handle(gctx, conn, d)
		})
	}

	err := g.Wait()
	switch {
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return err
	default:
		return &BrokerError{Op: "receive", Err: receiveErr}
	}
}

// handle settles d exactly once. It only returns broker errors and ctx errors.
func (b *Bridge) handle(ctx context.Context, conn Connection, d broker.Delivery) error {
	id := d.MessageID()

	replyTo := d.ReplyTo()
	if replyTo == "" {
		b.log.Warnf("Rejecting request %v: %s", id, ErrNoReplyAddress)
		return b.reject(ctx, d, ErrNoReplyAddress, metrics.OutcomeNoReplyAddress)
	}

	address, payload, err := b.decoder.Decode(d.Body())
	if err != nil {
		b.log.Warnf("Rejecting request %v: %s", id, err)
		return b.reject(ctx, d, err, metrics.OutcomeDecodeFailed)
	}

	value, err := b.endpoint.ReadScalarAttribute(ctx, string(address), b.cfg.NodeIdentifier, b.cfg.ReadTimeout)
	if err != nil {
		if ctx.Err() != nil {
			// left unsettled, the broker redelivers it after we disconnect
			return ctx.Err()
		}
		b.log.Errorf("Rejecting request %v: reading %s from %s failed: %s", id, b.cfg.NodeIdentifier, address, err)
		return b.reject(ctx, d, err, metrics.OutcomeEndpointFailed)
	}

	if err := conn.Reply(ctx, replyTo, id, message.Encode(payload, value)); err != nil {
		return &BrokerError{Op: "send reply", Err: err}
	}
	if err := d.Accept(ctx); err != nil {
		return &BrokerError{Op: "accept", Err: err}
	}

	b.handled.Add(1)
	metrics.RecordRequest(metrics.OutcomeReplied)
	b.log.Debugf("Replied to request %v on %s with %s=%q", id, replyTo, message.SkillField, value)
	return nil
}

func (b *Bridge) reject(ctx context.Context, d broker.Delivery, cause error, outcome string) error {
	if err := d.Reject(ctx, cause); err != nil {
		return &BrokerError{Op: "reject", Err: errors.Join(err, cause)}
	}
	b.handled.Add(1)
	metrics.RecordRequest(outcome)
	return nil
}
