package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/message"
)

// Delivery is one inbound request. It must be settled exactly once with
// Accept or Reject.
type Delivery interface {
	// ReplyTo returns the reply address, or "" if the request has none.
	ReplyTo() string
	// Body returns the AMQP value, or the concatenated data sections.
	Body() any
	// MessageID returns the request's message id, used to correlate the reply.
	MessageID() any
	Accept(ctx context.Context) error
	Reject(ctx context.Context, cause error) error
}

// Config is what Connect needs to reach the broker.
type Config struct {
	URL     string
	Options string
	Queue   string
	Credit  int32
}

// Client holds one connection, one session and the receiver on the request
// queue. Replies go through short lived senders on the same session.
type Client struct {
	conn     *amqp.Conn
	session  *amqp.Session
	receiver *amqp.Receiver
	queue    string
	log      *zap.SugaredLogger
}

// Connect dials the broker and attaches a receiver to the request queue.
func Connect(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Client, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	opts, err := ParseConnectionOptions(cfg.Options)
	if err != nil {
		return nil, err
	}
	for _, key := range opts.Unknown {
		log.Warnf("Ignoring unsupported connection option %q", key)
	}

	addr, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(opts.Transport, "ssl") && strings.HasPrefix(addr, "amqp://") {
		addr = "amqps://" + strings.TrimPrefix(addr, "amqp://")
	}

	connOpts, err := opts.connOptions()
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(ctx, addr, connOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", redact(addr), err)
	}

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	credit := cfg.Credit
	if credit < 1 {
		credit = 1
	}
	receiver, err := session.NewReceiver(ctx, cfg.Queue, &amqp.ReceiverOptions{Credit: credit})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create receiver for %s: %w", cfg.Queue, err)
	}

	log.Infof("Connected to broker %s, receiving from %s", redact(addr), cfg.Queue)
	return &Client{
		conn:     conn,
		session:  session,
		receiver: receiver,
		queue:    cfg.Queue,
		log:      log,
	}, nil
}

// Receive blocks until the next request arrives or ctx is done.
func (c *Client) Receive(ctx context.Context) (Delivery, error) {
	msg, err := c.receiver.Receive(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &delivery{msg: msg, receiver: c.receiver}, nil
}

// Reply sends resp to replyTo over a sender that is opened for this reply and
// closed afterwards. Send waits for the broker's disposition.
func (c *Client) Reply(ctx context.Context, replyTo string, correlationID any, resp message.Response) error {
	mode := amqp.SenderSettleModeUnsettled
	sender, err := c.session.NewSender(ctx, replyTo, &amqp.SenderOptions{SettlementMode: &mode})
	if err != nil {
		return fmt.Errorf("failed to create sender for %s: %w", replyTo, err)
	}
	defer func() {
		if err := sender.Close(ctx); err != nil {
			c.log.Warnf("Failed to close sender for %s: %v", replyTo, err)
		}
	}()

	if err := sender.Send(ctx, NewReplyMessage(replyTo, correlationID, resp), nil); err != nil {
		return fmt.Errorf("failed to send reply to %s: %w", replyTo, err)
	}
	return nil
}

// Close tears down the receiver, session and connection.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if err := c.receiver.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close receiver: %w", err))
	}
	if err := c.session.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

// NewReplyMessage builds the outbound AMQP message for a response.
func NewReplyMessage(replyTo string, correlationID any, resp message.Response) *amqp.Message {
	to := replyTo
	contentType := message.ContentTypeMap
	return &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID:     uuid.NewString(),
			To:            &to,
			CorrelationID: correlationID,
			ContentType:   &contentType,
		},
		Value: resp.Payload,
	}
}

type delivery struct {
	msg      *amqp.Message
	receiver *amqp.Receiver
}

func (d *delivery) ReplyTo() string {
	return replyTo(d.msg)
}

func (d *delivery) Body() any {
	return body(d.msg)
}

func (d *delivery) MessageID() any {
	if d.msg.Properties == nil {
		return nil
	}
	return d.msg.Properties.MessageID
}

func (d *delivery) Accept(ctx context.Context) error {
	return d.receiver.AcceptMessage(ctx, d.msg)
}

func (d *delivery) Reject(ctx context.Context, cause error) error {
	return d.receiver.RejectMessage(ctx, d.msg, rejectError(cause))
}

func replyTo(msg *amqp.Message) string {
	if msg.Properties == nil || msg.Properties.ReplyTo == nil {
		return ""
	}
	return *msg.Properties.ReplyTo
}

func body(msg *amqp.Message) any {
	if msg.Value != nil {
		return msg.Value
	}
	if len(msg.Data) > 0 {
		return bytes.Join(msg.Data, nil)
	}
	if len(msg.Sequence) > 0 {
		return msg.Sequence
	}
	return nil
}

// rejectError tells the requester why a request was rejected.
func rejectError(cause error) *amqp.Error {
	if cause == nil {
		return nil
	}
	condition := amqp.ErrCondInternalError
	var decodeErr *message.DecodeError
	if errors.As(cause, &decodeErr) {
		condition = amqp.ErrCondDecodeError
	}
	return &amqp.Error{Condition: condition, Description: cause.Error()}
}

// redact drops credentials before an address is logged.
func redact(addr string) string {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		return addr
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	return scheme + "://" + rest
}
