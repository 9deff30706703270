package bridge_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/broker"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/message"
)

var errConnectionLost = errors.New("connection lost")

type fakeDelivery struct {
	id      any
	replyTo string
	body    any

	acceptErr error
	rejectErr error

	mu          sync.Mutex
	accepted    int
	rejected    int
	rejectCause error
}

func newDelivery(id any, replyTo string, body any) *fakeDelivery {
	return &fakeDelivery{id: id, replyTo: replyTo, body: body}
}

func (d *fakeDelivery) ReplyTo() string { return d.replyTo }
func (d *fakeDelivery) Body() any       { return d.body }
func (d *fakeDelivery) MessageID() any  { return d.id }

func (d *fakeDelivery) Accept(context.Context) error {
	if d.acceptErr != nil {
		return d.acceptErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted++
	return nil
}

func (d *fakeDelivery) Reject(_ context.Context, cause error) error {
	if d.rejectErr != nil {
		return d.rejectErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected++
	d.rejectCause = cause
	return nil
}

func (d *fakeDelivery) Accepted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

func (d *fakeDelivery) Rejected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejected
}

func (d *fakeDelivery) RejectCause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejectCause
}

func (d *fakeDelivery) Settled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted + d.rejected
}

type sentReply struct {
	replyTo       string
	correlationID any
	payload       map[string]any
}

// fakeConnection hands out queued deliveries. Once the queue is closed and
// drained Receive fails with errConnectionLost.
type fakeConnection struct {
	deliveries chan broker.Delivery
	replyErr   error

	mu      sync.Mutex
	replies []sentReply
	closed  int
}

func newConnection(deliveries ...broker.Delivery) *fakeConnection {
	c := &fakeConnection{deliveries: make(chan broker.Delivery, 64)}
	for _, d := range deliveries {
		c.deliveries <- d
	}
	return c
}

// drop makes Receive fail once the queued deliveries are consumed.
func (c *fakeConnection) drop() *fakeConnection {
	close(c.deliveries)
	return c
}

func (c *fakeConnection) Receive(ctx context.Context) (broker.Delivery, error) {
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, errConnectionLost
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConnection) Reply(_ context.Context, replyTo string, correlationID any, resp message.Response) error {
	if c.replyErr != nil {
		return c.replyErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, sentReply{replyTo: replyTo, correlationID: correlationID, payload: resp.Payload})
	return nil
}

func (c *fakeConnection) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConnection) Replies() []sentReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentReply(nil), c.replies...)
}

func (c *fakeConnection) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeEndpoint answers reads from a table and tracks concurrency.
type fakeEndpoint struct {
	values map[string]string
	errs   map[string]error
	delay  time.Duration

	mu        sync.Mutex
	addresses []string
	nodeIDs   []string
	timeouts  []time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newEndpoint() *fakeEndpoint {
	return &fakeEndpoint{values: map[string]string{}, errs: map[string]error{}}
}

func (e *fakeEndpoint) ReadScalarAttribute(ctx context.Context, address, nodeID string, timeout time.Duration) (string, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		m := e.maxInFlight.Load()
		if n <= m || e.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	e.mu.Lock()
	e.addresses = append(e.addresses, address)
	e.nodeIDs = append(e.nodeIDs, nodeID)
	e.timeouts = append(e.timeouts, timeout)
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err, ok := e.errs[address]; ok {
		return "", err
	}
	if v, ok := e.values[address]; ok {
		return v, nil
	}
	return "", errors.New("no such endpoint")
}

func (e *fakeEndpoint) Addresses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.addresses...)
}

// blockingEndpoint never answers until ctx is done.
type blockingEndpoint struct {
	started chan struct{}
}

func (e *blockingEndpoint) ReadScalarAttribute(ctx context.Context, _, _ string, _ time.Duration) (string, error) {
	close(e.started)
	<-ctx.Done()
	return "", ctx.Err()
}
