package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/united-manufacturing-hub/opcua-amqp-bridge/opcua_plugin"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/bridge"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/broker"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/message"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/metrics"
)

const (
	nodeID      = "ns=1;s=the.answer"
	serverURL   = "192.168.1.50:4840/server"
	serverAddr  = "opc.tcp://192.168.1.50:4840/server"
	replyQueue  = "reply-queue-1"
	readTimeout = 5 * time.Second
)

func newTestBridge(endpoint bridge.EndpointReader, workers int) *bridge.Bridge {
	decoder, err := message.NewDecoder(message.DecoderConfig{
		EndpointPrefix:   "opc.tcp://",
		MaxLocatorLength: 256,
	})
	Expect(err).NotTo(HaveOccurred())
	return bridge.NewBridge(bridge.Config{
		NodeIdentifier: nodeID,
		ReadTimeout:    readTimeout,
		Workers:        workers,
	}, decoder, endpoint, nil)
}

// runUntilDropped runs the bridge over conn, whose queue must be dropped, and
// returns the broker error that ends the session.
func runUntilDropped(b *bridge.Bridge, conn *fakeConnection) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.Run(ctx, conn)
	Expect(ctx.Err()).NotTo(HaveOccurred(), "bridge did not stop on its own")
	return err
}

var _ = Describe("Bridge", func() {
	var endpoint *fakeEndpoint

	BeforeEach(func() {
		metrics.ResetMetrics()
		endpoint = newEndpoint()
		endpoint.values[serverAddr] = "42"
	})

	It("answers a request with the endpoint value and accepts it", func() {
		d := newDelivery("req-1", replyQueue, map[string]any{"URL": serverURL})
		conn := newConnection(d).drop()

		err := runUntilDropped(newTestBridge(endpoint, 1), conn)
		Expect(err).To(MatchError(errConnectionLost))

		Expect(endpoint.Addresses()).To(Equal([]string{serverAddr}))
		Expect(endpoint.nodeIDs).To(Equal([]string{nodeID}))
		Expect(endpoint.timeouts).To(Equal([]time.Duration{readTimeout}))

		replies := conn.Replies()
		Expect(replies).To(HaveLen(1))
		Expect(replies[0].replyTo).To(Equal(replyQueue))
		Expect(replies[0].correlationID).To(Equal("req-1"))
		Expect(replies[0].payload).To(Equal(map[string]any{"URL": serverURL, "Skill": "42"}))

		Expect(d.Accepted()).To(Equal(1))
		Expect(d.Rejected()).To(BeZero())
		Expect(testutil.ToFloat64(metrics.RequestsCounter(metrics.OutcomeReplied))).To(Equal(1.0))
	})

	It("keeps extra fields in the reply", func() {
		d := newDelivery("req-2", replyQueue, map[string]any{"URL": serverURL, "Line": "A3"})
		conn := newConnection(d).drop()

		Expect(runUntilDropped(newTestBridge(endpoint, 1), conn)).To(MatchError(errConnectionLost))
		Expect(conn.Replies()[0].payload).To(Equal(map[string]any{"URL": serverURL, "Line": "A3", "Skill": "42"}))
	})

	It("rejects a request without URL and keeps serving", func() {
		bad := newDelivery("req-1", replyQueue, map[string]any{})
		good := newDelivery("req-2", replyQueue, map[string]any{"URL": serverURL})
		conn := newConnection(bad, good).drop()

		Expect(runUntilDropped(newTestBridge(endpoint, 1), conn)).To(MatchError(errConnectionLost))

		Expect(bad.Rejected()).To(Equal(1))
		Expect(bad.Accepted()).To(BeZero())
		Expect(errors.Is(bad.RejectCause(), &message.DecodeError{Kind: message.MissingField, Field: message.URLField})).To(BeTrue())

		Expect(good.Accepted()).To(Equal(1))
		Expect(conn.Replies()).To(HaveLen(1))
		Expect(conn.Replies()[0].correlationID).To(Equal("req-2"))
		Expect(testutil.ToFloat64(metrics.RequestsCounter(metrics.OutcomeDecodeFailed))).To(Equal(1.0))
	})

	It("rejects a request without reply address before touching the endpoint", func() {
		d := newDelivery("req-1", "", map[string]any{"URL": serverURL})
		conn := newConnection(d).drop()

		Expect(runUntilDropped(newTestBridge(endpoint, 1), conn)).To(MatchError(errConnectionLost))

		Expect(d.Rejected()).To(Equal(1))
		Expect(d.RejectCause()).To(MatchError(bridge.ErrNoReplyAddress))
		Expect(endpoint.Addresses()).To(BeEmpty())
		Expect(conn.Replies()).To(BeEmpty())
		Expect(testutil.ToFloat64(metrics.RequestsCounter(metrics.OutcomeNoReplyAddress))).To(Equal(1.0))
	})

	DescribeTable("rejects payloads of the wrong shape",
		func(body any) {
			d := newDelivery("req-1", replyQueue, body)
			conn := newConnection(d).drop()

			Expect(runUntilDropped(newTestBridge(endpoint, 1), conn)).To(MatchError(errConnectionLost))

			Expect(d.Rejected()).To(Equal(1))
			Expect(errors.Is(d.RejectCause(), &message.DecodeError{Kind: message.WrongShape})).To(BeTrue())
			Expect(endpoint.Addresses()).To(BeEmpty())
			Expect(conn.Replies()).To(BeEmpty())
		},
		Entry("plain string", "192.168.1.50:4840/server"),
		Entry("list", []any{"URL", serverURL}),
		Entry("integer keyed map", map[int]any{1: serverURL}),
		Entry("nil body", nil),
	)

	It("rejects a locator that would not form a valid address", func() {
		d := newDelivery("req-1", replyQueue, map[string]any{"URL": "evil.host\n:4840"})
		conn := newConnection(d).drop()

		Expect(runUntilDropped(newTestBridge(endpoint, 1), conn)).To(MatchError(errConnectionLost))
		Expect(errors.Is(d.RejectCause(), &message.DecodeError{Kind: message.InvalidLocator})).To(BeTrue())
		Expect(endpoint.Addresses()).To(BeEmpty())
	})

	It("rejects a request whose endpoint cannot be reached and keeps serving", func() {
		endpoint.errs["opc.tcp://10.0.0.9:4840"] = &opcua_plugin.EndpointError{
			Kind:     opcua_plugin.ConnectFailed,
			Address:  "opc.tcp://10.0.0.9:4840",
			Attempts: 2,
		}
		unreachable := newDelivery("req-1", replyQueue, map[string]any{"URL": "10.0.0.9:4840"})
		good := newDelivery("req-2", replyQueue, map[string]any{"URL": serverURL})
		conn := newConnection(unreachable, good).drop()

		Expect(runUntilDropped(newTestBridge(endpoint, 1), conn)).To(MatchError(errConnectionLost))

		Expect(unreachable.Rejected()).To(Equal(1))
		Expect(errors.Is(unreachable.RejectCause(), &opcua_plugin.EndpointError{Kind: opcua_plugin.ConnectFailed})).To(BeTrue())
		Expect(good.Accepted()).To(Equal(1))
		Expect(conn.Replies()).To(HaveLen(1))
		Expect(testutil.ToFloat64(metrics.RequestsCounter(metrics.OutcomeEndpointFailed))).To(Equal(1.0))
	})

	It("gives the same answer to the same request", func() {
		first := newDelivery("req-1", replyQueue, map[string]any{"URL": serverURL})
		second := newDelivery("req-2", replyQueue, map[string]any{"URL": serverURL})
		conn := newConnection(first, second).drop()

		Expect(runUntilDropped(newTestBridge(endpoint, 1), conn)).To(MatchError(errConnectionLost))

		replies := conn.Replies()
		Expect(replies).To(HaveLen(2))
		Expect(replies[0].payload).To(Equal(replies[1].payload))
	})

	Context("when the broker fails", func() {
		It("returns a broker error when receiving fails", func() {
			err := runUntilDropped(newTestBridge(endpoint, 1), newConnection().drop())
			var brokerErr *bridge.BrokerError
			Expect(errors.As(err, &brokerErr)).To(BeTrue())
			Expect(brokerErr.Op).To(Equal("receive"))
		})

		It("stops without accepting when the reply cannot be sent", func() {
			d := newDelivery("req-1", replyQueue, map[string]any{"URL": serverURL})
			next := newDelivery("req-2", replyQueue, map[string]any{"URL": serverURL})
			conn := newConnection(d, next)
			conn.replyErr = errors.New("link detached")

			err := newTestBridge(endpoint, 1).Run(context.Background(), conn)
			var brokerErr *bridge.BrokerError
			Expect(errors.As(err, &brokerErr)).To(BeTrue())
			Expect(brokerErr.Op).To(Equal("send reply"))
			Expect(err).To(MatchError(ContainSubstring("link detached")))

			Expect(d.Settled()).To(BeZero())
			Expect(next.Settled()).To(BeZero())
		})

		It("returns a broker error when accepting fails", func() {
			d := newDelivery("req-1", replyQueue, map[string]any{"URL": serverURL})
			d.acceptErr = errors.New("accept refused")

			err := newTestBridge(endpoint, 1).Run(context.Background(), newConnection(d))
			var brokerErr *bridge.BrokerError
			Expect(errors.As(err, &brokerErr)).To(BeTrue())
			Expect(brokerErr.Op).To(Equal("accept"))
		})

		It("returns a broker error when rejecting fails", func() {
			d := newDelivery("req-1", "", map[string]any{"URL": serverURL})
			d.rejectErr = errors.New("reject refused")

			err := newTestBridge(endpoint, 1).Run(context.Background(), newConnection(d))
			var brokerErr *bridge.BrokerError
			Expect(errors.As(err, &brokerErr)).To(BeTrue())
			Expect(brokerErr.Op).To(Equal("reject"))
			Expect(err).To(MatchError(bridge.ErrNoReplyAddress))
		})
	})

	Context("when the context ends", func() {
		It("returns nil while waiting for requests", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- newTestBridge(endpoint, 1).Run(ctx, newConnection()) }()

			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("leaves an in-flight request unsettled", func() {
			blocking := &blockingEndpoint{started: make(chan struct{})}
			d := newDelivery("req-1", replyQueue, map[string]any{"URL": serverURL})

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- newTestBridge(blocking, 1).Run(ctx, newConnection(d)) }()

			Eventually(blocking.started).Should(BeClosed())
			cancel()
			Eventually(done).Should(Receive(BeNil()))
			Expect(d.Settled()).To(BeZero())
		})
	})

	Context("with a worker pool", func() {
		It("settles every request exactly once and bounds concurrency", func() {
			endpoint.delay = 20 * time.Millisecond

			var deliveries []*fakeDelivery
			conn := newConnection()
			for i := range 20 {
				d := newDelivery(fmt.Sprintf("req-%d", i), replyQueue, map[string]any{"URL": serverURL})
				deliveries = append(deliveries, d)
				conn.deliveries <- d
			}
			conn.drop()

			b := newTestBridge(endpoint, 4)
			Expect(runUntilDropped(b, conn)).To(MatchError(errConnectionLost))

			for _, d := range deliveries {
				Expect(d.Accepted()).To(Equal(1), "delivery %v", d.MessageID())
				Expect(d.Rejected()).To(BeZero())
			}
			Expect(conn.Replies()).To(HaveLen(20))
			Expect(b.Handled()).To(Equal(uint64(20)))
			Expect(endpoint.maxInFlight.Load()).To(BeNumerically("<=", 4))
			Expect(endpoint.maxInFlight.Load()).To(BeNumerically(">", 1))
		})

		It("rejects bad requests without stopping the pool", func() {
			good := newDelivery("req-1", replyQueue, map[string]any{"URL": serverURL})
			bad := newDelivery("req-2", replyQueue, "not a map")
			orphan := newDelivery("req-3", "", map[string]any{"URL": serverURL})
			conn := newConnection(good, bad, orphan).drop()

			Expect(runUntilDropped(newTestBridge(endpoint, 3), conn)).To(MatchError(errConnectionLost))
			Expect(good.Accepted()).To(Equal(1))
			Expect(bad.Rejected()).To(Equal(1))
			Expect(orphan.Rejected()).To(Equal(1))
		})

		It("stops the pool when a reply cannot be sent", func() {
			conn := newConnection()
			for i := range 5 {
				conn.deliveries <- newDelivery(i, replyQueue, map[string]any{"URL": serverURL})
			}
			conn.replyErr = errors.New("link detached")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := newTestBridge(endpoint, 2).Run(ctx, conn)
			var brokerErr *bridge.BrokerError
			Expect(errors.As(err, &brokerErr)).To(BeTrue())
			Expect(brokerErr.Op).To(Equal("send reply"))
		})

		It("returns nil when the context ends", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- newTestBridge(endpoint, 4).Run(ctx, newConnection()) }()

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})

var _ broker.Delivery = (*fakeDelivery)(nil)
