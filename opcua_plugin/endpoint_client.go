// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package opcua_plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the part of *opcua.Client the endpoint client needs.
type Client interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Close(ctx context.Context) error
}

// ClientFactory constructs a new, unconnected client for an endpoint.
type ClientFactory func(endpoint string, opts ...opcua.Option) (Client, error)

func newGopcuaClient(endpoint string, opts ...opcua.Option) (Client, error) {
	c, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// closeTimeout bounds the release of a client, independent of the caller's context.
const closeTimeout = 2 * time.Second

// EndpointConfig configures how endpoints are connected.
type EndpointConfig struct {
	SecurityMode   string
	SecurityPolicy string
	Username       string
	Password       string

	ConnectTimeout time.Duration
	// RetryBackoff is the pause before the single connect retry.
	RetryBackoff   time.Duration
	SessionTimeout time.Duration

	// MaxConnectsPerSecond limits connect attempts across all callers. Zero disables the limit.
	MaxConnectsPerSecond float64
}

// EndpointClient reads single values from OPC UA endpoints. It keeps no
// connection between calls: every read opens its own session and releases it
// before returning. It is safe for concurrent use.
type EndpointClient struct {
	cfg       EndpointConfig
	log       *zap.SugaredLogger
	newClient ClientFactory
	limiter   *rate.Limiter

	certOnce sync.Once
	cert     *clientCertificate
	certErr  error
}

// NewEndpointClient creates an EndpointClient backed by gopcua.
func NewEndpointClient(cfg EndpointConfig, log *zap.SugaredLogger) *EndpointClient {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &EndpointClient{
		cfg:       cfg,
		log:       log,
		newClient: newGopcuaClient,
	}
	if cfg.MaxConnectsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxConnectsPerSecond), 1)
	}
	return e
}

// WithClientFactory replaces the gopcua client constructor, useful for testing
func (e *EndpointClient) WithClientFactory(f ClientFactory) *EndpointClient {
	e.newClient = f
	return e
}

// ReadScalarAttribute connects to address, reads the value attribute of nodeID
// and returns it if it is a scalar string.
//
// A failed connect is retried exactly once with a new client after RetryBackoff.
// If the retry fails too, an *EndpointError with Kind ConnectFailed is returned
// and no read is attempted. The read itself is bounded by timeout. Every client
// created here is closed before the function returns.
func (e *EndpointClient) ReadScalarAttribute(ctx context.Context, address, nodeID string, timeout time.Duration) (value string, err error) {
	start := time.Now()
	defer func() {
		recordRead(time.Since(start), err)
	}()

	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return "", &EndpointError{Kind: ReadFailed, Address: address, Reason: fmt.Sprintf("invalid node id %q", nodeID), Err: err}
	}

	c, err := e.connect(ctx, address)
	if err != nil {
		return "", err
	}
	defer e.release(address, c)

	return e.read(ctx, c, address, id, timeout)
}

// connect returns a connected client. Each attempt builds a new client, so the
// one returned is always the one whose Connect succeeded.
func (e *EndpointClient) connect(ctx context.Context, address string) (Client, error) {
	var (
		connected Client
		attempts  int
	)

	operation := func() error {
		attempts++
		c, err := e.dial(ctx, address)
		if err != nil {
			return err
		}
		connected = c
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryBackoff), 1), ctx)
	notify := func(err error, next time.Duration) {
		e.log.Warnf("Not connected to %s: %v. Retrying in %s", address, err, next)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		e.log.Errorf("Failed to connect to %s after %d attempts: %v", address, attempts, err)
		return nil, &EndpointError{Kind: ConnectFailed, Address: address, Attempts: attempts, Status: statusFromError(err), Err: err}
	}
	return connected, nil
}

func (e *EndpointClient) dial(ctx context.Context, address string) (Client, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
	}

	opts, err := e.clientOptions(address)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	c, err := e.newClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		e.release(address, c)
		return nil, err
	}
	return c, nil
}

func (e *EndpointClient) read(ctx context.Context, c Client, address string, id *ua.NodeID, timeout time.Duration) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: id, AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	}

	resp, err := c.Read(readCtx, req)
	if err != nil {
		e.log.Errorf("Read of %s on %s failed: %v", id, address, err)
		return "", &EndpointError{Kind: ReadFailed, Address: address, Status: statusFromError(err), Err: err}
	}
	if resp == nil || len(resp.Results) == 0 || resp.Results[0] == nil {
		return "", &EndpointError{Kind: ReadFailed, Address: address, Reason: "empty read response"}
	}

	result := resp.Results[0]
	if !errors.Is(result.Status, ua.StatusOK) {
		e.log.Errorf("Status not OK for %s on %s: %v", id, address, result.Status)
		return "", &EndpointError{Kind: ReadFailed, Address: address, Status: result.Status}
	}

	var v any
	if result.Value != nil {
		v = result.Value.Value()
	}
	s, ok := v.(string)
	if !ok {
		return "", &EndpointError{Kind: ReadFailed, Address: address, Reason: fmt.Sprintf("unexpected type %T", v)}
	}
	return s, nil
}

// release closes the client with its own deadline so cancellation of the
// request context still tears the session down.
func (e *EndpointClient) release(address string, c Client) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil && !errors.Is(err, io.EOF) {
		e.log.Infof("Error closing OPC UA client for %s: %v", address, err)
	}
}
