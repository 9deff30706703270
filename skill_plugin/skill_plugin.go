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

package skill_plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/opcua-amqp-bridge/opcua_plugin"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/config"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/logger"
	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/message"
)

// Metadata keys set on answered messages.
const (
	MetaEndpoint = "opcua_skill_endpoint"
	MetaNodeID   = "opcua_skill_node_id"
)

// SkillConfig holds the configuration for the opcua_skill processor.
type SkillConfig struct {
	EndpointPrefix       string
	NodeIdentifier       string
	ReadTimeout          time.Duration
	ConnectTimeout       time.Duration
	ConnectRetryBackoff  time.Duration
	SessionTimeout       time.Duration
	MaxLocatorLength     int
	MaxConnectsPerSecond float64
	SecurityMode         string
	SecurityPolicy       string
	Username             string
	Password             string
	RequestSchema        string
}

// valueReader is satisfied by *opcua_plugin.EndpointClient.
type valueReader interface {
	ReadScalarAttribute(ctx context.Context, address, nodeID string, timeout time.Duration) (string, error)
}

func skillSpec() *service.ConfigSpec {
	defaults := config.DefaultConfig().Endpoint

	return service.NewConfigSpec().
		Version("1.0.0").
		Summary("Answers skill requests by reading a value from the OPC UA server named in the request").
		Description(`The opcua_skill processor expects each message to be a JSON object with a "URL" field holding
host[:port][/path] of an OPC UA server. It connects to <endpoint_prefix><URL>, reads the value attribute of
node_id and replaces the message with the original object plus a "Skill" field holding the value.

Every value of the outgoing object is a string. A failed connect is retried once with a new client after
connect_retry_backoff. Messages that cannot be answered keep their content and are flagged as failed, so they
can be routed with a catch or switch output.`).
		Field(service.NewStringField("endpoint_prefix").
			Description("Prefix prepended to the URL field to build the endpoint address").
			Default(defaults.EndpointPrefix)).
		Field(service.NewStringField("node_id").
			Description("Node to read, e.g. ns=1;s=the.answer").
			Default(defaults.NodeIdentifier)).
		Field(service.NewDurationField("read_timeout").
			Description("Upper bound for the read request").
			Default(defaults.ReadTimeout().String())).
		Field(service.NewDurationField("connect_timeout").
			Description("Upper bound for a single connect attempt").
			Default(defaults.ConnectTimeout().String()).
			Advanced()).
		Field(service.NewDurationField("connect_retry_backoff").
			Description("Pause before the single connect retry").
			Default(defaults.ConnectRetryBackoff().String()).
			Advanced()).
		Field(service.NewDurationField("session_timeout").
			Description("Requested OPC UA session timeout").
			Default(defaults.SessionTimeout().String()).
			Advanced()).
		Field(service.NewIntField("max_locator_length").
			Description("Maximum length of the built endpoint address").
			Default(defaults.MaxLocatorLength).
			Advanced()).
		Field(service.NewFloatField("max_connects_per_second").
			Description("Rate limit for connect attempts. 0 disables the limit.").
			Default(defaults.MaxConnectsPerSecond).
			Advanced()).
		Field(service.NewStringField("security_mode").
			Description("None, Sign or SignAndEncrypt").
			Default("None").
			Advanced()).
		Field(service.NewStringField("security_policy").
			Description("None, Basic256Sha256, Aes128_Sha256_RsaOaep or Aes256_Sha256_RsaPss").
			Default("None").
			Advanced()).
		Field(service.NewStringField("username").
			Description("Username for authentication. Anonymous if empty.").
			Default("")).
		Field(service.NewStringField("password").
			Description("Password for authentication").
			Default("").
			Secret()).
		Field(service.NewStringField("request_schema").
			Description("Optional JSON schema every request must satisfy").
			Default("").
			Advanced())
}

func init() {
	err := service.RegisterProcessor(
		"opcua_skill",
		skillSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			cfg, err := parseSkillConfig(conf)
			if err != nil {
				return nil, err
			}

			reader := opcua_plugin.NewEndpointClient(opcua_plugin.EndpointConfig{
				SecurityMode:         cfg.SecurityMode,
				SecurityPolicy:       cfg.SecurityPolicy,
				Username:             cfg.Username,
				Password:             cfg.Password,
				ConnectTimeout:       cfg.ConnectTimeout,
				RetryBackoff:         cfg.ConnectRetryBackoff,
				SessionTimeout:       cfg.SessionTimeout,
				MaxConnectsPerSecond: cfg.MaxConnectsPerSecond,
			}, logger.For(logger.ComponentEndpoint))

			return newSkillProcessor(cfg, reader, mgr.Logger(), mgr.Metrics())
		})
	if err != nil {
		panic(err)
	}
}

func parseSkillConfig(conf *service.ParsedConfig) (SkillConfig, error) {
	var (
		cfg SkillConfig
		err error
	)

	if cfg.EndpointPrefix, err = conf.FieldString("endpoint_prefix"); err != nil {
		return cfg, err
	}
	if cfg.NodeIdentifier, err = conf.FieldString("node_id"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = conf.FieldDuration("read_timeout"); err != nil {
		return cfg, err
	}
	if cfg.ConnectTimeout, err = conf.FieldDuration("connect_timeout"); err != nil {
		return cfg, err
	}
	if cfg.ConnectRetryBackoff, err = conf.FieldDuration("connect_retry_backoff"); err != nil {
		return cfg, err
	}
	if cfg.SessionTimeout, err = conf.FieldDuration("session_timeout"); err != nil {
		return cfg, err
	}
	if cfg.MaxLocatorLength, err = conf.FieldInt("max_locator_length"); err != nil {
		return cfg, err
	}
	if cfg.MaxConnectsPerSecond, err = conf.FieldFloat("max_connects_per_second"); err != nil {
		return cfg, err
	}
	if cfg.SecurityMode, err = conf.FieldString("security_mode"); err != nil {
		return cfg, err
	}
	if cfg.SecurityPolicy, err = conf.FieldString("security_policy"); err != nil {
		return cfg, err
	}
	if cfg.Username, err = conf.FieldString("username"); err != nil {
		return cfg, err
	}
	if cfg.Password, err = conf.FieldString("password"); err != nil {
		return cfg, err
	}
	if cfg.RequestSchema, err = conf.FieldString("request_schema"); err != nil {
		return cfg, err
	}

	// reuse the bridge's validation so both entry points accept the same settings
	endpoint := config.EndpointConfig{
		EndpointPrefix:        cfg.EndpointPrefix,
		NodeIdentifier:        cfg.NodeIdentifier,
		ReadTimeoutMs:         int(cfg.ReadTimeout.Milliseconds()),
		ConnectTimeoutMs:      int(cfg.ConnectTimeout.Milliseconds()),
		ConnectRetryBackoffMs: int(cfg.ConnectRetryBackoff.Milliseconds()),
		SessionTimeoutMs:      int(cfg.SessionTimeout.Milliseconds()),
		MaxLocatorLength:      cfg.MaxLocatorLength,
		MaxConnectsPerSecond:  cfg.MaxConnectsPerSecond,
		SecurityMode:          cfg.SecurityMode,
		SecurityPolicy:        cfg.SecurityPolicy,
		Username:              cfg.Username,
		Password:              cfg.Password,
	}
	if err := endpoint.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid opcua_skill config: %w", err)
	}
	return cfg, nil
}

// SkillProcessor answers one request message with one response message.
type SkillProcessor struct {
	cfg     SkillConfig
	decoder *message.Decoder
	reader  valueReader
	logger  *service.Logger

	requestsAnswered *service.MetricCounter
	requestsFailed   *service.MetricCounter
}

func newSkillProcessor(cfg SkillConfig, reader valueReader, logger *service.Logger, metrics *service.Metrics) (*SkillProcessor, error) {
	decoder, err := message.NewDecoder(message.DecoderConfig{
		EndpointPrefix:   cfg.EndpointPrefix,
		MaxLocatorLength: cfg.MaxLocatorLength,
		RequestSchema:    cfg.RequestSchema,
	})
	if err != nil {
		return nil, err
	}

	return &SkillProcessor{
		cfg:              cfg,
		decoder:          decoder,
		reader:           reader,
		logger:           logger,
		requestsAnswered: metrics.NewCounter("requests_answered"),
		requestsFailed:   metrics.NewCounter("requests_failed"),
	}, nil
}

// Process returns the answered message, or the error that flags the input as failed.
func (p *SkillProcessor) Process(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	body, err := requestBody(msg)
	if err != nil {
		p.requestsFailed.Incr(1)
		return nil, err
	}

	address, payload, err := p.decoder.Decode(body)
	if err != nil {
		p.requestsFailed.Incr(1)
		return nil, err
	}

	value, err := p.reader.ReadScalarAttribute(ctx, string(address), p.cfg.NodeIdentifier, p.cfg.ReadTimeout)
	if err != nil {
		p.requestsFailed.Incr(1)
		p.logger.Warnf("Reading %s from %s failed: %v", p.cfg.NodeIdentifier, address, err)
		return nil, err
	}

	out := msg.Copy()
	out.SetStructured(message.Encode(payload, value).Payload)
	out.MetaSet(MetaEndpoint, string(address))
	out.MetaSet(MetaNodeID, p.cfg.NodeIdentifier)

	p.requestsAnswered.Incr(1)
	return service.MessageBatch{out}, nil
}

// requestBody prefers the structured form and falls back to the raw bytes,
// which the decoder rejects with a precise reason.
func requestBody(msg *service.Message) (any, error) {
	if structured, err := msg.AsStructured(); err == nil {
		return structured, nil
	}
	raw, err := msg.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return raw, nil
}

func (p *SkillProcessor) Close(ctx context.Context) error {
	return nil
}
