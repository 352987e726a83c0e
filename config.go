// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	DefaultMaxFrameSize   = 64 * 1024 * 1024
	DefaultWriteTimeout   = 30 * time.Second
	DefaultEventWait      = 25 * time.Second
	DefaultReleaseTimeout = 5 * time.Second
	DefaultEventBatch     = 128
)

var validate = validator.New()

// Config holds session and transport settings. Fill it with Options.
type Config struct {
	// Transport selects the network transport used by Dial and Listen.
	// Any name added with registerTransport is accepted.
	Transport string `validate:"required"`
	// Codec names the payload encoding on network transports.
	Codec string `validate:"required,oneof=json cbor"`
	// MaxFrameSize bounds a single ZAP frame.
	MaxFrameSize int `validate:"gt=16,lte=1073741824"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `validate:"gt=0"`
	// EventWait is how long a JSON-RPC Events request is held open when no
	// event is ready.
	EventWait time.Duration `validate:"gt=0"`
	// EventBatch caps the events returned by one Events request.
	EventBatch int `validate:"gt=0"`
	// ReleaseTimeout bounds the fire-and-forget DeleteHandle sent when a
	// proxy is released.
	ReleaseTimeout time.Duration `validate:"gt=0"`

	Logger *zap.Logger `validate:"-"`
}

// Option configures a Config.
type Option func(*Config)

// WithTransport selects "zap", "grpc" or "json".
func WithTransport(name string) Option {
	return func(c *Config) { c.Transport = name }
}

// WithCodec selects "json" or "cbor" payloads.
func WithCodec(name string) Option {
	return func(c *Config) { c.Codec = name }
}

func WithMaxFrameSize(n int) Option {
	return func(c *Config) { c.MaxFrameSize = n }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

func WithEventWait(d time.Duration) Option {
	return func(c *Config) { c.EventWait = d }
}

func WithEventBatch(n int) Option {
	return func(c *Config) { c.EventBatch = n }
}

func WithReleaseTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReleaseTimeout = d }
}

// WithLogger overrides the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// NewConfig applies opts over the defaults and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		Transport:      DefaultTransport,
		Codec:          CodecJSON,
		MaxFrameSize:   DefaultMaxFrameSize,
		WriteTimeout:   DefaultWriteTimeout,
		EventWait:      DefaultEventWait,
		EventBatch:     DefaultEventBatch,
		ReleaseTimeout: DefaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("bridge: invalid config: %w", err)
	}
	if !HasTransport(c.Transport) {
		return nil, fmt.Errorf("bridge: invalid config: unknown transport %q", c.Transport)
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	return c, nil
}

func (c *Config) codec() Codec {
	return codecByName(c.Codec)
}
