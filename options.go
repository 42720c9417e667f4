// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mochi-mqtt/transport/listeners"
	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/stream"
)

const (
	ReactorEpoll = "epoll" // level triggered epoll on linux, falling back to queue elsewhere
	ReactorQueue = "queue" // the portable notification queue

	defaultPollTimeoutMs   int64 = 100
	defaultLoopDelayMs     int64 = 1
	defaultDispatchWorkers       = 4
	defaultCloseWorkers          = 8
	defaultSysInfoInterval int64 = 1
	defaultHandshakeMs     int64 = 10000
)

// Options contains configurable options for the worker.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"-" json:"-"`

	// Reactor selects the readiness event source, either "epoll" or "queue".
	Reactor string `yaml:"reactor" json:"reactor"`

	// PollTimeoutMs is the longest the event loop blocks waiting for readiness.
	PollTimeoutMs int64 `yaml:"poll_timeout_ms" json:"poll_timeout_ms"`

	// LoopDelayMs is a pause after every event loop cycle. Defaults to 1ms; a
	// negative value disables it.
	LoopDelayMs int64 `yaml:"loop_delay_ms" json:"loop_delay_ms"`

	// DispatchWorkers is the number of decode columns. Frames from one session
	// are always decoded by the same column.
	DispatchWorkers int `yaml:"dispatch_workers" json:"dispatch_workers"`

	// CloseWorkers bounds the parallelism of bulk disconnects.
	CloseWorkers int `yaml:"close_workers" json:"close_workers"`

	// ReadBufferSize is the read chunk size for goroutine driven streams.
	ReadBufferSize int `yaml:"read_buffer_size" json:"read_buffer_size"`

	// ResumePartialHeaders keeps a fixed header split across reads instead of
	// discarding it.
	ResumePartialHeaders bool `yaml:"resume_partial_headers" json:"resume_partial_headers"`

	// SysInfoInterval specifies the interval between sys info updates in seconds.
	SysInfoInterval int64 `yaml:"sys_info_interval" json:"sys_info_interval"`

	// HandshakeTimeoutMs bounds the tls handshake of accepted connections.
	HandshakeTimeoutMs int64 `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the worker's default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// Codec encodes and decodes packets. Defaults to packets.DefaultCodec.
	Codec packets.Codec `yaml:"-" json:"-"`

	// Clock drives keep-alive watchdogs. Tests substitute clock.NewMock().
	Clock clock.Clock `yaml:"-" json:"-"`

	// Source overrides the readiness event source selected by Reactor.
	Source stream.Source `yaml:"-" json:"-"`
}

// ensureDefaults ensures that the worker starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Reactor == "" {
		o.Reactor = ReactorEpoll
	}

	if o.PollTimeoutMs == 0 {
		o.PollTimeoutMs = defaultPollTimeoutMs
	}

	if o.LoopDelayMs == 0 {
		o.LoopDelayMs = defaultLoopDelayMs
	}

	if o.DispatchWorkers == 0 {
		o.DispatchWorkers = defaultDispatchWorkers
	}

	if o.CloseWorkers == 0 {
		o.CloseWorkers = defaultCloseWorkers
	}

	if o.ReadBufferSize == 0 {
		o.ReadBufferSize = stream.DefaultReadSize
	}

	if o.SysInfoInterval == 0 {
		o.SysInfoInterval = defaultSysInfoInterval
	}

	if o.HandshakeTimeoutMs == 0 {
		o.HandshakeTimeoutMs = defaultHandshakeMs
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}

	if o.Codec == nil {
		o.Codec = packets.DefaultCodec{}
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
