// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package transport provides the transport session layer of an MQTT broker:
// it owns accepted connections, reads complete frames off them on a single
// event loop, decodes them on a worker pool, writes packets back with one
// write in flight per session, and enforces client keep-alive deadlines.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/mochi-mqtt/transport/hooks/storage"
	"github.com/mochi-mqtt/transport/listeners"
	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/stream"
	"github.com/mochi-mqtt/transport/system"
)

const (
	Version = "1.0.0" // the current worker version.
)

// TimeoutFn is called when a session leaves the registry without being asked
// to, with the key it held at the time.
type TimeoutFn func(key string, reason DisconnectReason)

// connectionStater is implemented by tls, secure websocket and quic connections.
type connectionStater interface {
	ConnectionState() tls.ConnectionState
}

// Worker is the transport session worker. It should be created with New()
// in order to ensure all the internal fields are correctly populated.
type Worker struct {
	Options    *Options             // configurable worker options
	Listeners  *listeners.Listeners // listeners are network interfaces which listen for new connections
	Sessions   *Registry            // sessions known to the worker
	Info       *system.Info         // values about the worker commonly known as $SYS values
	Log        *slog.Logger         // structured logger
	hooks      *Hooks               // hooks contains hooks for extra functionality such as session ledgers
	source     stream.Source        // readiness event source pumped by the event loop
	loop       *EventLoop           // the single reader of every session
	dispatcher *Dispatcher          // decodes frames off the event loop
	writer     *WriteScheduler      // writes packets to sessions
	closer     *Pool                // bounded parallelism for bulk disconnects
	done       chan bool            // indicate that the worker is ending
	closeOnce  sync.Once
	mu         sync.RWMutex
	onTimeout  TimeoutFn
}

// New returns a new instance of a transport worker. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Worker {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	w := &Worker{
		done:      make(chan bool),
		Listeners: listeners.New(),
		Options:   opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
		closer: NewPool(uint64(opts.CloseWorkers)),
	}

	w.closer.SetOnPanic(func(v any) {
		w.Log.Error("disconnect task panicked", "category", "socket", "panic", v)
	})

	w.Sessions = NewRegistry(opts.Clock, w.expire)
	w.source = w.newSource()
	w.loop = NewEventLoop(w.source, millis(opts.PollTimeoutMs), millis(opts.LoopDelayMs), w.Log)
	w.dispatcher = NewDispatcher(uint64(opts.DispatchWorkers), opts.Codec, w.Log, w.hooks, w.Info)
	w.writer = NewWriteScheduler(w.Sessions, opts.Codec, w.Log, w.hooks, w.Info)

	return w
}

// newSource returns the configured readiness source, falling back to the
// portable queue where epoll is unavailable.
func (w *Worker) newSource() stream.Source {
	src := w.Options.Source
	if src == nil && strings.ToLower(w.Options.Reactor) == ReactorEpoll {
		var err error
		src, err = stream.NewReactor()
		if err != nil {
			w.Log.Debug("epoll reactor unavailable, using queue", "error", err)
			src = nil
		}
	}

	if src == nil {
		src = stream.NewQueue()
	}

	if !stream.IsReactor(src) {
		w.Options.Reactor = ReactorQueue
	}

	onPanic := func(s stream.Stream, ev stream.Event, v any) {
		w.Log.Error("stream handler panicked", "category", "socket", "event", ev.String(), "panic", v)
	}

	if ps, ok := src.(interface{ SetOnPanic(stream.PanicFn) }); ok {
		ps.SetOnPanic(onPanic)
	}

	return src
}

// AddHook attaches a new Hook to the worker. Ideally, this should be called
// before the worker is started with w.Serve().
func (w *Worker) AddHook(hook Hook, config any) error {
	nl := w.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Reactor:         w.Options.Reactor,
		ReadBufferSize:  w.Options.ReadBufferSize,
		DispatchWorkers: w.Options.DispatchWorkers,
	})

	w.Log.Info("added hook", "hook", hook.ID())
	return w.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the worker which were specified in the hooks config (usually from a config file).
func (w *Worker) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := w.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the worker, for receiving incoming connections.
func (w *Worker) AddListener(l listeners.Listener) error {
	if _, ok := w.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := w.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	w.Listeners.Add(l)

	w.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the worker which were specified in the listeners config (usually from a config file).
func (w *Worker) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		if err := conf.LoadTLS(); err != nil {
			return err
		}

		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeQUIC:
			l = listeners.NewQUIC(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf, w.Health)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, w.Info, nil)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			w.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := w.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loop, the sys info ticker, all hooks, and all
// attached listeners.
func (w *Worker) Serve() error {
	w.Log.Info("mochi transport starting", "version", Version, "reactor", w.Options.Reactor)
	defer w.Log.Info("mochi transport started")

	if len(w.Options.Listeners) > 0 {
		err := w.AddListenersFromConfig(w.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(w.Options.Hooks) > 0 {
		err := w.AddHooksFromConfig(w.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if w.hooks.Provides(StoredSessions) {
		err := w.readStore()
		if err != nil {
			return err
		}
	}

	w.loop.Start(context.Background())
	go w.eventLoop()
	w.Listeners.ServeAll(w.EstablishConnection)
	w.publishSysInfo()
	w.hooks.OnStarted()

	return nil
}

// readStore clears session records left by a previous run. Their
// connections did not survive the restart.
func (w *Worker) readStore() error {
	stale, err := w.hooks.StoredSessions()
	if err != nil {
		return fmt.Errorf("load sessions; %w", err)
	}

	if len(stale) > 0 {
		w.Log.Info("clearing stale session records", "count", len(stale))
	}

	for _, rec := range stale {
		sess := restoreSession(rec)
		w.hooks.OnDisconnect(sess, ReasonShutdown, nil)
	}

	return nil
}

// restoreSession rebuilds a streamless session from a stored record.
func restoreSession(rec storage.Session) *Session {
	sess := NewSession(rec.ID, nil, rec.Port, EncryptionNone)
	for level, name := range encryptionNames {
		if name == rec.Encryption {
			sess.Encryption = level
		}
	}
	sess.Listener = rec.Listener
	sess.Remote = rec.Remote
	sess.ConnectedAt = rec.ConnectedAt
	sess.deadline.Store(rec.KeepAlive * int64(time.Millisecond))
	sess.disposed = true
	return sess
}

// eventLoop refreshes the sys info counters until the worker closes.
func (w *Worker) eventLoop() {
	w.Log.Debug("system event loop started")
	defer w.Log.Debug("system event loop halted")

	ticker := time.NewTicker(time.Second * time.Duration(w.Options.SysInfoInterval))
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.publishSysInfo()
		}
	}
}

// publishSysInfo updates the runtime counters and passes a snapshot to hooks.
func (w *Worker) publishSysInfo() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&w.Info.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&w.Info.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&w.Info.Time, time.Now().Unix())
	atomic.StoreInt64(&w.Info.Uptime, time.Now().Unix()-atomic.LoadInt64(&w.Info.Started))

	w.hooks.OnSysInfoTick(w.Info.Clone())
}

// EstablishConnection registers a connection accepted by a listener under a
// fresh connection token.
func (w *Worker) EstablishConnection(listener string, c net.Conn) error {
	if tc, ok := c.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(context.Background(), millis(w.Options.HandshakeTimeoutMs))
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
	}

	enc := EncryptionNone
	if cs, ok := c.(connectionStater); ok {
		enc = EncryptionFromTLS(cs.ConnectionState().Version)
	}

	st, err := w.newStream(c)
	if err != nil {
		_ = c.Close()
		return err
	}

	sess := NewSession(xid.New().String(), st, localPort(c.LocalAddr()), enc)
	sess.Listener = listener
	if addr := c.RemoteAddr(); addr != nil {
		sess.Remote = addr.String()
	}

	if err := w.attach(sess); err != nil {
		sess.Dispose()
		return err
	}

	return nil
}

// newStream wraps c for the worker's readiness source. Plain sockets are
// polled directly by epoll; anything else is driven by goroutines.
func (w *Worker) newStream(c net.Conn) (stream.Stream, error) {
	if stream.IsReactor(w.source) {
		st, err := stream.NewFD(c)
		if err == nil {
			return st, nil
		}

		if !errors.Is(err, stream.ErrUnsupported) {
			return nil, err
		}
	}

	return stream.NewConn(c, w.Options.ReadBufferSize), nil
}

func localPort(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	return 0
}

// ConnectTransport registers st under key and starts reading frames from it.
// An empty key is replaced with a fresh connection token. On ErrDuplicateKey
// the stream is left untouched for the caller.
func (w *Worker) ConnectTransport(st stream.Stream, port int, enc EncryptionLevel, key string) error {
	if key == "" {
		key = xid.New().String()
	}

	return w.attach(NewSession(key, st, port, enc))
}

func (w *Worker) attach(sess *Session) error {
	sess.frames = NewFrameReader(w.Options.ResumePartialHeaders)
	sess.source = w.source
	sess.mask = stream.Readable

	if err := w.hooks.OnConnect(sess); err != nil {
		w.Log.Info("connection rejected", "category", "socket", "client", sess.Key(), "remote", sess.Remote, "error", err)
		return fmt.Errorf("%w: %w", ErrConnectionRejected, err)
	}

	if err := w.Sessions.Add(sess); err != nil {
		return err
	}

	if err := w.source.Subscribe(sess.Stream, stream.Readable, w.handler(sess)); err != nil {
		w.Sessions.RemoveSession(sess)
		return fmt.Errorf("%w: %w", ErrStream, err)
	}

	w.Info.ClientConnected()
	w.Log.Debug("connection established", "category", "socket", "client", sess.Key(),
		"port", sess.Port, "encryption", sess.Encryption.String(), "listener", sess.Listener)

	return nil
}

// handler returns the event loop callback for sess.
func (w *Worker) handler(sess *Session) stream.Handler {
	return func(_ stream.Stream, ev stream.Event, err error) {
		if ev.Has(stream.Errored) {
			w.streamFailed(sess, err)
			return
		}

		if ev.Has(stream.Writable) {
			w.writer.Flush(sess)
		}

		if ev.Has(stream.Readable) {
			w.readFrame(sess)
		}
	}
}

// readFrame reads at most one frame. Level triggering brings the loop back
// while bytes remain.
func (w *Worker) readFrame(sess *Session) {
	frame, err := sess.frames.ReadFrame(sess.Stream)
	switch {
	case err == nil && frame != nil:
		w.received(sess, frame)
	case err == nil:
	case errors.Is(err, ErrPartialHeader):
		w.Log.Warn(err.Error(), "category", "socket", "client", sess.Key())
	case errors.Is(err, packets.ErrMalformedHeader):
		w.Log.Warn("malformed fixed header", "category", "socket", "client", sess.Key(), "error", err)
		w.dispatcher.DispatchError(sess, err)
	default:
		w.streamFailed(sess, err)
	}
}

func (w *Worker) received(sess *Session, frame []byte) {
	atomic.AddInt64(&w.Info.BytesReceived, int64(len(frame)))
	atomic.AddInt64(&w.Info.PacketsReceived, 1)
	w.dispatcher.Dispatch(sess, frame)
}

// streamFailed drains any complete frames still buffered, then tears the
// session down and reports it.
func (w *Worker) streamFailed(sess *Session, cause error) {
	for {
		frame, err := sess.frames.ReadFrame(sess.Stream)
		if err != nil || frame == nil {
			break
		}
		w.received(sess, frame)
	}

	if !w.Sessions.RemoveSession(sess) {
		return
	}

	if cause == nil {
		cause = stream.ErrClosed
	}

	key := sess.Key()
	w.writer.Fail(sess, fmt.Errorf("%w: %w", ErrStream, cause))
	sess.Dispose()
	w.Info.ClientDisconnected()
	atomic.AddInt64(&w.Info.StreamErrors, 1)
	w.Log.Info("stream failed", "category", "socket", "client", key, "error", cause)
	w.hooks.OnDisconnect(sess, ReasonStreamFailed, cause)
	w.timedOut(key, ReasonStreamFailed)
}

// expire is called by a session's watchdog when its keep-alive deadline passes.
func (w *Worker) expire(sess *Session) {
	if !w.Sessions.RemoveSession(sess) {
		return
	}

	key := sess.Key()
	sess.Dispose()
	w.Info.ClientDisconnected()
	atomic.AddInt64(&w.Info.SessionsExpired, 1)
	w.Log.Info("client keep-alive deadline exceeded", "category", "socket", "client", key, "deadline", sess.Deadline())
	w.hooks.OnDisconnect(sess, ReasonKeepAliveExpired, nil)
	w.timedOut(key, ReasonKeepAliveExpired)
}

func (w *Worker) timedOut(key string, reason DisconnectReason) {
	w.mu.RLock()
	fn := w.onTimeout
	w.mu.RUnlock()
	if fn != nil {
		fn(key, reason)
	}
}

// PromoteToClient rekeys the session registered under key to clientID and
// arms its keep-alive watchdog. A live session already using clientID is
// disconnected.
func (w *Worker) PromoteToClient(clientID, key string, keepAlive uint16) {
	sess, evicted := w.Sessions.Promote(key, clientID, keepAlive)
	if sess == nil {
		return
	}

	atomic.AddInt64(&w.Info.SessionsPromoted, 1)
	w.Log.Debug("session promoted", "category", "socket", "client", clientID, "previous", key, "deadline", sess.Deadline())
	w.hooks.OnSessionPromoted(sess, key)

	if evicted != nil {
		w.Info.ClientDisconnected()
		atomic.AddInt64(&w.Info.SessionsEvicted, 1)
		w.Log.Info("evicted stale session", "category", "socket", "client", clientID, "remote", evicted.Remote)
		w.hooks.OnDisconnect(evicted, ReasonEvicted, nil)
	}
}

// ResetKeepAlive restarts the keep-alive period of the session under id.
func (w *Worker) ResetKeepAlive(id string) {
	w.Sessions.ResetDeadline(id)
}

// Disconnect removes and disposes the session under id.
func (w *Worker) Disconnect(id string) {
	sess := w.Sessions.Remove(id)
	if sess == nil {
		return
	}

	w.dispose(sess, ReasonDisconnected)
}

// DisconnectAllOnPort removes and disposes every session accepted on port.
func (w *Worker) DisconnectAllOnPort(port int) {
	w.disposeAll(w.Sessions.RemoveByPort(port), ReasonDisconnected)
}

// DisconnectAll removes and disposes every session.
func (w *Worker) DisconnectAll() {
	w.disposeAll(w.Sessions.RemoveAll(), ReasonShutdown)
}

func (w *Worker) disposeAll(sessions []*Session, reason DisconnectReason) {
	if len(sessions) == 0 {
		return
	}

	tasks := make([]PoolTask, len(sessions))
	for i, sess := range sessions {
		sess := sess
		tasks[i] = func() {
			w.dispose(sess, reason)
		}
	}

	w.closer.Run(tasks...)
}

func (w *Worker) dispose(sess *Session, reason DisconnectReason) {
	if !sess.Dispose() {
		return
	}

	w.Info.ClientDisconnected()
	w.Log.Debug("session disconnected", "category", "socket", "client", sess.Key(), "reason", reason.String())
	w.hooks.OnDisconnect(sess, reason, nil)
}

// Health returns nil while the worker is serving sessions, or ErrNotServing.
func (w *Worker) Health() error {
	if !w.loop.Running() {
		return ErrNotServing
	}

	return nil
}

// IsConnected returns true if a session is registered under id.
func (w *Worker) IsConnected(id string) bool {
	return w.Sessions.IsConnected(id)
}

// IsEncrypted returns true if the session under id negotiated any encryption.
func (w *Worker) IsEncrypted(id string) bool {
	return w.Sessions.IsEncrypted(id)
}

// Write encodes pk and writes it to the session under id. done is called
// exactly once with the outcome.
func (w *Worker) Write(id string, pk packets.Packet, done WriteFn) {
	w.writer.Write(id, pk, done)
}

// OnMessageReceived sets the callback receiving every decoded packet and
// every frame level error.
func (w *Worker) OnMessageReceived(fn MessageFn) {
	w.dispatcher.OnMessage(fn)
}

// OnClientTimeout sets the callback receiving keep-alive expiries and stream failures.
func (w *Worker) OnClientTimeout(fn TimeoutFn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onTimeout = fn
}

// Close attempts to gracefully shut down the worker, all listeners, sessions, and hooks.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.Log.Info("gracefully stopping worker")
		w.Listeners.CloseAll(w.closeListenerSessions)
		w.DisconnectAll()
		w.loop.Stop()
		_ = w.source.Close()
		w.dispatcher.Close()
		w.closer.Close()
		w.hooks.OnStopped()
		w.hooks.Stop()
		w.Log.Info("mochi transport stopped")
	})

	return nil
}

// closeListenerSessions disposes all sessions accepted by the specified listener.
func (w *Worker) closeListenerSessions(listener string) {
	w.disposeAll(w.Sessions.RemoveByListener(listener), ReasonShutdown)
}
