// Package server wires the transport listener, session layer,
// dispatcher, and subscription manager into one running inspector
// agent: accepting connections, routing their requests, and tearing
// everything down cleanly on Stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/dispatcher"
	"github.com/realminspector/agent/internal/limits"
	"github.com/realminspector/agent/internal/metrics"
	"github.com/realminspector/agent/internal/session"
	"github.com/realminspector/agent/internal/subscription"
	"github.com/realminspector/agent/internal/transport"
	"github.com/realminspector/agent/internal/value"
	"github.com/realminspector/agent/internal/wire"
)

// Config configures a Server. At least one Listener is required; every
// other field falls back to a sane default or a no-op when left zero.
type Config struct {
	Listeners          []transport.Listener
	Adapter            adapter.DatabaseAdapter
	Logger             *zap.Logger
	Metrics            *metrics.Registry
	RateLimiter        *limits.ConnectionRateLimiter
	ResourceGuard      *limits.ResourceGuard
	MaxMessageBytes    int
	SerializerMaxDepth int
	SerializerMaxItems int
}

// ShutdownReport summarizes what Stop tore down, for logging or a
// diagnostic response.
type ShutdownReport struct {
	ConnectionsClosed     int
	SubscriptionsTornDown int
	Duration              time.Duration
}

// Server owns the listener, the live client registry, the
// subscription manager, and the dispatcher's adapter executor. It
// routes subscribe/unsubscribe requests to the subscription manager
// and everything else to the dispatcher.
type Server struct {
	listeners     []transport.Listener
	db            adapter.DatabaseAdapter
	logger        *zap.Logger
	metrics       *metrics.Registry
	rateLimiter   *limits.ConnectionRateLimiter
	resourceGuard *limits.ResourceGuard
	codec         *wire.Codec

	executor   *dispatcher.Executor
	dispatch   *dispatcher.Dispatcher
	subs       *subscription.Manager

	mu          sync.Mutex
	clients     map[string]*session.ClientConnection
	activeConns int64

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsRegistry := cfg.Metrics
	if metricsRegistry == nil {
		metricsRegistry = metrics.NewRegistry()
	}

	executor := dispatcher.NewExecutor()
	codec := wire.NewCodec(cfg.MaxMessageBytes)
	codec.SetSerializerLimits(cfg.SerializerMaxDepth, cfg.SerializerMaxItems)

	s := &Server{
		listeners:     cfg.Listeners,
		db:            cfg.Adapter,
		logger:        logger,
		metrics:       metricsRegistry,
		rateLimiter:   cfg.RateLimiter,
		resourceGuard: cfg.ResourceGuard,
		codec:         codec,
		executor:      executor,
		dispatch:      dispatcher.New(cfg.Adapter, executor, logger),
		subs:          subscription.New(cfg.Adapter, logger),
		clients:       make(map[string]*session.ClientConnection),
	}
	return s
}

// Start launches the adapter executor and the accept loop. It returns
// immediately; the accept loop runs until Stop is called.
func (s *Server) Start() error {
	if len(s.listeners) == 0 {
		return errors.New("server: no listeners configured")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.executor.Start()
	if s.resourceGuard != nil {
		s.resourceGuard.StartMonitoring(s.ctx)
	}

	for _, l := range s.listeners {
		l := l
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(l)
		}()
		s.logger.Info("server started", zap.String("addr", l.Addr().String()))
	}

	return nil
}

func (s *Server) acceptLoop(l transport.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept error", zap.String("addr", l.Addr().String()), zap.Error(err))
			return
		}

		if !s.admit(conn) {
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// admit applies rate limiting and resource-based admission control.
// A connection that fails either check is closed immediately and
// counted against ConnectionsRejected.
func (s *Server) admit(conn net.Conn) bool {
	remoteAddr := conn.RemoteAddr().String()
	remoteHost := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteHost = host
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow(remoteHost) {
		s.metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		_ = conn.Close()
		return false
	}

	if s.resourceGuard != nil {
		if ok, reason := s.resourceGuard.ShouldAcceptConnection(); !ok {
			s.logger.Debug("connection rejected", zap.String("reason", reason), zap.String("remoteAddr", remoteAddr))
			s.metrics.ConnectionsRejected.WithLabelValues("resource_guard").Inc()
			_ = conn.Close()
			return false
		}
		if !s.resourceGuard.AcquireGoroutine() {
			s.metrics.ConnectionsRejected.WithLabelValues("goroutine_limit").Inc()
			_ = conn.Close()
			return false
		}
	}

	s.metrics.ConnectionsAccepted.Inc()
	return true
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		if s.resourceGuard != nil {
			s.resourceGuard.ReleaseGoroutine()
		}
	}()

	clientID := uuid.NewString()
	client := session.NewClientConnection(clientID, conn, s.codec, s.logger)
	client.MarkReady()

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()
	atomic.AddInt64(&s.activeConns, 1)
	s.metrics.ActiveConnections.Inc()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		_ = client.WriteLoop(s.ctx)
	}()

	_ = client.ReceiveLoop(s.ctx, func(m wire.Message) {
		if m.Request == nil {
			return
		}
		s.handleRequest(client, *m.Request)
	})

	_ = client.Close()
	<-writeDone

	s.subs.TeardownClient(clientID)
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
	atomic.AddInt64(&s.activeConns, -1)
	s.metrics.ActiveConnections.Dec()
	s.metrics.ActiveSubscriptions.Set(float64(s.subs.Count()))
}

func (s *Server) handleRequest(client *session.ClientConnection, req wire.Request) {
	s.metrics.RequestsTotal.WithLabelValues(string(req.Type)).Inc()

	var resp wire.Response
	switch req.Type {
	case wire.KindSubscribe:
		resp = s.handleSubscribe(client, req)
	case wire.KindUnsubscribe:
		resp = s.handleUnsubscribe(client, req)
	default:
		var err error
		resp, err = s.dispatch.Dispatch(s.ctx, req)
		if err != nil {
			return // context cancelled, server shutting down
		}
	}

	if !resp.Success {
		s.metrics.RequestErrors.WithLabelValues(string(req.Type)).Inc()
	}

	_ = client.Send(wire.ResponseMessage(resp))
}

func (s *Server) handleSubscribe(client *session.ClientConnection, req wire.Request) wire.Response {
	fail := func(msg string) wire.Response {
		return wire.Response{ID: req.ID, Success: false, Error: &msg, Timestamp: time.Now().UTC()}
	}

	typeNameVal, ok := req.Params["typeName"]
	if !ok {
		return fail("missing required parameter 'typeName'")
	}
	typeName, ok := typeNameVal.AsString()
	if !ok {
		return fail("invalid parameter 'typeName': must be a string")
	}

	filter := ""
	if filterVal, ok := req.Params["filter"]; ok {
		filter, ok = filterVal.AsString()
		if !ok {
			return fail("invalid parameter 'filter': must be a string")
		}
	}

	subID, err := s.subs.Subscribe(s.ctx, client.ID, typeName, filter, client.IsReady, func(n wire.Notification) {
		_ = client.Send(wire.NotificationMessage(n))
		s.metrics.NotificationsSent.Inc()
	})
	if err != nil {
		return fail(err.Error())
	}

	client.AddSubscription(subID)
	s.metrics.ActiveSubscriptions.Set(float64(s.subs.Count()))

	return wire.Response{
		ID:      req.ID,
		Success: true,
		Data: valuePtr(value.Map(map[string]value.Value{
			"subscriptionId": value.String(subID),
		})),
		Timestamp: time.Now().UTC(),
	}
}

func (s *Server) handleUnsubscribe(client *session.ClientConnection, req wire.Request) wire.Response {
	fail := func(msg string) wire.Response {
		return wire.Response{ID: req.ID, Success: false, Error: &msg, Timestamp: time.Now().UTC()}
	}

	idVal, ok := req.Params["subscriptionId"]
	if !ok {
		return fail("missing required parameter 'subscriptionId'")
	}
	subID, ok := idVal.AsString()
	if !ok {
		return fail("invalid parameter 'subscriptionId': must be a string")
	}

	s.subs.Unsubscribe(subID)
	client.RemoveSubscription(subID)
	s.metrics.ActiveSubscriptions.Set(float64(s.subs.Count()))

	return wire.Response{
		ID:      req.ID,
		Success: true,
		Data:    valuePtr(value.Map(map[string]value.Value{"unsubscribed": value.Bool(true)})),
		Timestamp: time.Now().UTC(),
	}
}

func valuePtr(v value.Value) *value.Value { return &v }

// Stop closes every listener, every live client connection, and every
// live subscription, then stops the adapter executor. Safe to call
// more than once — subsequent calls return an empty report
// immediately.
func (s *Server) Stop() ShutdownReport {
	var report ShutdownReport
	start := time.Now()

	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
		for _, l := range s.listeners {
			_ = l.Close()
		}

		s.mu.Lock()
		clients := make([]*session.ClientConnection, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		for _, c := range clients {
			_ = c.Close()
		}
		report.ConnectionsClosed = len(clients)

		report.SubscriptionsTornDown = s.subs.Count()
		s.subs.Stop()

		s.wg.Wait()
		s.executor.Stop()
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})

	report.Duration = time.Since(start)
	return report
}

func (s *Server) ActiveConnections() int64 { return atomic.LoadInt64(&s.activeConns) }

func (s *Server) String() string {
	addrs := make([]string, len(s.listeners))
	for i, l := range s.listeners {
		addrs[i] = l.Addr().String()
	}
	return fmt.Sprintf("Server{addrs=%v, clients=%d}", addrs, s.ActiveConnections())
}
