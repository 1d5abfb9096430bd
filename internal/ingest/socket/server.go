// Package socket accepts length-prefixed protobuf requests over TCP or a
// unix socket and answers each ingest request once its events have been
// delivered or rejected.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chroniclesink/internal/clock"
	"chroniclesink/internal/codec"
	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
	"chroniclesink/internal/ingest"
)

type Config struct {
	Enabled          bool        `mapstructure:"enabled"`
	Network          string      `mapstructure:"network"`
	Address          string      `mapstructure:"address"`
	UnixSocketPath   string      `mapstructure:"unix_socket_path"`
	AuthToken        string      `mapstructure:"auth_token"`
	MaxInflight      int         `mapstructure:"max_inflight"`
	GlobalQueueLimit int         `mapstructure:"global_queue_limit"`
	TLSConfig        *tls.Config `mapstructure:"-"`
}

func (c *Config) withDefaults() {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 64
	}
	if c.GlobalQueueLimit <= 0 {
		c.GlobalQueueLimit = 4096
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Network {
	case "", "tcp", "tcp4", "tcp6":
		if c.Address == "" {
			return errors.New("sources.socket.address is required")
		}
	case "unix":
		if c.UnixSocketPath == "" {
			return errors.New("sources.socket.unix_socket_path is required")
		}
	default:
		return fmt.Errorf("sources.socket.network %q is not supported", c.Network)
	}
	return nil
}

type Server struct {
	cfg     Config
	out     chan<- event.Event
	gelf    codec.GELFDecoder
	clock   clock.Clock
	logger  *slog.Logger
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
	pending  sync.WaitGroup
	// done is closed when the writer stops.
	done chan struct{}
}

// NewServer returns a server that emits decoded events into out.
func NewServer(cfg Config, out chan<- event.Event, clk clock.Clock, logger *slog.Logger) *Server {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		out:     out,
		gelf:    codec.GELFDecoder{Clock: clk},
		clock:   clk,
		logger:  logger.With("component", "socket"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		conns:   map[net.Conn]struct{}{},
	}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Run listens until ctx is done, then stops reading and waits for every
// accepted request to be answered.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.logger.Info("socket source listening", "network", s.cfg.Network, "address", s.Addr())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting and unblocks every connection reader. Responses
// for requests already admitted are still written.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.connMu.Lock()
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}
	s.connMu.Unlock()
	return err
}

func (s *Server) track(c net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[c] = struct{}{}
		if s.closed.Load() {
			_ = c.SetReadDeadline(time.Now())
		}
		return
	}
	delete(s.conns, c)
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *SocketResponse, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		done:     make(chan struct{}),
	}
	s.track(raw, true)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer s.track(raw, false)
		defer raw.Close()
		s.writeLoop(conn)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx, conn)
		conn.pending.Wait()
		close(conn.writerQ)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	defer close(conn.done)
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := codec.WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := codec.ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		switch Operation(req.Operation) {
		case OperationPing:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, Pong: &PongResponse{UnixTimeNs: s.clock.Now().UTC().UnixNano()}})
		case OperationHealth:
			s.send(conn, s.health(req))
		case OperationIngest, OperationIngestGELF:
			s.handleIngest(ctx, conn, req)
		default:
			s.send(conn, badReq(req, "unknown operation"))
		}
	}
}

func (s *Server) health(req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, Health: &HealthResponse{Ok: true, Message: "ok"}}
	if s.closed.Load() {
		res.Health = &HealthResponse{Ok: false, Message: "shutting down"}
	}
	return res
}

// handleIngest admits the request's events in connection order, then
// answers asynchronously once the batch status is known.
func (s *Server) handleIngest(ctx context.Context, conn *connection, req *SocketRequest) {
	events, err := s.decode(req)
	if err != nil {
		s.send(conn, badReq(req, err.Error()))
		return
	}

	select {
	case conn.inflight <- struct{}{}:
	default:
		s.send(conn, overloaded(req, "connection inflight limit exceeded"))
		return
	}
	releaseInflight := func() { <-conn.inflight }
	select {
	case s.globalQ <- struct{}{}:
	default:
		releaseInflight()
		s.send(conn, overloaded(req, "adapter queue overloaded"))
		return
	}
	release := func() { <-s.globalQ; releaseInflight() }

	status := ingest.EmitAll(ctx, s.out, events)
	conn.pending.Add(1)
	go func() {
		defer conn.pending.Done()
		st := <-status
		release()
		if st != finalize.BatchDelivered {
			s.logger.Debug("ingest request not delivered", "request_id", req.RequestId, "events", len(events))
		}
		s.sendVerdict(conn, &SocketResponse{
			RequestId: req.RequestId,
			Ingest:    &IngestResponse{Accepted: st == finalize.BatchDelivered, EventCount: uint32(len(events)), Status: st.String()},
		})
	}()
}

func (s *Server) decode(req *SocketRequest) ([]event.Event, error) {
	now := s.clock.Now()
	if Operation(req.Operation) == OperationIngestGELF {
		events := make([]event.Event, 0, len(req.Ingest.Gelf))
		for i, frame := range req.Ingest.Gelf {
			e, err := s.gelf.Decode(frame)
			if err != nil {
				return nil, fmt.Errorf("gelf message %d: %w", i, err)
			}
			events = append(events, e)
		}
		return events, nil
	}
	events := make([]event.Event, 0, len(req.Ingest.Events))
	for i, e := range req.Ingest.Events {
		converted, err := ToEvent(e, now)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, converted)
	}
	return events, nil
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

// sendVerdict queues an ingest result, waiting for room unless the
// writer has stopped. The producer learns the batch status only from it.
func (s *Server) sendVerdict(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	case <-conn.done:
		s.logger.Debug("connection closed before ingest result was written", "request_id", res.RequestId)
	}
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func overloaded(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: msg}
}

// DialAndRequest sends one request on a fresh connection and waits for
// its response.
func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := codec.WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := codec.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
