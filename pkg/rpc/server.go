package rpc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/unifyfs/internal/telemetry"
	"github.com/marmos91/unifyfs/pkg/metrics"
)

// Server accepts connections and dispatches each incoming call to its
// registered handler by opcode, mirroring the one-endpoint-per-opcode
// dispatch in the original margo RPC class registration (§4.1).
type Server struct {
	listener net.Listener
	handlers HandlerTable
	metrics  metrics.RPCMetrics

	mu     sync.Mutex
	closed bool
}

// NewServer wraps an already-bound listener. Callers choose the listener
// (TCP for server↔server, a Unix socket for client↔co-located-server)
// since §4.1 only specifies the call/bulk contract, not the carrier.
func NewServer(l net.Listener, handlers HandlerTable) *Server {
	return &Server{listener: l, handlers: handlers, metrics: metrics.NewRPCMetrics()}
}

// Serve accepts connections until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

// serveConn handles one connection's calls serially — §4.1's "one
// in-flight call per handle" contract means a connection never needs to
// demultiplex concurrent calls.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		kind, op, payload, err := readFrame(r)
		if err != nil {
			return
		}
		if kind != frameCall {
			continue
		}

		handler, ok := s.handlers[op]
		if !ok {
			writeFrame(w, frameErr, op, []byte(fmt.Sprintf("rpc: unregistered opcode %q", op)))
			continue
		}

		spanCtx, span := telemetry.StartSpan(context.Background(), telemetry.SpanRPCRequest,
			trace.WithAttributes(telemetry.Opcode(string(op))))

		start := time.Now()
		resp, err := handler(payload)
		if s.metrics != nil {
			s.metrics.ObserveCall(string(op), time.Since(start), err)
		}
		if err != nil {
			telemetry.RecordError(spanCtx, err)
		}
		span.End()
		if err != nil {
			writeFrame(w, frameErr, op, []byte(err.Error()))
			continue
		}
		if err := writeFrame(w, frameOK, op, resp); err != nil {
			return
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.listener.Close()
}
