// Package framed carries tool envelopes over a byte stream. Each frame is a
// 4-byte big-endian length prefix followed by one JSON-encoded envelope.
//
// The framing is transport-agnostic: the server runs the same loop over a
// TCP listener, a unix socket, or an in-process pipe in tests.
package framed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/openclinic/medrag/internal/toolserver"
	"github.com/openclinic/medrag/pkg/fault"
)

// MaxFrameSize rejects frames larger than 8 MiB; a bigger frame means a
// corrupt stream or a hostile peer, not a real request.
const MaxFrameSize = 8 << 20

// WriteFrame encodes v as JSON and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("framed: marshal: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("framed: frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("framed: write prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framed: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. io.EOF at a frame boundary is
// returned as-is so callers can detect a clean close.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("framed: read prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("framed: frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("framed: read payload: %w", err)
	}
	return payload, nil
}

// Server serves tool envelopes over framed connections.
type Server struct {
	tools *toolserver.Server
	log   *slog.Logger
}

// NewServer wraps the dispatcher. A nil logger falls back to slog.Default.
func NewServer(tools *toolserver.Server, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{tools: tools, log: log}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each connection gets its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("framed: accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs the request loop of one connection. Requests on the same
// connection are handled concurrently; responses may interleave in any
// order, correlated by request_id. The connection closes on stream
// corruption or when ctx is cancelled.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	respond := func(resp toolserver.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := WriteFrame(conn, resp); err != nil {
			s.log.Warn("framed response write failed", "request_id", resp.RequestID, "error", err)
			cancel()
		}
	}

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Warn("framed stream closed", "error", err)
			}
			return
		}

		var req toolserver.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			// A frame that is not a request envelope poisons the whole
			// stream; answer once and drop the connection.
			respond(toolserver.Response{
				OK: false,
				Error: &toolserver.ErrorInfo{
					Kind:    fault.InvalidInput,
					Message: "malformed request envelope: " + err.Error(),
				},
			})
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			respond(s.tools.Handle(ctx, req))
		}()
	}
}
