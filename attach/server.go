package attach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/martinemde/coder/agentloop"
	"github.com/martinemde/coder/session"
)

// Runner starts and cancels runs. *agentloop.Manager satisfies it.
type Runner interface {
	Submit(ctx context.Context, sessionID, text string) (*agentloop.Handle, error)
	Cancel(sessionID string) bool
}

// Server answers protocol requests on any number of connections.
type Server struct {
	hub    *Hub
	store  *session.Store
	runner Runner
	logger *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer returns a server streaming from hub. runner may be nil, in
// which case submit and cancel_run fail.
func NewServer(hub *Hub, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hub: hub, store: hub.store, runner: runner, logger: logger, quit: make(chan struct{})}
}

// Shutdown ends every connection the server is handling.
func (s *Server) Shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	s.logger.Info("attach server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Debug("attach connection ended", "error", err)
			}
		}()
	}
}

// ServeConn handles one connection until the peer disconnects or ctx is
// done. Requests are answered in order; an attach stream runs alongside
// and is replaced by a later attach on the same connection.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	stopCtx := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopCtx()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	c := &serverConn{
		srv:    s,
		w:      &frameWriter{w: conn},
		logger: s.logger.With("remote", conn.RemoteAddr().String()),
	}
	c.logger.Debug("attach client connected")

	err := c.readLoop(ctx, newFrameReader(conn))
	cancel()
	conn.Close()
	c.stopStream()
	c.logger.Debug("attach client disconnected")
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

type serverConn struct {
	srv    *Server
	w      *frameWriter
	logger *slog.Logger

	mu           sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

func (c *serverConn) readLoop(ctx context.Context, r *frameReader) error {
	for {
		req, err := r.read()
		if errors.Is(err, ErrProtocolVersion) {
			if werr := c.w.write(errResponse(req, err)); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return err
		}
		if req.Kind != KindRequest {
			c.logger.Warn("ignoring non-request frame", "kind", req.Kind, "type", req.Type)
			continue
		}
		if err := c.handle(ctx, req); err != nil {
			return err
		}
	}
}

// handle answers req. The returned error is a write failure.
func (c *serverConn) handle(ctx context.Context, req Frame) error {
	c.logger.Debug("attach request", "type", req.Type, "request", req.RequestID)
	switch req.Type {
	case TypeAttachSession:
		var p AttachRequest
		if err := decode(req, &p); err != nil {
			return c.w.write(errResponse(req, err))
		}
		c.startStream(ctx, req, p)
		return nil

	case TypeSubmit:
		var p SubmitRequest
		if err := decode(req, &p); err != nil {
			return c.w.write(errResponse(req, err))
		}
		return c.reply(req, func() (any, error) {
			if c.srv.runner == nil {
				return nil, errors.New("this server does not run sessions")
			}
			if p.Text == "" {
				return nil, errors.New("text is required")
			}
			h, err := c.srv.runner.Submit(ctx, p.SessionID, p.Text)
			if err != nil {
				return nil, err
			}
			return SubmitResponse{SessionID: h.SessionID, RunID: h.RunID}, nil
		})

	case TypeCancelRun:
		var p CancelRequest
		if err := decode(req, &p); err != nil {
			return c.w.write(errResponse(req, err))
		}
		return c.reply(req, func() (any, error) {
			if c.srv.runner == nil {
				return nil, errors.New("this server does not run sessions")
			}
			return CancelResponse{Cancelled: c.srv.runner.Cancel(p.SessionID)}, nil
		})

	case TypeListSessions:
		return c.reply(req, func() (any, error) {
			list, err := c.srv.store.List()
			if err != nil {
				return nil, err
			}
			return ListResponse{Sessions: list}, nil
		})
	}
	return c.w.write(errResponse(req, fmt.Errorf("unknown request type %q", req.Type)))
}

func (c *serverConn) reply(req Frame, fn func() (any, error)) error {
	payload, err := fn()
	if err != nil {
		return c.w.write(errResponse(req, err))
	}
	resp, err := okResponse(req, payload)
	if err != nil {
		return c.w.write(errResponse(req, err))
	}
	return c.w.write(resp)
}

func decode(req Frame, v any) error {
	if len(req.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", req.Type)
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", req.Type, err)
	}
	return nil
}

// startStream replaces any running attach stream with one for p.
func (c *serverConn) startStream(ctx context.Context, req Frame, p AttachRequest) {
	c.stopStream()

	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.streamCancel, c.streamDone = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		responded := false
		ready := func(r Replay) error {
			resp, err := okResponse(req, AttachResponse{Replay: r})
			if err != nil {
				return err
			}
			responded = true
			return c.w.write(resp)
		}
		send := func(ev session.Event) error { return c.w.write(EventFrame(ev)) }

		err := c.srv.hub.Stream(sctx, p.SessionID, p.LastSeenSeq, ready, send)
		switch {
		case !responded && err != nil:
			if werr := c.w.write(errResponse(req, err)); werr != nil {
				c.logger.Debug("attach error response failed", "error", werr)
			}
		case err != nil && sctx.Err() == nil:
			c.logger.Warn("attach stream ended", "session", p.SessionID, "error", err)
		}
	}()
}

func (c *serverConn) stopStream() {
	c.mu.Lock()
	cancel, done := c.streamCancel, c.streamDone
	c.streamCancel, c.streamDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
