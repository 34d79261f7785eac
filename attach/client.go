package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/martinemde/coder/session"
)

// ErrClosed is returned for calls on a client whose connection has ended.
var ErrClosed = errors.New("attach connection closed")

// Subscription receives the events of one attach. C is closed when the
// connection ends or a later attach on the same client replaces it; Err
// then reports why. Resume with LastSeq to continue without gaps.
type Subscription struct {
	SessionID string
	Replay    Replay
	C         <-chan session.Event

	c       chan session.Event
	stop    chan struct{}
	stopped sync.Once
	last    atomic.Int64

	mu  sync.Mutex
	err error
}

// LastSeq returns the seq of the last event delivered on C.
func (s *Subscription) LastSeq() int64 { return s.last.Load() }

// Err returns the reason C was closed, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery on C. The connection stays open.
func (s *Subscription) Close() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.c)
}

type pendingCall struct {
	ch  chan Frame
	sub *Subscription
}

// Client speaks the protocol over one connection. Responses are matched
// to requests by id; event frames go to the current subscription.
type Client struct {
	conn   net.Conn
	w      *frameWriter
	logger *slog.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]pendingCall
	sub     *Subscription
	err     error

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a server listening on network/addr, typically a unix
// socket path.
func Dial(ctx context.Context, network, addr string, logger *slog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn, logger), nil
}

// NewClient starts a client on an established connection.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:    conn,
		w:       &frameWriter{w: conn},
		logger:  logger,
		pending: make(map[string]pendingCall),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop(newFrameReader(conn))
	return c
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Attach follows sessionID, replaying every event after lastSeen. Any
// earlier subscription on this client is closed.
func (c *Client) Attach(ctx context.Context, sessionID string, lastSeen int64) (*Subscription, error) {
	ch := make(chan session.Event, 64)
	sub := &Subscription{SessionID: sessionID, C: ch, c: ch, stop: make(chan struct{})}
	sub.last.Store(lastSeen)

	resp, err := c.call(ctx, TypeAttachSession, AttachRequest{SessionID: sessionID, LastSeenSeq: lastSeen}, sub)
	if err != nil {
		return nil, err
	}
	var body AttachResponse
	if err := decode(resp, &body); err != nil {
		sub.Close()
		return nil, err
	}
	sub.Replay = body.Replay
	return sub, nil
}

// Submit starts a run. An empty sessionID asks the server to create a
// session.
func (c *Client) Submit(ctx context.Context, sessionID, text string) (SubmitResponse, error) {
	var out SubmitResponse
	resp, err := c.call(ctx, TypeSubmit, SubmitRequest{SessionID: sessionID, Text: text}, nil)
	if err != nil {
		return out, err
	}
	err = decode(resp, &out)
	return out, err
}

// Cancel stops the active run of sessionID and reports whether there was
// one.
func (c *Client) Cancel(ctx context.Context, sessionID string) (bool, error) {
	var out CancelResponse
	resp, err := c.call(ctx, TypeCancelRun, CancelRequest{SessionID: sessionID}, nil)
	if err != nil {
		return false, err
	}
	err = decode(resp, &out)
	return out.Cancelled, err
}

// ListSessions returns the server's session summaries.
func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	var out ListResponse
	resp, err := c.call(ctx, TypeListSessions, struct{}{}, nil)
	if err != nil {
		return nil, err
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) call(ctx context.Context, typ string, payload any, sub *Subscription) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	req, err := newRequest(id, typ, payload)
	if err != nil {
		return Frame{}, err
	}
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.pending[id] = pendingCall{ch: ch, sub: sub}
	c.mu.Unlock()

	if err := c.w.write(req); err != nil {
		c.forget(id)
		return Frame{}, fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return Frame{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, c.closeErr()
		}
		if !resp.Succeeded() {
			msg := "request failed"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return resp, fmt.Errorf("%s: %s", typ, msg)
		}
		return resp, nil
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) readLoop(r *frameReader) {
	err := c.consume(r)
	select {
	case <-c.closing:
		err = ErrClosed
	default:
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			err = ErrClosed
		}
	}

	c.mu.Lock()
	c.err = err
	for id, p := range c.pending {
		close(p.ch)
		delete(c.pending, id)
	}
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.finish(err)
	}
	close(c.done)
}

func (c *Client) consume(r *frameReader) error {
	for {
		f, err := r.read()
		if err != nil {
			return err
		}
		switch f.Kind {
		case KindResponse:
			c.respond(f)
		case KindEvent:
			c.mu.Lock()
			sub := c.sub
			c.mu.Unlock()
			if sub == nil {
				c.logger.Debug("dropping event without subscription", "seq", f.Seq)
				continue
			}
			c.deliver(sub, f.Event())
		default:
			c.logger.Warn("unexpected frame", "kind", f.Kind, "type", f.Type)
		}
	}
}

// respond hands f to its waiting call. A successful attach response
// installs the subscription before any of its events are read.
func (c *Client) respond(f Frame) {
	c.mu.Lock()
	p, ok := c.pending[f.RequestID]
	delete(c.pending, f.RequestID)
	var replaced *Subscription
	if ok && p.sub != nil && f.Succeeded() {
		replaced, c.sub = c.sub, p.sub
	}
	c.mu.Unlock()

	if replaced != nil {
		replaced.finish(errors.New("replaced by a later attach"))
	}
	if ok {
		p.ch <- f
	}
}

func (c *Client) deliver(sub *Subscription, ev session.Event) {
	select {
	case sub.c <- ev:
		sub.last.Store(ev.Seq)
	case <-sub.stop:
	case <-c.closing:
	}
}
