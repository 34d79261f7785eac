package attach

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/martinemde/coder/session"
)

const defaultSubscriberBuffer = 256

// Hub fans appended session events out to attached subscribers. It
// implements session.Publisher and never blocks the appender: a
// subscriber that falls behind is flagged and catches up from the store.
type Hub struct {
	store  *session.Store
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
	done   chan struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSubscriberBuffer sets the per-subscriber live buffer.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) { h.buffer = n }
}

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub returns a hub backed by store and registers it as the store's
// publisher.
func NewHub(store *session.Store, opts ...HubOption) *Hub {
	h := &Hub{
		store:  store,
		buffer: defaultSubscriberBuffer,
		logger: slog.Default(),
		subs:   make(map[string]map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.buffer <= 0 {
		h.buffer = 1
	}
	store.SetPublisher(h)
	return h
}

type subscriber struct {
	live chan session.Event
	// lagged holds a token when live events were dropped.
	lagged chan struct{}
}

// Publish implements session.Publisher.
func (h *Hub) Publish(ev session.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.SessionID] {
		select {
		case sub.live <- ev:
		default:
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribers returns the number of subscribers attached to sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *Hub) subscribe(sessionID string) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	sub := &subscriber{
		live:   make(chan session.Event, h.buffer),
		lagged: make(chan struct{}, 1),
	}
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) unsubscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// ErrHubClosed is returned by Stream once the hub has been closed.
var ErrHubClosed = errors.New("attach hub closed")

// Close detaches every subscriber and ends their streams.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.subs = make(map[string]map[*subscriber]struct{})
	close(h.done)
}

// Stream delivers the events of sessionID with seq > lastSeen to send, in
// order and exactly once, until ctx is done or send fails. The replay
// range is reported to ready before the first event is sent. The live
// subscription is taken before the log is read, so an event appended
// during replay is seen either in the replay or live, and the seq cursor
// filters the overlap.
func (h *Hub) Stream(ctx context.Context, sessionID string, lastSeen int64, ready func(Replay) error, send func(session.Event) error) error {
	sub, err := h.subscribe(sessionID)
	if err != nil {
		return err
	}
	defer h.unsubscribe(sessionID, sub)

	backlog, err := h.store.Events(sessionID, lastSeen)
	if err != nil {
		return err
	}
	replay := Replay{FromSeq: lastSeen + 1, ToSeq: lastSeen}
	if n := len(backlog); n > 0 {
		replay.ToSeq = backlog[n-1].Seq
	}
	if ready != nil {
		if err := ready(replay); err != nil {
			return err
		}
	}

	cursor := lastSeen
	deliver := func(evs []session.Event) error {
		for _, ev := range evs {
			if ev.Seq <= cursor {
				continue
			}
			if err := send(ev); err != nil {
				return err
			}
			cursor = ev.Seq
		}
		return nil
	}
	catchUp := func() error {
		evs, err := h.store.Events(sessionID, cursor)
		if err != nil {
			return err
		}
		return deliver(evs)
	}

	if err := deliver(backlog); err != nil {
		return err
	}
	h.logger.Debug("attach replay sent", "session", sessionID, "from", replay.FromSeq, "to", replay.ToSeq)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return ErrHubClosed
		case <-sub.lagged:
			h.logger.Debug("attach subscriber lagged; reading log", "session", sessionID, "cursor", cursor)
			if err := catchUp(); err != nil {
				return err
			}
		case ev := <-sub.live:
			switch {
			case ev.Seq <= cursor:
			case ev.Seq == cursor+1:
				if err := deliver([]session.Event{ev}); err != nil {
					return err
				}
			default:
				if err := catchUp(); err != nil {
					return err
				}
			}
		}
	}
}
