package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/martinemde/coder/session"
)

// ErrSessionBusy is returned when a session already has an active run.
var ErrSessionBusy = errors.New("session already has an active run")

// SessionDefaults are applied to sessions the manager creates.
type SessionDefaults struct {
	ProviderID string
	ModelID    string
	Workspace  string
	Name       string
}

// Handle tracks a submitted run.
type Handle struct {
	SessionID string
	RunID     string

	done   chan struct{}
	result *RunResult
	err    error
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type liveSession struct {
	sess   *session.Session
	active *Handle
	cancel context.CancelFunc
}

// Manager keeps sessions alive across client connections, allowing at most
// one active run per session. Sessions are created lazily on first submit.
type Manager struct {
	engine   *Engine
	store    *session.Store
	defaults SessionDefaults
	logger   *slog.Logger

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	live   map[string]*liveSession
	closed bool
}

// NewManager returns a manager whose runs live until Close.
func NewManager(engine *Engine, store *session.Store, defaults SessionDefaults, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		engine:   engine,
		store:    store,
		defaults: defaults,
		logger:   logger,
		base:     base,
		stop:     stop,
		live:     make(map[string]*liveSession),
	}
}

// Submit starts a run for text on sessionID, creating a session when
// sessionID is empty. The run outlives ctx, which only bounds session
// lookup; use Cancel to stop it.
func (m *Manager) Submit(ctx context.Context, sessionID, text string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("manager closed")
	}

	ls, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if ls.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, ls.sess.ID)
	}

	runCtx, cancel := context.WithCancel(m.base)
	h := &Handle{SessionID: ls.sess.ID, RunID: session.NewID(), done: make(chan struct{})}
	ls.active = h
	ls.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		res, err := m.engine.RunWithID(runCtx, ls.sess, h.RunID, text)
		if err != nil {
			m.logger.Error("run failed to persist", "session", h.SessionID, "run", h.RunID, "error", err)
		}
		m.mu.Lock()
		ls.active = nil
		ls.cancel = nil
		m.mu.Unlock()
		h.result, h.err = res, err
		close(h.done)
	}()
	return h, nil
}

// lookup returns the live entry for id, loading or creating the session.
// Callers hold m.mu.
func (m *Manager) lookup(id string) (*liveSession, error) {
	if id == "" {
		d := m.defaults
		sess, err := m.store.Create(d.ProviderID, d.ModelID, d.Workspace, d.Name)
		if err != nil {
			return nil, err
		}
		ls := &liveSession{sess: sess}
		m.live[sess.ID] = ls
		return ls, nil
	}
	if ls, ok := m.live[id]; ok {
		return ls, nil
	}
	sess, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	ls := &liveSession{sess: sess}
	m.live[id] = ls
	return ls, nil
}

// Cancel stops the active run of sessionID. It reports whether a run was
// active.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[sessionID]
	if !ok || ls.cancel == nil {
		return false
	}
	ls.cancel()
	return true
}

// Active returns the active run handle of sessionID, if any.
func (m *Manager) Active(sessionID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls, ok := m.live[sessionID]; ok {
		return ls.active
	}
	return nil
}

// Snapshot returns a copy of the session safe to read concurrently. While
// a run is active the copy is the last persisted round.
func (m *Manager) Snapshot(sessionID string) (*session.Session, error) {
	m.mu.Lock()
	ls, ok := m.live[sessionID]
	if ok && ls.active == nil {
		c := ls.sess.Clone()
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()
	return m.store.Load(sessionID)
}

// Compact compacts an idle session.
func (m *Manager) Compact(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if ls.active != nil {
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	_, err = m.engine.Compact(ctx, ls.sess)
	return err
}

// Forget drops an idle session from memory, for example after deletion.
func (m *Manager) Forget(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls, ok := m.live[sessionID]; ok && ls.active != nil {
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	delete(m.live, sessionID)
	return nil
}

// Close cancels every active run and waits for them to record their
// outcome.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.wg.Wait()
}
