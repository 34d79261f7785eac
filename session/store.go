package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	eventsFileName   = "events.jsonl"
	snapshotFileName = "session.json"
)

var (
	// ErrNotFound is returned when no session exists with the given ID.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned when a session's snapshot or log cannot be
	// read back into a valid session.
	ErrCorrupt = errors.New("session corrupt")
	// ErrIncompatibleProtocol is returned when persisted data carries a
	// protocol version this build does not understand.
	ErrIncompatibleProtocol = errors.New("incompatible protocol version")
)

// Store persists sessions as a directory per session holding an
// append-only event log and a snapshot file. All methods are safe for
// concurrent use; writes to one session are serialized.
type Store struct {
	root   string
	logger *slog.Logger

	cacheBytes int64
	cache      *ristretto.Cache[string, []byte]

	pubMu     sync.RWMutex
	publisher Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithPublisher registers a publisher that sees every appended event.
func WithPublisher(p Publisher) StoreOption {
	return func(s *Store) { s.publisher = p }
}

// WithSnapshotCache keeps recently written or read snapshots in an
// in-process cache bounded to maxBytes.
func WithSnapshotCache(maxBytes int64) StoreOption {
	return func(s *Store) { s.cacheBytes = maxBytes }
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	if s.cacheBytes > 0 {
		c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: s.cacheBytes / 100 * 10,
			MaxCost:     s.cacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create snapshot cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// Close releases the snapshot cache.
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

// SetPublisher replaces the publisher. It exists so that a publisher which
// itself needs the store (for backfill) can be wired after construction.
func (s *Store) SetPublisher(p Publisher) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.publisher = p
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) dir(id string) string { return filepath.Join(s.root, id) }

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// Create makes a new session, records session_created and writes the
// first snapshot.
func (s *Store) Create(providerID, modelID, workspace, name string) (*Session, error) {
	sess := New(providerID, modelID, workspace, name)
	if err := os.MkdirAll(s.dir(sess.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	payload := map[string]any{
		"providerId": providerID,
		"modelId":    modelID,
		"workspace":  workspace,
		"name":       name,
	}
	if _, err := s.Append(sess, EventSessionCreated, payload, ""); err != nil {
		return nil, err
	}
	if err := s.Snapshot(sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created", "session", sess.ID, "provider", providerID, "model", modelID)
	return sess, nil
}

// Append assigns the next sequence number to a new event and writes it as a
// single line. The caller's session Seq is advanced only after the line is
// durably written.
func (s *Store) Append(sess *Session, typ EventType, payload any, runID string) (Event, error) {
	lock := s.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	ev := Event{
		ProtocolVersion: ProtocolVersion,
		SessionID:       sess.ID,
		RunID:           runID,
		Seq:             sess.Seq + 1,
		Timestamp:       time.Now().UTC(),
		Type:            typ,
		Payload:         raw,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(s.dir(sess.ID), eventsFileName), os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return Event{}, fmt.Errorf("open event log: %w", err)
	}
	if dropped, err := repairTail(f); err != nil {
		f.Close()
		return Event{}, fmt.Errorf("repair event log: %w", err)
	} else if dropped > 0 {
		s.logger.Warn("dropped torn event log tail", "session", sess.ID, "bytes", dropped)
	}
	// One write per record: a crash leaves at most a torn final line.
	if _, err := f.Write(line); err != nil {
		f.Close()
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Event{}, fmt.Errorf("sync event log: %w", err)
	}
	if err := f.Close(); err != nil {
		return Event{}, fmt.Errorf("close event log: %w", err)
	}

	sess.Seq = ev.Seq
	sess.UpdatedAt = ev.Timestamp

	s.pubMu.RLock()
	pub := s.publisher
	s.pubMu.RUnlock()
	if pub != nil {
		pub.Publish(ev)
	}
	return ev, nil
}

// repairTail truncates f after its last newline, removing a partial line
// left by a crash mid-write so the next append starts on a fresh line. It
// returns the number of bytes dropped.
func repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		return 0, nil
	}

	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			end = start + int64(i) + 1
			break
		}
		end = start
	}
	if err := f.Truncate(end); err != nil {
		return 0, err
	}
	return size - end, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// Snapshot overwrites the session's full-state file. The write goes to a
// temporary file that is renamed into place.
func (s *Store) Snapshot(sess *Session) error {
	lock := s.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := s.dir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, snapshotFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, snapshotFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	if s.cache != nil {
		// Del is applied immediately; Set may be dropped under contention,
		// which only costs a cache miss.
		s.cache.Del(sess.ID)
		s.cache.Set(sess.ID, data, int64(len(data)))
		s.cache.Wait()
	}
	return nil
}

// Load reads and validates a session snapshot. A snapshot whose stored ID
// differs from id, or whose messages are missing or malformed, is reported
// as ErrCorrupt. The returned session's Seq is reconciled with the event
// log so a crash between append and snapshot never reuses a sequence number.
func (s *Store) Load(id string) (*Session, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	data, err := s.readSnapshot(id)
	if err != nil {
		return nil, err
	}
	sess, err := decodeSnapshot(id, data)
	if err != nil {
		return nil, err
	}

	last, err := s.LastSeq(id)
	if err != nil {
		return nil, err
	}
	if last > sess.Seq {
		s.logger.Warn("snapshot behind event log, advancing seq",
			"session", id, "snapshot_seq", sess.Seq, "log_seq", last)
		sess.Seq = last
	}
	return sess, nil
}

func (s *Store) readSnapshot(id string) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(id); ok {
			return data, nil
		}
	}
	data, err := os.ReadFile(filepath.Join(s.dir(id), snapshotFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: read snapshot %s: %v", ErrCorrupt, id, err)
	}
	return data, nil
}

func decodeSnapshot(id string, data []byte) (*Session, error) {
	var stored struct {
		ID       string          `json:"id"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if stored.ID != id {
		return nil, fmt.Errorf("%w: %s: stored id %q", ErrCorrupt, id, stored.ID)
	}
	trimmed := bytes.TrimSpace(stored.Messages)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: %s: messages missing", ErrCorrupt, id)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	for i, m := range sess.Messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("%w: %s: message %d has role %q", ErrCorrupt, id, i, m.Role)
		}
	}
	return &sess, nil
}

// List returns summaries of all readable sessions, most recently updated
// first. Unreadable or corrupt sessions are skipped.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []Summary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.Load(entry.Name())
		if err != nil {
			s.logger.Debug("skipping unreadable session", "session", entry.Name(), "error", err)
			continue
		}
		out = append(out, sess.Summarize())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes a session's storage. Refusing to delete an active session
// is the caller's concern.
func (s *Store) Delete(id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("stat session: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if s.cache != nil {
		s.cache.Del(id)
	}
	s.logger.Info("session deleted", "session", id)
	return nil
}

// Events returns the logged events with seq greater than afterSeq, in
// order. A torn final line left by a crash mid-write is ignored.
func (s *Store) Events(id string, afterSeq int64) ([]Event, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	f, err := os.Open(filepath.Join(s.dir(id), eventsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat(s.dir(id)); statErr == nil {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []Event
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(line)) > 0 {
				s.logger.Warn("ignoring torn event log tail", "session", id, "bytes", len(line))
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read event log: %w", err)
		}
		lineNo++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: event line %d: %v", ErrCorrupt, id, lineNo, err)
		}
		if ev.ProtocolVersion != ProtocolVersion {
			return nil, fmt.Errorf("%w: event line %d has version %d, want %d",
				ErrIncompatibleProtocol, lineNo, ev.ProtocolVersion, ProtocolVersion)
		}
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LastSeq returns the highest sequence number in the session's log, or 0.
func (s *Store) LastSeq(id string) (int64, error) {
	events, err := s.Events(id, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}
