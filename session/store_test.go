package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sessions"), opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestCreateWritesSnapshotAndFirstEvent(t *testing.T) {
	s := testStore(t)
	sess, err := s.Create("openai", "gpt-5.2", "/work", "demo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Seq != 1 {
		t.Errorf("expected seq 1 after create, got %d", sess.Seq)
	}

	loaded, err := s.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Name != "demo" || loaded.ModelID != "gpt-5.2" {
		t.Errorf("unexpected loaded session: %+v", loaded)
	}
	events, err := s.Events(sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventSessionCreated {
		t.Fatalf("expected one session_created event, got %+v", events)
	}
}

func TestAppendSequenceIsGapless(t *testing.T) {
	s := testStore(t)
	sess, err := s.Create("p", "m", "/w", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 25; i++ {
		if _, err := s.Append(sess, EventStatus, map[string]int{"i": i}, "run-1"); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	events, err := s.Events(sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 26 {
		t.Fatalf("expected 26 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.ProtocolVersion != ProtocolVersion {
			t.Errorf("event %d has protocol version %d", i, ev.ProtocolVersion)
		}
	}
	if sess.Seq != 26 {
		t.Errorf("session seq = %d, want 26", sess.Seq)
	}
}

func TestAppendConcurrentWritersStayGapless(t *testing.T) {
	s := testStore(t)
	sess, err := s.Create("p", "m", "/w", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Writers share one session value; the store serializes them.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := s.Append(sess, EventStatus, nil, ""); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	events, err := s.Events(sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
	if len(events) != 81 {
		t.Errorf("expected 81 events, got %d", len(events))
	}
}

func TestEventsAfterSeq(t *testing.T) {
	s := testStore(t)
	sess, _ := s.Create("p", "m", "/w", "")
	for i := 0; i < 11; i++ {
		s.Append(sess, EventStatus, nil, "")
	}
	events, err := s.Events(sess.ID, 7)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events after seq 7, got %d", len(events))
	}
	if events[0].Seq != 8 || events[4].Seq != 12 {
		t.Errorf("unexpected range %d..%d", events[0].Seq, events[4].Seq)
	}
}

func TestPublisherSeesAppendedEvents(t *testing.T) {
	pub := &recordingPublisher{}
	s := testStore(t, WithPublisher(pub))
	sess, _ := s.Create("p", "m", "/w", "")
	s.Append(sess, EventUserMessage, map[string]string{"text": "hi"}, "r")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(pub.events))
	}
	if pub.events[1].Type != EventUserMessage || pub.events[1].RunID != "r" {
		t.Errorf("unexpected published event: %+v", pub.events[1])
	}
}

func TestLoadNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Load("does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = s.Load("../escape")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for path-like id, got %v", err)
	}
}

func TestLoadRejectsCorruptSnapshots(t *testing.T) {
	s := testStore(t)
	sess, _ := s.Create("p", "m", "/w", "")
	path := filepath.Join(s.Root(), sess.ID, snapshotFileName)

	cases := map[string]string{
		"partial write":   `{"id": "` + sess.ID + `", "messa`,
		"id mismatch":     `{"id": "other", "messages": []}`,
		"messages null":   `{"id": "` + sess.ID + `", "messages": null}`,
		"messages absent": `{"id": "` + sess.ID + `"}`,
		"bad role":        `{"id": "` + sess.ID + `", "messages": [{"role": "tool", "content": "x"}]}`,
		"messages object": `{"id": "` + sess.ID + `", "messages": {"role": "user"}}`,
	}
	for name, body := range cases {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if _, err := s.Load(sess.ID); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: expected ErrCorrupt, got %v", name, err)
		}
	}
}

func TestLoadAdvancesSeqFromLog(t *testing.T) {
	s := testStore(t)
	sess, _ := s.Create("p", "m", "/w", "")
	s.Append(sess, EventStatus, nil, "")
	s.Append(sess, EventStatus, nil, "")
	// No snapshot after the appends: the snapshot still says seq 1.

	loaded, err := s.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Seq != 3 {
		t.Fatalf("expected seq reconciled to 3, got %d", loaded.Seq)
	}
	ev, err := s.Append(loaded, EventStatus, nil, "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.Seq != 4 {
		t.Errorf("expected next seq 4, got %d", ev.Seq)
	}
}

func TestEventsIgnoresTornTail(t *testing.T) {
	s := testStore(t)
	sess, _ := s.Create("p", "m", "/w", "")
	s.Append(sess, EventStatus, nil, "")

	f, err := os.OpenFile(filepath.Join(s.Root(), sess.ID, eventsFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"protocolVersion":1,"sessionId":"`)
	f.Close()

	events, err := s.Events(sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 complete events, got %d", len(events))
	}
}

func TestAppendAfterTornTailKeepsLogReadable(t *testing.T) {
	s := testStore(t)
	sess, _ := s.Create("p", "m", "/w", "")
	s.Append(sess, EventStatus, nil, "")

	path := filepath.Join(s.Root(), sess.ID, eventsFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"protocolVersion":1,"sessionId":"`)
	f.Close()

	loaded, err := s.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load after torn write: %v", err)
	}
	ev, err := s.Append(loaded, EventUserMessage, map[string]any{"content": "after"}, "")
	if err != nil {
		t.Fatalf("Append after torn write: %v", err)
	}
	if ev.Seq != 3 {
		t.Errorf("seq = %d, want 3", ev.Seq)
	}

	events, err := s.Events(sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
	}
	if events[2].Type != EventUserMessage {
		t.Errorf("last event = %s, want %s", events[2].Type, EventUserMessage)
	}
	if _, err := s.Load(sess.ID); err != nil {
		t.Errorf("Load after repair: %v", err)
	}

	data, _ := os.ReadFile(path)
	if bytes.Contains(data, []byte(`"sessionId":"{`)) {
		t.Errorf("new event was glued onto the torn fragment:\n%s", data)
	}
}

func TestEventsRejectsOtherProtocolVersion(t *testing.T) {
	s := testStore(t)
	sess, _ := s.Create("p", "m", "/w", "")
	line, _ := json.Marshal(Event{ProtocolVersion: 99, SessionID: sess.ID, Seq: 2, Type: EventStatus})
	f, _ := os.OpenFile(filepath.Join(s.Root(), sess.ID, eventsFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	f.Write(append(line, '\n'))
	f.Close()

	if _, err := s.Events(sess.ID, 0); !errors.Is(err, ErrIncompatibleProtocol) {
		t.Fatalf("expected ErrIncompatibleProtocol, got %v", err)
	}
}

func TestListSkipsCorruptAndSortsByUpdate(t *testing.T) {
	s := testStore(t)
	older, _ := s.Create("p", "m", "/w", "older")
	newer, _ := s.Create("p", "m", "/w", "newer")
	broken, _ := s.Create("p", "m", "/w", "broken")

	older.UpdatedAt = time.Now().Add(-time.Hour)
	s.Snapshot(older)
	newer.UpdatedAt = time.Now().Add(time.Minute)
	s.Snapshot(newer)
	os.WriteFile(filepath.Join(s.Root(), broken.ID, snapshotFileName), []byte("{"), 0o644)

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 readable sessions, got %d", len(list))
	}
	if list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Errorf("unexpected order: %s, %s", list[0].Name, list[1].Name)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	sess, _ := s.Create("p", "m", "/w", "")
	if err := s.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestSnapshotCacheServesLatestWrite(t *testing.T) {
	s := testStore(t, WithSnapshotCache(1<<20))
	sess, _ := s.Create("p", "m", "/w", "")
	sess.Append(UserMessage("one"))
	if err := s.Snapshot(sess); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	sess.Append(AssistantMessage("two"))
	if err := s.Snapshot(sess); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	loaded, err := s.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(loaded.Messages))
	}
	// The loaded value must not alias the caller's session.
	loaded.Messages[0].Content = "changed"
	if sess.Messages[0].Content != "one" {
		t.Error("loaded session aliases the original")
	}
}

func TestNewIDIsTimeSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if !(a < b) {
		t.Errorf("expected %s < %s", a, b)
	}
}
