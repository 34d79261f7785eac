// Package attach implements the attach/replay protocol that detached
// clients use to follow a session kept alive by the daemon.
//
// Frames are newline-delimited JSON objects. A client sends request
// frames; the server answers each with exactly one response frame. After
// a successful attach_session response the server streams event frames:
// first every logged event after the client's lastSeenSeq, then live
// events as they are appended. Resuming with the last seq seen yields
// no gaps and no duplicates.
package attach

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/martinemde/coder/session"
)

// ErrProtocolVersion is returned for frames carrying a different version.
var ErrProtocolVersion = errors.New("unsupported protocol version")

// Kind distinguishes the three frame shapes.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Request types.
const (
	TypeAttachSession = "attach_session"
	TypeSubmit        = "submit"
	TypeCancelRun     = "cancel_run"
	TypeListSessions  = "list_sessions"
)

// maxFrameBytes bounds a single line. Tool results can be large.
const maxFrameBytes = 16 << 20

// FrameError is the error body of a failed response.
type FrameError struct {
	Message string `json:"message"`
}

// Frame is one protocol line. Event frames carry the session event fields
// inline, with Type holding the event type.
type Frame struct {
	V         int             `json:"v"`
	Kind      Kind            `json:"kind"`
	RequestID string          `json:"requestId,omitempty"`
	Type      string          `json:"type"`
	OK        *bool           `json:"ok,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *FrameError     `json:"error,omitempty"`

	SessionID string    `json:"sessionId,omitempty"`
	RunID     string    `json:"runId,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// EventFrame flattens ev into an event frame.
func EventFrame(ev session.Event) Frame {
	return Frame{
		V:         session.ProtocolVersion,
		Kind:      KindEvent,
		Type:      string(ev.Type),
		Payload:   ev.Payload,
		SessionID: ev.SessionID,
		RunID:     ev.RunID,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
	}
}

// Event converts an event frame back into a session event.
func (f Frame) Event() session.Event {
	return session.Event{
		ProtocolVersion: f.V,
		SessionID:       f.SessionID,
		RunID:           f.RunID,
		Seq:             f.Seq,
		Timestamp:       f.Timestamp,
		Type:            session.EventType(f.Type),
		Payload:         f.Payload,
	}
}

// Succeeded reports whether a response frame is ok.
func (f Frame) Succeeded() bool { return f.OK != nil && *f.OK }

func newRequest(id, typ string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Frame{V: session.ProtocolVersion, Kind: KindRequest, RequestID: id, Type: typ, Payload: raw}, nil
}

func okResponse(req Frame, payload any) (Frame, error) {
	ok := true
	f := Frame{V: session.ProtocolVersion, Kind: KindResponse, RequestID: req.RequestID, Type: req.Type, OK: &ok}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s response: %w", req.Type, err)
		}
		f.Payload = raw
	}
	return f, nil
}

func errResponse(req Frame, err error) Frame {
	ok := false
	return Frame{
		V: session.ProtocolVersion, Kind: KindResponse, RequestID: req.RequestID, Type: req.Type,
		OK: &ok, Error: &FrameError{Message: err.Error()},
	}
}

// Payloads.

type AttachRequest struct {
	SessionID   string `json:"sessionId"`
	LastSeenSeq int64  `json:"lastSeenSeq"`
}

// Replay is the range of logged events an attach will resend. ToSeq is
// the tail at attach time; an empty replay has ToSeq < FromSeq.
type Replay struct {
	FromSeq int64 `json:"fromSeq"`
	ToSeq   int64 `json:"toSeq"`
}

type AttachResponse struct {
	Replay Replay `json:"replay"`
}

type SubmitRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text"`
}

type SubmitResponse struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
}

type CancelRequest struct {
	SessionID string `json:"sessionId"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type ListResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

// frameWriter serializes whole-line writes from several goroutines.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err = fw.w.Write(append(data, '\n'))
	return err
}

// frameReader decodes one frame per line.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// read returns the next frame. A frame whose version differs is returned
// together with an error wrapping ErrProtocolVersion.
func (fr *frameReader) read() (Frame, error) {
	for {
		line, err := fr.readLine()
		if err != nil {
			return Frame{}, err
		}
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		if f.V != session.ProtocolVersion {
			return f, fmt.Errorf("%w: got %d, want %d", ErrProtocolVersion, f.V, session.ProtocolVersion)
		}
		return f, nil
	}
}

func (fr *frameReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := fr.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxFrameBytes {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}
