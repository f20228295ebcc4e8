// Package trace records the raw frames exchanged with the knowledge-graph
// backend as JSON-Lines, one file per session. The first line is a header;
// each following line is [time_offset, direction, frame].
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Directions of a traced frame.
const (
	DirOutbound = "o"
	DirInbound  = "i"
)

const formatVersion = 1

// Header is the first line of a trace.
type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// Event is one traced frame.
// Format: [time_offset, direction, frame]
type Event struct {
	TimeOffset float64
	Direction  string
	Frame      string
}

// MarshalJSON encodes the event as a three-element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimeOffset, e.Direction, e.Frame})
}

// UnmarshalJSON decodes the three-element array form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	dir, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid direction type")
	}
	frame, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid frame type")
	}
	e.TimeOffset, e.Direction, e.Frame = offset, dir, frame
	return nil
}

// Writer appends the events of one session to w.
type Writer struct {
	writer    io.Writer
	closer    io.Closer
	startTime time.Time
	mu        sync.Mutex
}

// NewWriter creates a Writer over w and writes the header.
func NewWriter(w io.Writer, sessionID string) (*Writer, error) {
	tw := &Writer{writer: w, startTime: time.Now()}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	if err := tw.writeLine(Header{
		Version:   formatVersion,
		SessionID: sessionID,
		Timestamp: tw.startTime.Unix(),
	}); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return tw, nil
}

// Write appends one frame in the given direction.
func (w *Writer) Write(direction string, frame []byte) error {
	return w.writeLine(Event{
		TimeOffset: time.Since(w.startTime).Seconds(),
		Direction:  direction,
		Frame:      string(frame),
	})
}

func (w *Writer) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal trace line: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write trace line: %w", err)
	}
	return nil
}

// Close closes the underlying writer when it is closable.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileName returns the trace file name used for sessionID.
func FileName(sessionID string) string {
	return unsafeChars.ReplaceAllString(sessionID, "_") + ".jsonl"
}

// Recorder traces frames of every session into dir. It satisfies the
// connection tracer hook.
type Recorder struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	writers map[string]*Writer
	failed  map[string]bool
}

// NewRecorder creates a Recorder writing into dir, which is created if missing.
func NewRecorder(dir string, logger *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		dir:     dir,
		logger:  logger.Named("trace"),
		writers: make(map[string]*Writer),
		failed:  make(map[string]bool),
	}, nil
}

// Outbound records a frame sent to the backend.
func (r *Recorder) Outbound(sessionID string, frame []byte) {
	r.record(sessionID, DirOutbound, frame)
}

// Inbound records a frame received from the backend.
func (r *Recorder) Inbound(sessionID string, frame []byte) {
	r.record(sessionID, DirInbound, frame)
}

func (r *Recorder) record(sessionID, dir string, frame []byte) {
	w := r.writerFor(sessionID)
	if w == nil {
		return
	}
	if err := w.Write(dir, frame); err != nil {
		r.logger.Warn("Failed to trace frame", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (r *Recorder) writerFor(sessionID string) *Writer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.writers[sessionID]; ok {
		return w
	}
	if r.failed[sessionID] {
		return nil
	}

	path := filepath.Join(r.dir, FileName(sessionID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		var w *Writer
		if w, err = NewWriter(f, sessionID); err == nil {
			r.writers[sessionID] = w
			return w
		}
		f.Close()
	}
	r.logger.Warn("Tracing disabled for session", zap.String("path", path), zap.Error(err))
	r.failed[sessionID] = true
	return nil
}

// Close closes every open trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for id, w := range r.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.writers, id)
	}
	return first
}

// Read parses a trace. A file appended to across runs holds several headers;
// only the first is returned and events from every run are kept in order.
func Read(rd io.Reader) (Header, []Event, error) {
	var (
		header Header
		events []Event
		seen   bool
	)
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if raw[0] == '{' {
			if !seen {
				if err := json.Unmarshal(raw, &header); err != nil {
					return header, nil, fmt.Errorf("line %d: %w", line, err)
				}
				seen = true
			}
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return header, nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return header, nil, err
	}
	if !seen {
		return header, nil, fmt.Errorf("missing trace header")
	}
	return header, events, nil
}
