// Package procmsg is the newline-delimited JSON wire format the
// supervisor and worker processes exchange over the worker's stdout
// (worker -> supervisor: report/init) and stdin (supervisor -> worker:
// shutdown). See spec.md sections 4.E and 5.
package procmsg

import (
	"bufio"
	"encoding/json"
	"io"
)

// Type enumerates the three message shapes in play.
type Type string

const (
	// TypeReport is emitted once per completed tick (spec.md 4.D step
	// 14): "{type: report, memory_mb}".
	TypeReport Type = "report"
	// TypeInit is emitted once, during the worker's startup
	// transaction, to pause the supervisor's missed-tick counter
	// (spec.md 4.E, "initialisation tick ... resets the counter and
	// pauses the miss counter").
	TypeInit Type = "init"
	// TypeShutdown is sent supervisor -> worker to request graceful
	// shutdown (spec.md 4.E).
	TypeShutdown Type = "shutdown"
)

// Message is the single wire envelope for all three message types; only
// the fields relevant to Type are populated.
type Message struct {
	Type     Type `json:"type"`
	MemoryMB int  `json:"memory_mb,omitempty"`
	Init     bool `json:"init,omitempty"`
}

// Report builds a worker->supervisor liveness report.
func Report(memoryMB int) Message { return Message{Type: TypeReport, MemoryMB: memoryMB} }

// Init builds the one-shot startup marker.
func Init() Message { return Message{Type: TypeInit, Init: true} }

// Shutdown builds the supervisor->worker shutdown request.
func Shutdown() Message { return Message{Type: TypeShutdown} }

// Writer serialises messages as newline-delimited JSON.
type Writer struct {
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer { return &Writer{enc: json.NewEncoder(w)} }

func (w *Writer) Write(m Message) error { return w.enc.Encode(m) }

// Reader deserialises newline-delimited JSON messages.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	return &Reader{scanner: s}
}

// Read blocks until the next message, or returns io.EOF when the
// underlying stream closes.
func (r *Reader) Read() (Message, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	var m Message
	if err := json.Unmarshal(r.scanner.Bytes(), &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
