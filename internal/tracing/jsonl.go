package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/libagent/pkg/models"
)

// FileVersion is the JSONL trace format version.
const FileVersion = 1

// FileHeader is the first line of a trace file.
type FileHeader struct {
	Version     int       `json:"version"`
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	AppVersion  string    `json:"app_version,omitempty"`
	Environment string    `json:"environment,omitempty"`
}

// Redactor may scrub a trace copy before it is written.
type Redactor func(trace *models.AgentTrace)

// JSONLOption configures a JSONLExporter.
type JSONLOption func(*JSONLExporter)

// WithRedactor sets a redactor applied to each written trace.
func WithRedactor(r Redactor) JSONLOption {
	return func(e *JSONLExporter) { e.redactor = r }
}

// WithAppVersion records the application version in the header.
func WithAppVersion(version string) JSONLOption {
	return func(e *JSONLExporter) { e.header.AppVersion = version }
}

// WithEnvironment records the environment name in the header.
func WithEnvironment(env string) JSONLOption {
	return func(e *JSONLExporter) { e.header.Environment = env }
}

// JSONLExporter appends one JSON line per finished session, after a header
// line written on first export.
type JSONLExporter struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	redactor Redactor
	header   FileHeader
	started  bool
}

// NewJSONLExporter writes traces to w.
func NewJSONLExporter(w io.Writer, runID string, opts ...JSONLOption) *JSONLExporter {
	e := &JSONLExporter{
		writer: w,
		header: FileHeader{Version: FileVersion, RunID: runID, StartedAt: time.Now()},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewJSONLFile creates or truncates path and writes traces to it.
func NewJSONLFile(path, runID string, opts ...JSONLOption) (*JSONLExporter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	e := NewJSONLExporter(f, runID, opts...)
	e.file = f
	return e, nil
}

// Export implements Exporter.
func (e *JSONLExporter) Export(_ context.Context, trace *models.AgentTrace) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		if err := e.writeLine(e.header); err != nil {
			return err
		}
		e.started = true
	}

	out := trace
	if e.redactor != nil {
		copied := copyTrace(trace)
		e.redactor(copied)
		out = copied
	}
	return e.writeLine(out)
}

func (e *JSONLExporter) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal trace line: %w", err)
	}
	data = append(data, '\n')
	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("write trace line: %w", err)
	}
	if e.file != nil {
		_ = e.file.Sync()
	}
	return nil
}

// Close closes the trace file if one was opened.
func (e *JSONLExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file != nil {
		return e.file.Close()
	}
	return nil
}

func copyTrace(t *models.AgentTrace) *models.AgentTrace {
	c := *t
	c.Iterations = make([]models.AgentIteration, len(t.Iterations))
	for i, iter := range t.Iterations {
		c.Iterations[i] = iter
		c.Iterations[i].ToolSpans = append([]models.ToolSpan(nil), iter.ToolSpans...)
	}
	return &c
}

// Reader reads traces from a JSONL trace file.
type Reader struct {
	decoder *json.Decoder
	header  FileHeader
}

// NewReader reads and checks the header.
func NewReader(r io.Reader) (*Reader, error) {
	decoder := json.NewDecoder(r)
	var header FileHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to read trace header: %w", err)
	}
	if header.Version != FileVersion {
		return nil, fmt.Errorf("unsupported trace version: %d", header.Version)
	}
	return &Reader{decoder: decoder, header: header}, nil
}

// Header returns the file header.
func (r *Reader) Header() FileHeader { return r.header }

// Next returns the next trace, or io.EOF.
func (r *Reader) Next() (*models.AgentTrace, error) {
	var trace models.AgentTrace
	if err := r.decoder.Decode(&trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

// ReadFile loads every trace in a file.
func ReadFile(path string) (FileHeader, []*models.AgentTrace, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileHeader{}, nil, err
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return FileHeader{}, nil, err
	}
	var traces []*models.AgentTrace
	for {
		trace, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.Header(), traces, fmt.Errorf("read trace %d: %w", len(traces)+1, err)
		}
		traces = append(traces, trace)
	}
	return r.Header(), traces, nil
}
