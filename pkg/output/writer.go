package output

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits goflock report records. Implementations are safe for
// concurrent use.
type Writer interface {
	WriteFinding(ctx context.Context, f *FindingRecord) error
	WriteClaim(ctx context.Context, c *ClaimRecord) error
	WriteIssue(ctx context.Context, is *IssueRecord) error
	WriteRepair(ctx context.Context, r *RepairRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter writes one JSON envelope per line. Lines from concurrent
// callers never interleave.
type JSONLWriter struct {
	mu     sync.Mutex
	w      io.Writer
	buf    bytes.Buffer
	runID  string
	source string
	closed bool
}

// NewJSONLWriter returns a writer stamping every record with runID
// and source (the producing command, e.g. "scan").
func NewJSONLWriter(w io.Writer, runID, source string) *JSONLWriter {
	return &JSONLWriter{
		w:      w,
		runID:  runID,
		source: source,
	}
}

// WriteFinding emits a scanner finding record.
func (jw *JSONLWriter) WriteFinding(ctx context.Context, f *FindingRecord) error {
	return jw.writeRecord(ctx, TypeFinding, f)
}

// WriteClaim emits a claim record.
func (jw *JSONLWriter) WriteClaim(ctx context.Context, c *ClaimRecord) error {
	return jw.writeRecord(ctx, TypeClaim, c)
}

// WriteIssue emits a state document issue record.
func (jw *JSONLWriter) WriteIssue(ctx context.Context, is *IssueRecord) error {
	return jw.writeRecord(ctx, TypeIssue, is)
}

// WriteRepair emits a state document repair record.
func (jw *JSONLWriter) WriteRepair(ctx context.Context, r *RepairRecord) error {
	return jw.writeRecord(ctx, TypeRepair, r)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close stops further writes. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	switch {
	case jw.closed:
		return ErrWriterClosed
	case ctx.Err() != nil:
		return ctx.Err()
	}

	jw.buf.Reset()
	enc := json.NewEncoder(&jw.buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Record{
		Type:   recordType,
		TS:     time.Now().UTC(),
		RunID:  jw.runID,
		Source: jw.source,
		Data:   payload,
	}); err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := drain(jw.w, jw.buf.Bytes()); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// drain keeps writing until line is consumed. A writer that accepts
// nothing without an error fails with io.ErrShortWrite.
func drain(w io.Writer, line []byte) error {
	for off := 0; off < len(line); {
		n, err := w.Write(line[off:])
		switch {
		case err != nil:
			return err
		case n <= 0:
			return io.ErrShortWrite
		}
		off += n
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
