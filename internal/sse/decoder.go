// Package sse decodes the analysis service's Server-Sent Events stream into
// progress and terminal events.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sells-group/explain-cli/internal/model"
)

// ErrNoTerminal is reported when the stream closes before a done or error event.
var ErrNoTerminal = eris.New("sse: stream closed before a terminal event")

const (
	readChunkSize = 4096
	dataPrefix    = "data:"
)

var eventDelimiter = []byte("\n\n")

// wireEvent is the JSON carried on a data line.
type wireEvent struct {
	Stage   string          `json:"stage"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Decoder yields events from an SSE byte stream. It is forward-only and
// cannot be restarted. It is not safe for concurrent use.
type Decoder struct {
	r       io.Reader
	chunk   []byte
	buf     []byte
	scanned int  // bytes of buf already searched for a delimiter
	cr      bool // last byte read was a CR not yet normalized
	pending []model.ProgressEvent
	cur     model.ProgressEvent

	eof      bool
	terminal bool
	err      error
}

// NewDecoder wraps r. Bytes are decoded as UTF-8 with a leading BOM stripped
// and invalid sequences replaced; a multi-byte sequence split across reads is
// held until its remaining bytes arrive.
func NewDecoder(r io.Reader) *Decoder {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	return &Decoder{r: transform.NewReader(r, dec), chunk: make([]byte, readChunkSize)}
}

// Next advances to the next event. It returns false after a terminal event
// has been returned, at end of stream, or on a read error.
func (d *Decoder) Next() bool {
	if d.terminal || d.err != nil {
		return false
	}
	for {
		if len(d.pending) > 0 {
			d.cur = d.pending[0]
			d.pending = d.pending[1:]
			if d.cur.IsTerminal() {
				d.terminal = true
				d.pending = nil
			}
			return true
		}
		if d.eof {
			d.err = ErrNoTerminal
			return false
		}
		if !d.fill() {
			return false
		}
	}
}

// Event returns the event produced by the last successful Next.
func (d *Decoder) Event() model.ProgressEvent {
	return d.cur
}

// Terminal reports whether a terminal event has been returned.
func (d *Decoder) Terminal() bool {
	return d.terminal
}

// Err returns the read error, or ErrNoTerminal if the stream ended without a
// terminal event. It is nil after a terminal event.
func (d *Decoder) Err() error {
	return d.err
}

// fill performs one read and queues every complete event in the buffer.
// Only the newly read bytes are normalized and searched.
func (d *Decoder) fill() bool {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.appendNormalized(d.chunk[:n])
		d.splitEvents()
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			if d.cr {
				d.buf = append(d.buf, '\n')
				d.cr = false
			}
			if len(bytes.TrimSpace(d.buf)) > 0 {
				d.parseBlock(d.buf)
			}
			d.buf = nil
			d.eof = true
			return true
		}
		d.err = eris.Wrap(err, "sse: read stream")
		return false
	}
	return true
}

// appendNormalized appends p to the buffer with CRLF and lone CR rewritten
// as LF. A CR ending p is held until the next read shows whether an LF
// follows it.
func (d *Decoder) appendNormalized(p []byte) {
	if !d.cr && bytes.IndexByte(p, '\r') < 0 {
		d.buf = append(d.buf, p...)
		return
	}
	for _, c := range p {
		if d.cr {
			d.cr = false
			d.buf = append(d.buf, '\n')
			if c == '\n' {
				continue
			}
		}
		if c == '\r' {
			d.cr = true
			continue
		}
		d.buf = append(d.buf, c)
	}
}

// splitEvents parses every complete block in the buffer, resuming the
// delimiter search where the previous read left off.
func (d *Decoder) splitEvents() {
	for {
		start := max(d.scanned-len(eventDelimiter)+1, 0)
		idx := bytes.Index(d.buf[start:], eventDelimiter)
		if idx < 0 {
			d.scanned = len(d.buf)
			return
		}
		idx += start
		d.parseBlock(d.buf[:idx])
		d.buf = d.buf[idx+len(eventDelimiter):]
		d.scanned = 0
	}
}

func (d *Decoder) parseBlock(block []byte) {
	for _, line := range bytes.Split(block, []byte("\n")) {
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		ev, ok := decodeEvent(payload)
		if !ok {
			continue
		}
		d.pending = append(d.pending, ev)
	}
}

func decodeEvent(payload []byte) (model.ProgressEvent, bool) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		zap.L().Debug("sse: dropping undecodable data line", zap.Error(err))
		return model.ProgressEvent{}, false
	}

	switch model.TerminalOutcome(w.Stage) {
	case model.OutcomeDone:
		ev := model.ProgressEvent{
			Kind:    model.EventTerminal,
			Outcome: model.OutcomeDone,
			Raw:     append(json.RawMessage(nil), w.Data...),
		}
		if len(w.Data) > 0 && !bytes.Equal(w.Data, []byte("null")) {
			var resp model.ExplainResponse
			if err := json.Unmarshal(w.Data, &resp); err != nil {
				zap.L().Debug("sse: done payload does not match response shape", zap.Error(err))
			} else {
				ev.Payload = &resp
			}
		}
		return ev, true
	case model.OutcomeError:
		return model.ProgressEvent{
			Kind:    model.EventTerminal,
			Outcome: model.OutcomeError,
			Message: w.Message,
		}, true
	}

	if w.Stage == "" {
		return model.ProgressEvent{}, false
	}
	return model.ProgressEvent{
		Kind:    model.EventProgress,
		Stage:   model.Stage(w.Stage),
		Message: w.Message,
	}, true
}
