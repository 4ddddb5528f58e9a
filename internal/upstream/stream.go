package upstream

import (
	"bufio"
	"bytes"
	"io"

	"github.com/tidwall/gjson"
)

var (
	dataPrefix = []byte("data: ")
	doneMarker = []byte("[DONE]")
)

// StreamProcessor relays an SSE stream verbatim while harvesting metadata
// from the data payloads it passes through. The bytes given to onChunk are
// exactly the bytes read from the upstream; inspection never rewrites them.
type StreamProcessor struct {
	br *bufio.Reader

	report       UsageReport
	model        string
	finishReason string
}

func NewStreamProcessor(r io.Reader) *StreamProcessor {
	return &StreamProcessor{br: bufio.NewReader(r)}
}

// Relay copies the stream to onChunk line by line and inspects each line.
// A line is buffered until its terminating newline arrives, so a JSON payload
// split across network reads is still parsed whole. Returns the error from
// onChunk or from the upstream read; a clean end of stream returns nil.
func (p *StreamProcessor) Relay(onChunk func([]byte) error) error {
	for {
		line, err := p.br.ReadBytes('\n')
		if len(line) > 0 {
			if cbErr := onChunk(line); cbErr != nil {
				return cbErr
			}
			p.observeLine(line)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// observeLine parses a single SSE line for usage, model, and finish reason.
func (p *StreamProcessor) observeLine(line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	data := bytes.TrimPrefix(line, dataPrefix)
	if bytes.Equal(data, doneMarker) {
		return
	}
	if !gjson.ValidBytes(data) {
		return
	}

	if p.model == "" {
		p.model = gjson.GetBytes(data, "model").String()
	}
	if fr := gjson.GetBytes(data, "choices.0.finish_reason"); fr.Type == gjson.String {
		p.finishReason = fr.String()
	}

	// With stream_options.include_usage the usage object arrives on the final
	// chunk; a later report supersedes an earlier one.
	if r := ExtractUsage(data); r.State != UsageAbsent {
		p.report = r
	}
}

// Report returns the usage harvested from the stream. UsageAbsent means no
// chunk carried a usage object.
func (p *StreamProcessor) Report() UsageReport {
	return p.report
}

// Model returns the model name from the first chunk that carried one.
func (p *StreamProcessor) Model() string {
	return p.model
}

// FinishReason returns the last finish_reason seen on the stream.
func (p *StreamProcessor) FinishReason() string {
	return p.finishReason
}
