package stream

import (
	"bufio"
	"io"
	"log/slog"
)

// MaxLineSize is the maximum accepted line length (1 MiB). The assistant
// can emit large tool outputs on a single line.
const MaxLineSize = 1024 * 1024

// Decoder reads line-delimited assistant output and produces typed events
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a decoder over the assistant's output channel
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Next returns the next decoded event, skipping blank lines. Returns
// io.EOF when the stream ends.
func (d *Decoder) Next() (*Event, error) {
	for d.scanner.Scan() {
		d.lineNum++
		evt := ParseLine(d.scanner.Bytes())
		if evt == nil {
			continue
		}
		if evt.Type == TypeRawText {
			d.logger.Debug("passthrough line", "line", d.lineNum)
		}
		return evt, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Drain decodes the remainder of the stream into a slice
func (d *Decoder) Drain() ([]Event, error) {
	var events []Event
	for {
		evt, err := d.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, *evt)
	}
}

// ConsumeUntilFirstReply reads events from ch until the first substantive
// assistant reply (inclusive), returning everything consumed so far plus
// the channel carrying the still-arriving suffix. No data is discarded;
// the stream is only divided. If the stream closes before any reply, the
// prefix holds all events and the returned channel is already closed.
func ConsumeUntilFirstReply(ch <-chan Event) ([]Event, <-chan Event) {
	var consumed []Event
	for evt := range ch {
		consumed = append(consumed, evt)
		if evt.IsReply() {
			break
		}
	}
	return consumed, ch
}
