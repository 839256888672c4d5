package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/windrose-io/windrose/internal/config"
)

const (
	// maxLineBytes caps the size of a single protocol line. Lines beyond the
	// cap are treated as malformed and skipped rather than aborting the
	// stream.
	maxLineBytes = 16 << 20

	// readerBufferSize is the initial buffer for the underlying reader.
	readerBufferSize = 64 << 10

	// logSampleBytes bounds how much of a malformed line is echoed into logs.
	logSampleBytes = 256
)

type (
	// Decoder reads protocol messages from a connector's stdout, one JSON
	// object per non-empty line. Malformed lines are counted and skipped;
	// message order is preserved exactly as emitted, which the engine relies
	// on to pair the last STATE with the RECORDs that precede it.
	Decoder struct {
		reader    *bufio.Reader
		logger    *slog.Logger
		malformed int
	}

	// DecoderOption configures optional Decoder behavior.
	DecoderOption func(*Decoder)
)

// WithDecoderLogger routes skipped-line warnings through the given logger
// instead of the decoder's own.
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDecoder creates a tolerant line decoder over r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		reader: bufio.NewReaderSize(r, readerBufferSize),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Next returns the next well-formed message, skipping blank and malformed
// lines. Returns io.EOF when the stream is exhausted.
func (d *Decoder) Next() (Message, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return Message{}, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
			d.skipLine(line, err)

			continue
		}

		return msg, nil
	}
}

// Malformed reports how many lines were skipped so far.
func (d *Decoder) Malformed() int {
	return d.malformed
}

// readLine returns the next line without its trailing newline. A final line
// with no newline before EOF is still returned; only then is io.EOF surfaced.
// Lines longer than maxLineBytes are reported as one skipped line.
func (d *Decoder) readLine() ([]byte, error) {
	line, err := d.reader.ReadBytes('\n')

	if len(line) > maxLineBytes {
		d.malformed++
		d.logger.Warn("skipping oversized connector output line",
			slog.Int("line_bytes", len(line)),
			slog.Int("limit_bytes", maxLineBytes),
		)

		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

		return []byte{}, nil
	}

	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return line, nil
		}

		return nil, err
	}

	return line, nil
}

// skipLine records a malformed line and logs a bounded sample of it.
func (d *Decoder) skipLine(line []byte, err error) {
	d.malformed++

	sample := line
	if len(sample) > logSampleBytes {
		sample = sample[:logSampleBytes]
	}

	attrs := []interface{}{
		slog.Int("malformed_total", d.malformed),
		slog.String("line_sample", string(sample)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	d.logger.Warn("skipping malformed connector output line", attrs...)
}

// Encoder writes protocol messages as compact JSON, one per line. It is the
// write side used by in-process connectors and test fixtures.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one message followed by a newline.
func (e *Encoder) Encode(msg Message) error {
	return e.enc.Encode(msg)
}
