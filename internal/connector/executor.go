package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/windrose-io/windrose/internal/config"
	"github.com/windrose-io/windrose/internal/protocol"
)

type (
	// Executor fronts one resolved source, in-process or subprocess, and
	// exposes the four protocol operations plus two read shapes: Read buffers
	// everything into a ReadResult, OpenRead hands back a pull iterator for
	// streams too large to buffer.
	Executor struct {
		name    string
		source  Source
		limiter *rate.Limiter
		logger  *slog.Logger
	}

	// ExecutorOption configures optional Executor behavior.
	ExecutorOption func(*Executor)

	// ReadResult is the uniform outcome of a buffered read. On timeout or
	// failure, Messages holds everything consumed before the abort.
	ReadResult struct {
		Success     bool
		Messages    []protocol.Message
		RecordCount int
		Duration    time.Duration
		Err         error
		ExitCode    int
	}

	// MessageStream is a pull iterator over a running read. Next yields one
	// message per call and observes context cancellation between messages,
	// so a blocked downstream writer applies backpressure all the way to the
	// connector's stdout.
	MessageStream struct {
		messages chan protocol.Message
		err      error
	}
)

// WithRecordsPerSecond throttles RECORD consumption to n records per second.
// Zero or negative disables throttling (the default).
func WithRecordsPerSecond(n float64) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			burst := int(n)
			if burst < 1 {
				burst = 1
			}

			e.limiter = rate.NewLimiter(rate.Limit(n), burst)
		}
	}
}

// WithExecutorLogger routes executor diagnostics through the given logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor fronts the given source under a connector name used for
// logging and error context.
func NewExecutor(name string, source Source, opts ...ExecutorOption) *Executor {
	e := &Executor{
		name:   name,
		source: source,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Resolve builds an executor for a connector name: an in-process source when
// the registry knows the name, otherwise a subprocess wrapping the name as a
// binary path.
func Resolve(registry *Registry, name string, opts ...ExecutorOption) *Executor {
	if registry != nil {
		if source, ok := registry.Lookup(name); ok {
			return NewExecutor(name, source, opts...)
		}
	}

	return NewExecutor(name, NewSubprocess(name), opts...)
}

// Name returns the connector identifier this executor fronts.
func (e *Executor) Name() string {
	return e.name
}

// Spec delegates to the source.
func (e *Executor) Spec(ctx context.Context) (*protocol.Spec, error) {
	return e.source.Spec(ctx)
}

// Check delegates to the source.
func (e *Executor) Check(ctx context.Context, cfg map[string]interface{}) (*protocol.ConnectionStatus, error) {
	return e.source.Check(ctx, cfg)
}

// Discover delegates to the source.
func (e *Executor) Discover(ctx context.Context, cfg map[string]interface{}) (*protocol.Catalog, error) {
	return e.source.Discover(ctx, cfg)
}

// Read runs a buffered read: every message the source emits is collected
// into the result, RECORDs are counted, and partial progress survives
// timeouts and failures.
func (e *Executor) Read(
	ctx context.Context,
	cfg map[string]interface{},
	catalog *protocol.ConfiguredCatalog,
	state json.RawMessage,
) *ReadResult {
	start := time.Now()
	result := &ReadResult{}

	err := e.source.Read(ctx, cfg, catalog, state, func(msg protocol.Message) error {
		if err := e.throttle(ctx, msg); err != nil {
			return err
		}

		result.Messages = append(result.Messages, msg)
		if msg.Type == protocol.MessageTypeRecord {
			result.RecordCount++
		}

		return nil
	})

	result.Duration = time.Since(start)
	result.Err = err
	result.Success = err == nil

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.Code
	}

	if err != nil {
		e.logger.Warn("connector read failed",
			slog.String("connector", e.name),
			slog.Int("records_consumed", result.RecordCount),
			slog.Duration("duration", result.Duration),
			slog.String("error", err.Error()),
		)
	}

	return result
}

// OpenRead starts a streaming read and returns its iterator. The source runs
// in a background goroutine that blocks on each emission until the consumer
// calls Next, so no unbounded buffering happens on either side.
func (e *Executor) OpenRead(
	ctx context.Context,
	cfg map[string]interface{},
	catalog *protocol.ConfiguredCatalog,
	state json.RawMessage,
) *MessageStream {
	stream := &MessageStream{
		messages: make(chan protocol.Message),
	}

	go func() {
		err := e.source.Read(ctx, cfg, catalog, state, func(msg protocol.Message) error {
			if err := e.throttle(ctx, msg); err != nil {
				return err
			}

			select {
			case stream.messages <- msg:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		stream.err = err
		close(stream.messages)
	}()

	return stream
}

// throttle applies the optional records-per-second limit to RECORD messages.
func (e *Executor) throttle(ctx context.Context, msg protocol.Message) error {
	if e.limiter == nil || msg.Type != protocol.MessageTypeRecord {
		return nil
	}

	return e.limiter.Wait(ctx)
}

// Next returns the next message from the stream. It returns io.EOF on clean
// end of stream, the source's terminal error when the read failed, or the
// context error when cancelled mid-stream.
func (s *MessageStream) Next(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-s.messages:
		if !ok {
			if s.err != nil {
				return protocol.Message{}, s.err
			}

			return protocol.Message{}, io.EOF
		}

		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}
