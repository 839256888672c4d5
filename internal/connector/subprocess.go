package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/windrose-io/windrose/internal/config"
	"github.com/windrose-io/windrose/internal/protocol"
)

// Sentinel errors for subprocess execution.
var (
	// ErrConnectorStart is returned when the connector process could not be
	// launched at all.
	ErrConnectorStart = errors.New("connector failed to start")

	// ErrConnectorFailed is returned when the connector process exited
	// non-zero.
	ErrConnectorFailed = errors.New("connector execution failed")

	// ErrTimeout is returned when the connector exceeded its wall-clock
	// budget. Messages consumed before the kill are preserved.
	ErrTimeout = errors.New("connector execution timed out")

	// ErrProtocol is returned when a command completed without emitting the
	// message its contract requires (SPEC, CATALOG, CONNECTION_STATUS).
	ErrProtocol = errors.New("connector protocol violation")

	// Subprocess runs connectors out of process but answers the same
	// contract as in-process sources.
	_ Source = (*Subprocess)(nil)
)

const (
	// defaultTimeout is the wall-clock budget for one connector execution.
	defaultTimeout = 3600 * time.Second

	// terminationGrace is how long a connector has between SIGTERM and
	// SIGKILL; it also bounds pipe reaping so no orphaned process or pipe
	// survives a cancelled run.
	terminationGrace = 5 * time.Second

	// stderrLimit bounds captured stderr. Connectors use stderr for free-form
	// diagnostics; only the head is worth carrying into errors.
	stderrLimit = 8192

	// Subprocess CLI command tokens.
	commandSpec     = "spec"
	commandCheck    = "check"
	commandDiscover = "discover"
	commandRead     = "read"

	// Staged file names inside the per-execution scratch directory.
	configFileName  = "config.json"
	catalogFileName = "catalog.json"
	stateFileName   = "state.json"
)

type (
	// Subprocess executes an external connector binary that speaks the
	// line-delimited JSON protocol: arguments select the command, JSON files
	// staged in a scratch directory carry config, catalog, and state, stdout
	// carries messages, and stderr carries free-form diagnostics.
	//
	// Every execution stages its files in a fresh directory under the
	// working directory and removes it on all exit paths.
	Subprocess struct {
		binary     string
		workingDir string
		timeout    time.Duration
		logger     *slog.Logger
	}

	// SubprocessOption configures optional Subprocess behavior.
	SubprocessOption func(*Subprocess)

	// ExitError carries the process exit code and captured stderr for a
	// failed execution. Extract it with errors.As.
	ExitError struct {
		Code   int
		Stderr string
	}
)

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return "connector exited with code " + strconv.Itoa(e.Code)
	}

	return "connector exited with code " + strconv.Itoa(e.Code) + ": " + e.Stderr
}

// WithTimeout overrides the wall-clock budget for each execution.
func WithTimeout(timeout time.Duration) SubprocessOption {
	return func(s *Subprocess) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithWorkingDir sets the root under which per-execution scratch directories
// are created. Defaults to the system temp directory.
func WithWorkingDir(dir string) SubprocessOption {
	return func(s *Subprocess) {
		if dir != "" {
			s.workingDir = dir
		}
	}
}

// WithSubprocessLogger routes process diagnostics through the given logger.
func WithSubprocessLogger(logger *slog.Logger) SubprocessOption {
	return func(s *Subprocess) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSubprocess wraps an external connector binary. The timeout defaults to
// CONNECTOR_TIMEOUT_SECONDS (3600s when unset) and the scratch root to
// WORKING_DIR.
func NewSubprocess(binary string, opts ...SubprocessOption) *Subprocess {
	s := &Subprocess{
		binary:     binary,
		workingDir: config.GetEnvStr("WORKING_DIR", os.TempDir()),
		timeout:    time.Duration(config.GetEnvInt("CONNECTOR_TIMEOUT_SECONDS", int(defaultTimeout.Seconds()))) * time.Second,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Spec implements Source by invoking `<binary> spec`.
func (s *Subprocess) Spec(ctx context.Context) (*protocol.Spec, error) {
	var spec *protocol.Spec

	err := s.run(ctx, commandSpec, nil, nil, nil, func(msg protocol.Message) error {
		if msg.Type == protocol.MessageTypeSpec && msg.Spec != nil {
			spec = msg.Spec
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if spec == nil {
		return nil, fmt.Errorf("%w: no SPEC message emitted by %q", ErrProtocol, s.binary)
	}

	return spec, nil
}

// Check implements Source by invoking `<binary> check --config <path>`.
func (s *Subprocess) Check(ctx context.Context, cfg map[string]interface{}) (*protocol.ConnectionStatus, error) {
	var status *protocol.ConnectionStatus

	err := s.run(ctx, commandCheck, cfg, nil, nil, func(msg protocol.Message) error {
		if msg.Type == protocol.MessageTypeConnectionStatus && msg.ConnectionStatus != nil {
			status = msg.ConnectionStatus
		}

		return nil
	})
	if err != nil {
		// Many connectors exit non-zero after reporting a FAILED status; the
		// status message is the authoritative reply when both are present.
		if status != nil {
			return status, nil
		}

		return nil, err
	}

	if status == nil {
		return nil, fmt.Errorf("%w: no CONNECTION_STATUS message emitted by %q", ErrProtocol, s.binary)
	}

	return status, nil
}

// Discover implements Source by invoking `<binary> discover --config <path>`.
func (s *Subprocess) Discover(ctx context.Context, cfg map[string]interface{}) (*protocol.Catalog, error) {
	var catalog *protocol.Catalog

	err := s.run(ctx, commandDiscover, cfg, nil, nil, func(msg protocol.Message) error {
		if msg.Type == protocol.MessageTypeCatalog && msg.Catalog != nil {
			catalog = msg.Catalog
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if catalog == nil {
		return nil, fmt.Errorf("%w: no CATALOG message emitted by %q", ErrProtocol, s.binary)
	}

	return catalog, nil
}

// Read implements Source by invoking
// `<binary> read --config <path> --catalog <path> [--state <path>]`,
// forwarding every decoded message to emit in stdout order.
func (s *Subprocess) Read(
	ctx context.Context,
	cfg map[string]interface{},
	catalog *protocol.ConfiguredCatalog,
	state json.RawMessage,
	emit EmitFunc,
) error {
	return s.run(ctx, commandRead, cfg, catalog, state, emit)
}

// run stages files, launches the connector, decodes stdout, and reaps the
// process. The scratch directory is removed on every exit path; the process
// is signalled SIGTERM on cancellation and SIGKILL after terminationGrace,
// so no orphaned connector survives the parent.
func (s *Subprocess) run(
	ctx context.Context,
	command string,
	cfg map[string]interface{},
	catalog *protocol.ConfiguredCatalog,
	state json.RawMessage,
	emit EmitFunc,
) error {
	scratch, err := os.MkdirTemp(s.workingDir, "connector-")
	if err != nil {
		return fmt.Errorf("%w: creating scratch dir: %w", ErrConnectorStart, err)
	}

	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	args, err := stageArguments(scratch, command, cfg, catalog, state)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectorStart, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.binary, args...)
	cmd.Dir = scratch

	stderr := newBoundedBuffer(stderrLimit)
	cmd.Stderr = stderr

	// SIGTERM first so connectors can checkpoint; WaitDelay escalates to
	// SIGKILL and closes pipes if the process ignores it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectorStart, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrConnectorStart, s.binary, err)
	}

	s.logger.Debug("connector process started",
		slog.String("binary", s.binary),
		slog.String("command", command),
		slog.Int("pid", cmd.Process.Pid),
	)

	lastTrace, consumeErr := s.consumeStdout(stdout, emit)
	if consumeErr != nil {
		// The consumer aborted; stop the connector before reaping it.
		cancel()
	}

	waitErr := cmd.Wait()

	switch {
	case consumeErr != nil:
		return consumeErr
	case waitErr == nil:
		return nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%w after %s: %w", ErrTimeout, s.timeout,
			&ExitError{Code: exitCode(cmd), Stderr: stderr.String()})
	case ctx.Err() != nil:
		return fmt.Errorf("connector cancelled: %w", ctx.Err())
	default:
		if lastTrace != nil {
			return fmt.Errorf("%w: %s: %w", ErrConnectorFailed, lastTrace.Message,
				&ExitError{Code: exitCode(cmd), Stderr: stderr.String()})
		}

		return fmt.Errorf("%w: %w", ErrConnectorFailed,
			&ExitError{Code: exitCode(cmd), Stderr: stderr.String()})
	}
}

// consumeStdout decodes protocol messages until EOF or consumer abort.
// LOG messages are mirrored onto the engine logger in addition to being
// forwarded; the last TRACE/ERROR payload is remembered for error reporting.
func (s *Subprocess) consumeStdout(stdout io.Reader, emit EmitFunc) (*protocol.TraceError, error) {
	decoder := protocol.NewDecoder(stdout, protocol.WithDecoderLogger(s.logger))

	var lastTrace *protocol.TraceError

	for {
		msg, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			return lastTrace, nil
		}

		if err != nil {
			return lastTrace, fmt.Errorf("reading connector stdout: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeLog:
			if msg.Log != nil {
				s.logger.Log(context.Background(), msg.Log.Level.SlogLevel(), msg.Log.Message,
					slog.String("origin", "connector"),
				)
			}
		case protocol.MessageTypeTrace:
			if msg.Trace != nil && msg.Trace.Error != nil {
				lastTrace = msg.Trace.Error
			}
		}

		if emit != nil {
			if err := emit(msg); err != nil {
				return lastTrace, err
			}
		}
	}
}

// stageArguments writes the JSON files a command needs into the scratch
// directory and returns the full argument list.
func stageArguments(
	scratch, command string,
	cfg map[string]interface{},
	catalog *protocol.ConfiguredCatalog,
	state json.RawMessage,
) ([]string, error) {
	args := []string{command}

	if command == commandSpec {
		return args, nil
	}

	configPath, err := stageJSON(scratch, configFileName, cfg)
	if err != nil {
		return nil, err
	}

	args = append(args, "--config", configPath)

	if command != commandRead {
		return args, nil
	}

	catalogPath, err := stageJSON(scratch, catalogFileName, catalog)
	if err != nil {
		return nil, err
	}

	args = append(args, "--catalog", catalogPath)

	if len(state) > 0 {
		statePath := filepath.Join(scratch, stateFileName)
		if err := os.WriteFile(statePath, state, 0o600); err != nil {
			return nil, fmt.Errorf("staging %s: %w", stateFileName, err)
		}

		args = append(args, "--state", statePath)
	}

	return args, nil
}

// stageJSON marshals v into a file under the scratch directory.
func stageJSON(scratch, name string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", name, err)
	}

	path := filepath.Join(scratch, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("staging %s: %w", name, err)
	}

	return path, nil
}

// exitCode returns the process exit code, or -1 when the process was killed
// before exiting on its own.
func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}

	return cmd.ProcessState.ExitCode()
}

// boundedBuffer captures up to limit bytes and silently discards the rest.
// It keeps stderr diagnostics without letting a chatty connector exhaust
// memory.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

// Write implements io.Writer. It never returns an error so the child process
// never sees a broken stderr pipe.
func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if remaining := b.limit - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}

	return len(p), nil
}

// String returns the captured bytes.
func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return string(b.buf)
}
