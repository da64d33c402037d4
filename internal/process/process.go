package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// LogParser extracts a level and message from one output line.
type LogParser func(line string) (level, msg string)

// ExitCodeKilled is reported when the process had to be force-killed.
const ExitCodeKilled = 137

// ErrNotStarted is returned by Stop before Start succeeded.
var ErrNotStarted = errors.New("process not started")

// Process is one supervised subprocess. It is started at most once.
type Process struct {
	id              string
	argv            []string
	logger          *slog.Logger
	outputLogger    *slog.Logger
	parser          LogParser
	gracefulTimeout time.Duration
	killTimeout     time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	done     chan struct{}
	exitCode int
	exitErr  error
	stopOnce sync.Once
	stopErr  error
}

// Option configures a Process.
type Option func(*Process)

// WithOutputLogger routes subprocess output through logger, using parser to
// pick the level of each line.
func WithOutputLogger(logger *slog.Logger, parser LogParser) Option {
	return func(p *Process) {
		p.outputLogger = logger
		p.parser = parser
	}
}

// WithTimeouts overrides the SIGINT grace period and the post-SIGKILL wait.
func WithTimeouts(graceful, kill time.Duration) Option {
	return func(p *Process) {
		p.gracefulTimeout = graceful
		p.killTimeout = kill
	}
}

// New prepares argv for execution. Nothing runs until Start.
func New(id string, argv []string, logger *slog.Logger, opts ...Option) *Process {
	p := &Process{
		id:              id,
		argv:            argv,
		logger:          logger,
		gracefulTimeout: 3 * time.Second,
		killTimeout:     2 * time.Second,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the command and returns once it is running.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("process %s already started", p.id)
	}
	if len(p.argv) == 0 {
		return errors.New("empty command")
	}

	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.argv[0], err)
	}
	p.cmd = cmd
	p.started = true

	p.logger.Info("Process started", "id", p.id, "pid", cmd.Process.Pid)

	var output sync.WaitGroup
	output.Add(2)
	go func() {
		defer output.Done()
		p.streamOutput(stdout, "stdout")
	}()
	go func() {
		defer output.Done()
		p.streamOutput(stderr, "stderr")
	}()

	go func() {
		// Pipes must be drained before Wait closes them.
		output.Wait()
		err := cmd.Wait()

		p.mu.Lock()
		if p.exitCode == 0 {
			p.exitCode = exitCodeFromError(err)
		}
		p.exitErr = err
		p.mu.Unlock()

		p.logger.Info("Process exited", "id", p.id, "exit_code", p.ExitCode())
		close(p.done)
	}()
	return nil
}

// Done is closed after the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is valid after Done is closed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err is the error returned by Wait, valid after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Pid returns the process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop asks the process group to exit and waits at most the grace period
// plus the kill timeout. Repeated calls return the first result.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop()
	})
	return p.stopErr
}

func (p *Process) stop() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}

	select {
	case <-p.done:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	p.logger.Debug("Sending SIGINT to process group", "id", p.id, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGINT); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("Failed to send SIGINT", "id", p.id, "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.gracefulTimeout):
	}

	p.logger.Warn("Graceful shutdown timeout, forcing kill", "id", p.id, "timeout", p.gracefulTimeout)
	p.mu.Lock()
	p.exitCode = ExitCodeKilled
	p.mu.Unlock()
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return fmt.Errorf("kill %d: %w", pid, killErr)
		}
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.killTimeout):
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

func (p *Process) streamOutput(r io.Reader, source string) {
	logger := p.outputLogger
	if logger == nil {
		logger = p.logger
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		level, msg := "info", line
		if p.parser != nil {
			level, msg = p.parser(line)
		}
		switch level {
		case "error":
			logger.Error(msg, "id", p.id, "source", source)
		case "warn":
			logger.Warn(msg, "id", p.id, "source", source)
		case "debug":
			logger.Debug(msg, "id", p.id, "source", source)
		default:
			logger.Info(msg, "id", p.id, "source", source)
		}
	}
	if err := sc.Err(); err != nil {
		p.logger.Debug("Error reading output", "id", p.id, "source", source, "error", err)
	}
}

// exitCodeFromError returns 0 for nil, the exit status for an ExitError and
// 1 otherwise. Signal deaths report 128+signal.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// ParseAgentLogLevel understands the agent's "[server] LEVEL: message" lines.
// Unprefixed lines such as Java stack traces are reported at warn.
func ParseAgentLogLevel(line string) (level, msg string) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "[server] ")
	if !ok {
		return "warn", line
	}
	tag, msg, ok := strings.Cut(rest, ": ")
	if !ok {
		return "info", rest
	}
	switch tag {
	case "VERBOSE", "DEBUG":
		return "debug", msg
	case "INFO":
		return "info", msg
	case "WARN":
		return "warn", msg
	case "ERROR":
		return "error", msg
	}
	return "info", rest
}
