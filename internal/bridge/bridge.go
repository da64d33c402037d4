// Package bridge drives the device bridge command-line tool (adb).
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Device is one attached device as reported by the bridge.
type Device struct {
	Serial string `json:"serial"`
	Model  string `json:"model,omitempty"`
}

// Bridge is the set of device operations the gateway needs.
type Bridge interface {
	Devices(ctx context.Context) ([]Device, error)
	Push(ctx context.Context, serial, local, remote string) error
	Reverse(ctx context.Context, serial, socketName string, port int) error
	ReverseRemoveAll(ctx context.Context, serial string) error
	Shell(ctx context.Context, serial string, args ...string) (string, error)
	// AgentCommand returns the argv that launches the on-device agent.
	AgentCommand(serial string, args []string) []string
}

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// QueryError is a failed shell query. It is expected to be transient.
type QueryError struct {
	Cmd    string
	Output string
	Err    error
}

func (e *QueryError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("query %q: %v: %s", e.Cmd, e.Err, e.Output)
	}
	return fmt.Sprintf("query %q: %v", e.Cmd, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ErrNotFound is returned by LookPath when the bridge binary is absent.
var ErrNotFound = errors.New("device bridge binary not found")

// LookPath resolves the bridge executable.
func LookPath(path string) (string, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrNotFound, path, err)
	}
	return resolved, nil
}

// ADB implements Bridge on top of the adb command.
type ADB struct {
	path   string
	runner Runner
	logger *slog.Logger
}

// NewADB returns a bridge using the adb binary at path. A nil runner uses ExecRunner.
func NewADB(path string, runner Runner, logger *slog.Logger) *ADB {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ADB{path: path, runner: runner, logger: logger}
}

func (a *ADB) run(ctx context.Context, args ...string) (string, error) {
	a.logger.Debug("Running bridge command", "args", args)
	out, err := a.runner.Run(ctx, a.path, args...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("%s %s: %w: %s", a.path, strings.Join(args, " "), err, text)
		}
		return text, fmt.Errorf("%s %s: %w", a.path, strings.Join(args, " "), err)
	}
	return text, nil
}

func (a *ADB) Devices(ctx context.Context) ([]Device, error) {
	out, err := a.run(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

func (a *ADB) Push(ctx context.Context, serial, local, remote string) error {
	_, err := a.run(ctx, "-s", serial, "push", local, remote)
	return err
}

func (a *ADB) Reverse(ctx context.Context, serial, socketName string, port int) error {
	_, err := a.run(ctx, "-s", serial, "reverse", "localabstract:"+socketName, "tcp:"+strconv.Itoa(port))
	return err
}

func (a *ADB) ReverseRemoveAll(ctx context.Context, serial string) error {
	_, err := a.run(ctx, "-s", serial, "reverse", "--remove-all")
	return err
}

func (a *ADB) Shell(ctx context.Context, serial string, args ...string) (string, error) {
	out, err := a.runner.Run(ctx, a.path, append([]string{"-s", serial, "shell"}, args...)...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, &QueryError{Cmd: strings.Join(args, " "), Output: text, Err: err}
	}
	return text, nil
}

func (a *ADB) AgentCommand(serial string, args []string) []string {
	return append([]string{a.path, "-s", serial, "shell"}, args...)
}

// ParseDevices parses `adb devices -l`. Only entries in the "device" state
// are returned; unauthorized and offline devices are skipped.
func ParseDevices(out string) []Device {
	var devices []Device
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		d := Device{Serial: fields[0]}
		for _, f := range fields[2:] {
			if model, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = strings.ReplaceAll(model, "_", " ")
			}
		}
		devices = append(devices, d)
	}
	return devices
}

// PowerState is the device's wakefulness.
type PowerState string

const (
	PowerUnknown  PowerState = "unknown"
	PowerAwake    PowerState = "awake"
	PowerAsleep   PowerState = "asleep"
	PowerDozing   PowerState = "dozing"
	PowerDreaming PowerState = "dreaming"
)

// PowerStateQuery is the shell command whose output ParsePowerState reads.
var PowerStateQuery = []string{"dumpsys", "power"}

// ParsePowerState extracts mWakefulness from `dumpsys power` output.
func ParsePowerState(out string) PowerState {
	for _, line := range strings.Split(out, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "mWakefulness=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "awake":
			return PowerAwake
		case "asleep":
			return PowerAsleep
		case "dozing":
			return PowerDozing
		case "dreaming":
			return PowerDreaming
		}
	}
	return PowerUnknown
}

// QueryPowerState runs the power query on serial.
func QueryPowerState(ctx context.Context, b Bridge, serial string) (PowerState, error) {
	out, err := b.Shell(ctx, serial, PowerStateQuery...)
	if err != nil {
		return PowerUnknown, err
	}
	state := ParsePowerState(out)
	if state == PowerUnknown {
		return state, &QueryError{Cmd: strings.Join(PowerStateQuery, " "), Output: firstLine(out), Err: errors.New("no mWakefulness line")}
	}
	return state, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
