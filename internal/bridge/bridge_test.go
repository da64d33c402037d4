package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls []call
	out   map[string]string
	err   map[string]error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	key := strings.Join(args, " ")
	return []byte(f.out[key]), f.err[key]
}

func newTestADB(r Runner) *ADB {
	return NewADB("adb", r, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const devicesOutput = `List of devices attached
R58M123ABC             device usb:1-1 product:beyond1 model:SM_G973F device:beyond1 transport_id:1
emulator-5554          device product:sdk_gphone model:sdk_gphone_x86 device:generic transport_id:2
0123456789ABCDEF       unauthorized usb:1-2 transport_id:3
HT7A1B000000           offline
`

func TestParseDevices(t *testing.T) {
	got := ParseDevices(devicesOutput)
	want := []Device{
		{Serial: "R58M123ABC", Model: "SM G973F"},
		{Serial: "emulator-5554", Model: "sdk gphone x86"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseDevicesEmpty(t *testing.T) {
	out := "* daemon not running; starting now at tcp:5037\n* daemon started successfully\nList of devices attached\n\n"
	if got := ParseDevices(out); len(got) != 0 {
		t.Errorf("got %+v, want none", got)
	}
}

func TestADBCommands(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"devices -l": devicesOutput}}
	a := newTestADB(r)
	ctx := context.Background()

	devices, err := a.Devices(ctx)
	if err != nil || len(devices) != 2 {
		t.Fatalf("Devices = %v, %v", devices, err)
	}
	if err := a.ReverseRemoveAll(ctx, "S1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Push(ctx, "S1", "/opt/agent.jar", AgentRemotePath); err != nil {
		t.Fatal(err)
	}
	if err := a.Reverse(ctx, "S1", AgentSocketName, 27183); err != nil {
		t.Fatal(err)
	}

	want := [][]string{
		{"devices", "-l"},
		{"-s", "S1", "reverse", "--remove-all"},
		{"-s", "S1", "push", "/opt/agent.jar", AgentRemotePath},
		{"-s", "S1", "reverse", "localabstract:scrcpy", "tcp:27183"},
	}
	if len(r.calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(r.calls), len(want))
	}
	for i, c := range r.calls {
		if c.name != "adb" || !reflect.DeepEqual(c.args, want[i]) {
			t.Errorf("call %d = %s %v, want adb %v", i, c.name, c.args, want[i])
		}
	}
}

func TestADBCommandErrorIncludesOutput(t *testing.T) {
	boom := errors.New("exit status 1")
	r := &fakeRunner{
		out: map[string]string{"-s S1 push a b": "adb: error: failed to copy"},
		err: map[string]error{"-s S1 push a b": boom},
	}
	err := newTestADB(r).Push(context.Background(), "S1", "a", "b")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
	if !strings.Contains(err.Error(), "failed to copy") {
		t.Errorf("error %q lacks command output", err)
	}
}

func TestShellReturnsQueryError(t *testing.T) {
	boom := errors.New("exit status 255")
	r := &fakeRunner{err: map[string]error{"-s S1 shell dumpsys power": boom}}
	_, err := newTestADB(r).Shell(context.Background(), "S1", "dumpsys", "power")

	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %T, want *QueryError", err)
	}
	if qe.Cmd != "dumpsys power" || !errors.Is(err, boom) {
		t.Errorf("QueryError = %+v", qe)
	}
}

func TestParsePowerState(t *testing.T) {
	tests := []struct {
		out  string
		want PowerState
	}{
		{"Power Manager State:\n  mWakefulness=Awake\n  mWakefulnessChanging=false", PowerAwake},
		{"  mWakefulness=Asleep", PowerAsleep},
		{"  mWakefulness=Dozing", PowerDozing},
		{"  mWakefulness=Dreaming", PowerDreaming},
		{"mWakefulnessChanging=false", PowerUnknown},
		{"", PowerUnknown},
	}
	for _, tt := range tests {
		if got := ParsePowerState(tt.out); got != tt.want {
			t.Errorf("ParsePowerState(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func TestQueryPowerStateUnparseable(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"-s S1 shell dumpsys power": "Can't find service: power"}}
	state, err := QueryPowerState(context.Background(), newTestADB(r), "S1")
	var qe *QueryError
	if state != PowerUnknown || !errors.As(err, &qe) {
		t.Errorf("got %q, %v", state, err)
	}
}

func TestAgentCommand(t *testing.T) {
	opts := AgentOptions{
		Version:        "2.7",
		MaxSize:        1024,
		MaxFPS:         30,
		BitRate:        8000000,
		IFrameInterval: 2,
		Control:        true,
	}
	got := newTestADB(&fakeRunner{}).AgentCommand("S1", opts.Args())
	want := []string{
		"adb", "-s", "S1", "shell",
		"CLASSPATH=/data/local/tmp/scrcpy-server.jar",
		"app_process", "/", "com.genymobile.scrcpy.Server", "2.7",
		"log_level=info",
		"tunnel_forward=false",
		"control=true",
		"audio=false",
		"max_size=1024",
		"max_fps=30",
		"video_bit_rate=8000000",
		"video_codec_options=i-frame-interval=2",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got  %v\nwant %v", got, want)
	}
}

func TestAgentArgsExtraCodecOptions(t *testing.T) {
	args := AgentOptions{IFrameInterval: 1, CodecOptions: "profile=1", Codec: "h265", LogLevel: "debug"}.Args()
	joined := strings.Join(args, " ")
	for _, want := range []string{"video_codec_options=i-frame-interval=1,profile=1", "video_codec=h265", "log_level=debug"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}
