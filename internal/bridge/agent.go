package bridge

import (
	"fmt"
	"strconv"
	"strings"
)

// Agent payload location and entry point on the device.
const (
	AgentRemotePath = "/data/local/tmp/scrcpy-server.jar"
	AgentMainClass  = "com.genymobile.scrcpy.Server"
	AgentSocketName = "scrcpy"
)

// AgentOptions are the capture parameters passed to the agent.
type AgentOptions struct {
	Version        string
	LogLevel       string
	MaxSize        int
	MaxFPS         int
	BitRate        int
	IFrameInterval int
	CodecOptions   string
	Codec          string
	Control        bool
}

// Args renders the agent command line, excluding the bridge prefix.
func (o AgentOptions) Args() []string {
	level := o.LogLevel
	if level == "" {
		level = "info"
	}
	codecOptions := fmt.Sprintf("i-frame-interval=%d", o.IFrameInterval)
	if o.CodecOptions != "" {
		codecOptions += "," + strings.TrimPrefix(o.CodecOptions, ",")
	}

	args := []string{
		"CLASSPATH=" + AgentRemotePath,
		"app_process",
		"/",
		AgentMainClass,
		o.Version,
		"log_level=" + level,
		"tunnel_forward=false",
		"control=" + strconv.FormatBool(o.Control),
		"audio=false",
		"max_size=" + strconv.Itoa(o.MaxSize),
		"max_fps=" + strconv.Itoa(o.MaxFPS),
		"video_bit_rate=" + strconv.Itoa(o.BitRate),
		"video_codec_options=" + codecOptions,
	}
	if o.Codec != "" {
		args = append(args, "video_codec="+o.Codec)
	}
	return args
}
