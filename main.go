package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/mirrornode/cmd"
	"github.com/smazurov/mirrornode/internal/api"
	"github.com/smazurov/mirrornode/internal/bridge"
	"github.com/smazurov/mirrornode/internal/broadcast"
	"github.com/smazurov/mirrornode/internal/codec"
	"github.com/smazurov/mirrornode/internal/config"
	"github.com/smazurov/mirrornode/internal/events"
	"github.com/smazurov/mirrornode/internal/gateway"
	"github.com/smazurov/mirrornode/internal/logging"
	"github.com/smazurov/mirrornode/internal/names"
	"github.com/smazurov/mirrornode/internal/portpool"
	"github.com/smazurov/mirrornode/internal/process"
	"github.com/smazurov/mirrornode/internal/registry"
	"github.com/smazurov/mirrornode/internal/session"
	"github.com/smazurov/mirrornode/internal/systemd"
	"github.com/smazurov/mirrornode/internal/version"
	"github.com/smazurov/mirrornode/internal/viewer"
)

// errShutdown is the stop cause of every session when the gateway exits.
var errShutdown = errors.New("gateway shutting down")

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Bridge and agent settings
	BridgePath        string `help:"Path to the adb binary" default:"adb" toml:"bridge.path" env:"BRIDGE_PATH"`
	AgentPath         string `help:"Local agent payload pushed to each device" default:"scrcpy-server.jar" toml:"agent.path" env:"AGENT_PATH"`
	AgentVersion      string `help:"Agent version, must match the payload" default:"3.3.4" toml:"agent.version" env:"AGENT_VERSION"`
	AgentLogLevel     string `help:"Agent log level (verbose, debug, info, warn, error)" default:"info" toml:"agent.log_level" env:"AGENT_LOG_LEVEL"`
	AgentMaxSize      int    `help:"Longest frame edge in pixels, 0 keeps the device size" default:"0" toml:"agent.max_size" env:"AGENT_MAX_SIZE"`
	AgentMaxFPS       int    `help:"Frame rate cap, 0 for none" default:"30" toml:"agent.max_fps" env:"AGENT_MAX_FPS"`
	AgentBitRate      int    `help:"Video bit rate in bits per second" default:"4000000" toml:"agent.bit_rate" env:"AGENT_BIT_RATE"`
	AgentIFrame       int    `help:"Keyframe interval in seconds" default:"2" toml:"agent.i_frame_interval" env:"AGENT_I_FRAME_INTERVAL"`
	AgentCodecOptions string `help:"Extra encoder options passed to the agent" default:"" toml:"agent.codec_options" env:"AGENT_CODEC_OPTIONS"`
	AgentControl      bool   `help:"Enable input injection over the control socket" default:"true" toml:"agent.control" env:"AGENT_CONTROL"`

	// Session settings
	PortRangeLow      int    `help:"First local port handed to sessions" default:"27183" toml:"ports.low" env:"PORTS_LOW"`
	PortRangeHigh     int    `help:"End of the local port range (exclusive)" default:"28000" toml:"ports.high" env:"PORTS_HIGH"`
	ScanInterval      string `help:"Device scan interval" default:"3s" toml:"scan.interval" env:"SCAN_INTERVAL"`
	SettleDelay       string `help:"Wait after launching the agent before expecting it" default:"500ms" toml:"session.settle_delay" env:"SESSION_SETTLE_DELAY"`
	ConnectTimeout    string `help:"How long the agent has to connect back" default:"10s" toml:"session.connect_timeout" env:"SESSION_CONNECT_TIMEOUT"`
	CommandTimeout    string `help:"Timeout for each bridge command" default:"15s" toml:"session.command_timeout" env:"SESSION_COMMAND_TIMEOUT"`
	StreamCodec       string `help:"Codec assumed when the stream header names none (h264, h265)" default:"h264" toml:"stream.codec" env:"STREAM_CODEC"`
	StreamMaxPacket   int    `help:"Largest accepted video packet in bytes" default:"16777216" toml:"stream.max_packet_size" env:"STREAM_MAX_PACKET_SIZE"`
	PowerPolicy       string `help:"Turn the screen off when viewers leave (never, last, any)" default:"never" toml:"power.off_policy" env:"POWER_OFF_POLICY"`
	PowerPollInterval string `help:"Screen power polling interval, negative disables" default:"15s" toml:"power.poll_interval" env:"POWER_POLL_INTERVAL"`
	NamesFile         string `help:"Device display names file, reloaded on change" default:"devices.toml" toml:"names.file" env:"NAMES_FILE"`

	// Viewer settings
	ViewerQueueSize    int    `help:"Pending packets per viewer before it is dropped" default:"256" toml:"viewer.queue_size" env:"VIEWER_QUEUE_SIZE"`
	ViewerWriteTimeout string `help:"WebSocket write timeout" default:"5s" toml:"viewer.write_timeout" env:"VIEWER_WRITE_TIMEOUT"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Observability settings
	PrometheusEnabled bool `help:"Serve Prometheus metrics on /metrics" default:"true" toml:"obs.prometheus_enabled" env:"OBS_PROMETHEUS_ENABLED"`

	// Logging settings
	LoggingLevel     string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat    string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingScanner   string `help:"Scanner logging level" default:"info" toml:"logging.scanner" env:"LOGGING_SCANNER"`
	LoggingSession   string `help:"Session logging level" default:"info" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingAgent     string `help:"Agent output logging level" default:"info" toml:"logging.agent" env:"LOGGING_AGENT"`
	LoggingBridge    string `help:"Bridge logging level" default:"info" toml:"logging.bridge" env:"LOGGING_BRIDGE"`
	LoggingGateway   string `help:"Gateway logging level" default:"info" toml:"logging.gateway" env:"LOGGING_GATEWAY"`
	LoggingViewer    string `help:"Viewer logging level" default:"info" toml:"logging.viewer" env:"LOGGING_VIEWER"`
	LoggingWebRTC    string `help:"WebRTC logging level" default:"info" toml:"logging.webrtc" env:"LOGGING_WEBRTC"`
	LoggingAPI       string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP      string `help:"HTTP request logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
	LoggingConfig    string `help:"Config reload logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingBroadcast string `help:"Broadcast logging level" default:"info" toml:"logging.broadcast" env:"LOGGING_BROADCAST"`
	LoggingBuffer    int    `help:"Recent log lines kept for /api/logs/stream" default:"1000" toml:"logging.buffer_size" env:"LOGGING_BUFFER_SIZE"`
}

func fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:      opts.LoggingLevel,
			Format:     opts.LoggingFormat,
			BufferSize: opts.LoggingBuffer,
			Modules: map[string]string{
				"scanner":   opts.LoggingScanner,
				"session":   opts.LoggingSession,
				"agent":     opts.LoggingAgent,
				"bridge":    opts.LoggingBridge,
				"gateway":   opts.LoggingGateway,
				"viewer":    opts.LoggingViewer,
				"webrtc":    opts.LoggingWebRTC,
				"api":       opts.LoggingAPI,
				"http":      opts.LoggingHTTP,
				"config":    opts.LoggingConfig,
				"broadcast": opts.LoggingBroadcast,
			},
		})
		logger := logging.GetLogger("main")
		logger.Info("Starting", "version", version.String())

		adbPath, err := bridge.LookPath(opts.BridgePath)
		if err != nil {
			fatal(logger, "Device bridge not available", "error", err)
		}
		if _, statErr := os.Stat(opts.AgentPath); statErr != nil {
			fatal(logger, "Agent payload not found", "path", opts.AgentPath, "error", statErr)
		}
		ports, err := portpool.New(opts.PortRangeLow, opts.PortRangeHigh)
		if err != nil {
			fatal(logger, "Invalid port range", "low", opts.PortRangeLow, "high", opts.PortRangeHigh, "error", err)
		}
		policy, err := gateway.ParsePowerPolicy(opts.PowerPolicy)
		if err != nil {
			fatal(logger, "Invalid power policy", "error", err)
		}

		adb := bridge.NewADB(adbPath, nil, logging.GetLogger("bridge"))
		eventBus := events.New()
		logging.SetEntryCallback(func(e logging.Entry) { eventBus.Publish(api.LogEvent(e)) })
		fallback := codec.ForName(opts.StreamCodec)
		hub := broadcast.NewHub(fallback, logging.GetLogger("broadcast"))
		nameStore := names.New(opts.NamesFile, logging.GetLogger("config"))

		gw := gateway.New(gateway.Options{
			Hub:         hub,
			Bus:         eventBus,
			Names:       nameStore,
			Fallback:    fallback,
			PowerPolicy: policy,
			KeyTimeout:  config.Duration(opts.CommandTimeout, 15*time.Second),
			Logger:      logging.GetLogger("gateway"),
		})

		sessionCfg := session.DefaultConfig()
		sessionCfg.AgentLocalPath = opts.AgentPath
		sessionCfg.Agent = bridge.AgentOptions{
			Version:        opts.AgentVersion,
			LogLevel:       opts.AgentLogLevel,
			MaxSize:        opts.AgentMaxSize,
			MaxFPS:         opts.AgentMaxFPS,
			BitRate:        opts.AgentBitRate,
			IFrameInterval: opts.AgentIFrame,
			CodecOptions:   opts.AgentCodecOptions,
			Codec:          opts.StreamCodec,
			Control:        opts.AgentControl,
		}
		sessionCfg.SettleDelay = config.Duration(opts.SettleDelay, sessionCfg.SettleDelay)
		sessionCfg.ConnectTimeout = config.Duration(opts.ConnectTimeout, sessionCfg.ConnectTimeout)
		sessionCfg.CommandTimeout = config.Duration(opts.CommandTimeout, sessionCfg.CommandTimeout)
		sessionCfg.MaxPacketSize = opts.StreamMaxPacket
		if d, parseErr := time.ParseDuration(opts.PowerPollInterval); parseErr == nil {
			sessionCfg.PowerPollInterval = d
		}

		sessionLogger := logging.GetLogger("session")
		agentLogger := logging.GetLogger("agent")
		launch := func(id string, argv []string) session.Agent {
			return process.New(id, argv, agentLogger.With("device_id", id),
				process.WithOutputLogger(agentLogger.With("device_id", id), process.ParseAgentLogLevel))
		}

		reg := registry.New(ports, func(dev bridge.Device, port int, onStopped func(cause error)) registry.Session {
			return session.New(session.Params{
				Device:    dev,
				Port:      port,
				Ports:     ports,
				Bridge:    adb,
				Launch:    launch,
				Handler:   gw,
				Logger:    sessionLogger,
				Config:    sessionCfg,
				OnStopped: onStopped,
			})
		}, logging.GetLogger("registry"))
		gw.SetSessions(reg)

		scanner := registry.NewScanner(adb, reg, config.Duration(opts.ScanInterval, 3*time.Second), logging.GetLogger("scanner"))

		webrtcManager := viewer.NewWebRTCManager(gw, viewer.WebRTCConfig{}, logging.GetLogger("webrtc"))
		wsHandler := viewer.NewWebSocketHandler(gw, eventBus, viewer.WebSocketConfig{
			QueueSize:    opts.ViewerQueueSize,
			WriteTimeout: config.Duration(opts.ViewerWriteTimeout, 5*time.Second),
		}, logging.GetLogger("viewer"))

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Gateway:      gw,
			EventBus:     eventBus,
			WebRTC:       webrtcManager,
			WebSocket:    wsHandler,
		}
		if opts.PrometheusEnabled {
			apiOpts.PrometheusHandler = promhttp.Handler()
		}
		server := api.NewServer(apiOpts)

		notifier := systemd.NewNotifier(logging.GetLogger("main"))
		ctx, cancel := context.WithCancel(context.Background())
		scanDone := make(chan struct{})

		hooks.OnStart(func() {
			if startErr := nameStore.Start(); startErr != nil {
				fatal(logger, "Failed to load device names", "path", opts.NamesFile, "error", startErr)
			}

			go func() {
				defer close(scanDone)
				scanner.Run(ctx)
			}()
			go notifier.RunWatchdog(ctx, nil)

			notifier.Ready()
			notifier.Status("Serving on %s", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil {
				fatal(logger, "Failed to start HTTP server", "error", startErr)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			notifier.Stopping()

			// Stop discovering before tearing sessions down so none are restarted.
			cancel()
			<-scanDone

			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			webrtcManager.Stop()

			logger.Info("Stopping all device sessions", "sessions", reg.Len())
			reg.StopAll(errShutdown)

			if stopErr := nameStore.Stop(); stopErr != nil {
				logger.Warn("Error stopping names watcher", "error", stopErr)
			}
		})
	})

	cli.Root().Use = "mirrornode"
	cli.Root().Version = version.String()
	cli.Root().AddCommand(cmd.CreateDevicesCmd())
	cli.Root().AddCommand(cmd.CreateKeyCmd())

	cli.Run()
}
