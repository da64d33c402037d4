package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
	// BufferSize is the number of recent entries kept for the log stream.
	BufferSize int `toml:"buffer_size"`
}

const defaultBufferSize = 1000

var (
	mu          sync.RWMutex
	current     = Config{Level: "info", Format: "text"}
	initialized bool
	loggers     = make(map[string]*slog.Logger)
	levels      = make(map[string]*slog.LevelVar)
	rootLevel   = &slog.LevelVar{}
	tail        *RingBuffer
	onEntry     EntryCallback
)

// Initialize applies cfg to the default logger and to every module logger
// handed out so far. Safe to call more than once.
func Initialize(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	current = cfg
	initialized = true

	rootLevel.Set(levelFor(cfg, ""))

	if tail == nil || cfg.BufferSize > 0 && len(tail.entries) != cfg.BufferSize {
		tail = NewRingBuffer(cfg.BufferSize)
	}

	// Loggers created before Initialize were built with the text format;
	// rebuild them so format and journal routing match the config.
	for module, lv := range levels {
		lv.Set(levelFor(cfg, module))
		loggers[module] = slog.New(newHandler(cfg.Format, lv)).With("module", module)
	}

	slog.SetDefault(slog.New(newHandler(cfg.Format, rootLevel)))
}

// Tail returns the buffer of recent entries, or nil before Initialize.
func Tail() *RingBuffer {
	mu.RLock()
	defer mu.RUnlock()
	return tail
}

// SetEntryCallback sets the function called for each new tail entry.
func SetEntryCallback(callback EntryCallback) {
	mu.Lock()
	defer mu.Unlock()
	onEntry = callback
}

func tailSink() (*RingBuffer, EntryCallback) {
	mu.RLock()
	defer mu.RUnlock()
	return tail, onEntry
}

// GetLogger returns the logger for module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mu.RLock()
	if l, ok := loggers[module]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[module]; ok {
		return l
	}

	lv := &slog.LevelVar{}
	format := "text"
	if initialized {
		lv.Set(levelFor(current, module))
		format = current.Format
	}

	l := slog.New(newHandler(format, lv)).With("module", module)
	loggers[module] = l
	levels[module] = lv
	return l
}

// SetModuleLevel changes a module's level at runtime. Unknown level strings
// are ignored and reported as false.
func SetModuleLevel(module, level string) bool {
	parsed, ok := parseLevel(level)
	if !ok {
		return false
	}
	GetLogger(module)

	mu.Lock()
	defer mu.Unlock()
	levels[module].Set(parsed)
	return true
}

// levelFor resolves the effective level for module: module override first,
// then the global level, then info.
func levelFor(cfg Config, module string) slog.Level {
	if module != "" {
		if s, ok := cfg.Modules[module]; ok {
			if l, valid := parseLevel(s); valid {
				return l
			}
		}
	}
	if l, ok := parseLevel(cfg.Level); ok {
		return l
	}
	return slog.LevelInfo
}

// newHandler builds the handler chain: stdout when something is attached to
// it, journald when available, and always the in-memory tail.
func newHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdout slog.Handler
	if format == "json" {
		stdout = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdout = slog.NewTextHandler(os.Stdout, opts)
	}

	var handlers []slog.Handler
	if stdoutAttached() {
		handlers = append(handlers, stdout)
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}
	handlers = append(handlers, NewBufferHandler(level))

	if len(handlers) == 1 {
		return handlers[0]
	}
	return NewMultiHandler(handlers...)
}

// stdoutAttached reports whether stdout is a terminal, pipe, socket or file.
// /dev/null is a device and is treated as detached.
func stdoutAttached() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&os.ModeCharDevice != 0 || mode&os.ModeNamedPipe != 0 || mode&os.ModeSocket != 0 || mode.IsRegular()
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "fatal":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
