// Package names maps device serials to operator-chosen display names.
//
// The file is TOML with a single table:
//
//	[devices]
//	"R58M42ABCDE" = "Lobby kiosk"
//
// It is owned by the management surface and only read here. Edits are
// picked up without a restart.
package names

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/mirrornode/internal/config"
)

type file struct {
	Devices map[string]string `toml:"devices"`
}

// Load reads the names file at path. A missing file yields an empty map.
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Devices == nil {
		f.Devices = map[string]string{}
	}
	return f.Devices, nil
}

// Store is a hot-reloaded view of the names file. The zero path disables it.
type Store struct {
	path    string
	logger  *slog.Logger
	watcher *config.Watcher[map[string]string]
	unsub   func()

	mu    sync.RWMutex
	names map[string]string
}

// New returns a store for path. Call Start to load and begin watching.
func New(path string, logger *slog.Logger, opts ...config.WatcherOption[map[string]string]) *Store {
	s := &Store{
		path:   path,
		logger: logger,
		names:  map[string]string{},
	}
	if path != "" {
		opts = append(opts, config.WithErrorHandler[map[string]string](func(err error) {
			s.logger.Warn("Keeping previous device names", "path", s.path, "error", err)
		}))
		s.watcher = config.NewWatcher(path, Load, logger, opts...)
	}
	return s
}

// Start loads the file and watches it for changes. A malformed file at
// startup is an error; later parse errors keep the last good names.
func (s *Store) Start() error {
	if s.watcher == nil {
		return nil
	}
	names, err := Load(s.path)
	if err != nil {
		return err
	}
	s.set(names)

	s.unsub = s.watcher.OnReload(func(names map[string]string) {
		s.set(names)
		s.logger.Info("Device names reloaded", "path", s.path, "count", len(names))
	})
	return s.watcher.Start()
}

// Stop ends watching.
func (s *Store) Stop() error {
	if s.watcher == nil {
		return nil
	}
	if s.unsub != nil {
		s.unsub()
	}
	return s.watcher.Stop()
}

// Get returns the display name for serial.
func (s *Store) Get(serial string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[serial]
	return name, ok
}

// All returns a copy of every configured name.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.names)
}

func (s *Store) set(names map[string]string) {
	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
}
