// Package logging provides slog loggers with per-module levels.
//
// Call Initialize once at startup, then obtain loggers by module name:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"session": "debug"},
//	})
//	logger := logging.GetLogger("session").With("device_id", serial)
//
// Records go to stdout (text or json) when stdout is attached, and to the
// systemd journal when journald is running. Journal entries are tagged
// SYSLOG_IDENTIFIER=mirrornode and carry attributes as fields, so
//
//	journalctl -t mirrornode MODULE=session DEVICE_ID=R58M41XXXX
//
// narrows output to a single device.
package logging
