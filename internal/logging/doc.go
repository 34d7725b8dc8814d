// Package logging provides structured logging for castlink.
//
// This package wraps a global zap logger with convenience functions used by
// the discovery engine, the link manager and the session controller. Logging
// is silent by default so that library consumers and CLI output are not
// polluted; set CASTLINK_LOG_LEVEL (or call Initialize) to enable it.
//
// # Log Levels
//
//   - Debug: datagram dumps, link payloads, state transitions
//   - Info: link connect/disconnect, devices added/removed
//   - Warn: unsolicited link loss, malformed discovery responses
//   - Error: failures that are reported to no caller
//
// # Structured Logging
//
//	logging.Info("Module connected",
//	    zap.String("module", "application"),
//	    zap.String("endpoint", "ws://192.168.1.20:9431/channels/app"),
//	)
//
// Component loggers can be derived with Named:
//
//	log := logging.Named("discovery")
//	log.Debug("probe sent", zap.String("target", st))
//
// # Configuration
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// # Thread Safety
//
// All logging functions are safe for concurrent use once Initialize has
// returned. Initialize itself should be called once during startup.
package logging
