// Package logging provides structured logging for the IoThing discovery core.
//
// This package wraps a zap logger with convenience functions for the logging
// patterns used throughout the core: lifecycle transitions of the discovery
// service, discovery-protocol events, and connectivity changes.
//
// # Log Levels
//
//   - Debug: Discovery-protocol chatter (found/lost/resolve), duplicate callbacks
//   - Info: State transitions, devices added or removed, link up/down
//   - Warn: Transient failures (resolve failed, discovery start/stop failed)
//   - Error: Failures surfaced to the CLI (config, listeners)
//
// # Structured Logging
//
//	logging.Info("Device resolved",
//	    zap.String("instance", "sensor-1"),
//	    zap.String("ip", "192.168.1.40"),
//	)
//
// Components take a *zap.Logger and default to a named child of the global
// logger:
//
//	log := logging.Named("discovery")
//	logging.LogStateTransition(log, "idle", "starting")
//
// # Configuration
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// When no level is given and IOTHING_LOG_LEVEL is unset, logging is silent so
// that CLI output is not interleaved with log lines.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use.
package logging
