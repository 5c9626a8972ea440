// Package ui renders the non-interactive output of the iothing CLI.
//
// Commands such as "scan" and "claim" print a command header, a device
// listing and a success or failure box, then exit. The interactive
// dashboard lives in package tui.
//
// # Components
//
//   - Header: command banner with the operation name and its parameters
//   - Result: success, failure or warning box with details and hints
//   - Printer: writes the components and device listings to a writer
//   - Confirm: a yes/no prompt for operations that change a device
//
// # Logging Integration
//
// zap logging is silent unless IOTHING_LOG_LEVEL or --log-level is set, so
// the styled output is not interleaved with log lines by default.
package ui
