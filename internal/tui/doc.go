// Package tui implements the interactive device dashboard shown by
// "iothing watch" on a terminal.
//
// The dashboard lists discovered devices in collection order, shows the
// network and discovery state in its header, and lets the user pause
// discovery or claim the selected device. Device and network changes reach
// the running program through Forward; discovery state is polled.
package tui
