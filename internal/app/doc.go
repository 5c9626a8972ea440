// Package app ties the iothing components together.
//
// A Context is created once per process and passed by reference to the
// consumers (CLI, terminal UI and feed server). It owns the shared device
// collection, follows the connectivity monitor to switch discovery on and
// off, and claims devices through the provisioning client.
package app
