// Package config provides user configuration management for iothing.
//
// The configuration is a YAML file holding discovery, connectivity and feed
// settings together with locally remembered device metadata (nicknames and
// the node ids assigned when devices were claimed).
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/iothing/config.yaml or $HOME/.config/iothing/config.yaml
//   - macOS: $HOME/.config/iothing/config.yaml
//   - Windows: %LOCALAPPDATA%\iothing\config.yaml
//
// A missing file is not an error: Load returns Default().
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg.SetDeviceNickname("iothing-3f", "Greenhouse")
//	if err := cfg.Save(""); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// File writes are serialized by a package mutex and performed atomically
// through a temporary file and rename. A *Config itself is not safe for
// concurrent mutation.
package config
