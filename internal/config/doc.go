// Package config manages the head unit's YAML configuration file.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/headunit/config.yaml or $HOME/.config/headunit/config.yaml
//   - macOS: $HOME/.config/headunit/config.yaml
//   - Windows: %LOCALAPPDATA%\headunit\config.yaml
//
// A missing file is not an error; every key has a default. Keys present in
// the file override the defaults one by one.
//
// # Hot Reload
//
// Watch follows the file with fsnotify and hands every valid new version to
// a callback. Only the video section is meant to take effect immediately
// (decoder codec and software fallback); buffer policy, timeouts and
// discovery settings are read once at start-up.
//
// # Usage Example
//
//	cfg, path, err := config.LoadDefault()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reassembler.SetDecodeOptions(cfg.DecodeOptions())
//	config.Watch(ctx, path, func(c *config.Config) {
//	    reassembler.SetDecodeOptions(c.DecodeOptions())
//	})
package config
