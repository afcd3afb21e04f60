// Package config loads bcdebug settings from a TOML file with environment
// overrides.
//
//	[log]
//	level = "debug"
//
//	[session]
//	stop_on_entry = true
//	duplicate_lines = "first"
//
//	[[breakpoints]]
//	file = "main.bal"
//	line = 12
//
//	[dap]
//	listen = "127.0.0.1:4711"
//
//	[script]
//	path = "drive.lua"
package config

import (
	"fmt"
	"net"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/logger"
)

// DefaultListen is the DAP listen address when none is configured.
const DefaultListen = "127.0.0.1:4711"

// Config is the full bcdebug configuration.
type Config struct {
	Log         LogConfig            `toml:"log"`
	Session     SessionConfig        `toml:"session"`
	Breakpoints []linetable.Location `toml:"breakpoints"`
	DAP         DAPConfig            `toml:"dap"`
	Script      ScriptConfig         `toml:"script"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `toml:"level"`
}

// SessionConfig configures debug sessions.
type SessionConfig struct {
	StopOnEntry    bool   `toml:"stop_on_entry"`
	DuplicateLines string `toml:"duplicate_lines"`
}

// DAPConfig configures the DAP server.
type DAPConfig struct {
	Listen string `toml:"listen"`
}

// ScriptConfig names a Lua script that drives the session.
type ScriptConfig struct {
	Path string `toml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info"},
		Session: SessionConfig{DuplicateLines: linetable.LastWins.String()},
		DAP:     DAPConfig{Listen: DefaultListen},
	}
}

// DuplicatePolicy returns the parsed duplicate_lines setting.
func (c *Config) DuplicatePolicy() (linetable.DuplicatePolicy, error) {
	return linetable.ParseDuplicatePolicy(c.Session.DuplicateLines)
}

// Validate checks every setting.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	if _, err := c.DuplicatePolicy(); err != nil {
		return fmt.Errorf("%w: session.duplicate_lines: %v", ErrInvalid, err)
	}
	for i, bp := range c.Breakpoints {
		if bp.File == "" || bp.Line == 0 {
			return fmt.Errorf("%w: breakpoints[%d]: file and a positive line are required", ErrInvalid, i)
		}
	}
	if c.DAP.Listen != "" {
		if _, _, err := net.SplitHostPort(c.DAP.Listen); err != nil {
			return fmt.Errorf("%w: dap.listen: %v", ErrInvalid, err)
		}
	}
	return nil
}
