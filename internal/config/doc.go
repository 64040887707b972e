// Package config handles configuration loading for coven-history.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Missing values get defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_HISTORY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/history.yaml
//  3. ~/.config/coven/history.yaml
//
// A path ending in .toml is parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  driver: postgres
//	  dsn: "${COVEN_HISTORY_DSN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  driver: sqlite          # sqlite | sqlite3 | postgres | memory
//	  path: ~/.local/share/coven/history.db
//
// Store:
//
//	store:
//	  page_size: 100          # rows per transaction when listing, 1-1000
//	  operation_timeout: 10s  # "0s" disables the per-command deadline
//
// Logging:
//
//	logging:
//	  level: info             # debug | info | warn | error
//	  format: text            # text | json
//
// The same file in TOML:
//
//	[database]
//	driver = "sqlite"
//	path = "~/.local/share/coven/history.db"
//
//	[logging]
//	level = "debug"
package config
