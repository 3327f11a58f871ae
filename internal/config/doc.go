// Package config loads the engine's static configuration.
//
// A configuration file is YAML, TOML or CUE, chosen by extension. Missing
// fields keep their defaults, and the merged result is validated against an
// embedded CUE schema before it is converted to an engine.Config. Runtime
// settings that are not part of the conservation model (database path, log
// level, exporter addresses) come from the environment instead; see Env.
package config
