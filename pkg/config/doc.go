// Package config loads typed configuration from the environment and the
// billing catalog from YAML.
//
// Load parses env-tagged structs with caarlos0/env after reading an optional
// .env file through godotenv, caching one copy per type. Parse does the same
// against an explicit variable map, which keeps tests off the process
// environment.
//
// ResolveBilling is the single place where billing credentials are chosen.
// It accepts current and legacy variable names, picks the pair for the active
// mode (live or test) and fails at startup when the pair is incomplete.
// NewProvider then builds the matching subscription.Provider.
package config
