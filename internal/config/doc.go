// Package config loads, validates, and watches the pipewatch YAML
// configuration file.
//
// Load fills missing optional fields with defaults and rejects structurally
// invalid files. Watch monitors the file with fsnotify and delivers freshly
// loaded configs to a callback, so the update engine's polling settings can
// be changed without restarting the daemon. Secrets (API keys, tokens,
// passwords) are never stored in the file itself — the config names
// environment variables and resolves them at use time.
package config
