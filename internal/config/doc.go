// Package config handles configuration loading for the chatsync client.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The file extension picks the syntax: .toml is TOML, anything
// else is YAML. Unset values get defaults, then the result is validated.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${CHATSYNC_TOKEN}"
//	  user_id: "${CHATSYNC_USER_ID}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	polling:
//	  idle_interval: "30s"
//	  fallback_interval: "5s"
//
// # Configuration Sections
//
// Backend:
//
//	backend:
//	  base_url: "https://api.example.com"
//	  stream_url: "wss://api.example.com/ws"  # optional; polling only when empty
//	  request_timeout: "15s"
//
// Sync:
//
//	sync:
//	  send_retries: 3
//	  dedupe_ttl: "5m"
//	  dedupe_size: 100000
//	  backoff_base: "1s"
//	  backoff_cap: "30s"
//
// Read receipts and negotiation:
//
//	read_state:
//	  debounce: "300ms"
//	negotiation:
//	  offer_window: "300s"
//
// Local cache:
//
//	cache:
//	  enabled: true
//	  path: "/home/me/.cache/chatsync.db"
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.Load("chatsync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
