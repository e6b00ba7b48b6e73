// Package config handles configuration loading for secchat-gateway.
//
// # Configuration File
//
// Lookup order (see Resolve):
//
//  1. --config flag
//  2. SECCHAT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/secchat/gateway.yaml (or ~/.config/secchat/gateway.yaml)
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${SECCHAT_JWT_SECRET}"
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("250ms", "30s", "5m").
//
// # Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"   # WebSocket, REST, health
//	  grpc_addr: "127.0.0.1:50051"  # grpc.health.v1 (optional)
//
//	database:
//	  driver: sqlite                # sqlite, postgres, mysql, memory
//	  path: /var/lib/secchat/secchat.db
//	  dsn: ""                       # postgres / mysql
//
//	sessions:
//	  idle_timeout: 30m
//	  reap_interval: 1m
//	  dedupe_window: 5m
//
//	connections:
//	  send_buffer: 64
//	  inbound_queue: 8
//	  ping_interval: 30s
//	  read_timeout: 90s
//
//	retrieval:
//	  enabled: true
//	  index_dir: /var/lib/secchat/index
//	  embedding_model: nomic-embed-text
//	  top_k: 3
//
//	corpus:
//	  dir: /var/log/wazuh/alerts
//	  watch: true
//
//	generation:
//	  backend_url: http://localhost:11434
//	  model: llama3.1
//	  max_attempts: 4
//	  initial_backoff: 250ms
//	  max_backoff: 4s
//	  max_context_messages: 20
//
//	logging:
//	  level: info    # debug, info, warn, error
//	  format: text   # text, json
package config
