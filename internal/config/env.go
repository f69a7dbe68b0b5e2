package config

// Environment variables used by the application
const (
	// Websocket endpoint of the indexer streaming service
	WS_URL = "WS_URL"

	// Base url of the indexer HTTP API
	INDEXER_API_URL = "INDEXER_API_URL"

	// Optional indexer API key
	INDEXER_API_KEY = "INDEXER_API_KEY"

	// Postgres DSN. When empty, activity history is kept in memory only
	POSTGRES_DSN = "POSTGRES_DSN"

	// Comma-separated wallet addresses to sync
	WALLET_ADDRESSES = "WALLET_ADDRESSES"

	// Fallback polling period while the socket is down. Default is 1m10s
	POLLING_PERIOD = "POLLING_PERIOD"

	// Forced refresh period while the socket is healthy. Default is 3m
	FORCED_POLLING_PERIOD = "FORCED_POLLING_PERIOD"

	// Minimum delay between two polls of one wallet. Default is 2s
	MIN_POLL_DELAY = "MIN_POLL_DELAY"

	// Listen address of the Prometheus /metrics endpoint. Empty disables it
	METRICS_ADDR = "METRICS_ADDR"
)
