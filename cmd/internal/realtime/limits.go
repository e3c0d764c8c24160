package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). A 32 KiB ciphertext is ~43 KiB as base64.
	maxFrameBytes = 96 << 10 // 96 KiB
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-user rate limits (events per window), shared by all of a user's connections.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Max live topic subscriptions per connection: one conversation plus visible reaction watches.
	maxSubscriptionsPerConn = 256
)
