package pushgw

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 16 << 10 // 16 KiB

	// Max JSON body accepted by REST endpoints.
	maxBodyBytes = 64 << 10

	// Max notification title/message length (runes).
	maxTitleChars   = 200
	maxMessageChars = 2000

	// Per-user inbox bound.
	maxInboxItems = 1000
)

const (
	defaultSendQueueSize = 64
	minSendQueueSize     = 8

	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Long-poll wait bounds.
	defaultPollWait = 25 * time.Second
	maxPollWait     = 60 * time.Second

	defaultListLimit = 50
	maxListLimit     = 200

	// Per-user creation rate limit (POST /notifications).
	createRateEvents = 60
	createRateWindow = 10 * time.Second
)
