// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the gateway.
// These provide more specific reasons for closure than standard codes.
const (
	InvalidAuthTokenError websocket.StatusCode = 3001 // Player token was invalid or expired.
	PlayerMismatchError   websocket.StatusCode = 3002 // Message named a different player than the connection is bound to.
	SlowConsumerError     websocket.StatusCode = 3004 // Outgoing buffer overflowed; the client is not reading.
)
