// Package connection manages the game server WebSocket.
//
// Manager states:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting -> Connected           (abnormal close)
//	Reconnecting -> Disconnected                     (attempts exhausted)
//	any -> Disconnected                              (Disconnect, or server close 1000)
//
// The access token rides in the URL query (?token=...). Frames in both
// directions are {"type", "data", "timestamp"}. A heartbeat frame goes out
// every HeartbeatInterval while connected; inbound heartbeat frames are
// consumed. Every other inbound frame is published on the bus under its
// type and again under "message". Malformed frames are dropped with a
// warning.
//
// Reconnect k waits min(ReconnectBaseDelay * 2^(k-1), ReconnectMaxDelay).
// After MaxReconnectAttempts failed reconnects "reconnect_failed" is
// published and no further attempts are made.
package connection
