// Package auth coordinates access token refresh and session lifecycle.
//
// Coordinator guarantees at most one refresh call in flight. After
// MaxAttempts consecutive failures it refuses to refresh for the cooldown
// window, failing immediately without contacting the server. A terminal
// failure (cooldown entered, or the refresh token rejected with 401)
// invokes the failure handler once per episode; further terminal failures
// inside the latch window are absorbed.
//
// State machine:
//
//	Idle -> Refreshing -> Idle          (success, attempts reset)
//	Idle -> Refreshing -> Idle          (failure, attempts < max)
//	Idle -> Refreshing -> CoolingDown   (failure, attempts == max)
//	CoolingDown -> Idle                 (cooldown elapsed, attempts reset)
package auth
