// Package api dispatches HTTP requests to the game server.
//
// Every protected request carries "Authorization: Bearer <access token>",
// read from the credential source at send time. Retryable outcomes (5xx
// in the retryable set and transport timeouts) are re-issued with
// exponential backoff. A 401 on a protected request triggers one refresh
// through the TokenRefresher and a single replay; a second 401 is
// returned as KindAuthExpired.
//
// All failures are normalized to *Error carrying {message, status,
// details}. Context cancellation is returned as the context's error.
//
// AuthClient speaks to the refresh, login and logout endpoints:
//
//	POST /auth/refresh  Authorization: Bearer <refresh token>
//	-> {"success": true, "data": {"access_token", "refresh_token", "user"}}
package api
