// Package database provides PostgreSQL connection pooling and a durable
// credential backend.
//
// Credentials are stored as JSONB rows in client_state, keyed by the
// storage key, so several client processes sharing one database see the
// same session.
package database
