// Package model defines shared data types used across the transport core.
//
// Conventions:
//   - Wire timestamps: int64 milliseconds since Unix epoch
//   - Tokens: opaque strings; access tokens may be JWTs and are introspected
//     without verification only to schedule proactive refresh
//   - User snapshots: opaque JSON passed through untouched
package model
