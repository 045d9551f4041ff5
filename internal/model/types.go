package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// -----------------------------------------------------------------------------
// Credential Types
// -----------------------------------------------------------------------------

// Credential is the authenticated session owned by the credential store.
type Credential struct {
	AccessToken   string          // Bearer token for protected calls and the socket URL
	RefreshToken  string          // Presented to the refresh endpoint only
	User          json.RawMessage // Opaque user snapshot from login/refresh
	LastRefreshAt time.Time       // Zero if never refreshed
}

// IsZero reports whether the credential carries no tokens.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// AccessTokenExpiry returns the exp claim of the access token when it is a JWT.
// The signature is not verified; the server remains the authority.
func (c Credential) AccessTokenExpiry() (time.Time, bool) {
	if c.AccessToken == "" {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// PersistedState is the durable representation stored under the credential key:
//
//	{"state": {"token": ..., "refreshToken": ..., "user": ..., "lastRefresh": ...}, "version": 0}
type PersistedState struct {
	State   PersistedCredential `json:"state"`
	Version int                 `json:"version"`
}

// PersistedCredential is the inner "state" object.
type PersistedCredential struct {
	Token        string          `json:"token"`
	RefreshToken string          `json:"refreshToken"`
	User         json.RawMessage `json:"user"`
	LastRefresh  int64           `json:"lastRefresh"` // ms since epoch, 0 if never
}

// Persisted converts a credential to its durable form.
func (c Credential) Persisted() PersistedState {
	var lastRefresh int64
	if !c.LastRefreshAt.IsZero() {
		lastRefresh = c.LastRefreshAt.UnixMilli()
	}

	user := c.User
	if len(user) == 0 {
		user = json.RawMessage("null")
	}

	return PersistedState{
		State: PersistedCredential{
			Token:        c.AccessToken,
			RefreshToken: c.RefreshToken,
			User:         user,
			LastRefresh:  lastRefresh,
		},
	}
}

// Credential converts the durable form back to a credential.
func (p PersistedState) Credential() Credential {
	c := Credential{
		AccessToken:  p.State.Token,
		RefreshToken: p.State.RefreshToken,
		User:         p.State.User,
	}
	if p.State.LastRefresh > 0 {
		c.LastRefreshAt = time.UnixMilli(p.State.LastRefresh)
	}
	return c
}

// DecodePersisted parses a persisted credential blob. An empty state object
// (no tokens) is reported as an error so callers treat it as logged out.
func DecodePersisted(data []byte) (Credential, error) {
	var p PersistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return Credential{}, fmt.Errorf("decode persisted credential: %w", err)
	}

	c := p.Credential()
	if c.IsZero() {
		return Credential{}, fmt.Errorf("decode persisted credential: no tokens")
	}
	return c, nil
}

// -----------------------------------------------------------------------------
// Socket Frame Types
// -----------------------------------------------------------------------------

// HeartbeatType is the reserved frame type for keepalive frames.
const HeartbeatType = "heartbeat"

// Envelope is the frame shape used in both directions on the socket.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
}

// NewEnvelope builds an envelope, marshaling payload into the data field.
// A nil payload is sent as an empty object.
func NewEnvelope(typ string, payload any, at time.Time) (Envelope, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
		data = json.RawMessage("{}")
	case json.RawMessage:
		data = p
	case []byte:
		data = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		data = b
	}

	return Envelope{
		Type:      typ,
		Data:      data,
		Timestamp: at.UnixMilli(),
	}, nil
}

// ParseEnvelope decodes an inbound frame. Frames that are not JSON objects
// or that carry no type are rejected.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse frame: missing type")
	}
	return env, nil
}
