package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestPersistedShape(t *testing.T) {
	c := Credential{
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
		User:          json.RawMessage(`{"id":"u1","name":"ada"}`),
		LastRefreshAt: time.UnixMilli(1705321845000),
	}

	data, err := json.Marshal(c.Persisted())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var generic map[string]map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	state, ok := generic["state"]
	if !ok {
		t.Fatalf("persisted blob has no state key: %s", data)
	}
	for _, key := range []string{"token", "refreshToken", "user", "lastRefresh"} {
		if _, ok := state[key]; !ok {
			t.Errorf("state missing key %q", key)
		}
	}
	if state["token"] != "access-1" {
		t.Errorf("token = %v, want %q", state["token"], "access-1")
	}
	if state["lastRefresh"] != float64(1705321845000) {
		t.Errorf("lastRefresh = %v, want %d", state["lastRefresh"], 1705321845000)
	}
}

func TestDecodePersisted(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		want    string
	}{
		{
			name: "valid",
			data: `{"state":{"token":"a","refreshToken":"r","user":{"id":1},"lastRefresh":0},"version":0}`,
			want: "a",
		},
		{
			name:    "malformed json",
			data:    `{"state":`,
			wantErr: true,
		},
		{
			name:    "empty state",
			data:    `{"state":{}}`,
			wantErr: true,
		},
		{
			name:    "wrong type",
			data:    `{"state":"nope"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodePersisted([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got credential %+v", c)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.AccessToken != tt.want {
				t.Errorf("AccessToken = %q, want %q", c.AccessToken, tt.want)
			}
			if !c.LastRefreshAt.IsZero() {
				t.Errorf("LastRefreshAt = %v, want zero", c.LastRefreshAt)
			}
		})
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	t.Run("jwt with exp", func(t *testing.T) {
		got, ok := Credential{AccessToken: token}.AccessTokenExpiry()
		if !ok {
			t.Fatal("expected expiry to be found")
		}
		if !got.Equal(exp) {
			t.Errorf("expiry = %v, want %v", got, exp)
		}
	})

	t.Run("opaque token", func(t *testing.T) {
		if _, ok := (Credential{AccessToken: "not-a-jwt"}).AccessTokenExpiry(); ok {
			t.Error("expected no expiry for opaque token")
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if _, ok := (Credential{}).AccessTokenExpiry(); ok {
			t.Error("expected no expiry for empty token")
		}
	})
}

func TestEnvelope(t *testing.T) {
	at := time.UnixMilli(1705321845123)

	t.Run("struct payload", func(t *testing.T) {
		env, err := NewEnvelope("join_room", map[string]string{"room": "r1"}, at)
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		data, _ := json.Marshal(env)
		want := `{"type":"join_room","data":{"room":"r1"},"timestamp":1705321845123}`
		if string(data) != want {
			t.Errorf("envelope = %s, want %s", data, want)
		}
	})

	t.Run("nil payload", func(t *testing.T) {
		env, err := NewEnvelope(HeartbeatType, nil, at)
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if string(env.Data) != "{}" {
			t.Errorf("Data = %s, want {}", env.Data)
		}
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		_, err := NewEnvelope("bad", make(chan int), at)
		if err == nil || !strings.Contains(err.Error(), "bad") {
			t.Errorf("expected marshal error naming the type, got %v", err)
		}
	})
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"type":"chat","data":{"text":"hi"},"timestamp":1}`, false},
		{"no data", `{"type":"ping"}`, false},
		{"not json", `hello`, true},
		{"array", `[1,2]`, true},
		{"missing type", `{"data":{}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseEnvelope(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}
