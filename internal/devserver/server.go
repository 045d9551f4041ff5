// Package devserver is a local stand-in for the remote service: it issues
// JWT access tokens, rotates opaque refresh tokens, serves one protected
// endpoint and accepts sockets authenticated by a token query parameter.
package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rickgao/arenalink/internal/model"
)

// Errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownUser  = errors.New("invalid username or password")
)

// Default settings.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultTokenParam = "token"
)

// User is the snapshot returned with every credential.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Server is the fake remote service.
type Server struct {
	secret     []byte
	accessTTL  time.Duration
	tokenParam string
	logger     *slog.Logger
	clock      clock.Clock
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	passwords map[string]string
	users     map[string]User
	refresh   map[string]string // refresh token -> username
	sockets   map[*socket]struct{}
}

type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Option configures a Server.
type Option func(*Server)

// WithSecret sets the HMAC signing key.
func WithSecret(secret []byte) Option {
	return func(s *Server) {
		s.secret = secret
	}
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// WithUser adds an account.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.passwords[username] = password
	}
}

// WithTokenParam sets the socket query parameter carrying the access token.
func WithTokenParam(name string) Option {
	return func(s *Server) {
		s.tokenParam = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock sets the clock used to issue and validate tokens.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// New creates a server. Without WithUser it accepts demo/demo.
func New(opts ...Option) *Server {
	s := &Server{
		secret:     []byte(uuid.NewString()),
		accessTTL:  DefaultAccessTTL,
		tokenParam: DefaultTokenParam,
		logger:     slog.Default(),
		clock:      clock.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		passwords: make(map[string]string),
		users:     make(map[string]User),
		refresh:   make(map[string]string),
		sockets:   make(map[*socket]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.passwords) == 0 {
		s.passwords["demo"] = "demo"
	}
	for name := range s.passwords {
		s.users[name] = User{ID: uuid.NewString(), Username: name}
	}
	return s
}

// Handler returns the routes:
//
//	POST /api/auth/login    {"username","password"} -> credential envelope
//	POST /api/auth/refresh  Bearer <refresh token>  -> credential envelope
//	POST /api/auth/logout   Bearer <access token>
//	GET  /api/me            Bearer <access token>
//	GET  /ws?token=<access token>
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	apiRouter.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	apiRouter.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	apiRouter.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleSocket)
	return r
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body", err.Error())
		return
	}

	s.mu.Lock()
	want, ok := s.passwords[body.Username]
	s.mu.Unlock()
	if !ok || want != body.Password {
		writeError(w, http.StatusUnauthorized, ErrUnknownUser.Error(), nil)
		return
	}

	s.issue(w, body.Username)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)

	s.mu.Lock()
	username, ok := s.refresh[token]
	if ok {
		delete(s.refresh, token)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid refresh token", nil)
		return
	}
	s.issue(w, username)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	username, err := s.validate(bearer(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error(), nil)
		return
	}
	s.RevokeRefreshTokens(username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	username, err := s.validate(bearer(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "token expired", err.Error())
		return
	}

	s.mu.Lock()
	user := s.users[username]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    user,
	})
}

// handleSocket accepts a socket, greets it with a welcome frame and echoes
// every frame back under the "echo" type. Heartbeats are answered with a
// heartbeat.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	username, err := s.validate(r.URL.Query().Get(s.tokenParam))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error(), nil)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	sock := &socket{conn: conn}
	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	user := s.users[username]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
		conn.Close()
	}()

	sessionID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID, "user", username)
	logger.Info("socket connected")

	if err := s.send(sock, "welcome", map[string]any{"session_id": sessionID, "user": user}); err != nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Info("socket closed", "error", err)
			return
		}

		env, err := model.ParseEnvelope(raw)
		if err != nil {
			logger.Debug("malformed frame", "error", err)
			if err := s.send(sock, "error", map[string]string{"message": "malformed frame"}); err != nil {
				return
			}
			continue
		}

		if env.Type == model.HeartbeatType {
			err = s.send(sock, model.HeartbeatType, nil)
		} else {
			err = s.send(sock, "echo", env)
		}
		if err != nil {
			return
		}
	}
}

// Broadcast sends a frame to every open socket and returns how many
// received it.
func (s *Server) Broadcast(typ string, payload any) int {
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	sent := 0
	for _, sock := range socks {
		if err := s.send(sock, typ, payload); err == nil {
			sent++
		}
	}
	return sent
}

// RevokeRefreshTokens invalidates every refresh token issued to username.
func (s *Server) RevokeRefreshTokens(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, owner := range s.refresh {
		if owner == username {
			delete(s.refresh, token)
		}
	}
}

// SocketCount returns the number of open sockets.
func (s *Server) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

func (s *Server) send(sock *socket, typ string, payload any) error {
	env, err := model.NewEnvelope(typ, payload, s.clock.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return sock.write(data)
}

// issue mints a credential for username and writes the auth envelope.
func (s *Server) issue(w http.ResponseWriter, username string) {
	now := s.clock.Now()
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
	}).SignedString(s.secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign token", err.Error())
		return
	}

	refresh := uuid.NewString()

	s.mu.Lock()
	s.refresh[refresh] = username
	user := s.users[username]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"user":          user,
		},
	})
}

// validate checks an access token and returns its subject.
func (s *Server) validate(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	body := map[string]any{
		"success": false,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
