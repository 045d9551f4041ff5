package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rickgao/arenalink/internal/model"
)

// Default auth endpoint paths, relative to the base URL.
const (
	DefaultRefreshPath = "/auth/refresh"
	DefaultLoginPath   = "/auth/login"
	DefaultLogoutPath  = "/auth/logout"
)

// AuthPaths locates the auth endpoints.
type AuthPaths struct {
	Refresh string
	Login   string
	Logout  string
}

func (p AuthPaths) withDefaults() AuthPaths {
	if p.Refresh == "" {
		p.Refresh = DefaultRefreshPath
	}
	if p.Login == "" {
		p.Login = DefaultLoginPath
	}
	if p.Logout == "" {
		p.Logout = DefaultLogoutPath
	}
	return p
}

// AuthClient calls the auth endpoints. It sends through its own Client with
// no credential source and no refresher, so a 401 here is never replayed.
type AuthClient struct {
	client *Client
	paths  AuthPaths
}

// NewAuthClient wraps c for auth calls. c should not carry a refresher.
func NewAuthClient(c *Client, paths AuthPaths) *AuthClient {
	return &AuthClient{client: c, paths: paths.withDefaults()}
}

// authEnvelope is the response shape of login and refresh:
//
//	{"success": true, "data": {"access_token": ..., "refresh_token": ..., "user": ...}}
type authEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		AccessToken  string          `json:"access_token"`
		RefreshToken string          `json:"refresh_token"`
		User         json.RawMessage `json:"user"`
	} `json:"data"`
}

// Refresh exchanges refreshToken for a new credential. The refresh token is
// carried as a Bearer token. Every failure is returned as a RefreshFailed
// *Error; a 401 from the endpoint reports Rejected.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (model.Credential, error) {
	if refreshToken == "" {
		return model.Credential{}, &Error{Kind: KindRefreshFailed, Message: "no refresh token"}
	}

	resp, err := a.client.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   a.paths.Refresh,
		Header: http.Header{"Authorization": {"Bearer " + refreshToken}},
		NoAuth: true,
	})
	if err != nil {
		return model.Credential{}, asRefreshFailed(err)
	}

	cred, err := a.credentialFrom(resp, "refresh")
	if err != nil {
		return model.Credential{}, err
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

// Login authenticates with a username and password.
func (a *AuthClient) Login(ctx context.Context, username, password string) (model.Credential, error) {
	resp, err := a.client.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   a.paths.Login,
		Body: map[string]string{
			"username": username,
			"password": password,
		},
		NoAuth: true,
	})
	if err != nil {
		return model.Credential{}, err
	}
	return a.credentialFrom(resp, "login")
}

// Logout tells the server to revoke accessToken.
func (a *AuthClient) Logout(ctx context.Context, accessToken string) error {
	_, err := a.client.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   a.paths.Logout,
		Header: http.Header{"Authorization": {"Bearer " + accessToken}},
		NoAuth: true,
	})
	return err
}

func (a *AuthClient) credentialFrom(resp *Response, op string) (model.Credential, error) {
	var env authEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return model.Credential{}, &Error{
			Kind:    KindRefreshFailed,
			Status:  resp.StatusCode,
			Message: op + " response is not valid JSON",
			Err:     err,
		}
	}
	if !env.Success || env.Data.AccessToken == "" {
		msg := env.Message
		if msg == "" {
			msg = op + " response carried no access token"
		}
		return model.Credential{}, &Error{
			Kind:    KindRefreshFailed,
			Status:  resp.StatusCode,
			Message: msg,
		}
	}

	return model.Credential{
		AccessToken:   env.Data.AccessToken,
		RefreshToken:  env.Data.RefreshToken,
		User:          env.Data.User,
		LastRefreshAt: a.client.clock.Now(),
	}, nil
}

// asRefreshFailed reclassifies a dispatcher error as a refresh failure,
// keeping status and details.
func asRefreshFailed(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	return &Error{
		Kind:    KindRefreshFailed,
		Message: e.Message,
		Status:  e.Status,
		Details: e.Details,
		Err:     e,
	}
}
