package api

import (
	"context"
	"net/http"
	"strings"
)

type AuthTokens struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Client) Login(ctx context.Context, email, password string) (AuthTokens, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return AuthTokens{}, newValidationError("email and password are required")
	}
	var out AuthTokens
	err := c.do(ctx, http.MethodPost, "/api/auth/login", loginRequest{Email: email, Password: password}, &out, false)
	return out, err
}

// Refresh exchanges a refresh token for a fresh access token. The
// server may rotate the refresh token; a missing refreshToken in the
// response means keep using the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (AuthTokens, error) {
	if refreshToken == "" {
		return AuthTokens{}, newValidationError("refresh token is required")
	}
	var out AuthTokens
	err := c.do(ctx, http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: refreshToken}, &out, false)
	return out, err
}

func (c *Client) Register(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	if len(username) < 3 {
		return newValidationError("username must be at least 3 characters")
	}
	if !strings.Contains(email, "@") {
		return newValidationError("a valid email is required")
	}
	if len(password) < 8 {
		return newValidationError("password must be at least 8 characters")
	}
	return c.do(ctx, http.MethodPost, "/api/auth/register", registerRequest{Username: username, Email: email, Password: password}, nil, false)
}

// Logout invalidates the refresh token server-side. The refresh token
// in the body is the credential, so the call is unauthenticated and
// still works when the access token has already expired. Best effort:
// the caller clears local credentials regardless of the outcome.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/api/auth/logout", refreshRequest{RefreshToken: refreshToken}, nil, false)
}
