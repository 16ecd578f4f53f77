package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TokenSource supplies bearer tokens for authenticated calls. The
// session gate implements it; tests stub it.
type TokenSource interface {
	// BearerToken returns a token believed to be valid right now.
	BearerToken(ctx context.Context) (string, error)
	// RetryAfterUnauthorized is invoked once after a 401: it should
	// force a refresh and return the new token, or fail if the session
	// is unrecoverable. Implementations must deduplicate concurrent
	// refreshes themselves.
	RetryAfterUnauthorized(ctx context.Context) (string, error)
}

type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	log    *zap.Logger
}

// New builds a REST client for the backend at base. tokens may be nil
// for a client that only calls the public auth endpoints.
func New(base string, tokens TokenSource, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
		log:    log,
	}
}

// WithHTTPClient swaps the underlying http.Client, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithTimeout caps each REST call at d. Zero keeps the default.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.http.Timeout = d
	}
	return c
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do runs one request and decodes a 2xx body into out (out may be
// nil). Authenticated calls get exactly one refresh-and-retry on 401;
// a second 401 surfaces as Unauthorized.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	status, err := c.once(ctx, method, path, body, out, authed, "")
	if err == nil || !authed || status != http.StatusUnauthorized {
		return err
	}

	c.log.Debug("got 401, refreshing once", zap.String("path", path))
	token, rerr := c.tokens.RetryAfterUnauthorized(ctx)
	if rerr != nil {
		return err
	}
	_, err = c.once(ctx, method, path, body, out, authed, token)
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body, out any, authed bool, forceToken string) (int, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, networkError(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.tokens == nil {
			return 0, &APIError{Kind: KindUnauthorized, Message: "client has no token source"}
		}
		token := forceToken
		if token == "" {
			token, err = c.tokens.BearerToken(ctx)
			if err != nil {
				return 0, &APIError{Kind: KindUnauthorized, Message: err.Error()}
			}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		// Fine for calls with no response body; calls that expected one
		// (the current-voting-session fetch) translate this sentinel.
		if out == nil {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, errNoContent
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, networkError(fmt.Errorf("decode response: %w", err))
			}
		}
		return resp.StatusCode, nil
	}

	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	apiErr := errorFromStatus(resp.StatusCode, msg)
	c.log.Debug("request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("kind", string(apiErr.Kind)))
	return resp.StatusCode, apiErr
}

// errNoContent is internal plumbing for 204 responses; endpoint
// methods translate it, callers never see it.
var errNoContent = &APIError{Kind: KindNotFound, Status: http.StatusNoContent, Message: "no content"}
