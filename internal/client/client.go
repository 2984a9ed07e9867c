// Package client drives the simulated transport from the caller's side:
// session helpers and a cached, sync-token aware view of projects and tasks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrNotLoggedIn indicates an operation that needs an API key before one was obtained.
	ErrNotLoggedIn = errors.New("client: not logged in")

	errMissingNetwork = errors.New("client: network is required")
)

// StatusError reports a completed exchange that did not answer 2xx.
type StatusError struct {
	Method string
	URL    string
	Status int
	Text   string
}

func (e *StatusError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("client: %s %s: %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("client: %s %s: %d %s", e.Method, e.URL, e.Status, e.Text)
}

// StatusOf returns the status carried by a *StatusError, or 0.
func StatusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}

type Config struct {
	Network transport.Network
	Logger  *zap.Logger
}

// Client sends messages over a transport.Network and remembers the session key.
type Client struct {
	network transport.Network
	logger  *zap.Logger

	mu     sync.Mutex
	apiKey string
}

func New(cfg Config) (*Client, error) {
	if cfg.Network == nil {
		return nil, errMissingNetwork
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{network: cfg.Network, logger: logger}, nil
}

// APIKey returns the current session key, or "" when logged out.
func (c *Client) APIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

func (c *Client) setAPIKey(apiKey string) {
	c.mu.Lock()
	c.apiKey = apiKey
	c.mu.Unlock()
}

// NewRequest returns an opened message carrying the session key when one is set.
func (c *Client) NewRequest(method, url string) (*transport.Message, error) {
	message := transport.New(c.network, c.logger)
	if err := message.Open(method, url); err != nil {
		return nil, err
	}
	if apiKey := c.APIKey(); apiKey != "" {
		message.SetRequestHeader("Authorization", auth.FormatAPIKeyHeader(apiKey))
	}
	return message, nil
}

// Do sends message with body and waits until it completes or ctx ends. The
// transport cannot be cancelled; an abandoned message still completes later.
func (c *Client) Do(ctx context.Context, message *transport.Message, body string) error {
	done := make(chan struct{})
	message.OnLoad(func(*transport.Message) {
		close(done)
	})
	if err := message.Send(body); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Debug("exchange completed",
		zap.String("request", message.DumpRequest()),
		zap.String("response", message.DumpResponse()))

	if status := message.Status(); status < http.StatusOK || status >= http.StatusMultipleChoices {
		return &StatusError{
			Method: message.Method(),
			URL:    message.URL(),
			Status: status,
			Text:   message.ResponseText(),
		}
	}
	return nil
}

func (c *Client) exchange(ctx context.Context, method, url, body string) (*transport.Message, error) {
	message, err := c.NewRequest(method, url)
	if err != nil {
		return nil, err
	}
	if err := c.Do(ctx, message, body); err != nil {
		return message, err
	}
	return message, nil
}

func (c *Client) exchangeJSON(ctx context.Context, method, url string, payload any, target any) error {
	body := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(encoded)
	}
	message, err := c.exchange(ctx, method, url, body)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(message.ResponseText()), target); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, url, err)
	}
	return nil
}

func (c *Client) exchangeText(ctx context.Context, method, url, body string) (string, error) {
	message, err := c.exchange(ctx, method, url, body)
	if err != nil {
		return "", err
	}
	return message.ResponseText(), nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates an account and keeps its session key.
func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, "/register", username, password)
}

// Login opens a new session and keeps its key.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, "/login", username, password)
}

func (c *Client) authenticate(ctx context.Context, url, username, password string) error {
	encoded, err := json.Marshal(credentials{Username: username, Password: password})
	if err != nil {
		return err
	}
	apiKey, err := c.exchangeText(ctx, http.MethodPost, url, string(encoded))
	if err != nil {
		return err
	}
	c.setAPIKey(strings.TrimSpace(apiKey))
	return nil
}

// AutoLogin resumes a session from a previously issued key.
func (c *Client) AutoLogin(ctx context.Context, apiKey string) error {
	if _, err := c.exchangeText(ctx, http.MethodPost, "/autologin", apiKey); err != nil {
		return err
	}
	c.setAPIKey(apiKey)
	return nil
}

// Logout ends the current session. The local key is dropped even when the
// server no longer knows it.
func (c *Client) Logout(ctx context.Context) error {
	apiKey := c.APIKey()
	if apiKey == "" {
		return ErrNotLoggedIn
	}
	_, err := c.exchangeText(ctx, http.MethodDelete, "/logout", apiKey)
	if err == nil || StatusOf(err) == http.StatusUnauthorized {
		c.setAPIKey("")
	}
	return err
}
