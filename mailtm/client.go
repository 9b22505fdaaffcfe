// Package mailtm is a client for mail.tm-compatible disposable mailbox providers.
package mailtm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"tempmail-notifier/pkg/mailbox"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the public mail.tm API.
const DefaultBaseURL = "https://api.mail.tm"

const maxResponseBytes = 4 << 20

var (
	// ErrUnavailable means no usable domain could be resolved.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrAddressTaken means the requested address already exists.
	ErrAddressTaken = errors.New("address already taken")
	// ErrAuth means the provider refused to mint a credential for the address.
	ErrAuth = errors.New("authentication failed")
	// ErrInvalidCredential means the provider rejected the bearer credential.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNotFound means the message no longer exists.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-success response from the provider.
type APIError struct {
	kind       error
	Op         string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.kind != nil {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.kind)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// IsInvalidCredential reports whether err means the credential is no longer usable.
func IsInvalidCredential(err error) bool {
	return errors.Is(err, ErrInvalidCredential)
}

// IsNotFound reports whether err means the requested message is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Client talks to the provider. It performs exactly one round trip per call
// and never retries; callers decide.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// New creates a provider client. The http.Client timeout bounds every call.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  client,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

type credentials struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type wireDomain struct {
	IsActive *bool  `json:"isActive"`
	Domain   string `json:"domain"`
}

type wireAddress struct {
	Address string `json:"address"`
}

type wireMessage struct {
	From      wireAddress `json:"from"`
	ID        string      `json:"id"`
	Subject   string      `json:"subject"`
	Intro     string      `json:"intro"`
	SentDate  string      `json:"sentDate"`
	CreatedAt string      `json:"createdAt"`
}

type wireBody struct {
	From    wireAddress     `json:"from"`
	Subject string          `json:"subject"`
	Text    string          `json:"text"`
	HTML    json.RawMessage `json:"html"`
}

// Domain returns the first active domain offered by the provider.
func (c *Client) Domain(ctx context.Context) (string, error) {
	data, status, err := c.do(ctx, http.MethodGet, "/domains", "", nil)
	if err != nil {
		return "", fmt.Errorf("list domains: %w: %w", ErrUnavailable, err)
	}
	if status != http.StatusOK {
		return "", &APIError{Op: "list domains", StatusCode: status, kind: ErrUnavailable}
	}

	domains, err := decodeCollection[wireDomain](data)
	if err != nil {
		return "", fmt.Errorf("decode domains: %w: %w", ErrUnavailable, err)
	}
	for _, d := range domains {
		if d.Domain != "" && (d.IsActive == nil || *d.IsActive) {
			return d.Domain, nil
		}
	}
	return "", fmt.Errorf("list domains: %w: no active domain", ErrUnavailable)
}

// CreateAccount registers a new mailbox.
func (c *Client) CreateAccount(ctx context.Context, address, secret string) (*mailbox.Account, error) {
	data, status, err := c.do(ctx, http.MethodPost, "/accounts", "", credentials{Address: address, Password: secret})
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return nil, &APIError{Op: "create account", StatusCode: status, kind: ErrAddressTaken}
	default:
		return nil, &APIError{Op: "create account", StatusCode: status}
	}

	var acct mailbox.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	if acct.Address == "" {
		acct.Address = address
	}
	return &acct, nil
}

// Token mints a bearer credential for an existing mailbox.
func (c *Client) Token(ctx context.Context, address, secret string) (mailbox.Credential, error) {
	data, status, err := c.do(ctx, http.MethodPost, "/token", "", credentials{Address: address, Password: secret})
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		return "", &APIError{Op: "mint token", StatusCode: status, kind: ErrAuth}
	default:
		return "", &APIError{Op: "mint token", StatusCode: status}
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("mint token: %w: empty token", ErrAuth)
	}
	return mailbox.Credential(resp.Token), nil
}

// Messages lists the most recent messages of the mailbox behind cred.
func (c *Client) Messages(ctx context.Context, cred mailbox.Credential) (*mailbox.Snapshot, error) {
	path := fmt.Sprintf("/messages?page=1&limit=%d", mailbox.FetchLimit)
	data, status, err := c.do(ctx, http.MethodGet, path, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := statusError("list messages", status); err != nil {
		return nil, err
	}

	wire, err := decodeCollection[wireMessage](data)
	if err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if len(wire) > mailbox.FetchLimit {
		wire = wire[:mailbox.FetchLimit]
	}

	snap := &mailbox.Snapshot{
		FetchedAt: time.Now().UTC(),
		Messages:  make([]mailbox.Message, 0, len(wire)),
	}
	for _, m := range wire {
		snap.Messages = append(snap.Messages, mailbox.Message{
			ID:      m.ID,
			From:    m.From.Address,
			Subject: m.Subject,
			Intro:   m.Intro,
			SentAt:  parseTime(m.SentDate, m.CreatedAt),
		})
	}
	return snap, nil
}

// Message fetches the full body of a single message.
func (c *Client) Message(ctx context.Context, cred mailbox.Credential, id string) (*mailbox.Body, error) {
	data, status, err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	if err := statusError("fetch message", status); err != nil {
		return nil, err
	}

	var wire wireBody
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	html, err := joinHTML(wire.HTML)
	if err != nil {
		return nil, fmt.Errorf("decode message html: %w", err)
	}

	return &mailbox.Body{
		From:    wire.From.Address,
		Subject: wire.Subject,
		HTML:    html,
		Text:    wire.Text,
	}, nil
}

func statusError(op string, status int) error {
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &APIError{Op: op, StatusCode: status, kind: ErrInvalidCredential}
	case http.StatusNotFound:
		return &APIError{Op: op, StatusCode: status, kind: ErrNotFound}
	default:
		return &APIError{Op: op, StatusCode: status}
	}
}

// do performs one request and returns the body and status code.
// Credential-bearing requests go through an oauth2 bearer transport.
func (c *Client) do(ctx context.Context, method, path string, cred mailbox.Credential, payload any) ([]byte, int, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.client
	if cred != "" {
		client = c.bearerClient(cred)
	}

	startTime := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Debug("Provider request failed",
			"method", method,
			"path", path,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("Provider request completed",
		"method", method,
		"path", path,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	return data, resp.StatusCode, nil
}

func (c *Client) bearerClient(cred mailbox.Credential) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: string(cred),
		TokenType:   "Bearer",
	})
	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: c.client.Transport},
		Timeout:   c.client.Timeout,
	}
}

// decodeCollection accepts both a bare JSON array and a hydra collection.
func decodeCollection[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var coll struct {
		Members []T `json:"hydra:member"`
	}
	if err := json.Unmarshal(trimmed, &coll); err != nil {
		return nil, err
	}
	return coll.Members, nil
}

// joinHTML handles html sent either as one string or as a list of parts.
func joinHTML(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	return strings.Join(parts, ""), nil
}

func parseTime(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
