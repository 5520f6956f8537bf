// Package device pushes control commands to a user's edge device over the
// device-command HTTP endpoint. Requests carry a shared-access signature
// derived from the account key.
package device

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxpin/voxpin/pkg/types"
)

const defaultTokenTTL = 5 * time.Minute

// Config holds the command endpoint settings.
type Config struct {
	// Endpoint is the base URL of the device-command service.
	Endpoint string `yaml:"endpoint"`

	// Key is the base64-encoded shared access key.
	Key string `yaml:"key"`

	// DeviceID names the target device.
	DeviceID string `yaml:"device_id"`
}

// Client is a one-shot JSON command pusher.
type Client struct {
	endpoint string
	key      string
	deviceID string
	ttl      time.Duration
	httpc    *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// Option is a functional option for Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTokenTTL sets the signature lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(c *Client) { c.ttl = d }
}

// New constructs a command client for one device.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("device: endpoint must not be empty")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("device: key must not be empty")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device: device id must not be empty")
	}
	if _, err := base64.StdEncoding.DecodeString(cfg.Key); err != nil {
		return nil, fmt.Errorf("device: key is not valid base64: %w", err)
	}

	c := &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		key:      cfg.Key,
		deviceID: cfg.DeviceID,
		ttl:      defaultTokenTTL,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Wake pushes a wake command to the device.
func (c *Client) Wake(ctx context.Context, cmd types.WakeCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("device: marshal command: %w", err)
	}

	target := c.endpoint + "/devices/" + url.PathEscape(c.deviceID) + "/commands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("device: build request: %w", err)
	}

	token, err := sasToken(target, c.key, c.now().Add(c.ttl))
	if err != nil {
		return fmt.Errorf("device: sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("device: push command to %s: %w", c.deviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("device: push command to %s: status %d: %s",
			c.deviceID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	c.logger.Debug("wake command delivered",
		"device_id", c.deviceID, "reason", cmd.Reason, "user_id", cmd.UserID)
	return nil
}

// sasToken builds a shared-access signature for the resource URI: an HMAC of
// the encoded URI and expiry, keyed with the decoded account key.
func sasToken(resourceURI, key string, expiry time.Time) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode key: %w", err)
	}

	se := expiry.UTC().Unix()
	sr := url.QueryEscape(resourceURI)
	mac := hmac.New(sha256.New, raw)
	fmt.Fprintf(mac, "%s\n%d", sr, se)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d",
		sr, url.QueryEscape(sig), se), nil
}
