// Package panel is a client for the v2board UniProxy node API.
package panel

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

const (
	configPath = "/api/v1/server/UniProxy/config"
	usersPath  = "/api/v1/server/UniProxy/user"
	pushPath   = "/api/v1/server/UniProxy/push"

	nodeType = "shadowsocks"

	// DefaultTimeout bounds each call when Options.Timeout is zero.
	DefaultTimeout = 5 * time.Second

	maxErrorBody = 512
)

// Options configures a Client.
type Options struct {
	APIHost    string
	NodeID     int
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client performs single, unretried calls against the panel.
type Client struct {
	base    string
	query   string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger

	mu         sync.Mutex
	configETag string
	usersETag  string
}

// NewClient creates a panel client.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.APIHost)
	if err != nil {
		return nil, fmt.Errorf("parsing api host: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api host %q: scheme must be http or https", opts.APIHost)
	}
	if opts.NodeID <= 0 {
		return nil, fmt.Errorf("node id must be positive, got %d", opts.NodeID)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := url.Values{}
	q.Set("node_id", strconv.Itoa(opts.NodeID))
	q.Set("node_type", nodeType)
	q.Set("token", opts.Token)

	return &Client{
		base:    strings.TrimRight(opts.APIHost, "/"),
		query:   q.Encode(),
		timeout: timeout,
		http:    hc,
		logger:  logger.With("component", "panel"),
	}, nil
}

// FetchConfig returns the node configuration. It returns ErrNotModified when
// the panel reports no change since the previous successful call.
func (c *Client) FetchConfig(ctx context.Context) (*ServerConfig, error) {
	const op = "fetch config"

	c.mu.Lock()
	etag := c.configETag
	c.mu.Unlock()

	body, newETag, err := c.get(ctx, op, configPath, etag)
	if err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, &Error{Kind: Transient, Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}

	c.mu.Lock()
	c.configETag = newETag
	c.mu.Unlock()
	return &cfg, nil
}

// FetchUsers returns the node's users in panel order. It returns
// ErrNotModified when the list has not changed since the previous call.
func (c *Client) FetchUsers(ctx context.Context) ([]User, error) {
	const op = "fetch users"

	c.mu.Lock()
	etag := c.usersETag
	c.mu.Unlock()

	body, newETag, err := c.get(ctx, op, usersPath, etag)
	if err != nil {
		return nil, err
	}

	var resp usersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: Transient, Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}

	c.mu.Lock()
	c.usersETag = newETag
	c.mu.Unlock()
	return resp.Users, nil
}

// ReportTraffic pushes a traffic snapshot to the panel.
func (c *Client) ReportTraffic(ctx context.Context, snap traffic.Snapshot) error {
	const op = "report traffic"

	payload := make(map[string][2]uint64, len(snap))
	for _, e := range snap {
		payload[strconv.Itoa(e.UserID)] = [2]uint64{e.Upload, e.Download}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: Rejected, Op: op, Err: fmt.Errorf("encoding body: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pushPath), bytes.NewReader(data))
	if err != nil {
		return &Error{Kind: Rejected, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: Transient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Debug("traffic reported", "users", len(snap))
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.base + path + "?" + c.query
}

func (c *Client) get(ctx context.Context, op, path, etag string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, "", &Error{Kind: Rejected, Op: op, Err: err}
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &Error{Kind: Transient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		io.Copy(io.Discard, resp.Body)
		return nil, "", ErrNotModified
	}
	if resp.StatusCode/100 != 2 {
		return nil, "", statusError(op, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &Error{Kind: Transient, Op: op, Err: fmt.Errorf("reading body: %w", err)}
	}
	return body, resp.Header.Get("ETag"), nil
}

func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{
		Kind:   kindForStatus(resp.StatusCode),
		Op:     op,
		Status: resp.StatusCode,
		Err:    errors.New(msg),
	}
}
