package incus

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/incus-tools/converge/pkg/log"
	"github.com/incus-tools/converge/pkg/metrics"
)

// DefaultSocket is the standard Incus admin socket path.
const DefaultSocket = "/var/lib/incus/unix.socket"

// Config selects the connection to the Incus API: a local Unix socket or a
// remote HTTPS endpoint with client-certificate authentication.
type Config struct {
	Socket string // Unix socket path; used when URL is empty

	URL                string // https://host:8443
	TLSCert            string // client certificate path (PEM)
	TLSKey             string // client key path (PEM)
	InsecureSkipVerify bool

	// Timeout bounds each API call when the caller's context carries no
	// deadline. Zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds API calls when neither the context nor the config
// specifies one.
const DefaultTimeout = 30 * time.Second

// Client issues typed requests against the Incus REST API. It holds no
// resource state: every lookup is a fresh round-trip.
type Client struct {
	http    *http.Client
	baseURL string
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a client from cfg. The returned client is safe for concurrent
// use by multiple goroutines.
func New(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		timeout: timeout,
		logger:  log.WithComponent("incus"),
	}

	if cfg.URL != "" {
		tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		c.http = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
		c.baseURL = trimSlash(cfg.URL) + "/1.0"
		return c, nil
	}

	socket := cfg.Socket
	if socket == "" {
		socket = DefaultSocket
	}
	c.http = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
	// Host is a placeholder; the transport always dials the socket.
	c.baseURL = "http://incus/1.0"
	return c, nil
}

// NewForURL creates a client talking plain HTTP to base, for tests against
// httptest servers.
func NewForURL(base string) *Client {
	return &Client{
		http:    http.DefaultClient,
		baseURL: trimSlash(base) + "/1.0",
		timeout: DefaultTimeout,
		logger:  log.WithComponent("incus"),
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// apiResponse is the standard Incus response envelope.
type apiResponse struct {
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Operation  string          `json:"operation"`
	ErrorCode  int             `json:"error_code"`
	Error      string          `json:"error"`
	Metadata   json.RawMessage `json:"metadata"`
}

// Operation is an Incus background operation. Status codes: 100/101/103
// running, 200 success, 400 failure.
type Operation struct {
	ID         string                 `json:"id"`
	Class      string                 `json:"class"`
	Status     string                 `json:"status"`
	StatusCode int                    `json:"status_code"`
	Err        string                 `json:"err"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// call performs one request and, for async responses, waits for the
// operation to finish. The returned Operation is nil for sync responses.
func (c *Client) call(ctx context.Context, method, path string, body interface{}) (*apiResponse, *Operation, error) {
	resp, err := c.raw(ctx, method, path, body)
	if err != nil {
		return nil, nil, err
	}
	if resp.Type == "async" && resp.Operation != "" {
		op, err := c.waitOperation(ctx, resp.Operation)
		if err != nil {
			return resp, op, err
		}
		return resp, op, nil
	}
	return resp, nil, nil
}

func (c *Client) raw(ctx context.Context, method, path string, body interface{}) (*apiResponse, error) {
	op := method + " " + path

	timer := metrics.NewTimer()
	defer func() {
		metrics.APICallDuration.WithLabelValues(method).Observe(timer.Duration().Seconds())
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("api request")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapTimeout(op, err)
	}
	defer httpResp.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response for %s: %w", op, err)
	}

	if httpResp.StatusCode >= 400 || resp.Type == "error" {
		msg := resp.Error
		if msg == "" {
			msg = httpResp.Status
		}
		status := httpResp.StatusCode
		if resp.ErrorCode != 0 {
			status = resp.ErrorCode
		}
		switch status {
		case http.StatusNotFound:
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		case http.StatusConflict:
			return nil, &ConflictError{Message: msg}
		default:
			return nil, &APIError{StatusCode: status, Message: msg}
		}
	}

	return &resp, nil
}

// waitOperation polls an operation URL until it reaches a terminal state or
// the context expires.
func (c *Client) waitOperation(ctx context.Context, opURL string) (*Operation, error) {
	u, err := url.Parse(opURL)
	if err != nil {
		return nil, fmt.Errorf("invalid operation URL %q: %w", opURL, err)
	}
	path := trimPrefix(u.Path, "/1.0")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		resp, err := c.raw(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var op Operation
		if err := json.Unmarshal(resp.Metadata, &op); err != nil {
			return nil, fmt.Errorf("failed to decode operation: %w", err)
		}

		switch op.StatusCode {
		case 100, 101, 103:
			// still running
		case 200:
			return &op, nil
		case 400:
			msg := op.Err
			if msg == "" {
				msg = "operation failed"
			}
			return &op, &APIError{StatusCode: 400, Message: msg}
		default:
			return &op, &APIError{StatusCode: op.StatusCode, Message: fmt.Sprintf("unexpected operation status %d", op.StatusCode)}
		}

		select {
		case <-ctx.Done():
			return nil, wrapTimeout("wait "+path, ctx.Err())
		case <-ticker.C:
		}
	}
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

// get fetches path and unmarshals the response metadata into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	resp, err := c.raw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Metadata, out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	_, _, err := c.call(ctx, http.MethodPost, path, body)
	return err
}

func (c *Client) put(ctx context.Context, path string, body interface{}) error {
	_, _, err := c.call(ctx, http.MethodPut, path, body)
	return err
}

func (c *Client) patch(ctx context.Context, path string, body interface{}) error {
	_, _, err := c.call(ctx, http.MethodPatch, path, body)
	return err
}

func (c *Client) delete(ctx context.Context, path string, body interface{}) error {
	_, _, err := c.call(ctx, http.MethodDelete, path, body)
	return err
}
