package connection

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second

	// APIKeyHeader carries the gateway credential on every polling request.
	APIKeyHeader = "X-API-Key"

	// maxErrorBody bounds how much of a failed response body is kept.
	maxErrorBody = 512
)

// HTTPConfig configures an HTTPConnection.
type HTTPConfig struct {
	// BaseURL is the gateway's REST root, e.g. https://gw.example.com.
	BaseURL string

	// APIKey is sent as X-API-Key on every request.
	APIKey string

	// RequestTimeout bounds each call. Default: 30s.
	RequestTimeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Client overrides the HTTP client. Mainly for tests.
	Client *http.Client

	Logger Logger
}

// HTTPConnection is the polling transport. It has no handshake: Connect and
// Disconnect only flip state, and the credential travels with each request.
type HTTPConnection struct {
	machine

	baseURL *url.URL
	apiKey  string
	client  *http.Client
	logger  Logger
}

// NewHTTPConnection validates cfg and builds the client.
func NewHTTPConnection(cfg HTTPConfig) (*HTTPConnection, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing base url: %w", ErrInvalidConfig, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url scheme %q", ErrInvalidConfig, base.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	client := cfg.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // DefaultTransport is always *http.Transport
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Per-gateway opt-in for self-signed hardware certs
		}
		client = &http.Client{Timeout: cfg.RequestTimeout, Transport: transport}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	c := &HTTPConnection{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger,
	}
	c.initMachine()
	return c, nil
}

// Connect marks the transport usable. It is a no-op when already connected.
func (c *HTTPConnection) Connect(_ context.Context) error {
	if c.IsConnected() {
		return nil
	}
	c.transition(StateConnecting, nil)
	c.transition(StateConnected, nil)
	return nil
}

// Disconnect marks the transport unusable.
func (c *HTTPConnection) Disconnect(_ context.Context) error {
	c.transition(StateDisconnected, nil)
	return nil
}

// Send always fails; use MakeRequest.
func (c *HTTPConnection) Send(context.Context, []byte) error {
	return ErrSendNotSupported
}

// MakeRequest performs one REST call against the gateway and returns the
// response body. body, when non-nil, is JSON-encoded.
//
// Transport failures move a CONNECTED transport to ERROR; the next successful
// call restores CONNECTED. Errors are wrapped with method and path.
func (c *HTTPConnection) MakeRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	if st := c.State(); st != StateConnected && st != StateError {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotConnected)
	}

	var reqBody io.Reader
	var sent int
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encoding body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
		sent = len(data)
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set(APIKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	c.recordSent(sent)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	c.recordReceived(len(data))
	c.transition(StateConnected, nil)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, &StatusError{StatusCode: resp.StatusCode, Body: msg})
	}
	return data, nil
}

func (c *HTTPConnection) fail(err error) {
	c.logger.Warn("gateway request failed", "base_url", c.baseURL.String(), "error", err)
	if c.State() == StateConnected {
		c.transition(StateError, err)
	}
}
