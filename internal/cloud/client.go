package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Vendor protocol constants.
const (
	DefaultBaseURL = "https://www.aroma-link.com"

	userAgent  = "KeRuiMa/1.1.3"
	apiVersion = "1"

	// codeOK is the envelope code for success.
	codeOK = 200

	// codeUnauthorized is the envelope code for a rejected token.
	codeUnauthorized = 401

	defaultRequestTimeout = 10 * time.Second

	// maxResponseBytes caps a decoded response body.
	maxResponseBytes = 4 << 20
)

// Options configures a Client.
type Options struct {
	// BaseURL is the REST root. Default: DefaultBaseURL.
	BaseURL string

	// RequestTimeout bounds each HTTP exchange. Default: 10s.
	RequestTimeout time.Duration

	// HTTPClient overrides the HTTP client. Its timeout is left alone.
	HTTPClient *http.Client

	Logger Logger
}

// Client performs raw exchanges with the Aroma-Link REST API.
//
// It knows the envelope format and the fixed headers, nothing about
// sessions. Authenticator, Directory and Control build on it.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  Logger
}

// NewClient creates a REST client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("cloud: invalid base URL %q: %w", base, err)
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// BaseURL returns the REST root.
func (c *Client) BaseURL() string { return c.baseURL }

// RequestTimeout returns the per-request timeout.
func (c *Client) RequestTimeout() time.Duration { return c.timeout }

// request describes one REST exchange.
type request struct {
	method string
	path   string
	query  url.Values
	form   url.Values
	body   any // JSON body, exclusive with form
	token  string
}

// envelope is the vendor response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do performs req and decodes the envelope.
//
// HTTP or envelope 401 returns ErrUnauthorized. Other HTTP failures and
// undecodable bodies wrap ErrTransport. A decoded envelope is returned
// as-is; callers decide what its code means.
func (c *Client) do(ctx context.Context, req request) (*envelope, error) {
	endpoint := c.baseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.body != nil:
		raw, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("cloud: encode body: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case req.form != nil:
		body = strings.NewReader(req.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("cloud: build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("version", apiVersion)
	httpReq.Header.Set("Accept", "*/*")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.token != "" {
		httpReq.Header.Set("access_token", req.token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, req.method, req.path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("cloud request",
		"method", req.method,
		"path", req.path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrTransport, req.path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, req.path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s: http %d: %s",
			ErrTransport, req.path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrTransport, req.path, err)
	}
	if env.Code == codeUnauthorized {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnauthorized, req.path, env.Msg)
	}
	return &env, nil
}

// decodeData unmarshals a success envelope's data into out.
func decodeData(env *envelope, out any) error {
	if env.Code != codeOK {
		return &APIError{Status: http.StatusOK, Code: env.Code, Msg: env.Msg}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: empty data", ErrTransport)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %w", ErrTransport, err)
	}
	return nil
}

// flexID is an identifier the server sends as either a JSON number or string.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// flexInt is an integer the server sends as either a JSON number or string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n := json.Number(s)
	v, err := n.Int64()
	if err != nil {
		fv, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("int: %w", err)
		}
		v = int64(fv)
	}
	*f = flexInt(v)
	return nil
}

// numericOrString encodes id as a JSON number when it is all digits.
func numericOrString(id string) any {
	if id == "" {
		return id
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return id
		}
	}
	return json.Number(id)
}
