package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	methodPrefix   = "/api/method/iot.user_api."
	authHeader     = "AuthorizationCode"
	defaultTimeout = 10 * time.Second
	maxBodySize    = 8 << 20
)

// ErrEmpty is returned when the directory answers without a message.
var ErrEmpty = errors.New("directory: empty response")

// Error is a non-200 answer from the directory.
type Error struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("directory %s: status %d: %s", e.Method, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a directory Error with the given status.
func IsStatus(err error, code int) bool {
	var de *Error
	return errors.As(err, &de) && de.StatusCode == code
}

// Client calls the asset directory and action backend over HTTP.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New creates a Client for the directory at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the {"message": ...} wrapper around every answer.
type envelope struct {
	Message json.RawMessage `json:"message"`
}

func (c *Client) call(ctx context.Context, method, auth, httpMethod string, query url.Values, body any, out any) error {
	u := c.base + methodPrefix + method
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", method, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, u, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set(authHeader, auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{Method: method, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if len(env.Message) == 0 || string(env.Message) == "null" {
		return ErrEmpty
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = env.Message
		return nil
	}
	if err := json.Unmarshal(env.Message, out); err != nil {
		return fmt.Errorf("decoding %s message: %w", method, err)
	}
	return nil
}

// GetUser resolves an auth code to its user document.
func (c *Client) GetUser(ctx context.Context, auth string) (json.RawMessage, error) {
	var user json.RawMessage
	if err := c.call(ctx, "get_user", auth, http.MethodGet, nil, nil, &user); err != nil {
		return nil, err
	}
	return user, nil
}

// AccessDevice reports whether auth may read and operate device. Any
// failure counts as denied.
func (c *Client) AccessDevice(ctx context.Context, auth, device string) (bool, error) {
	var msg json.RawMessage
	err := c.call(ctx, "access_device", auth, http.MethodGet, url.Values{"sn": {device}}, nil, &msg)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return truthy(msg), nil
}

func truthy(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`, "[]", "{}":
		return false
	default:
		return true
	}
}

// Device groups returned by list_devices.
type deviceList struct {
	Private []string `json:"private_devices"`
	Shared  []group  `json:"shared_devices"`
	Company []group  `json:"company_devices"`
}

type group struct {
	Devices []string `json:"devices"`
}

// ListDevices returns every device visible to auth: private devices plus
// the members of each shared and company group, deduplicated in first-seen
// order.
func (c *Client) ListDevices(ctx context.Context, auth string) ([]string, error) {
	var list deviceList
	if err := c.call(ctx, "list_devices", auth, http.MethodGet, nil, nil, &list); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	add(list.Private)
	for _, g := range list.Shared {
		add(g.Devices)
	}
	for _, g := range list.Company {
		add(g.Devices)
	}
	return out, nil
}

// App is one tenant application entry from list_user_apps.
type App struct {
	Name         string `json:"name"`
	DeviceData   int    `json:"device_data"`
	MQTTHost     string `json:"device_data_mqtt_host"`
	MQTTUsername string `json:"device_data_mqtt_username"`
	MQTTPassword string `json:"device_data_mqtt_password"`
	Modified     string `json:"modified"`
	AuthCode     string `json:"auth_code"`
}

// Bridged reports whether the app asked for its devices to be bridged.
func (a App) Bridged() bool {
	return a.DeviceData == 1 && a.MQTTHost != ""
}

// ListApps returns the tenant applications visible to auth.
func (c *Client) ListApps(ctx context.Context, auth string) ([]App, error) {
	var apps []App
	if err := c.call(ctx, "list_user_apps", auth, http.MethodGet, nil, nil, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// SendOutput submits an output action and returns its id.
func (c *Client) SendOutput(ctx context.Context, auth string, payload json.RawMessage) (string, error) {
	return c.submit(ctx, "send_output", auth, payload)
}

// SendCommand submits a command action and returns its id.
func (c *Client) SendCommand(ctx context.Context, auth string, payload json.RawMessage) (string, error) {
	return c.submit(ctx, "send_command", auth, payload)
}

func (c *Client) submit(ctx context.Context, method, auth string, payload json.RawMessage) (string, error) {
	var id string
	if err := c.call(ctx, method, auth, http.MethodPost, nil, payload, &id); err != nil {
		return "", err
	}
	return id, nil
}

// ActionResult returns the latest result for action id, or nil while the
// action is still running.
func (c *Client) ActionResult(ctx context.Context, auth, id string) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.call(ctx, "action_result", auth, http.MethodGet, url.Values{"id": {id}}, nil, &result)
	if errors.Is(err, ErrEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ProxyRequest is a client request forwarded to the directory.
type ProxyRequest struct {
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
	Data   json.RawMessage   `json:"data"`
	// Auth overrides the session's auth code; older clients send it as
	// AuthorizationCode.
	Auth       string `json:"auth_code"`
	AuthHeader string `json:"AuthorizationCode"`
}

// ProxyResponse is the forwarded answer.
type ProxyResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    [][2]string `json:"headers"`
	Content    string      `json:"content"`
}

var hopHeaders = map[string]bool{
	"content-length":   true,
	"connection":       true,
	"content-encoding": true,
}

// Proxy forwards req to the directory under base + "/api/method/iot.user_api"
// and returns the raw answer whatever its status.
func (c *Client) Proxy(ctx context.Context, auth string, req ProxyRequest) (ProxyResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return ProxyResponse{}, fmt.Errorf("proxy method %q not supported", req.Method)
	}
	if strings.Contains(req.URL, "://") || strings.Contains(req.URL, "..") {
		return ProxyResponse{}, fmt.Errorf("proxy url %q not allowed", req.URL)
	}

	u := c.base + strings.TrimSuffix(methodPrefix, ".") + req.URL
	if len(req.Params) > 0 {
		q := url.Values{}
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	var body io.Reader
	if len(req.Data) > 0 && string(req.Data) != "null" {
		body = bytes.NewReader(req.Data)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return ProxyResponse{}, fmt.Errorf("building proxy request: %w", err)
	}
	switch {
	case req.Auth != "":
		auth = req.Auth
	case req.AuthHeader != "":
		auth = req.AuthHeader
	}
	hreq.Header.Set(authHeader, auth)
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return ProxyResponse{}, fmt.Errorf("proxying %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return ProxyResponse{}, fmt.Errorf("reading proxy response: %w", err)
	}

	out := ProxyResponse{StatusCode: resp.StatusCode, Content: string(content), Headers: [][2]string{}}
	for name, values := range resp.Header {
		if hopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			out.Headers = append(out.Headers, [2]string{name, v})
		}
	}
	return out, nil
}
