// Package delivery talks to the Graph-style comments endpoint.
//
// Deliver makes exactly one attempt and classifies the result into an
// Outcome; retry decisions belong to the caller. The credential travels in
// the request body or query string and is never part of an error detail.
package delivery

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
	"sync"
	"time"
)

const (
	DefaultBaseURL        = "https://graph.facebook.com"
	DefaultAPIVersion     = "v17.0"
	DefaultDeliverTimeout = 10 * time.Second
	DefaultCheckTimeout   = 8 * time.Second

	// bodies beyond this are truncated before classification
	maxBodyBytes = 1 << 20
)

type Config struct {
	BaseURL        string
	APIVersion     string
	DeliverTimeout time.Duration
	CheckTimeout   time.Duration
	// HTTPClient overrides the transport (tests). Per-call timeouts still apply.
	HTTPClient *http.Client
}

type Client struct {
	mu         sync.RWMutex
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	c := &Client{}
	c.Apply(cfg)
	return c
}

// Apply swaps endpoint settings. Calls already in flight keep the old ones.
func (c *Client) Apply(cfg Config) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.APIVersion = strings.Trim(strings.TrimSpace(cfg.APIVersion), "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	c.mu.Lock()
	c.cfg = cfg
	c.httpClient = hc
	c.mu.Unlock()
}

func (c *Client) snapshot() (Config, *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.httpClient
}

func (c *Client) endpoint(cfg Config, parts ...string) string {
	esc := make([]string, 0, len(parts)+2)
	esc = append(esc, cfg.BaseURL, cfg.APIVersion)
	for _, p := range parts {
		esc = append(esc, url.PathEscape(p))
	}
	return strings.Join(esc, "/")
}

// Deliver posts message as a comment on target.
func (c *Client) Deliver(ctx context.Context, target, message, credential string) Outcome {
	cfg, hc := c.snapshot()
	ctx, cancel := context.WithTimeout(ctx, cfg.DeliverTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("message", message)
	form.Set("access_token", credential)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint(cfg, target, "comments"), strings.NewReader(form.Encode()))
	if err != nil {
		return Malformed{Detail: "build request: " + redact(err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return Unreachable{Detail: redact(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Unreachable{Detail: "read body: " + redact(err)}
	}
	return classify(resp.StatusCode, body)
}

type graphResponse struct {
	ID    json.RawMessage `json:"id"`
	Error json.RawMessage `json:"error"`
}

type graphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func classify(status int, body []byte) Outcome {
	var gr graphResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return Malformed{Detail: "non-json response: " + snippet(body), StatusCode: status}
	}

	if len(gr.Error) > 0 && string(gr.Error) != "null" {
		var raw bytes.Buffer
		if err := json.Compact(&raw, gr.Error); err != nil {
			raw.Write(gr.Error)
		}
		var ge graphError
		if err := json.Unmarshal(gr.Error, &ge); err != nil {
			// error is not an object; keep whatever text it carries
			var s string
			_ = json.Unmarshal(gr.Error, &s)
			return Rejected{Message: s, Raw: raw.String()}
		}
		return Rejected{Code: ge.Code, Subcode: ge.Subcode, Type: ge.Type, Message: ge.Message, Raw: raw.String()}
	}

	if status == http.StatusOK {
		if id := rawID(gr.ID); id != "" {
			return Delivered{RemoteID: id}
		}
	}
	return Malformed{Detail: "response without id or error: " + snippet(body), StatusCode: status}
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// CheckCredential asks the endpoint who owns credential. info is the decoded
// response body, or a small {"error": ...} map when there is none. err is
// reserved for failures to even build the request.
func (c *Client) CheckCredential(ctx context.Context, credential string) (bool, map[string]any, error) {
	cfg, hc := c.snapshot()
	ctx, cancel := context.WithTimeout(ctx, cfg.CheckTimeout)
	defer cancel()

	u, err := url.Parse(c.endpoint(cfg, "me"))
	if err != nil {
		return false, nil, fmt.Errorf("build check url: %s", redact(err))
	}
	q := u.Query()
	q.Set("access_token", credential)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return false, nil, fmt.Errorf("build check request: %s", redact(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return false, map[string]any{"error": "network", "message": redact(err)}, nil
	}
	defer resp.Body.Close()

	var info map[string]any
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil || json.Unmarshal(body, &info) != nil || info == nil {
		return false, map[string]any{"error": "invalid_response"}, nil
	}
	return resp.StatusCode == http.StatusOK, info, nil
}

// redact strips the request URL from net/http errors; the URL may carry the
// credential in its query string.
func redact(err error) string {
	if err == nil {
		return ""
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		inner := ue.Err
		if errors.Is(inner, context.DeadlineExceeded) {
			return "timeout"
		}
		if errors.Is(inner, context.Canceled) {
			return "canceled"
		}
		if inner != nil {
			return ue.Op + ": " + inner.Error()
		}
		return ue.Op
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "<empty>"
	}
	return s
}
