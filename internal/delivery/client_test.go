package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testToken = "EAAtesttoken0123456789"

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIVersion: "v17.0"}), srv
}

func TestDeliverSendsFormRequest(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/v17.0/123_456/comments" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("message"); got != "hello there" {
			t.Errorf("message = %q", got)
		}
		if got := r.PostForm.Get("access_token"); got != testToken {
			t.Errorf("access_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"123_456_789"}`))
	})

	out := c.Deliver(context.Background(), "123_456", "hello there", testToken)
	d, ok := out.(Delivered)
	if !ok {
		t.Fatalf("outcome = %#v, want Delivered", out)
	}
	if d.RemoteID != "123_456_789" {
		t.Fatalf("RemoteID = %q", d.RemoteID)
	}
}

func TestDeliverClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, o Outcome)
	}{
		{
			name:   "numeric id",
			status: http.StatusOK,
			body:   `{"id":42}`,
			check: func(t *testing.T, o Outcome) {
				if d, ok := o.(Delivered); !ok || d.RemoteID != "42" {
					t.Fatalf("got %#v", o)
				}
			},
		},
		{
			name:   "oauth rejection",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190,"error_subcode":463}}`,
			check: func(t *testing.T, o Outcome) {
				r, ok := o.(Rejected)
				if !ok {
					t.Fatalf("got %#v", o)
				}
				if r.Code != 190 || r.Subcode != 463 || r.Type != "OAuthException" {
					t.Fatalf("rejected = %+v", r)
				}
				if !strings.Contains(r.Raw, `"code":190`) {
					t.Fatalf("raw = %s", r.Raw)
				}
			},
		},
		{
			name:   "error with 200",
			status: http.StatusOK,
			body:   `{"error":{"message":"temporarily unavailable","code":2}}`,
			check: func(t *testing.T, o Outcome) {
				if r, ok := o.(Rejected); !ok || r.Code != 2 {
					t.Fatalf("got %#v", o)
				}
			},
		},
		{
			name:   "non json",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			check: func(t *testing.T, o Outcome) {
				m, ok := o.(Malformed)
				if !ok || m.StatusCode != http.StatusBadGateway {
					t.Fatalf("got %#v", o)
				}
			},
		},
		{
			name:   "json without id",
			status: http.StatusOK,
			body:   `{"success":true}`,
			check: func(t *testing.T, o Outcome) {
				if _, ok := o.(Malformed); !ok {
					t.Fatalf("got %#v", o)
				}
			},
		},
		{
			name:   "id on non-200",
			status: http.StatusInternalServerError,
			body:   `{"id":"1"}`,
			check: func(t *testing.T, o Outcome) {
				if _, ok := o.(Malformed); !ok {
					t.Fatalf("got %#v", o)
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			tt.check(t, c.Deliver(context.Background(), "1_2", "msg", testToken))
		})
	}
}

func TestDeliverUnreachableHidesCredential(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := New(Config{BaseURL: base})
	out := c.Deliver(context.Background(), "1_2", "msg", testToken)
	u, ok := out.(Unreachable)
	if !ok {
		t.Fatalf("outcome = %#v, want Unreachable", out)
	}
	if strings.Contains(u.Detail, testToken) || strings.Contains(u.String(), testToken) {
		t.Fatalf("detail leaks credential: %q", u.Detail)
	}
}

func TestDeliverTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := New(Config{BaseURL: srv.URL, DeliverTimeout: 50 * time.Millisecond})
	out := c.Deliver(context.Background(), "1_2", "msg", testToken)
	u, ok := out.(Unreachable)
	if !ok {
		t.Fatalf("outcome = %#v, want Unreachable", out)
	}
	if u.Detail != "timeout" {
		t.Fatalf("detail = %q, want timeout", u.Detail)
	}
}

func TestCheckCredential(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v17.0/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.URL.Query().Get("access_token") {
		case testToken:
			_, _ = w.Write([]byte(`{"id":"99","name":"Page"}`))
		case "garbage":
			_, _ = w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":190,"message":"bad token"}}`))
		}
	})
	ctx := context.Background()

	ok, info, err := c.CheckCredential(ctx, testToken)
	if err != nil || !ok || info["name"] != "Page" {
		t.Fatalf("valid: ok=%v info=%v err=%v", ok, info, err)
	}

	ok, info, err = c.CheckCredential(ctx, "expired")
	if err != nil || ok {
		t.Fatalf("invalid: ok=%v err=%v", ok, err)
	}
	if _, has := info["error"]; !has {
		t.Fatalf("invalid: info = %v", info)
	}

	ok, info, err = c.CheckCredential(ctx, "garbage")
	if err != nil || ok || info["error"] != "invalid_response" {
		t.Fatalf("garbage: ok=%v info=%v err=%v", ok, info, err)
	}
}

func TestCheckCredentialNetworkError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := New(Config{BaseURL: base})
	ok, info, err := c.CheckCredential(context.Background(), testToken)
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if info["error"] != "network" {
		t.Fatalf("info = %v", info)
	}
	if msg, _ := info["message"].(string); strings.Contains(msg, testToken) {
		t.Fatalf("message leaks credential: %q", msg)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	cfg, _ := c.snapshot()
	if cfg.BaseURL != DefaultBaseURL || cfg.APIVersion != DefaultAPIVersion {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.DeliverTimeout != DefaultDeliverTimeout || cfg.CheckTimeout != DefaultCheckTimeout {
		t.Fatalf("timeouts = %v/%v", cfg.DeliverTimeout, cfg.CheckTimeout)
	}
}
