package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"postrelay/internal/dispatch"
	logx "postrelay/pkg/logx"
)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []dispatch.SubmitRequest
	submitErr error
	cancelled []string
	jobs      map[string]dispatch.Status
	panicOn   string
}

func (f *fakeJobs) Submit(_ context.Context, req dispatch.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "JOB-0000000A", nil
}

func (f *fakeJobs) Cancel(id string) error {
	if id == f.panicOn {
		panic("cancel exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return fmt.Errorf("%w: job %s", dispatch.ErrNotFound, id)
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeJobs) Status(id string, tail int) (dispatch.Status, error) {
	st, ok := f.jobs[id]
	if !ok {
		return dispatch.Status{}, fmt.Errorf("%w: job %s", dispatch.ErrNotFound, id)
	}
	if tail > 0 && len(st.Log) > tail {
		st.Log = st.Log[len(st.Log)-tail:]
	}
	return st, nil
}

func (f *fakeJobs) List() map[string]dispatch.Summary {
	out := map[string]dispatch.Summary{}
	for id, st := range f.jobs {
		out[id] = dispatch.Summary{State: st.State, Target: st.Target, CreatedAt: st.CreatedAt}
	}
	return out
}

func (f *fakeJobs) Stats() dispatch.Stats {
	var s dispatch.Stats
	for _, st := range f.jobs {
		s.Total++
		if st.State == dispatch.StateRunning {
			s.Running++
		}
	}
	return s
}

func newFakeJobs() *fakeJobs {
	logs := make([]string, 250)
	for i := range logs {
		logs[i] = fmt.Sprintf("entry %d", i)
	}
	return &fakeJobs{jobs: map[string]dispatch.Status{
		"JOB-RUNNING1": {ID: "JOB-RUNNING1", State: dispatch.StateRunning, Target: "1_2", Log: logs},
		"JOB-FINISHED": {ID: "JOB-FINISHED", State: dispatch.StateFinished, Target: "3_4", Log: []string{"done"}},
	}}
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func formRequest(vals url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(vals.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestStartForm(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	h := NewHandler(jobs, Options{DefaultDelay: 5 * time.Second}, logx.Nop())

	rec, body := do(t, h, formRequest(url.Values{
		"page_token": {"tok"},
		"post_id":    {"1_2"},
		"hater":      {"Bob"},
		"messages":   {"first\r\n\n  \nsecond\n"},
	}))
	if rec.Code != http.StatusOK || body["job_id"] != "JOB-0000000A" {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
	got := jobs.submitted[0]
	if got.Credential != "tok" || got.Target != "1_2" || got.Delay != 5*time.Second {
		t.Fatalf("request = %+v", got)
	}
	want := []string{"Bob: first", "Bob: second"}
	if strings.Join(got.Messages, "|") != strings.Join(want, "|") {
		t.Fatalf("messages = %q", got.Messages)
	}
}

func TestStartMultipartUpload(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	h := NewHandler(jobs, Options{}, logx.Nop())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("token", "tok")
	_ = mw.WriteField("post_id", "1_2")
	_ = mw.WriteField("delay", "1.5")
	_ = mw.WriteField("messages", "ignored when a file is present")
	fw, _ := mw.CreateFormFile("file", "msgs.txt")
	_, _ = io.WriteString(fw, "a\n\nb\n")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/start", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec, _ := do(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := jobs.submitted[0]
	if strings.Join(got.Messages, "|") != "a|b" || got.Delay != 1500*time.Millisecond {
		t.Fatalf("request = %+v", got)
	}
}

func TestStartJSON(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	h := NewHandler(jobs, Options{DefaultDelay: time.Second}, logx.Nop())

	req := httptest.NewRequest(http.MethodPost, "/start",
		strings.NewReader(`{"token":"tok","post_id":"1_2","delay":"250ms","messages":["x","","y\nz"]}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec, _ := do(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := jobs.submitted[0]
	if strings.Join(got.Messages, "|") != "x|y|z" || got.Delay != 250*time.Millisecond {
		t.Fatalf("request = %+v", got)
	}
}

func TestStartErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		vals      url.Values
		submitErr error
		status    int
		errCode   string
	}{
		{name: "missing token", vals: url.Values{"post_id": {"1"}, "messages": {"a"}}, status: 400, errCode: "validation"},
		{name: "bad delay", vals: url.Values{"token": {"t"}, "post_id": {"1"}, "delay": {"soon"}, "messages": {"a"}}, status: 400, errCode: "validation"},
		{name: "negative delay", vals: url.Values{"token": {"t"}, "post_id": {"1"}, "delay": {"-1"}, "messages": {"a"}}, status: 400, errCode: "validation"},
		{
			name:      "no messages",
			vals:      url.Values{"token": {"t"}, "post_id": {"1"}},
			submitErr: fmt.Errorf("%w: no messages provided", dispatch.ErrValidation),
			status:    400, errCode: "validation",
		},
		{
			name:      "invalid credential",
			vals:      url.Values{"token": {"t"}, "post_id": {"1"}, "messages": {"a"}},
			submitErr: &dispatch.CredentialError{Details: map[string]any{"error": "network"}},
			status:    400, errCode: "invalid_credential",
		},
		{
			name:      "closed",
			vals:      url.Values{"token": {"t"}, "post_id": {"1"}, "messages": {"a"}},
			submitErr: dispatch.ErrClosed,
			status:    503, errCode: "unavailable",
		},
		{
			name:      "unexpected",
			vals:      url.Values{"token": {"t"}, "post_id": {"1"}, "messages": {"a"}},
			submitErr: errors.New("boom"),
			status:    500, errCode: "internal",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			jobs := newFakeJobs()
			jobs.submitErr = tt.submitErr
			rec, body := do(t, NewHandler(jobs, Options{}, logx.Nop()), formRequest(tt.vals))
			if rec.Code != tt.status || body["error"] != tt.errCode {
				t.Fatalf("status=%d body=%v", rec.Code, body)
			}
		})
	}
}

func TestValidationDetailsAreReadable(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.submitErr = fmt.Errorf("%w: no messages provided", dispatch.ErrValidation)
	_, body := do(t, NewHandler(jobs, Options{}, logx.Nop()),
		formRequest(url.Values{"token": {"t"}, "post_id": {"1"}}))
	if body["details"] != "no messages provided" {
		t.Fatalf("details = %v", body["details"])
	}
}

func TestStopLogsTasks(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	h := NewHandler(jobs, Options{}, logx.Nop())

	rec, body := do(t, h, httptest.NewRequest(http.MethodPost, "/stop/JOB-RUNNING1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(body["message"].(string), "JOB-RUNNING1") {
		t.Fatalf("stop: %d %v", rec.Code, body)
	}
	if rec, body = do(t, h, httptest.NewRequest(http.MethodPost, "/stop/JOB-MISSING", nil)); rec.Code != 404 || body["error"] != "not_found" {
		t.Fatalf("stop missing: %d %v", rec.Code, body)
	}

	rec, body = do(t, h, httptest.NewRequest(http.MethodGet, "/logs/JOB-RUNNING1", nil))
	if rec.Code != 200 || body["running"] != true || body["state"] != "running" {
		t.Fatalf("logs: %d %v", rec.Code, body)
	}
	logs := body["logs"].([]any)
	if len(logs) != defaultLogTail || logs[len(logs)-1] != "entry 249" {
		t.Fatalf("logs tail len=%d last=%v", len(logs), logs[len(logs)-1])
	}
	if rec, _ = do(t, h, httptest.NewRequest(http.MethodGet, "/logs/JOB-MISSING", nil)); rec.Code != 404 {
		t.Fatalf("logs missing: %d", rec.Code)
	}

	rec, body = do(t, h, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	if rec.Code != 200 || len(body) != 2 {
		t.Fatalf("tasks: %d %v", rec.Code, body)
	}
	fin := body["JOB-FINISHED"].(map[string]any)
	if fin["running"] != false || fin["state"] != "finished" || fin["target"] != "3_4" {
		t.Fatalf("tasks entry = %v", fin)
	}

	rec, body = do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != 200 || body["status"] != "ok" || body["jobs"] != 2.0 || body["running"] != 1.0 {
		t.Fatalf("healthz: %d %v", rec.Code, body)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.panicOn = "JOB-PANIC"
	rec, body := do(t, NewHandler(jobs, Options{}, logx.Nop()), httptest.NewRequest(http.MethodPost, "/stop/JOB-PANIC", nil))
	if rec.Code != 500 || body["error"] != "internal" {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
}

func TestRoutingMisses(t *testing.T) {
	t.Parallel()
	h := NewHandler(newFakeJobs(), Options{}, logx.Nop())
	if rec, _ := do(t, h, httptest.NewRequest(http.MethodGet, "/nope", nil)); rec.Code != 404 {
		t.Fatalf("unknown path: %d", rec.Code)
	}
	if rec, _ := do(t, h, httptest.NewRequest(http.MethodGet, "/start", nil)); rec.Code != 405 {
		t.Fatalf("wrong method: %d", rec.Code)
	}
	if rec, _ := do(t, h, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)); rec.Code != 404 {
		t.Fatalf("pprof should be off: %d", rec.Code)
	}
}

func TestPprofMounted(t *testing.T) {
	t.Parallel()
	h := NewHandler(newFakeJobs(), Options{Pprof: true}, logx.Nop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatalf("pprof index: %d", rec.Code)
	}
}

func TestIndexPage(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	NewHandler(newFakeJobs(), Options{}, logx.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `id="start"`) {
		t.Fatalf("embedded index: %d", rec.Code)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<p>custom</p>"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	NewHandler(newFakeJobs(), Options{StaticDir: dir}, logx.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "custom") {
		t.Fatalf("static dir index: %d %q", rec.Code, rec.Body.String())
	}
}

func TestParseDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 5 * time.Second, true},
		{"0", 0, true},
		{"2", 2 * time.Second, true},
		{"0.25", 250 * time.Millisecond, true},
		{"1m", time.Minute, true},
		{"-3", 0, false},
		{"abc", 0, false},
		{"1e9", 0, false},
		{"86400", 24 * time.Hour, true},
		{"24h", 24 * time.Hour, true},
		{"1000h", 0, false},
		{"24h1s", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"-Inf", 0, false},
	}
	for _, tt := range tests {
		got, err := parseDelay(tt.in, 5*time.Second)
		if (err == nil) != tt.ok || (tt.ok && got != tt.want) {
			t.Fatalf("parseDelay(%q) = %v, %v", tt.in, got, err)
		}
		if err != nil && !errors.Is(err, dispatch.ErrValidation) {
			t.Fatalf("parseDelay(%q) err not validation: %v", tt.in, err)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, NewHandler(newFakeJobs(), Options{}, logx.Nop()), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("listener still set after Stop")
	}
}
