package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postrelay/internal/dispatch"
)

const defaultMaxUpload = 4 << 20

// startRequest is the JSON form of POST /start. Delay is seconds (number or
// numeric string) or a Go duration string.
type startRequest struct {
	Token     string          `json:"token"`
	PageToken string          `json:"page_token"`
	PostID    string          `json:"post_id"`
	Delay     json.RawMessage `json:"delay"`
	Prefix    string          `json:"prefix"`
	Hater     string          `json:"hater"`
	Messages  []string        `json:"messages"`
}

func badInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{dispatch.ErrValidation}, args...)...)
}

// parseStart turns a form post (multipart or urlencoded) or a JSON body into
// a submit request. Blank lines are dropped and the optional prefix is
// prepended as "<prefix>: <line>".
func parseStart(r *http.Request, defaultDelay time.Duration, maxUpload int64) (dispatch.SubmitRequest, error) {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		return parseStartJSON(r, defaultDelay, maxUpload)
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			return dispatch.SubmitRequest{}, badInput("read form: %v", err)
		}
		if err := r.ParseForm(); err != nil {
			return dispatch.SubmitRequest{}, badInput("read form: %v", err)
		}
	}

	token := firstNonEmpty(r.FormValue("token"), r.FormValue("page_token"))
	postID := strings.TrimSpace(r.FormValue("post_id"))
	if token == "" || postID == "" {
		return dispatch.SubmitRequest{}, badInput("token and post_id required")
	}
	delay, err := parseDelay(r.FormValue("delay"), defaultDelay)
	if err != nil {
		return dispatch.SubmitRequest{}, err
	}

	var raw string
	if f, _, err := r.FormFile("file"); err == nil {
		b, rerr := io.ReadAll(f)
		_ = f.Close()
		if rerr != nil {
			return dispatch.SubmitRequest{}, badInput("read upload: %v", rerr)
		}
		raw = string(bytes.ToValidUTF8(b, nil))
	} else {
		raw = r.FormValue("messages")
	}

	prefix := firstNonEmpty(r.FormValue("prefix"), r.FormValue("hater"))
	return dispatch.SubmitRequest{
		Target:     postID,
		Credential: token,
		Messages:   withPrefix(splitLines(raw), prefix),
		Delay:      delay,
	}, nil
}

func parseStartJSON(r *http.Request, defaultDelay time.Duration, maxUpload int64) (dispatch.SubmitRequest, error) {
	var in startRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxUpload))
	if err := dec.Decode(&in); err != nil {
		return dispatch.SubmitRequest{}, badInput("invalid json: %v", err)
	}
	token := firstNonEmpty(in.Token, in.PageToken)
	postID := strings.TrimSpace(in.PostID)
	if token == "" || postID == "" {
		return dispatch.SubmitRequest{}, badInput("token and post_id required")
	}

	delayStr := ""
	if len(in.Delay) > 0 && string(in.Delay) != "null" {
		var s string
		if err := json.Unmarshal(in.Delay, &s); err == nil {
			delayStr = s
		} else {
			delayStr = string(in.Delay)
		}
	}
	delay, err := parseDelay(delayStr, defaultDelay)
	if err != nil {
		return dispatch.SubmitRequest{}, err
	}

	var msgs []string
	for _, m := range in.Messages {
		msgs = append(msgs, splitLines(m)...)
	}
	return dispatch.SubmitRequest{
		Target:     postID,
		Credential: token,
		Messages:   withPrefix(msgs, firstNonEmpty(in.Prefix, in.Hater)),
		Delay:      delay,
	}, nil
}

const maxDelay = 24 * time.Hour

// parseDelay accepts plain seconds ("5", "1.5") or a duration ("750ms").
func parseDelay(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, badInput("invalid delay %q", s)
		}
		if secs > maxDelay.Seconds() {
			return 0, badInput("delay too large")
		}
		d = time.Duration(secs * float64(time.Second))
	} else {
		pd, perr := time.ParseDuration(s)
		if perr != nil {
			return 0, badInput("invalid delay %q", s)
		}
		d = pd
	}
	if d < 0 {
		return 0, badInput("delay must be >= 0")
	}
	if d > maxDelay {
		return 0, badInput("delay too large")
	}
	return d, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func withPrefix(msgs []string, prefix string) []string {
	if prefix == "" {
		return msgs
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = prefix + ": " + m
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
