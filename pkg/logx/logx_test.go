package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "postrelay/internal/transport"
)

func TestMaskSecret(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "****"},
		{"EAABsbCS1iHgBAKZCZAdZCZB", "EAAB…ZCZB"},
	}
	for _, tt := range tests {
		if got := MaskSecret(tt.in); got != tt.want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"warn","message":"job stopped","job":"JOB-1","time":"x"}`))
	if !strings.HasPrefix(got, "[WARN] job stopped") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "- job=JOB-1") {
		t.Fatalf("missing field: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be omitted: %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestTelegramSinkFiltersByLevel(t *testing.T) {
	rec := &recordingSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 100},
	}, rec)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("not forwarded")
	log.Warn("forwarded", String("job", "JOB-1"))

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("forwarded alerts = %d, want 1", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored")
	l.With(String("k", "v")).Warn("ignored")
}
