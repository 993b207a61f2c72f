package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "postrelay/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "off"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		driver string
		file   string
	}{
		{name: "file", driver: "file", file: "audit.json"},
		{name: "sqlite", driver: "sqlite", file: "audit.db"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st, err := Open(Config{Driver: tt.driver, Path: filepath.Join(t.TempDir(), tt.file)}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })

			ctx := context.Background()
			at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			entries := []Entry{
				{At: at, JobID: "JOB-A", Event: "job.created", Target: "123_456", Total: 3},
				{At: at.Add(time.Second), JobID: "JOB-B", Event: "job.created", Total: 1},
				{At: at.Add(2 * time.Second), JobID: "JOB-A", Event: "job.finished", State: "finished", Delivered: 2, Failed: 1},
			}
			for _, e := range entries {
				if err := st.AppendEvent(ctx, e); err != nil {
					t.Fatalf("AppendEvent: %v", err)
				}
			}

			got, err := st.Events(ctx, "JOB-A", 0)
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
			if got[0].Event != "job.created" || got[0].Target != "123_456" || got[0].Total != 3 {
				t.Fatalf("first = %+v", got[0])
			}
			if got[1].State != "finished" || got[1].Delivered != 2 || got[1].Failed != 1 {
				t.Fatalf("second = %+v", got[1])
			}
			if !got[1].At.Equal(at.Add(2 * time.Second)) {
				t.Fatalf("at = %v", got[1].At)
			}

			limited, err := st.Events(ctx, "JOB-A", 1)
			if err != nil || len(limited) != 1 {
				t.Fatalf("limited = %v, %v", limited, err)
			}
		})
	}
}

func TestFileRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
