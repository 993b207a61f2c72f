package dispatch

import (
	"context"
	"time"

	"postrelay/internal/delivery"
)

type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFinished State = "finished"
)

func (s State) Terminal() bool { return s == StateStopped || s == StateFinished }

// Stop reasons recorded on the job.
const (
	ReasonRequested = "stopped by request"
	ReasonShutdown  = "service shutting down"
	ReasonInternal  = "internal error"
)

// Deliverer makes one delivery attempt. *delivery.Client implements it.
type Deliverer interface {
	Deliver(ctx context.Context, target, message, credential string) delivery.Outcome
}

// CredentialChecker validates a credential once before a job is created.
type CredentialChecker interface {
	CheckCredential(ctx context.Context, credential string) (ok bool, info map[string]any, err error)
}

// Status is a point-in-time copy of a job.
type Status struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Target     string    `json:"target"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	StopReason string    `json:"stop_reason,omitempty"`
	Total      int       `json:"total"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Log        []string  `json:"log"`
}

func (s Status) Running() bool { return s.State == StateRunning }

type Summary struct {
	State     State     `json:"state"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats aggregates every job in the registry.
type Stats struct {
	Total     int
	Running   int
	Finished  int
	Stopped   int
	Delivered int
	Failed    int
	Skipped   int
	// OldestRunning is the creation time of the oldest running job, if any.
	OldestRunning time.Time
}

type SubmitRequest struct {
	Target     string
	Credential string
	Messages   []string
	Delay      time.Duration
}
