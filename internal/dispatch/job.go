package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"postrelay/internal/delivery"
)

const logTimeFormat = "15:04:05"

// Job is one batch of messages posted to a single target. Exported fields
// are fixed at creation; everything else is guarded by mu.
type Job struct {
	ID        string
	Target    string
	Messages  []string
	Delay     time.Duration
	CreatedAt time.Time

	credential    string
	policy        Policy
	checkInterval time.Duration

	mu         sync.Mutex
	state      State
	log        []string
	delivered  int
	failed     int
	skipped    int
	stopReason string
	finishedAt time.Time

	// stopCh is closed exactly once, on the transition to stopped.
	stopCh chan struct{}
	// done is closed when the run loop has returned.
	done chan struct{}
}

func newJob(id, target, credential string, messages []string, delay time.Duration, p Policy, checkInterval time.Duration) *Job {
	j := &Job{
		ID:            id,
		Target:        target,
		Messages:      messages,
		Delay:         delay,
		CreatedAt:     time.Now(),
		credential:    credential,
		policy:        p,
		checkInterval: checkInterval,
		state:         StateRunning,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	j.appendLog(fmt.Sprintf("job created: %d messages, delay %s, target %s", len(messages), delay, target))
	return j
}

func (j *Job) appendLocked(entry string) {
	j.log = append(j.log, time.Now().Format(logTimeFormat)+" "+entry)
}

func (j *Job) appendLog(entry string) {
	j.mu.Lock()
	j.appendLocked(entry)
	j.mu.Unlock()
}

func (j *Job) logf(format string, args ...any) { j.appendLog(fmt.Sprintf(format, args...)) }

func (j *Job) running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state == StateRunning
}

// stop moves a running job to stopped and records entry in the same
// critical section. It reports whether the transition happened.
func (j *Job) stop(reason, entry string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return false
	}
	j.state = StateStopped
	j.stopReason = reason
	if entry != "" {
		j.appendLocked(entry)
	}
	close(j.stopCh)
	return true
}

// status copies the job; tail > 0 limits the log to its last tail entries.
func (j *Job) status(tail int) Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	lg := j.log
	if tail > 0 && len(lg) > tail {
		lg = lg[len(lg)-tail:]
	}
	return Status{
		ID:         j.ID,
		State:      j.state,
		Target:     j.Target,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.finishedAt,
		StopReason: j.stopReason,
		Total:      len(j.Messages),
		Delivered:  j.delivered,
		Failed:     j.failed,
		Skipped:    j.skipped,
		Log:        append([]string(nil), lg...),
	}
}

func (j *Job) summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Summary{State: j.state, Target: j.Target, CreatedAt: j.CreatedAt}
}

// run processes every message in order. It is the only writer of state
// besides stop, and it never moves a job out of a terminal state.
func (j *Job) run(ctx context.Context, d Deliverer) {
	defer func() {
		if p := recover(); p != nil {
			j.stop(ReasonInternal, fmt.Sprintf("internal error: %v", p))
			j.finish()
			panic(p)
		}
		j.finish()
	}()

	last := len(j.Messages)
	for i, raw := range j.Messages {
		n := i + 1
		if !j.running() {
			j.noteStopped()
			return
		}

		if msg := strings.TrimSpace(raw); msg == "" {
			j.mu.Lock()
			j.skipped++
			j.appendLocked(fmt.Sprintf("[%d] skipping empty message", n))
			j.mu.Unlock()
		} else if !j.deliver(ctx, d, n, msg) {
			return
		}

		if n < last && !j.sleep(ctx, j.Delay) {
			j.noteStopped()
			return
		}
	}
}

// deliver runs the attempt loop for message n. It returns false once the job
// has stopped, either by abort or by an external stop.
func (j *Job) deliver(ctx context.Context, d Deliverer, n int, msg string) bool {
	for attempt := 1; ; attempt++ {
		if !j.running() {
			j.noteStopped()
			return false
		}
		j.logf("[%d] attempt %d: posting...", n, attempt)

		out := d.Deliver(ctx, j.Target, msg, j.credential)

		j.mu.Lock()
		if j.state != StateRunning {
			j.appendLocked(fmt.Sprintf("[%d] result discarded: job stopped", n))
			j.mu.Unlock()
			j.noteStopped()
			return false
		}
		j.appendLocked(fmt.Sprintf("[%d] %s", n, out))
		j.mu.Unlock()

		dec := j.policy.Decide(out, attempt)
		switch dec.Action {
		case Continue:
			j.mu.Lock()
			if dec.Exhausted {
				j.failed++
				j.appendLocked(fmt.Sprintf("[%d] failed after %d attempts, continuing", n, attempt))
			} else {
				j.delivered++
			}
			j.mu.Unlock()
			return true

		case Abort:
			code := 0
			if r, ok := out.(delivery.Rejected); ok {
				code = r.Code
			}
			j.stop(fmt.Sprintf("credential rejected (code %d)", code),
				fmt.Sprintf("[%d] credential or permission error (code %d), aborting job", n, code))
			return false

		case Retry:
			j.logf("[%d] retrying in %s", n, dec.Wait)
			if !j.sleep(ctx, dec.Wait) {
				j.noteStopped()
				return false
			}
		}
	}
}

// sleep waits d unless the job stops first. A stop wakes it at once through
// stopCh; the ticker re-checks state every checkInterval regardless. It
// reports whether the job is still running.
func (j *Job) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return j.running()
	}
	interval := j.checkInterval
	if interval <= 0 || interval > maxCheckInterval {
		interval = maxCheckInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-timer.C:
			return j.running()
		case <-j.stopCh:
			return false
		case <-ctx.Done():
			j.stop(ReasonShutdown, "stop requested: "+ReasonShutdown)
			return false
		case <-tick.C:
			if !j.running() {
				return false
			}
		}
	}
}

func (j *Job) noteStopped() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopReason == ReasonRequested {
		j.appendLocked(ReasonRequested)
		return
	}
	j.appendLocked("stopped: " + j.stopReason)
}

// finish settles the terminal state and writes the closing entry.
func (j *Job) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateRunning {
		j.state = StateFinished
	}
	j.finishedAt = time.Now()
	took := j.finishedAt.Sub(j.CreatedAt).Round(time.Millisecond)
	counts := fmt.Sprintf("delivered=%d failed=%d skipped=%d total=%d, took %s",
		j.delivered, j.failed, j.skipped, len(j.Messages), took)
	if j.state == StateStopped {
		j.appendLocked("job stopped (" + j.stopReason + "): " + counts)
		return
	}
	j.appendLocked("job finished: " + counts)
}
