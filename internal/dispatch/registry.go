// Package dispatch runs batch delivery jobs in the background.
//
// A Registry owns every Job created during the process lifetime. Each job
// gets one run loop on the supervisor, posts its messages in order through a
// Deliverer and asks the Policy what to do after each attempt. Cancellation
// is cooperative: Cancel flips the job to stopped and the loop notices at its
// next checkpoint or wait. A delivery already in flight is allowed to finish
// and its result is discarded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postrelay/internal/eventbus"
	"postrelay/internal/runtime/supervisor"
	"postrelay/internal/storage"
	logx "postrelay/pkg/logx"
)

const (
	maxCheckInterval = 500 * time.Millisecond
	idPrefix         = "JOB-"
	auditTimeout     = 2 * time.Second
	auditQueueSize   = 256
)

type Options struct {
	Deliverer Deliverer
	// Checker is optional; without it Submit skips the credential pre-check.
	Checker       CredentialChecker
	Policy        Policy
	CheckInterval time.Duration
	// Supervisor hosts the run loops. Its context bounds every delivery call.
	Supervisor *supervisor.Supervisor
	Bus        eventbus.Bus
	Store      storage.Store
	Log        logx.Logger
}

type Registry struct {
	deliverer Deliverer
	checker   CredentialChecker
	sup       *supervisor.Supervisor
	bus       eventbus.Bus
	store     storage.Store
	log       logx.Logger

	mu            sync.RWMutex
	jobs          map[string]*Job
	policy        Policy
	checkInterval time.Duration
	closed        bool

	// audit is drained by one goroutine so a slow store never holds up
	// Create or Cancel.
	audit chan auditItem
}

// auditItem carries either an entry or a flush marker closed once every
// earlier entry has been written.
type auditItem struct {
	entry   storage.Entry
	flushed chan struct{}
}

func NewRegistry(opts Options) *Registry {
	if opts.Deliverer == nil {
		panic("dispatch: Options.Deliverer is required")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	sup := opts.Supervisor
	if sup == nil {
		sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	}
	policy := opts.Policy
	if policy.MaxAttempts <= 0 && policy.BaseDelay <= 0 && len(policy.AbortCodes) == 0 {
		policy = DefaultPolicy()
	}
	r := &Registry{
		deliverer:     opts.Deliverer,
		checker:       opts.Checker,
		sup:           sup,
		bus:           opts.Bus,
		store:         opts.Store,
		log:           log.With(logx.String("comp", "dispatch")),
		jobs:          map[string]*Job{},
		policy:        policy,
		checkInterval: clampInterval(opts.CheckInterval),
	}
	if r.store != nil {
		r.audit = make(chan auditItem, auditQueueSize)
		sup.Go0("dispatch.audit", r.auditLoop)
	}
	return r
}

func clampInterval(d time.Duration) time.Duration {
	if d <= 0 || d > maxCheckInterval {
		return maxCheckInterval
	}
	return d
}

// Apply changes the policy for jobs created from now on. Running jobs keep
// the policy they started with.
func (r *Registry) Apply(p Policy, checkInterval time.Duration) {
	r.mu.Lock()
	r.policy = p
	r.checkInterval = clampInterval(checkInterval)
	r.mu.Unlock()
}

func validate(target, credential string, messages []string, delay time.Duration) error {
	var missing []string
	if strings.TrimSpace(target) == "" {
		missing = append(missing, "target")
	}
	if strings.TrimSpace(credential) == "" {
		missing = append(missing, "credential")
	}
	if len(missing) > 0 {
		return validationf("%s required", strings.Join(missing, " and "))
	}
	if delay < 0 {
		return validationf("delay must be >= 0")
	}
	for _, m := range messages {
		if strings.TrimSpace(m) != "" {
			return nil
		}
	}
	return validationf("no messages provided")
}

// Submit validates req, pre-checks the credential and creates the job.
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := validate(req.Target, req.Credential, req.Messages, req.Delay); err != nil {
		return "", err
	}
	if r.checker != nil {
		ok, info, err := r.checker.CheckCredential(ctx, req.Credential)
		if err != nil {
			return "", fmt.Errorf("check credential: %w", err)
		}
		if !ok {
			r.log.Info("credential rejected at submit",
				logx.String("target", req.Target),
				logx.Secret("credential", req.Credential),
			)
			return "", &CredentialError{Details: info}
		}
	}
	return r.Create(req.Target, req.Credential, req.Messages, req.Delay)
}

// Create registers a running job and starts its run loop. It returns as
// soon as the loop is scheduled.
func (r *Registry) Create(target, credential string, messages []string, delay time.Duration) (string, error) {
	if err := validate(target, credential, messages, delay); err != nil {
		return "", err
	}
	target = strings.TrimSpace(target)
	msgs := append([]string(nil), messages...)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	id := r.newIDLocked()
	j := newJob(id, target, credential, msgs, delay, r.policy, r.checkInterval)
	r.jobs[id] = j
	r.mu.Unlock()

	r.log.Info("job created",
		logx.String("job", id),
		logx.String("target", target),
		logx.Int("messages", len(msgs)),
		logx.Duration("delay", delay),
		logx.Secret("credential", credential),
	)
	r.emit(eventbus.JobCreated, j.status(0), "")

	r.sup.Go0("job."+id, func(ctx context.Context) {
		defer close(j.done)
		defer r.exited(j)
		j.run(ctx, r.deliverer)
	})
	return id, nil
}

func (r *Registry) newIDLocked() string {
	for {
		id := idPrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
		if _, taken := r.jobs[id]; !taken {
			return id
		}
	}
}

func (r *Registry) get(id string) (*Job, error) {
	r.mu.RLock()
	j := r.jobs[id]
	r.mu.RUnlock()
	if j == nil {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j, nil
}

// Cancel stops a running job. Cancelling a job that already ended is a
// no-op and returns nil.
func (r *Registry) Cancel(id string) error {
	j, err := r.get(id)
	if err != nil {
		return err
	}
	if j.stop(ReasonRequested, "stop requested") {
		r.log.Info("job cancel requested", logx.String("job", id))
		r.emit(eventbus.JobCancelRequested, j.status(0), ReasonRequested)
	}
	return nil
}

// Status returns a copy of the job with at most tail log entries (tail <= 0
// means the full log).
func (r *Registry) Status(id string, tail int) (Status, error) {
	j, err := r.get(id)
	if err != nil {
		return Status{}, err
	}
	return j.status(tail), nil
}

// List returns every job ever created, keyed by id.
func (r *Registry) List() map[string]Summary {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	out := make(map[string]Summary, len(jobs))
	for _, j := range jobs {
		out[j.ID] = j.summary()
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	var st Stats
	for _, j := range jobs {
		s := j.status(1)
		st.Total++
		st.Delivered += s.Delivered
		st.Failed += s.Failed
		st.Skipped += s.Skipped
		switch s.State {
		case StateRunning:
			st.Running++
			if st.OldestRunning.IsZero() || s.CreatedAt.Before(st.OldestRunning) {
				st.OldestRunning = s.CreatedAt
			}
		case StateFinished:
			st.Finished++
		case StateStopped:
			st.Stopped++
		}
	}
	return st
}

// Wait blocks until the job's run loop has returned.
func (r *Registry) Wait(ctx context.Context, id string) error {
	j, err := r.get(id)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses new jobs, stops every running one and waits for their loops
// to return or ctx to end. Queued audit entries are flushed before it returns.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	stopped := 0
	for _, j := range jobs {
		if j.stop(ReasonShutdown, "stop requested: "+ReasonShutdown) {
			stopped++
			r.emit(eventbus.JobCancelRequested, j.status(0), ReasonShutdown)
		}
	}
	if stopped > 0 {
		r.log.Info("stopping running jobs", logx.Int("count", stopped))
	}

	var errs []error
	for _, j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, ctx.Err()))
		}
	}
	if err := r.flushAudit(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// exited runs on the job goroutine after the loop returns, panics included.
func (r *Registry) exited(j *Job) {
	st := j.status(0)
	fields := []logx.Field{
		logx.String("job", j.ID),
		logx.String("state", string(st.State)),
		logx.Int("delivered", st.Delivered),
		logx.Int("failed", st.Failed),
		logx.Int("skipped", st.Skipped),
		logx.Int("total", st.Total),
	}
	if st.State == StateStopped {
		r.log.Warn("job stopped", append(fields, logx.String("reason", st.StopReason))...)
		r.emit(eventbus.JobStopped, st, st.StopReason)
		return
	}
	r.log.Info("job finished", fields...)
	r.emit(eventbus.JobFinished, st, "")
}

// emit publishes a job event and queues it for the audit trail. Both are
// best-effort and neither blocks the caller.
func (r *Registry) emit(typ string, st Status, reason string) {
	ev := eventbus.JobEvent{
		JobID:     st.ID,
		Target:    st.Target,
		State:     string(st.State),
		Reason:    reason,
		Total:     st.Total,
		Delivered: st.Delivered,
		Failed:    st.Failed,
		Skipped:   st.Skipped,
	}
	now := time.Now()
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
	if r.audit == nil {
		return
	}
	entry := storage.Entry{
		At:        now,
		JobID:     ev.JobID,
		Event:     typ,
		Target:    ev.Target,
		State:     ev.State,
		Reason:    ev.Reason,
		Total:     ev.Total,
		Delivered: ev.Delivered,
		Failed:    ev.Failed,
		Skipped:   ev.Skipped,
	}
	select {
	case r.audit <- auditItem{entry: entry}:
	default:
		r.log.Warn("audit queue full; dropping entry", logx.String("job", ev.JobID), logx.String("event", typ))
	}
}

// auditLoop writes queued entries until ctx ends, then drains what is left.
func (r *Registry) auditLoop(ctx context.Context) {
	for {
		select {
		case it := <-r.audit:
			r.writeAudit(it)
		case <-ctx.Done():
			for {
				select {
				case it := <-r.audit:
					r.writeAudit(it)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) writeAudit(it auditItem) {
	if it.flushed != nil {
		close(it.flushed)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := r.store.AppendEvent(ctx, it.entry); err != nil {
		r.log.Debug("audit append failed",
			logx.String("job", it.entry.JobID),
			logx.String("event", it.entry.Event),
			logx.Err(err),
		)
	}
}

// flushAudit waits until every entry queued before the call is written.
func (r *Registry) flushAudit(ctx context.Context) error {
	if r.audit == nil {
		return nil
	}
	done := make(chan struct{})
	select {
	case r.audit <- auditItem{flushed: done}:
	case <-ctx.Done():
		return fmt.Errorf("audit flush: %w", ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit flush: %w", ctx.Err())
	}
}
