package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"webcinema/internal/ledger"
	"webcinema/internal/logging"
	"webcinema/internal/metrics"
	"webcinema/internal/store"
)

// ErrBuildSuppressed means the fingerprint failed recently and its retry
// backoff has not expired.
var ErrBuildSuppressed = errors.New("build suppressed by failure backoff")

// SuppressedError carries the backoff expiry so callers can surface a
// Retry-After.
type SuppressedError struct {
	Until time.Time
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("build suppressed until %s", e.Until.Format(time.RFC3339))
}

func (e *SuppressedError) Is(target error) bool { return target == ErrBuildSuppressed }

// State of a build job as seen by subscribers.
type State int

const (
	StateRunning State = iota
	StateReady
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers on progress and state transitions.
// Latest-wins: intermediate progress events may be dropped, terminal events
// never are.
type Event struct {
	State        State
	BytesWritten int64
	Err          error
}

// RunFunc performs the build, reporting sink progress through progress.
type RunFunc func(ctx context.Context, progress func(int64)) error

// SetupFunc prepares a build (typically opening the store writer) and
// returns the run function. Setup executes synchronously inside Acquire so
// the artifact exists before the leader's Acquire returns.
type SetupFunc func(ctx context.Context) (RunFunc, error)

// Coordinator enforces single-flight builds per fingerprint. The first
// Acquire for a fingerprint becomes the Leader and starts the build; later
// calls attach as Followers of the same job. A job whose subscribers all
// release keeps running for an idle grace period, then is canceled.
type Coordinator struct {
	ledger *ledger.Ledger
	grace  time.Duration
	sem    chan struct{}

	mu   sync.Mutex
	jobs map[string]*Job
}

// Job is the single in-flight build for one fingerprint.
type Job struct {
	id          string
	fingerprint string
	coord       *Coordinator
	cancel      context.CancelCauseFunc
	start       time.Time

	// setupDone closes once the leader's setup has run; setupErr is only
	// read after it closes. Followers wait on it so their Acquire never
	// returns before the artifact is open for reading.
	setupDone chan struct{}
	setupErr  error

	mu         sync.Mutex
	subs       map[*Handle]struct{}
	state      State
	err        error
	bytes      int64
	graceTimer *time.Timer
}

// Handle is one subscriber's attachment to a build job.
type Handle struct {
	job    *Job
	events chan Event
	once   sync.Once
}

// New returns a coordinator allowing at most maxConcurrent simultaneous
// builds. l may record failures and suppress retries; grace is how long a
// job survives with zero subscribers.
func New(l *ledger.Ledger, maxConcurrent int, grace time.Duration) *Coordinator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Coordinator{
		ledger: l,
		grace:  grace,
		sem:    make(chan struct{}, maxConcurrent),
		jobs:   make(map[string]*Job),
	}
}

// Acquire joins or starts the build for fingerprint. Exactly one job runs
// per fingerprint at any instant; callers beyond the first attach to it.
func (c *Coordinator) Acquire(ctx context.Context, fingerprint string, setup SetupFunc) (*Handle, error) {
	c.mu.Lock()
	if j, ok := c.jobs[fingerprint]; ok {
		h := j.attach()
		c.mu.Unlock()
		metrics.BuildFollowersJoined.Inc()
		logging.Debug("Follower joined build %s for %s", j.id, fingerprint)
		return awaitSetup(ctx, j, h)
	}
	c.mu.Unlock()

	if err := c.checkBackoff(ctx, fingerprint); err != nil {
		return nil, err
	}

	// The job outlives the leader's request; its lifetime is governed by
	// subscriber count, not by the caller's context.
	jobCtx, cancel := context.WithCancelCause(context.Background())

	c.mu.Lock()
	if j, ok := c.jobs[fingerprint]; ok {
		// Lost the race to another leader.
		h := j.attach()
		c.mu.Unlock()
		cancel(nil)
		metrics.BuildFollowersJoined.Inc()
		return awaitSetup(ctx, j, h)
	}

	j := &Job{
		id:          uuid.NewString(),
		fingerprint: fingerprint,
		coord:       c,
		cancel:      cancel,
		start:       time.Now(),
		setupDone:   make(chan struct{}),
		subs:        make(map[*Handle]struct{}),
		state:       StateRunning,
	}
	c.jobs[fingerprint] = j
	h := j.attach()
	c.mu.Unlock()

	run, err := setup(jobCtx)
	if err != nil {
		j.setupErr = err
		close(j.setupDone)
		j.finish(StateFailed, err)
		cancel(err)
		c.recordSetupFailure(fingerprint, err)
		return nil, err
	}
	close(j.setupDone)

	metrics.BuildJobsRunning.Inc()
	logging.Info("Build %s started for %s", j.id, fingerprint)
	go j.run(jobCtx, run)
	return h, nil
}

// awaitSetup blocks a follower until the leader's setup has opened the
// artifact. Without it a follower's read could race ahead of the writer
// and miss the entry entirely.
func awaitSetup(ctx context.Context, j *Job, h *Handle) (*Handle, error) {
	select {
	case <-j.setupDone:
		if err := j.setupErr; err != nil {
			h.Release()
			return nil, err
		}
		return h, nil
	case <-ctx.Done():
		h.Release()
		return nil, ctx.Err()
	}
}

// recordSetupFailure feeds a failed setup into the backoff ledger so a
// fingerprint that cannot even open its writer is suppressed like a failed
// run. An artifact that turned ready between the caller's cache check and
// the build is not a failure.
func (c *Coordinator) recordSetupFailure(fingerprint string, err error) {
	if errors.Is(err, store.ErrBuildInProgress) {
		return
	}
	metrics.BuildJobsTotal.WithLabelValues("failed").Inc()
	if c.ledger == nil {
		return
	}
	if _, recErr := c.ledger.RecordFailure(context.Background(), fingerprint, err.Error()); recErr != nil {
		logging.Warn("Failed to record failure for %s: %v", fingerprint, recErr)
	}
}

func (c *Coordinator) checkBackoff(ctx context.Context, fingerprint string) error {
	if c.ledger == nil {
		return nil
	}
	rec, err := c.ledger.Failure(ctx, fingerprint)
	if err != nil {
		logging.Warn("Failure lookup for %s: %v", fingerprint, err)
		return nil
	}
	if rec.Count == 0 {
		return nil
	}
	if until := rec.NextAttempt(); time.Now().Before(until) {
		metrics.BuildsSuppressed.Inc()
		return &SuppressedError{Until: until}
	}
	return nil
}

func (j *Job) run(ctx context.Context, run RunFunc) {
	defer metrics.BuildJobsRunning.Dec()
	defer func() {
		metrics.BuildJobDuration.Observe(time.Since(j.start).Seconds())
	}()

	// Concurrency gate: writer slots are cheap, encoder processes are not.
	select {
	case j.coord.sem <- struct{}{}:
		defer func() { <-j.coord.sem }()
	case <-ctx.Done():
		j.terminalFromCtx(ctx)
		return
	}

	err := run(ctx, j.progress)

	switch {
	case err == nil:
		j.finish(StateReady, nil)
		metrics.BuildJobsTotal.WithLabelValues("ready").Inc()
		if j.coord.ledger != nil {
			if clearErr := j.coord.ledger.ClearFailures(context.Background(), j.fingerprint); clearErr != nil {
				logging.Warn("Failed to clear failure record for %s: %v", j.fingerprint, clearErr)
			}
		}
		logging.Info("Build %s ready for %s (%d bytes)", j.id, j.fingerprint, j.BytesWritten())

	case ctx.Err() != nil:
		j.terminalFromCtx(ctx)

	default:
		j.finish(StateFailed, err)
		metrics.BuildJobsTotal.WithLabelValues("failed").Inc()
		if j.coord.ledger != nil {
			if _, recErr := j.coord.ledger.RecordFailure(context.Background(), j.fingerprint, err.Error()); recErr != nil {
				logging.Warn("Failed to record failure for %s: %v", j.fingerprint, recErr)
			}
		}
		logging.Error("Build %s failed for %s: %v", j.id, j.fingerprint, err)
	}
}

func (j *Job) terminalFromCtx(ctx context.Context) {
	err := context.Cause(ctx)
	if err == nil {
		err = ctx.Err()
	}
	j.finish(StateCanceled, err)
	metrics.BuildJobsTotal.WithLabelValues("canceled").Inc()
	logging.Info("Build %s canceled for %s: %v", j.id, j.fingerprint, err)
}

// progress records sink growth and notifies subscribers.
func (j *Job) progress(bytes int64) {
	j.mu.Lock()
	if j.state != StateRunning {
		j.mu.Unlock()
		return
	}
	j.bytes = bytes
	ev := Event{State: StateRunning, BytesWritten: bytes}
	for h := range j.subs {
		h.notify(ev)
	}
	j.mu.Unlock()
}

// finish moves the job to a terminal state, notifies subscribers and
// removes the job from the coordinator.
func (j *Job) finish(state State, err error) {
	j.mu.Lock()
	if j.state != StateRunning {
		j.mu.Unlock()
		return
	}
	j.state = state
	j.err = err
	if j.graceTimer != nil {
		j.graceTimer.Stop()
		j.graceTimer = nil
	}
	ev := Event{State: state, BytesWritten: j.bytes, Err: err}
	for h := range j.subs {
		h.notify(ev)
	}
	j.mu.Unlock()

	j.coord.mu.Lock()
	if j.coord.jobs[j.fingerprint] == j {
		delete(j.coord.jobs, j.fingerprint)
	}
	j.coord.mu.Unlock()
}

// attach registers a new subscriber. Called with the coordinator lock held.
func (j *Job) attach() *Handle {
	h := &Handle{job: j, events: make(chan Event, 1)}

	j.mu.Lock()
	j.subs[h] = struct{}{}
	if j.graceTimer != nil {
		j.graceTimer.Stop()
		j.graceTimer = nil
	}
	h.notify(Event{State: j.state, BytesWritten: j.bytes, Err: j.err})
	j.mu.Unlock()
	return h
}

// detach removes a subscriber; the last one out arms the grace timer.
func (j *Job) detach(h *Handle) {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.subs, h)
	if len(j.subs) > 0 || j.state != StateRunning {
		return
	}

	grace := j.coord.grace
	logging.Debug("Build %s has no consumers, canceling in %s", j.id, grace)
	j.graceTimer = time.AfterFunc(grace, func() {
		j.mu.Lock()
		idle := len(j.subs) == 0 && j.state == StateRunning
		j.mu.Unlock()
		if idle {
			j.cancel(fmt.Errorf("no consumers for %s", grace))
		}
	})
}

// BytesWritten returns the job's current sink high-water mark.
func (j *Job) BytesWritten() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bytes
}

// ID returns the job identifier used in logs.
func (j *Job) ID() string { return j.id }

// Events returns the subscriber's event channel. Delivery is latest-wins;
// the terminal event is always observable as the final value.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Job exposes the underlying build job.
func (h *Handle) Job() *Job { return h.job }

// Release detaches the subscriber. The last release starts the idle grace
// countdown on a still-running job.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.job.detach(h)
	})
}

// notify delivers ev latest-wins on the handle's buffered channel. Called
// with the job lock held.
func (h *Handle) notify(ev Event) {
	for {
		select {
		case h.events <- ev:
			return
		default:
			select {
			case <-h.events:
			default:
			}
		}
	}
}
