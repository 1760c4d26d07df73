package tileset

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single build when none is configured.
const DefaultTimeout = 10 * time.Minute

// Scheduler runs builds in the background with at most workers builds at
// once and at most one build per project. Builds are detached from the
// caller's context: a caller that stops waiting does not abort the build.
type Scheduler struct {
	builder *Builder
	timeout time.Duration
	logger  logrus.FieldLogger

	workers chan struct{}
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// Outcome is the end state of a scheduled build.
type Outcome struct {
	Result Result
	Err    error
}

// NewScheduler returns a scheduler running at most workers builds at once,
// each bounded by timeout.
func NewScheduler(builder *Builder, workers int, timeout time.Duration, logger logrus.FieldLogger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		builder:  builder,
		timeout:  timeout,
		logger:   logger,
		workers:  make(chan struct{}, workers),
		base:     base,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Build schedules req and waits for its outcome or for ctx to end. When ctx
// ends first the build carries on and ctx.Err() is returned. The request is
// validated before it is queued.
func (s *Scheduler) Build(ctx context.Context, req Request) (Result, error) {
	done, err := s.Submit(req)
	if err != nil {
		return Result{}, err
	}
	select {
	case o := <-done:
		return o.Result, o.Err
	case <-ctx.Done():
		s.logger.WithField("project", req.ProjectID).Warn("caller stopped waiting, build continues in background")
		return Result{}, ctx.Err()
	}
}

// Submit queues req and returns a channel receiving its outcome once.
func (s *Scheduler) Submit(req Request) (<-chan Outcome, error) {
	if err := req.Validate(); err != nil {
		req.discard()
		s.builder.metrics.rejected(err)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		req.discard()
		s.builder.metrics.rejected(ErrClosed)
		return nil, ErrClosed
	}
	if _, busy := s.inflight[req.ProjectID]; busy {
		s.mu.Unlock()
		req.discard()
		s.builder.metrics.rejected(ErrBuildInProgress)
		return nil, ErrBuildInProgress
	}
	s.inflight[req.ProjectID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.builder.metrics.pending.Inc()
	done := make(chan Outcome, 1)
	go s.run(req, done)
	return done, nil
}

// Builder returns the builder the scheduler runs.
func (s *Scheduler) Builder() *Builder {
	return s.builder
}

// InProgress reports whether projectID has a build queued or running.
func (s *Scheduler) InProgress(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inflight[projectID]
	return busy
}

// run releases the project before publishing the outcome, so a caller may
// resubmit the same project as soon as it has seen the result.
func (s *Scheduler) run(req Request, done chan<- Outcome) {
	defer s.wg.Done()
	o := s.execute(req)

	s.mu.Lock()
	delete(s.inflight, req.ProjectID)
	s.mu.Unlock()
	s.builder.metrics.pending.Dec()
	done <- o
}

func (s *Scheduler) execute(req Request) Outcome {
	select {
	case s.workers <- struct{}{}:
	case <-s.base.Done():
		req.discard()
		return Outcome{Err: ErrClosed}
	}
	defer func() { <-s.workers }()

	ctx, cancel := context.WithTimeout(s.base, s.timeout)
	defer cancel()
	res, err := s.builder.Build(ctx, req)
	if err != nil {
		s.logger.WithField("project", req.ProjectID).WithError(err).Error("tileset build failed")
	}
	return Outcome{Result: res, Err: err}
}

// Close stops accepting builds, kills running ones and waits for them to
// clean up, or for ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
