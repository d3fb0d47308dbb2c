package graph

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/siderolabs/go-retry/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Step is run once per declaration by Executor.Walk.
type Step[T any] func(ctx context.Context, name string, value T) error

// Provisioner creates and deletes declared resources. Both calls must be
// idempotent for a given name.
type Provisioner[T any] interface {
	Create(ctx context.Context, name string, value T) error
	Delete(ctx context.Context, name string, value T) error
}

type settings struct {
	concurrency int64
	window      time.Duration
	interval    time.Duration
	log         logrus.FieldLogger
}

// Option configures an Executor.
type Option func(*settings)

// WithConcurrency caps the number of steps running at once.
func WithConcurrency(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithConsistencyWindow sets how long a step failing with a DependencyError
// is retried. Zero disables retries.
func WithConsistencyWindow(d time.Duration) Option {
	return func(s *settings) { s.window = d }
}

// WithRetryInterval sets the base backoff between retries.
func WithRetryInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger used for step progress.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *settings) { s.log = log }
}

// Executor runs steps over a Graph in dependency order.
type Executor[T any] struct {
	graph *Graph[T]
	settings
}

// NewExecutor returns an Executor for g.
func NewExecutor[T any](g *Graph[T], opts ...Option) *Executor[T] {
	s := settings{
		concurrency: 4,
		interval:    time.Second,
		log:         logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(&s)
	}
	return &Executor[T]{graph: g, settings: s}
}

// Walk runs step for every declaration once all of its dependencies
// completed. Independent declarations run concurrently. It returns the
// names that completed, in completion order, which is itself a valid
// dependency order.
func (e *Executor[T]) Walk(ctx context.Context, step Step[T]) ([]string, error) {
	order, err := e.graph.Sort()
	if err != nil {
		return nil, err
	}

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}

	var (
		mu        sync.Mutex
		completed = make([]string, 0, len(order))
	)
	sem := semaphore.NewWeighted(e.concurrency)
	group, groupCtx := errgroup.WithContext(ctx)

	for _, name := range order {
		name := name
		group.Go(func() error {
			for _, dep := range e.graph.Dependencies(name) {
				select {
				case <-done[dep]:
				case <-groupCtx.Done():
					return groupCtx.Err()
				}
			}
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			value, _ := e.graph.Get(name)
			if err := e.run(groupCtx, name, value, step); err != nil {
				return err
			}

			mu.Lock()
			completed = append(completed, name)
			mu.Unlock()
			close(done[name])
			return nil
		})
	}

	err = group.Wait()
	return completed, err
}

// Apply creates every declaration in dependency order. If a creation fails
// or ctx is cancelled, the resources created so far are deleted again in
// reverse order.
func (e *Executor[T]) Apply(ctx context.Context, p Provisioner[T]) error {
	if err := e.graph.Validate(); err != nil {
		return err
	}

	created, err := e.Walk(ctx, p.Create)
	if err == nil {
		return nil
	}

	e.log.WithError(err).Warnf("apply failed, rolling back %d resources", len(created))
	if rbErr := e.rollback(context.WithoutCancel(ctx), created, p); rbErr != nil {
		return errors.Wrapf(err, "apply failed and rollback stopped (%v)", rbErr)
	}
	return errors.Wrap(err, "apply failed, rolled back")
}

// Destroy deletes every declaration, one at a time, in the exact reverse of
// the creation order.
func (e *Executor[T]) Destroy(ctx context.Context, p Provisioner[T]) error {
	order, err := e.graph.Reverse()
	if err != nil {
		return err
	}
	for _, name := range order {
		value, _ := e.graph.Get(name)
		if err := e.run(ctx, name, value, p.Delete); err != nil {
			return errors.Wrapf(err, "destroy %s", name)
		}
	}
	return nil
}

func (e *Executor[T]) rollback(ctx context.Context, created []string, p Provisioner[T]) error {
	for i := len(created) - 1; i >= 0; i-- {
		name := created[i]
		value, _ := e.graph.Get(name)
		if err := e.run(ctx, name, value, p.Delete); err != nil {
			return errors.Wrapf(err, "rollback %s", name)
		}
	}
	return nil
}

// run calls step, retrying with backoff while it fails with a
// DependencyError and the consistency window has not elapsed.
func (e *Executor[T]) run(ctx context.Context, name string, value T, step Step[T]) error {
	log := e.log.WithField("resource", name)
	log.Debug("step started")

	if e.window <= 0 {
		if err := step(ctx, name, value); err != nil {
			return err
		}
		log.Debug("step finished")
		return nil
	}

	attempt := 0
	err := retry.Exponential(e.window, retry.WithUnits(e.interval), retry.WithJitter(e.interval/4)).
		RetryWithContext(ctx, func(ctx context.Context) error {
			attempt++
			err := step(ctx, name, value)
			var depErr *DependencyError
			if errors.As(err, &depErr) {
				log.WithField("attempt", attempt).WithError(err).Info("dependency not visible yet, retrying")
				return retry.ExpectedError(err)
			}
			return err
		})
	if err != nil {
		return errors.Wrapf(err, "%s after %d attempts", name, attempt)
	}
	log.WithField("attempt", attempt).Debug("step finished")
	return nil
}

// Call is one provisioner invocation seen by a Recorder.
type Call struct {
	Op   string
	Name string
}

// Recorder is a Provisioner that only records what it was asked to do.
type Recorder[T any] struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder[T]) Create(_ context.Context, name string, _ T) error {
	r.record("create", name)
	return nil
}

func (r *Recorder[T]) Delete(_ context.Context, name string, _ T) error {
	r.record("delete", name)
	return nil
}

// Calls returns the recorded calls in the order they happened.
func (r *Recorder[T]) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

func (r *Recorder[T]) record(op, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: op, Name: name})
}
