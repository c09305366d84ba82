// Package syncer moves changes from one replica to the other.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/kfr"
)

// Synchronizer pumps changes from src to dst.
// It is the sole consumer of src.Changes().
type Synchronizer struct {
	name     string
	src, dst kfr.Model
	scratch  *kfr.Scratch
	log      *zap.SugaredLogger

	retryInitial, retryMax time.Duration

	mu      sync.Mutex // guards retries
	retries map[string]*retry
}

// retry is the schedule for requeueing one failed path.
type retry struct {
	bo    *backoff.ExponentialBackOff
	timer *time.Timer
}

// Option is the type of an option to New.
type Option func(*Synchronizer)

// WithLogger sets the Synchronizer's logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Synchronizer) {
		s.log = log
	}
}

// WithRetry sets the delay before a path whose transfer failed is tried again.
// The delay starts at initial and grows to at most maxWait
// while the failures continue.
// The defaults are half a second and one minute.
func WithRetry(initial, maxWait time.Duration) Option {
	return func(s *Synchronizer) {
		s.retryInitial, s.retryMax = initial, maxWait
	}
}

// New produces a Synchronizer from src to dst,
// downloading content into scratch.
func New(name string, src, dst kfr.Model, scratch *kfr.Scratch, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		name:    name,
		src:     src,
		dst:     dst,
		scratch: scratch,
		log:     zap.NewNop().Sugar(),

		retryInitial: 500 * time.Millisecond,
		retryMax:     time.Minute,
		retries:      make(map[string]*retry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("sync", name)
	return s
}

// Run transfers each path taken from src.Changes() to dst
// until ctx is canceled or the queue is closed.
//
// A path whose source state is stale or gone is dropped;
// the change that made it so produces its own event.
// Any other failure requeues the path on src.Changes()
// after an exponentially growing delay,
// until a transfer of it succeeds.
func (s *Synchronizer) Run(ctx context.Context) error {
	defer s.stopRetries()

	for {
		path, err := s.src.Changes().Take(ctx)
		if errors.Is(err, kfr.ErrClosed) || ctx.Err() != nil {
			s.log.Debug("exiting")
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "taking change")
		}

		err = s.Step(ctx, path)
		switch {
		case err == nil:
			s.forget(path)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, kfr.ErrStale), errors.Is(err, kfr.ErrNotFound), errors.Is(err, kfr.ErrClosed):
			s.forget(path)
			s.log.Debugw("dropped change", "path", path, "err", err)
		default:
			wait := s.retryLater(path)
			s.log.Warnw("sync failed", "path", path, "err", err, "retry_in", wait)
		}
	}
}

// retryLater schedules path to be pushed back onto src.Changes().
func (s *Synchronizer) retryLater(path string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retries[path]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.retryInitial
		bo.MaxInterval = s.retryMax
		bo.MaxElapsedTime = 0
		bo.Reset()
		r = &retry{bo: bo}
		s.retries[path] = r
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	wait := r.bo.NextBackOff()
	changes := s.src.Changes()
	r.timer = time.AfterFunc(wait, func() {
		changes.Push(path)
	})
	return wait
}

// forget discards any retry schedule for path.
func (s *Synchronizer) forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.retries[path]; ok {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(s.retries, path)
	}
}

// Retrying is the number of paths awaiting another attempt.
func (s *Synchronizer) Retrying() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries)
}

func (s *Synchronizer) stopRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, r := range s.retries {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(s.retries, path)
	}
}

// Step transfers the current state of path from src to dst.
// It does nothing if dst already has that state or a newer one.
func (s *Synchronizer) Step(ctx context.Context, path string) (err error) {
	defer kfr.Recover(&err)

	rec, err := s.src.Get(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "getting source record for %s", path)
	}

	cur, err := s.dst.Get(ctx, path)
	switch {
	case err == nil:
		if !kfr.CanReplace(rec, &cur) {
			s.log.Debugw("already converged", "rec", rec, "dest", cur)
			return nil
		}
	case !errors.Is(err, kfr.ErrNotFound):
		return errors.Wrapf(err, "getting destination record for %s", path)
	}

	content, err := s.src.GetContent(ctx, path, s.scratch.Path(""))
	if err != nil {
		return errors.Wrapf(err, "getting content of %s", rec)
	}
	defer content.Close()

	if content.Kfr != rec {
		return errors.Wrapf(kfr.ErrStale, "%s changed to %s", rec, content.Kfr)
	}
	if err := content.Verify(); err != nil {
		return errors.Wrapf(kfr.ErrStale, "content of %s changed: %s", rec, err)
	}

	if err := s.dst.Put(ctx, rec, content); err != nil {
		return errors.Wrapf(err, "putting %s", rec)
	}
	s.log.Infow("synced", "rec", rec)
	return nil
}

// Bidirectional runs Synchronizers in both directions between a and b
// until ctx is canceled or one of them fails.
// The options apply to both.
func Bidirectional(ctx context.Context, a, b kfr.Model, scratch *kfr.Scratch, log *zap.SugaredLogger, opts ...Option) error {
	opts = append([]Option{WithLogger(log)}, opts...)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return New("a->b", a, b, scratch, opts...).Run(ctx)
	})
	eg.Go(func() error {
		return New("b->a", b, a, scratch, opts...).Run(ctx)
	})
	return eg.Wait()
}
