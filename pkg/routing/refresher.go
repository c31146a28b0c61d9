package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
)

// LookupFunc asks the network for contacts close to target.
type LookupFunc func(ctx context.Context, target key.Key) ([]Contact, error)

// Refresher keeps buckets populated by looking up a random ID in every bucket
// that has gone StaleAfter without activity.
type Refresher struct {
	table  *Table
	lookup LookupFunc
	cfg    core.RoutingConfig
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewRefresher returns a refresher for t. Zero durations in cfg fall back to
// one minute between passes, one hour of staleness and ten seconds per lookup.
func NewRefresher(t *Table, lookup LookupFunc, cfg core.RoutingConfig, logger *slog.Logger) *Refresher {
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{table: t, lookup: lookup, cfg: cfg, log: logger}
}

// RunOnce refreshes every stale bucket and returns how many were refreshed.
// A failed lookup leaves its bucket stale; the failures are joined into the
// returned error.
func (r *Refresher) RunOnce(ctx context.Context) (int, error) {
	var errs []error
	refreshed := 0

	for _, i := range r.table.StaleBuckets(r.cfg.StaleAfter) {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}

		target, err := r.table.RefreshTarget(i)
		if err != nil {
			return refreshed, err
		}

		lctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
		found, err := r.lookup(lctx, target)
		cancel()
		if err != nil {
			r.log.Warn("bucket refresh lookup failed", "bucket", i, "target", target, "err", err)
			errs = append(errs, fmt.Errorf("bucket %d: %w", i, err))
			continue
		}

		added := 0
		for _, c := range found {
			switch err := r.table.Add(c); {
			case err == nil:
				added++
			case errors.Is(err, ErrSelf), errors.Is(err, ErrBucketFull):
				r.log.Debug("contact not added", "contact", c, "err", err)
			default:
				return refreshed, err
			}
		}
		r.table.Touch(i)
		refreshed++
		r.log.Debug("bucket refreshed", "bucket", i, "found", len(found), "added", added)
	}

	return refreshed, errors.Join(errs...)
}

// Start runs RunOnce every RefreshEvery until Stop is called or ctx ends.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.cfg.RefreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if n, err := r.RunOnce(ctx); err != nil {
					r.log.Warn("routing refresh incomplete", "refreshed", n, "err", err)
				}
			}
		}
	}(r.stopCh, r.done)
}

// Stop ends the loop started by Start and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()
	<-done
}
