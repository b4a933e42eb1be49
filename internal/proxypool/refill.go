package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlgate/internal/metrics"
	"github.com/JakeFAU/crawlgate/internal/offload"
	"github.com/JakeFAU/crawlgate/internal/store"
)

// TriggerRefill asks the maintenance loop for a refill. It never blocks;
// triggers arriving while one is pending are coalesced.
func (p *Pool) TriggerRefill() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Refill fetches every source, validates new candidates and inserts the
// survivors. Unavailable sources and failed probes are logged and skipped.
// Concurrent calls in one process share a single run, which is detached from
// any one caller and bounded by the refill timeout. A caller whose ctx ends
// stops waiting without cancelling the run.
func (p *Pool) Refill(ctx context.Context) (int, error) {
	ch := p.refillGroup.DoChan("refill", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.refillTimeout)
		defer cancel()
		return p.refill(rctx)
	})
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("refill: %w", ctx.Err())
	case out := <-ch:
		if out.Err != nil {
			return 0, out.Err
		}
		added, _ := out.Val.(int)
		return added, nil
	}
}

func (p *Pool) refill(ctx context.Context) (int, error) {
	start := time.Now()
	candidates := p.collect(ctx)
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("refill: %w", err)
	}

	fresh := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		_, err := p.store.SortedSetScore(ctx, p.key, c.Address())
		switch {
		case errors.Is(err, store.ErrNotFound):
			fresh = append(fresh, c)
		case err != nil:
			return 0, fmt.Errorf("refill: %w", err)
		}
	}

	var added atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, c := range fresh {
		g.Go(func() error {
			_, err := offload.Do(gctx, p.offload, func(vctx context.Context) (struct{}, error) {
				return struct{}{}, p.validator.Validate(vctx, c)
			})
			if err != nil {
				metrics.ObserveValidationFailure()
				p.logger.Debug("proxy candidate rejected",
					zap.String("proxy", c.Address()), zap.Error(err))
				return nil
			}
			if err := p.Insert(gctx, c); err != nil {
				return err
			}
			added.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(added.Load()), fmt.Errorf("refill: %w", err)
	}

	n := int(added.Load())
	metrics.ObserveRefillAdded(n)
	p.logger.Info("proxy refill finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("new", len(fresh)),
		zap.Int("added", n),
		zap.Duration("took", time.Since(start)))
	return n, nil
}

// collect gathers candidates from every source, de-duplicated by address.
func (p *Pool) collect(ctx context.Context) []Candidate {
	seen := make(map[string]struct{})
	var out []Candidate
	for _, src := range p.sources {
		fctx, cancel := context.WithTimeout(ctx, p.feedTimeout)
		got, err := offload.Do(fctx, p.offload, src.Fetch)
		cancel()
		if err != nil {
			metrics.ObserveSourceFailure(src.Name())
			p.logger.Warn("proxy source unavailable",
				zap.String("source", src.Name()),
				zap.Error(fmt.Errorf("%w: %w", ErrSourceUnavailable, err)))
			continue
		}
		for _, c := range got {
			addr := c.Address()
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// Run maintains the pool until ctx ends: one pass at start, one per
// maintenance interval, and a refill whenever TriggerRefill is called. All
// refills are throttled to the configured minimum interval.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.maintain(ctx)
		case <-p.trigger:
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
			if _, err := p.Refill(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("triggered proxy refill failed", zap.Error(err))
			}
		}
	}
}

// maintain prunes below-band members when enabled and refills when the pool
// is under the low-water mark.
func (p *Pool) maintain(ctx context.Context) {
	if p.prune {
		below := math.Nextafter(p.activeMin, math.Inf(-1))
		removed, err := p.store.SortedSetRemoveRangeByScore(ctx, p.key, math.Inf(-1), below)
		if err != nil {
			p.logger.Warn("proxy prune failed", zap.Error(err))
		} else if removed > 0 {
			for range removed {
				metrics.ObserveEviction("pruned")
			}
			p.logger.Info("pruned low-score proxies", zap.Int64("removed", removed))
		}
	}

	size, err := p.Size(ctx)
	if err != nil {
		p.logger.Warn("proxy pool size check failed", zap.Error(err))
		return
	}
	if size >= int64(p.lowWater) {
		return
	}
	if !p.limiter.Allow() {
		p.logger.Debug("proxy refill throttled", zap.Int64("size", size))
		return
	}
	if _, err := p.Refill(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("scheduled proxy refill failed", zap.Error(err))
	}
}
