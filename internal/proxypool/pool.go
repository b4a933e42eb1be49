// Package proxypool maintains the shared, scored proxy pool.
//
// Scores live in one sorted set in the shared store. Selection draws from the
// active band at random, weighted by score. Failures lower the score by a
// fixed penalty, and a proxy that fails EvictionThreshold times in a row (as
// seen by this process) is removed. Refills pull candidates from source feeds,
// probe each one, and insert the survivors at the initial score.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlgate/internal/metrics"
	"github.com/JakeFAU/crawlgate/internal/offload"
	"github.com/JakeFAU/crawlgate/internal/progress"
	"github.com/JakeFAU/crawlgate/internal/store"
)

// Source yields proxy candidates from one feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Candidate, error)
}

// Validator probes a candidate; nil means usable.
type Validator interface {
	Validate(ctx context.Context, c Candidate) error
}

// RefillMode selects what Select does when nothing matches.
type RefillMode string

// Refill modes.
const (
	// RefillBackground fails Select fast and wakes the maintenance loop.
	RefillBackground RefillMode = "background"
	// RefillSync refills inline and retries once.
	RefillSync RefillMode = "sync"
)

// Options configures a Pool. The scoring fields (ScorePenalty, ActiveMin,
// ActiveMax, InitialScore) are used as given; start from DefaultOptions.
// Other zero values take the documented defaults.
type Options struct {
	Key                   string        // "proxy_pool"
	EvictionThreshold     int           // 3
	ScorePenalty          float64       // must be > 0
	ActiveMin             float64       //
	ActiveMax             float64       //
	InitialScore          float64       // must lie in [ActiveMin, ActiveMax]
	FailureCapacity       int           // 10000
	Sources               []Source      //
	Validator             Validator     //
	ValidationConcurrency int           // 16
	FeedTimeout           time.Duration // 8s
	RefillTimeout         time.Duration // 2m
	RefillMode            RefillMode    // background
	LowWaterMark          int           // 5
	MaintenanceInterval   time.Duration // 10m
	RefillMinInterval     time.Duration // 30s
	PruneBelowBand        bool
	Offload               *offload.Pool
	Events                progress.Emitter
	Logger                *zap.Logger
	// RandFloat returns a value in [0,1); it must be safe for concurrent use.
	RandFloat func() float64
}

// DefaultOptions returns Options with the stock scoring: penalty 20, active
// band [50,100] and initial score 100.
func DefaultOptions() Options {
	return Options{
		Key:               "proxy_pool",
		EvictionThreshold: 3,
		ScorePenalty:      20,
		ActiveMin:         50,
		ActiveMax:         100,
		InitialScore:      100,
	}
}

// Pool is safe for concurrent use by many goroutines. Cross-process safety
// comes from the store's atomic operations.
type Pool struct {
	store        store.Store
	key          string
	threshold    int
	penalty      float64
	activeMin    float64
	activeMax    float64
	initialScore float64

	sources     []Source
	validator   Validator
	concurrency int
	feedTimeout time.Duration
	offload     *offload.Pool

	refillTimeout time.Duration

	mode        RefillMode
	lowWater    int
	interval    time.Duration
	prune       bool
	limiter     *rate.Limiter
	trigger     chan struct{}
	refillGroup singleflight.Group

	failures  *failureCounter
	events    progress.Emitter
	logger    *zap.Logger
	randFloat func() float64
}

// New constructs a Pool over s.
func New(s store.Store, opts Options) (*Pool, error) {
	if s == nil {
		return nil, errors.New("proxypool: store is required")
	}
	p := &Pool{
		store:        s,
		key:          orString(opts.Key, "proxy_pool"),
		threshold:    orInt(opts.EvictionThreshold, 3),
		penalty:      opts.ScorePenalty,
		activeMin:    opts.ActiveMin,
		activeMax:    opts.ActiveMax,
		initialScore: opts.InitialScore,
		sources:      opts.Sources,
		validator:    opts.Validator,
		concurrency:  orInt(opts.ValidationConcurrency, 16),
		feedTimeout:  orDuration(opts.FeedTimeout, 8*time.Second),
		offload:      opts.Offload,
		mode:         opts.RefillMode,
		lowWater:     orInt(opts.LowWaterMark, 5),
		interval:     orDuration(opts.MaintenanceInterval, 10*time.Minute),
		prune:        opts.PruneBelowBand,
		trigger:      make(chan struct{}, 1),
		failures:     newFailureCounter(opts.FailureCapacity),
		events:       opts.Events,
		logger:       opts.Logger,
		randFloat:    opts.RandFloat,
	}
	if p.penalty <= 0 {
		return nil, fmt.Errorf("proxypool: score penalty must be > 0, got %v", p.penalty)
	}
	if p.activeMin > p.activeMax {
		return nil, fmt.Errorf("proxypool: active band [%v,%v] is empty", p.activeMin, p.activeMax)
	}
	if p.initialScore < p.activeMin || p.initialScore > p.activeMax {
		return nil, fmt.Errorf("proxypool: initial score %v is outside the active band [%v,%v]",
			p.initialScore, p.activeMin, p.activeMax)
	}
	if p.mode == "" {
		p.mode = RefillBackground
	}
	if p.mode != RefillBackground && p.mode != RefillSync {
		return nil, fmt.Errorf("proxypool: unknown refill mode %q", p.mode)
	}
	if p.validator == nil {
		p.validator = NewHTTPValidator("", 0)
	}
	if p.offload == nil {
		p.offload = offload.New(offload.DefaultSize)
	}
	if p.events == nil {
		p.events = progress.Discard{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.randFloat == nil {
		p.randFloat = rand.Float64
	}
	p.refillTimeout = orDuration(opts.RefillTimeout, 2*time.Minute)
	p.limiter = rate.NewLimiter(rate.Every(orDuration(opts.RefillMinInterval, 30*time.Second)), 1)
	if p.mode == RefillSync {
		p.logger.Warn("synchronous proxy refill enabled; an empty pool blocks the request path")
	}
	return p, nil
}

// Key reports the sorted-set key backing the pool.
func (p *Pool) Key() string { return p.key }

// InitialScore reports the score given to freshly validated proxies.
func (p *Pool) InitialScore() float64 { return p.initialScore }

// Select draws a proxy for scheme from the active band, weighted by score.
// A miss never falls back to another scheme or band. Refills are only
// attempted when the shared set is empty (or, in background mode, under the
// low-water mark); a pool that merely lacks the scheme fails fast.
func (p *Pool) Select(ctx context.Context, scheme string) (Proxy, error) {
	scheme = strings.ToLower(scheme)
	proxy, err := p.selectOnce(ctx, scheme)
	if !errors.Is(err, ErrNoProxyAvailable) {
		return proxy, err
	}

	size, serr := p.Size(ctx)
	if serr != nil {
		return Proxy{}, fmt.Errorf("%w: %w", ErrNoProxyAvailable, serr)
	}
	if p.mode == RefillBackground {
		if size < int64(p.lowWater) {
			p.TriggerRefill()
		}
		return Proxy{}, err
	}

	if size > 0 {
		return Proxy{}, err
	}
	if !p.limiter.Allow() {
		p.logger.Debug("inline proxy refill throttled", zap.String("scheme", scheme))
		return Proxy{}, err
	}
	p.logger.Warn("refilling proxy pool on the request path", zap.String("scheme", scheme))
	if _, rerr := p.Refill(ctx); rerr != nil {
		return Proxy{}, fmt.Errorf("%w: refill: %w", ErrNoProxyAvailable, rerr)
	}
	return p.selectOnce(ctx, scheme)
}

func (p *Pool) selectOnce(ctx context.Context, scheme string) (Proxy, error) {
	members, err := p.store.SortedSetRangeByScore(ctx, p.key, p.activeMin, p.activeMax)
	if err != nil {
		return Proxy{}, fmt.Errorf("proxy select: %w", err)
	}
	prefix := scheme + "://"
	candidates := members[:0:0]
	for _, m := range members {
		if strings.HasPrefix(m.Value, prefix) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		metrics.ObserveProxySelection(scheme, "empty")
		return Proxy{}, fmt.Errorf("%w for scheme %q", ErrNoProxyAvailable, scheme)
	}
	chosen := p.weightedPick(candidates)
	metrics.ObserveProxySelection(scheme, "hit")
	return Proxy{Address: chosen.Value, Scheme: scheme, Score: chosen.Score}, nil
}

// weightedPick treats every score below 1 as 1, so no member has zero weight.
func (p *Pool) weightedPick(members []store.Member) store.Member {
	total := 0.0
	for _, m := range members {
		total += math.Max(m.Score, 1)
	}
	target := p.randFloat() * total
	for _, m := range members {
		target -= math.Max(m.Score, 1)
		if target < 0 {
			return m
		}
	}
	return members[len(members)-1]
}

// RecordFailure counts a proxy-attributable failure. At the eviction
// threshold the proxy is removed from the shared set; below it, the shared
// score is lowered by the penalty. It reports whether the proxy was evicted.
func (p *Pool) RecordFailure(ctx context.Context, address string) (bool, error) {
	n := p.failures.incr(address)
	log := p.logger.With(zap.String("proxy", address), zap.Int("failures", n))

	if n >= p.threshold {
		p.failures.reset(address)
		removed, err := p.store.SortedSetRemove(ctx, p.key, address)
		if err != nil {
			return false, fmt.Errorf("evict proxy: %w", err)
		}
		if removed {
			p.evicted(address, "failures")
			log.Info("proxy evicted after repeated failures")
		}
		return removed, nil
	}

	score, err := p.store.SortedSetIncrBy(ctx, p.key, address, -p.penalty)
	if errors.Is(err, store.ErrNotFound) {
		// Already gone, possibly evicted by another worker.
		p.failures.reset(address)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("penalize proxy: %w", err)
	}
	metrics.ObservePenalty()
	log.Debug("proxy penalized", zap.Float64("score", score))
	return false, nil
}

// RecordSuccess clears the consecutive-failure count for address.
func (p *Pool) RecordSuccess(address string) {
	p.failures.reset(address)
}

// Failures reports the current consecutive-failure count for address.
func (p *Pool) Failures(address string) int {
	return p.failures.get(address)
}

// Evict removes address from the pool; removing an absent proxy is a no-op.
func (p *Pool) Evict(ctx context.Context, address string) (bool, error) {
	p.failures.reset(address)
	removed, err := p.store.SortedSetRemove(ctx, p.key, address)
	if err != nil {
		return false, fmt.Errorf("evict proxy: %w", err)
	}
	if removed {
		p.evicted(address, "manual")
	}
	return removed, nil
}

// Insert adds a candidate at the initial score.
func (p *Pool) Insert(ctx context.Context, c Candidate) error {
	if err := p.store.SortedSetAdd(ctx, p.key, c.Address(), p.initialScore); err != nil {
		return fmt.Errorf("insert proxy: %w", err)
	}
	return nil
}

// List returns all members, highest score first. An empty scheme lists all.
func (p *Pool) List(ctx context.Context, scheme string) ([]Proxy, error) {
	members, err := p.store.SortedSetRangeByScore(ctx, p.key, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	scheme = strings.ToLower(scheme)
	out := make([]Proxy, 0, len(members))
	for _, m := range members {
		s := schemeOf(m.Value)
		if scheme != "" && s != scheme {
			continue
		}
		out = append(out, Proxy{Address: m.Value, Scheme: s, Score: m.Score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// Size reports the number of pool members, in or out of band.
func (p *Pool) Size(ctx context.Context) (int64, error) {
	n, err := p.store.Cardinality(ctx, p.key)
	if err != nil {
		return 0, fmt.Errorf("pool size: %w", err)
	}
	return n, nil
}

func (p *Pool) evicted(address, cause string) {
	metrics.ObserveEviction(cause)
	p.events.Emit(progress.Event{
		TS:     time.Now().UTC(),
		Stage:  progress.StageProxyEvicted,
		Proxy:  address,
		Scheme: schemeOf(address),
		Reason: cause,
	})
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
