// Package resolver turns hostnames into addresses through a cache and a
// record-type fallback chain.
//
// For each hostname the resolver tries, in order: the cache; an A query
// against the configured servers; an AAAA query, only when the A query found
// no such record; and finally the operating system resolver. The first success
// is cached. A hostname that survives none of the steps yields
// ErrResolutionExhausted.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/crawlgate/internal/metrics"
	"github.com/JakeFAU/crawlgate/internal/offload"
)

// ErrResolutionExhausted is terminal for the work item being resolved.
var ErrResolutionExhausted = errors.New("dns resolution exhausted")

// RecordType names the step that produced an address.
type RecordType string

// Record types reported in Result.
const (
	RecordA       RecordType = "A"
	RecordAAAA    RecordType = "AAAA"
	RecordSystem  RecordType = "system"
	RecordLiteral RecordType = "literal"
)

// DefaultServers are used when Options.Servers is empty.
var DefaultServers = []string{"8.8.8.8", "1.1.1.1", "208.67.222.222"}

// Result is a resolved hostname.
type Result struct {
	Host       string     `json:"host"`
	Address    string     `json:"address"`
	RecordType RecordType `json:"record_type"`
	Cached     bool       `json:"cached"`
}

// Options configures a Resolver.
type Options struct {
	Servers       []string
	CacheEnabled  bool
	CacheTTL      time.Duration // zero keeps entries until Shutdown
	QueryTimeout  time.Duration
	SystemTimeout time.Duration
	Exchanger     Exchanger
	System        HostLookup
	Pool          *offload.Pool
	Logger        *zap.Logger
	Now           func() time.Time
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// Resolver is safe for concurrent use.
type Resolver struct {
	servers       []string
	cacheEnabled  bool
	cacheTTL      time.Duration
	queryTimeout  time.Duration
	systemTimeout time.Duration
	exchanger     Exchanger
	system        HostLookup
	pool          *offload.Pool
	logger        *zap.Logger
	now           func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry

	group singleflight.Group
}

// New constructs a Resolver, filling unset options with defaults.
func New(opts Options) *Resolver {
	servers := opts.Servers
	if len(servers) == 0 {
		servers = DefaultServers
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if s = strings.TrimSpace(s); s != "" {
			normalized = append(normalized, withPort(s))
		}
	}
	r := &Resolver{
		servers:       normalized,
		cacheEnabled:  opts.CacheEnabled,
		cacheTTL:      opts.CacheTTL,
		queryTimeout:  opts.QueryTimeout,
		systemTimeout: opts.SystemTimeout,
		exchanger:     opts.Exchanger,
		system:        opts.System,
		pool:          opts.Pool,
		logger:        opts.Logger,
		now:           opts.Now,
		cache:         make(map[string]cacheEntry),
	}
	if r.queryTimeout <= 0 {
		r.queryTimeout = 2 * time.Second
	}
	if r.systemTimeout <= 0 {
		r.systemTimeout = 5 * time.Second
	}
	if r.exchanger == nil {
		r.exchanger = &dns.Client{Net: "udp", Timeout: r.queryTimeout}
	}
	if r.system == nil {
		r.system = net.DefaultResolver
	}
	if r.pool == nil {
		r.pool = offload.New(offload.DefaultSize)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Resolve returns an address for host. IP literals are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, host string) (Result, error) {
	host = normalizeHost(host)
	if host == "" {
		return Result{}, fmt.Errorf("%w: empty hostname", ErrResolutionExhausted)
	}
	if ip := net.ParseIP(host); ip != nil {
		return Result{Host: host, Address: ip.String(), RecordType: RecordLiteral}, nil
	}
	if res, ok := r.cached(host); ok {
		metrics.ObserveCacheHit()
		return res, nil
	}

	// Concurrent callers for one hostname share a single chain. The shared
	// work is detached from any one caller's cancellation; per-query timeouts
	// bound it instead.
	ch := r.group.DoChan(host, func() (any, error) {
		return r.resolveChain(context.WithoutCancel(ctx), host)
	})
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %s: %w", ErrResolutionExhausted, host, ctx.Err())
	case out := <-ch:
		if out.Err != nil {
			return Result{}, out.Err
		}
		res, _ := out.Val.(Result)
		return res, nil
	}
}

func (r *Resolver) resolveChain(ctx context.Context, host string) (Result, error) {
	log := r.logger.With(zap.String("host", host))

	addrs, errA := r.query(ctx, host, dns.TypeA)
	if errA == nil {
		return r.store(host, addrs[0], RecordA), nil
	}
	log.Debug("A lookup failed", zap.Error(errA))

	if errors.Is(errA, ErrNoRecord) {
		addrs, errAAAA := r.query(ctx, host, dns.TypeAAAA)
		if errAAAA == nil {
			return r.store(host, addrs[0], RecordAAAA), nil
		}
		log.Debug("AAAA lookup failed", zap.Error(errAAAA))
	}

	addr, errSys := r.systemLookup(ctx, host)
	if errSys == nil {
		return r.store(host, addr, RecordSystem), nil
	}
	log.Debug("system lookup failed", zap.Error(errSys))
	metrics.ObserveResolution("failed")
	return Result{}, fmt.Errorf("%w: %s: %w", ErrResolutionExhausted, host, errSys)
}

// query asks each server in turn. NXDOMAIN or an empty answer ends the walk
// with ErrNoRecord; transport errors and server failures move on to the next
// server.
func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]string, error) {
	var lastErr error
	for _, server := range r.servers {
		qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		addrs, err := offload.Do(qctx, r.pool, func(c context.Context) ([]string, error) {
			return queryServer(c, r.exchanger, server, host, qtype)
		})
		cancel()
		if err == nil {
			return addrs, nil
		}
		if errors.Is(err, ErrNoRecord) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no dns servers configured")
	}
	return nil, fmt.Errorf("%s query: %w", dns.TypeToString[qtype], lastErr)
}

func (r *Resolver) systemLookup(ctx context.Context, host string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, r.systemTimeout)
	defer cancel()
	addrs, err := offload.Do(sctx, r.pool, func(c context.Context) ([]string, error) {
		return r.system.LookupHost(c, host)
	})
	if err != nil {
		return "", fmt.Errorf("system lookup: %w", err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("system lookup: %w", ErrNoRecord)
	}
	return addrs[0], nil
}

func (r *Resolver) store(host, addr string, rt RecordType) Result {
	metrics.ObserveResolution(string(rt))
	res := Result{Host: host, Address: addr, RecordType: rt}
	if !r.cacheEnabled {
		return res
	}
	entry := cacheEntry{result: res}
	if r.cacheTTL > 0 {
		entry.expires = r.now().Add(r.cacheTTL)
	}
	r.mu.Lock()
	r.cache[host] = entry
	r.mu.Unlock()
	return res
}

func (r *Resolver) cached(host string) (Result, bool) {
	if !r.cacheEnabled {
		return Result{}, false
	}
	r.mu.RLock()
	entry, ok := r.cache[host]
	r.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	if !entry.expires.IsZero() && !r.now().Before(entry.expires) {
		r.mu.Lock()
		if cur, still := r.cache[host]; still && cur.expires.Equal(entry.expires) {
			delete(r.cache, host)
		}
		r.mu.Unlock()
		return Result{}, false
	}
	res := entry.result
	res.Cached = true
	return res, true
}

// CacheLen reports the number of cached hostnames.
func (r *Resolver) CacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Forget drops one hostname from the cache.
func (r *Resolver) Forget(host string) {
	host = normalizeHost(host)
	r.mu.Lock()
	delete(r.cache, host)
	r.mu.Unlock()
}

// Shutdown clears the whole cache in one step.
func (r *Resolver) Shutdown() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	host = strings.TrimSuffix(host, ".")
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}
