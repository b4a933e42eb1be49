// Package dispatcher runs one admission cycle per call: pop a work item,
// resolve its host, pick a proxy, and emit either a ready request or a drop.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgate/internal/metrics"
	"github.com/JakeFAU/crawlgate/internal/progress"
	"github.com/JakeFAU/crawlgate/internal/proxypool"
	"github.com/JakeFAU/crawlgate/internal/queue"
	"github.com/JakeFAU/crawlgate/internal/resolver"
	"github.com/JakeFAU/crawlgate/internal/telemetry"
)

// Queue is the work source.
type Queue interface {
	Push(ctx context.Context, item queue.WorkItem, priority float64) error
	Pop(ctx context.Context) (queue.WorkItem, error)
}

// Resolver maps hostnames to addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string) (resolver.Result, error)
}

// ProxySelector picks a proxy for a scheme.
type ProxySelector interface {
	Select(ctx context.Context, scheme string) (proxypool.Proxy, error)
}

// DropReason explains why an item was discarded.
type DropReason string

// Drop reasons.
const (
	ReasonInvalidURL   DropReason = "invalid_url"
	ReasonDNSExhausted DropReason = "dns_exhausted"
	ReasonNoProxy      DropReason = "no_proxy"
)

// Ready is a request that passed admission. Host keeps the original hostname
// for the Host header and TLS server name; Address and Port are where the
// connection goes.
type Ready struct {
	ID         string         `json:"id"`
	URL        string         `json:"url"`
	Host       string         `json:"host"`
	Scheme     string         `json:"scheme"`
	Address    string         `json:"address"`
	RecordType string         `json:"record_type"`
	Port       int            `json:"port"`
	Proxy      string         `json:"proxy"`
	ProxyScore float64        `json:"proxy_score"`
	Priority   float64        `json:"priority"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	// Trace carries the dispatch span context (W3C traceparent) downstream.
	Trace map[string]string `json:"trace,omitempty"`
}

// Target is the resolved "address:port" to dial.
func (r Ready) Target() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

// Drop is a terminal outcome for an item; it is never re-enqueued.
type Drop struct {
	ID     string         `json:"id"`
	Item   queue.WorkItem `json:"item"`
	Reason DropReason     `json:"reason"`
	Err    error          `json:"-"`
}

// Outcome holds exactly one of Ready or Drop.
type Outcome struct {
	Ready *Ready
	Drop  *Drop
}

// Options configures a Dispatcher.
type Options struct {
	// CycleTimeout bounds one Next call end to end; zero disables it.
	CycleTimeout time.Duration
	// ProxySchemes maps a URL scheme to the proxy scheme to select. Schemes
	// not listed select a proxy of the same scheme.
	ProxySchemes map[string]string
	Events       progress.Emitter
	Logger       *zap.Logger
	Now          func() time.Time
	Tracer       trace.Tracer
}

// Dispatcher composes the queue, resolver and proxy pool.
type Dispatcher struct {
	queue    Queue
	resolver Resolver
	proxies  ProxySelector
	timeout  time.Duration
	schemes  map[string]string
	events   progress.Emitter
	logger   *zap.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

// New creates a Dispatcher.
func New(q Queue, r Resolver, p ProxySelector, opts Options) *Dispatcher {
	d := &Dispatcher{
		queue:    q,
		resolver: r,
		proxies:  p,
		timeout:  opts.CycleTimeout,
		schemes:  make(map[string]string, len(opts.ProxySchemes)),
		events:   opts.Events,
		logger:   opts.Logger,
		now:      opts.Now,
		tracer:   opts.Tracer,
	}
	for k, v := range opts.ProxySchemes {
		d.schemes[strings.ToLower(k)] = strings.ToLower(v)
	}
	if d.events == nil {
		d.events = progress.Discard{}
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.tracer == nil {
		d.tracer = telemetry.Tracer("dispatcher")
	}
	return d
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item queue.WorkItem, priority float64) error {
	if err := d.queue.Push(ctx, item, priority); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Next runs one cycle. An empty queue yields an error wrapping queue.ErrEmpty;
// any other error means the store failed before an item was taken.
func (d *Dispatcher) Next(ctx context.Context) (Outcome, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	item, err := d.queue.Pop(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatch pop: %w", err)
	}
	id := uuid.Must(uuid.NewV7())
	ctx, span := d.tracer.Start(ctx, "dispatch.cycle", trace.WithAttributes(
		attribute.String("crawlgate.dispatch_id", id.String()),
	))
	defer span.End()

	out := d.admit(ctx, id, item)
	if out.Drop != nil {
		span.SetAttributes(
			attribute.String("crawlgate.outcome", "dropped"),
			attribute.String("crawlgate.drop_reason", string(out.Drop.Reason)),
		)
		span.SetStatus(codes.Error, out.Drop.Err.Error())
	} else {
		span.SetAttributes(
			attribute.String("crawlgate.outcome", "ready"),
			attribute.String("crawlgate.host", out.Ready.Host),
			attribute.String("crawlgate.record_type", out.Ready.RecordType),
			attribute.String("crawlgate.scheme", out.Ready.Scheme),
		)
	}
	return out, nil
}

// admit resolves and routes one popped item. It always yields an outcome.
func (d *Dispatcher) admit(ctx context.Context, id uuid.UUID, item queue.WorkItem) Outcome {
	log := d.logger.With(
		zap.String("dispatch_id", id.String()),
		zap.String("url", item.URL),
	)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		log = log.With(zap.String("trace_id", traceID))
	}

	target, err := parseTarget(item.URL)
	if err != nil {
		return d.drop(log, id, item, ReasonInvalidURL, err)
	}
	log = log.With(zap.String("host", target.host))

	res, err := d.resolver.Resolve(ctx, target.host)
	if err != nil {
		return d.drop(log, id, item, ReasonDNSExhausted, err)
	}

	proxyScheme := target.scheme
	if mapped, ok := d.schemes[target.scheme]; ok {
		proxyScheme = mapped
	}
	proxy, err := d.proxies.Select(ctx, proxyScheme)
	if err != nil {
		return d.drop(log, id, item, ReasonNoProxy, err)
	}

	ready := &Ready{
		ID:         id.String(),
		URL:        item.URL,
		Host:       target.host,
		Scheme:     target.scheme,
		Address:    res.Address,
		RecordType: string(res.RecordType),
		Port:       target.port,
		Proxy:      proxy.Address,
		ProxyScore: proxy.Score,
		Priority:   item.Priority,
		Meta:       item.Meta,
		CreatedAt:  d.now().UTC(),
		Trace:      telemetry.Inject(ctx),
	}
	metrics.ObserveReady(target.scheme)
	d.events.Emit(progress.Event{
		DispatchID: progress.UUIDToBytes(id),
		TS:         ready.CreatedAt,
		Stage:      progress.StageItemReady,
		URL:        ready.URL,
		Host:       ready.Host,
		Scheme:     ready.Scheme,
		Proxy:      ready.Proxy,
		Address:    ready.Address,
		RecordType: ready.RecordType,
	})
	log.Debug("item ready",
		zap.String("proxy", ready.Proxy),
		zap.String("address", ready.Address),
		zap.String("record_type", ready.RecordType),
		zap.Float64("score", ready.ProxyScore))
	return Outcome{Ready: ready}
}

func (d *Dispatcher) drop(
	log *zap.Logger,
	id uuid.UUID,
	item queue.WorkItem,
	reason DropReason,
	err error,
) Outcome {
	metrics.ObserveDrop(string(reason))
	d.events.Emit(progress.Event{
		DispatchID: progress.UUIDToBytes(id),
		TS:         d.now().UTC(),
		Stage:      progress.StageItemDropped,
		URL:        item.URL,
		Reason:     string(reason),
		Note:       err.Error(),
	})
	log.Info("item dropped", zap.String("reason", string(reason)), zap.Error(err))
	return Outcome{Drop: &Drop{ID: id.String(), Item: item, Reason: reason, Err: err}}
}

type target struct {
	scheme string
	host   string
	port   int
}

var errUnsupportedScheme = errors.New("unsupported url scheme")

// parseTarget derives scheme, hostname and port; the port defaults to 443
// for https and 80 for http.
func parseTarget(raw string) (target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return target{}, fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	var port int
	switch scheme {
	case "https":
		port = 443
	case "http":
		port = 80
	default:
		return target{}, fmt.Errorf("%w %q", errUnsupportedScheme, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return target{}, errors.New("url has no host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return target{}, fmt.Errorf("invalid port %q", p)
		}
		port = n
	}
	return target{scheme: scheme, host: host, port: port}, nil
}
