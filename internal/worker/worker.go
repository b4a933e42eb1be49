// Package worker drives dispatch cycles and delivers ready requests.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgate/internal/dispatcher"
	"github.com/JakeFAU/crawlgate/internal/handoff"
	"github.com/JakeFAU/crawlgate/internal/metrics"
	"github.com/JakeFAU/crawlgate/internal/progress"
	"github.com/JakeFAU/crawlgate/internal/queue"
	"github.com/JakeFAU/crawlgate/internal/sender"
)

const defaultPollInterval = 500 * time.Millisecond

// Dispatcher runs one admission cycle.
type Dispatcher interface {
	Next(ctx context.Context) (dispatcher.Outcome, error)
}

// Sender performs the downstream request.
type Sender interface {
	Send(ctx context.Context, ready dispatcher.Ready) (sender.Result, error)
}

// ProxyReporter receives send outcomes for proxy scoring.
type ProxyReporter interface {
	RecordFailure(ctx context.Context, address string) (bool, error)
	RecordSuccess(address string)
}

// Config controls Worker behavior.
type Config struct {
	// PollInterval is the pause after an empty queue or a store error.
	PollInterval time.Duration
	// Now stamps send events; defaults to time.Now.
	Now func() time.Time
}

// Worker loops over dispatch cycles until its context ends. When a publisher
// is set, ready requests are handed off; otherwise they are sent locally.
type Worker struct {
	id         int
	dispatcher Dispatcher
	sender     Sender
	publisher  handoff.Publisher
	proxies    ProxyReporter
	events     progress.Emitter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. publisher may be nil; sender is then required.
func New(
	id int,
	d Dispatcher,
	s Sender,
	publisher handoff.Publisher,
	proxies ProxyReporter,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if events == nil {
		events = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:         id,
		dispatcher: d,
		sender:     s,
		publisher:  publisher,
		proxies:    proxies,
		events:     events,
		cfg:        cfg,
		logger:     logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, running cycles until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for ctx.Err() == nil {
		out, err := w.dispatcher.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrEmpty) {
				w.logger.Error("dispatch cycle failed", zap.Error(err))
			}
			w.wait(ctx)
			continue
		}
		if out.Ready != nil {
			w.deliver(ctx, *out.Ready)
		}
	}
}

// RunAll starts every worker and blocks until all of them return.
func RunAll(ctx context.Context, workers []*Worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

func (w *Worker) wait(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) deliver(ctx context.Context, ready dispatcher.Ready) {
	log := w.logger.With(zap.String("dispatch_id", ready.ID), zap.String("url", ready.URL))
	switch {
	case w.publisher != nil:
		id, err := w.publisher.Publish(ctx, ready)
		if err != nil {
			log.Error("handoff failed", zap.Error(err))
			return
		}
		log.Debug("handed off", zap.String("message_id", id))
	case w.sender != nil:
		w.send(ctx, log, ready)
	default:
		log.Warn("no sender or handoff configured; ready request discarded")
	}
}

func (w *Worker) send(ctx context.Context, log *zap.Logger, ready dispatcher.Ready) {
	evt := progress.Event{
		URL:     ready.URL,
		Host:    ready.Host,
		Scheme:  ready.Scheme,
		Proxy:   ready.Proxy,
		Address: ready.Address,
	}
	if id, err := parseDispatchID(ready.ID); err == nil {
		evt.DispatchID = id
	}

	start := w.cfg.Now()
	res, err := w.sender.Send(ctx, ready)
	evt.TS = w.cfg.Now().UTC()
	evt.Dur = max(evt.TS.Sub(start), 0)
	switch {
	case errors.Is(err, sender.ErrProxyTransport):
		evt.Stage = progress.StageSendFailed
		evt.Note = err.Error()
		w.events.Emit(evt)
		if w.proxies == nil {
			log.Warn("send failed", zap.String("proxy", ready.Proxy), zap.Error(err))
			return
		}
		evicted, rerr := w.proxies.RecordFailure(ctx, ready.Proxy)
		if rerr != nil {
			log.Error("record proxy failure", zap.String("proxy", ready.Proxy), zap.Error(rerr))
			return
		}
		log.Info("send failed",
			zap.String("proxy", ready.Proxy),
			zap.Bool("evicted", evicted),
			zap.Error(err))
	case err != nil:
		log.Debug("send abandoned", zap.Error(err))
	default:
		evt.Stage = progress.StageSendDone
		evt.StatusCode = res.StatusCode
		w.events.Emit(evt)
		if w.proxies != nil {
			w.proxies.RecordSuccess(ready.Proxy)
		}
		log.Debug("send done",
			zap.String("proxy", ready.Proxy),
			zap.Int("status", res.StatusCode),
			zap.Duration("duration", res.Duration))
	}
}

func parseDispatchID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, err
	}
	return progress.UUIDToBytes(id), nil
}
