// Package cmd defines the crawlgate CLI.
//
// Architecture overview:
//   - Shared store: internal/store abstracts the list and sorted-set primitives; Redis coordinates every process,
//     the in-memory backend serves tests and single-process runs.
//   - Work queue: internal/queue is bound to one strategy for its life, FIFO (round-robin) or highest score first
//     (priority). Pops are atomic, so concurrent workers never receive the same item.
//   - Proxy pool: internal/proxypool keeps scored proxies in one sorted set. Selection is weighted by score within
//     the active band, failures subtract a fixed penalty, and repeated failures evict. Refills pull from
//     internal/proxysource feeds and validate each candidate before insertion.
//   - Resolver: internal/resolver tries the cache, an A query, an AAAA query on NXDOMAIN, then the system resolver.
//   - Dispatch: internal/dispatcher combines the above into one cycle per call; internal/worker loops cycles and
//     either sends through the proxy (internal/sender) or hands off to Pub/Sub (internal/handoff).
//   - Observability: zap logs, Prometheus counters on /metrics, and the progress hub fanning events out to log,
//     metrics and the optional Postgres audit table.
//
// Commands:
//   - serve: admin API, workers and pool maintenance.
//   - work: workers and pool maintenance.
//   - push, refill, resolve: one-shot operations against the shared store and resolver.
//
// Configuration comes from --config (YAML) with CRAWLGATE_* environment overrides, e.g.
// CRAWLGATE_STORE_ADDRESS, CRAWLGATE_DISPATCH_WORKERS, CRAWLGATE_HANDOFF_TOPIC.
package cmd
