package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgate/internal/audit"
	"github.com/JakeFAU/crawlgate/internal/progress"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	eventsTimeout     = 3 * time.Second
)

// EventLister reads the audit trail.
type EventLister interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

// EventsHandler exposes read-only access to audited dispatch events.
type EventsHandler struct {
	repo    EventLister
	timeout time.Duration
	logger  *zap.Logger
}

// NewEventsHandler wires the repository and logger. repo may be nil when no
// audit store is configured.
func NewEventsHandler(repo EventLister, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{repo: repo, timeout: eventsTimeout, logger: logger}
}

// List handles GET /v1/events?stage=&dispatch_id=&limit=&offset=. It returns
// {"events": [...]} newest first, 400 for invalid filters, 503 when no audit
// store is configured, or 500 if the query fails.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := audit.Filter{Limit: limit, Offset: offset}
	if stage := strings.TrimSpace(r.URL.Query().Get("stage")); stage != "" {
		filter.Stage, err = parseStage(stage)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("dispatch_id")); raw != "" {
		filter.DispatchID, err = uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid dispatch_id")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	records, err := h.repo.List(ctx, filter)
	if err != nil {
		h.logger.Error("list events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(records)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStage(input string) (string, error) {
	stage := progress.Stage(strings.ToUpper(input))
	switch stage {
	case progress.StageItemReady, progress.StageItemDropped, progress.StageSendDone,
		progress.StageSendFailed, progress.StageProxyEvicted:
		return string(stage), nil
	default:
		return "", errors.New("invalid stage")
	}
}

type eventDTO struct {
	ID         string    `json:"id"`
	DispatchID string    `json:"dispatch_id,omitempty"`
	Stage      string    `json:"stage"`
	TS         time.Time `json:"ts"`
	URL        string    `json:"url,omitempty"`
	Host       string    `json:"host,omitempty"`
	Proxy      string    `json:"proxy,omitempty"`
	Address    string    `json:"address,omitempty"`
	RecordType string    `json:"record_type,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

func toEventDTOs(in []audit.Record) []eventDTO {
	out := make([]eventDTO, 0, len(in))
	for _, rec := range in {
		dto := eventDTO{
			ID:         rec.ID.String(),
			Stage:      rec.Stage,
			TS:         rec.TS,
			URL:        rec.URL,
			Host:       rec.Host,
			Proxy:      rec.Proxy,
			Address:    rec.Address,
			RecordType: rec.RecordType,
			Reason:     rec.Reason,
			StatusCode: rec.StatusCode,
			DurationMS: rec.Duration.Milliseconds(),
		}
		if rec.DispatchID != uuid.Nil {
			dto.DispatchID = rec.DispatchID.String()
		}
		out = append(out, dto)
	}
	return out
}
