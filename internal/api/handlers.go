package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgate/internal/queue"
	"github.com/JakeFAU/crawlgate/internal/resolver"
)

const maxItemsPerRequest = 1000

type itemRequest struct {
	URL      string         `json:"url"`
	Priority float64        `json:"priority"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type pushRequest struct {
	itemRequest
	Items []itemRequest `json:"items"`
}

func (s *Server) pushItems(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	items := req.Items
	if req.URL != "" {
		items = append(items, req.itemRequest)
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "at least one url required")
		return
	}
	if len(items) > maxItemsPerRequest {
		writeError(w, http.StatusRequestEntityTooLarge, "too many items")
		return
	}
	for _, it := range items {
		if strings.TrimSpace(it.URL) == "" {
			writeError(w, http.StatusBadRequest, "url must not be empty")
			return
		}
	}

	accepted := 0
	for _, it := range items {
		item := queue.WorkItem{URL: strings.TrimSpace(it.URL), Meta: it.Meta}
		if err := s.queue.Push(r.Context(), item, it.Priority); err != nil {
			s.logger.Error("push failed", zap.String("url", item.URL), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":    "enqueue failed",
				"accepted": accepted,
			})
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Len(r.Context())
	if err != nil {
		s.logger.Error("queue length failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      s.queue.Key(),
		"strategy": string(s.queue.Strategy()),
		"length":   n,
	})
}

type proxyDTO struct {
	Address  string  `json:"address"`
	Scheme   string  `json:"scheme"`
	Score    float64 `json:"score"`
	Failures int     `json:"failures"`
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	scheme := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("scheme")))
	proxies, err := s.proxies.List(r.Context(), scheme)
	if err != nil {
		s.logger.Error("list proxies failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list proxies")
		return
	}
	out := make([]proxyDTO, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, proxyDTO{
			Address:  p.Address,
			Scheme:   p.Scheme,
			Score:    p.Score,
			Failures: s.proxies.Failures(p.Address),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": out})
}

func (s *Server) evictProxy(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	removed, err := s.proxies.Evict(r.Context(), address)
	if err != nil {
		s.logger.Error("evict proxy failed", zap.String("proxy", address), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to evict proxy")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "proxy not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "evicted": true})
}

func (s *Server) refillProxies(w http.ResponseWriter, r *http.Request) {
	added, err := s.proxies.Refill(r.Context())
	if err != nil {
		s.logger.Error("refill failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "refill failed")
		return
	}
	size, err := s.proxies.Size(r.Context())
	if err != nil {
		s.logger.Error("pool size failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read pool size")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"added": int64(added), "size": size})
}

type reportRequest struct {
	Address string `json:"address"`
	Outcome string `json:"outcome"`
}

func (s *Server) reportProxy(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address and outcome required")
		return
	}
	resp := map[string]any{"address": req.Address}
	switch strings.ToLower(req.Outcome) {
	case "failure":
		evicted, err := s.proxies.RecordFailure(r.Context(), req.Address)
		if err != nil {
			s.logger.Error("record failure failed", zap.String("proxy", req.Address), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to record failure")
			return
		}
		resp["evicted"] = evicted
	case "success":
		s.proxies.RecordSuccess(req.Address)
		resp["evicted"] = false
	default:
		writeError(w, http.StatusBadRequest, "outcome must be failure or success")
		return
	}
	resp["failures"] = s.proxies.Failures(req.Address)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resolveHost(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	res, err := s.resolver.Resolve(r.Context(), host)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "resolution timed out")
	case errors.Is(err, resolver.ErrResolutionExhausted):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("resolve failed", zap.String("host", host), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "resolution failed")
	}
}

func (s *Server) clearDNSCache(w http.ResponseWriter, r *http.Request) {
	before := s.resolver.CacheLen()
	if host := strings.TrimSpace(r.URL.Query().Get("host")); host != "" {
		s.resolver.Forget(host)
	} else {
		s.resolver.Shutdown()
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": before - s.resolver.CacheLen()})
}
