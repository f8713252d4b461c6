package server

import (
	"encoding/json"
	"net/http"

	"github.com/limboys/gateway/internal/breaker"
	"github.com/limboys/gateway/internal/ratelimit"
)

// bucketStats reports one scope's current consumption.
type bucketStats struct {
	Used  int `json:"used"`
	Burst int `json:"burst"`
}

// rateLimitStatsResponse groups per-provider consumption with the global scope.
type rateLimitStatsResponse struct {
	Global      *bucketStats           `json:"global,omitempty"`
	PerProvider map[string]bucketStats `json:"per_provider"`
}

func writeAdminJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

// circuitBreakerStats returns the full breaker record per provider.
func (s *Server) circuitBreakerStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]breaker.Stats, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		stats, err := s.breaker.Stats(r.Context(), p.Name)
		if err != nil {
			s.logger.Warn("breaker stats read failed", "provider", p.Name, "error", err)
			continue
		}
		out[p.Name] = stats
	}
	writeAdminJSON(w, out)
}

// rateLimitStats returns current token consumption for the global bucket and
// every configured per-provider bucket.
func (s *Server) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	resp := rateLimitStatsResponse{
		PerProvider: make(map[string]bucketStats),
	}

	if s.cfg.RateLimit.Global.Enabled() {
		used, burst, err := s.limiter.Usage(r.Context(), ratelimit.ScopeGlobal, "global", s.cfg.RateLimit.Global)
		if err == nil {
			resp.Global = &bucketStats{Used: used, Burst: burst}
		}
	}

	for name, b := range s.cfg.RateLimit.PerProvider {
		used, burst, err := s.limiter.Usage(r.Context(), ratelimit.ScopeProvider, name, b)
		if err != nil {
			s.logger.Warn("rate limit stats read failed", "provider", name, "error", err)
			continue
		}
		resp.PerProvider[name] = bucketStats{Used: used, Burst: burst}
	}

	writeAdminJSON(w, resp)
}

// latencyStats returns per-provider latency distributions with estimated
// percentiles (bucket upper bounds, saturating at 1000 ms).
func (s *Server) latencyStats(w http.ResponseWriter, _ *http.Request) {
	writeAdminJSON(w, s.metrics.LatencySnapshots())
}
