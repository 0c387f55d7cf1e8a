package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ticketrender/internal/httpkit"
)

const checkTimeout = 5 * time.Second

// Health reports liveness. With ?deep=true it also probes every configured
// dependency and reports "degraded" if any probe fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]any{
		"status":  "ok",
		"service": h.service,
		"version": h.version,
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks
		if len(h.info) > 0 {
			health["config"] = h.info
		}

		for _, c := range checks {
			if c["status"] != "ok" {
				health["status"] = "degraded"
				h.log.FromContext(ctx).Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

// deepHealthCheck runs the probes concurrently, each under its own timeout.
func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]map[string]any, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := runCheck(ctx, check)
			mu.Lock()
			out[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func runCheck(ctx context.Context, check CheckFunc) map[string]any {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	details, err := check(checkCtx)
	result := map[string]any{"status": "ok"}
	for k, v := range details {
		result[k] = v
	}
	if err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}
