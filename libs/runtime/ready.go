package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// ReadyCheck probes one dependency for /readyz. Checks with a nil func are
// skipped, which lets callers register optional dependencies unconditionally.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

const readyCheckTimeout = 2 * time.Second

// NewBaseMuxWithReady returns a mux preloaded with /healthz (liveness, always
// ok) and /readyz (fails with 503 and a per-dependency report while any check
// errors).
func NewBaseMuxWithReady(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		report := map[string]string{}
		healthy := true
		for _, c := range checks {
			if c.Check == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
			err := c.Check(ctx)
			cancel()
			name := c.Name
			if name == "" {
				name = "dependency"
			}
			if err != nil {
				report[name] = err.Error()
				healthy = false
			} else {
				report[name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}
