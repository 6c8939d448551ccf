package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Check pings one dependency; a nil error means ready.
type Check func(ctx context.Context) error

// Readiness aggregates dependency checks behind /readyz. The server is
// ready only when every registered dependency answers.
type Readiness struct {
	checks  map[string]Check
	timeout time.Duration
}

func NewReadiness() *Readiness {
	return &Readiness{
		checks:  make(map[string]Check),
		timeout: 2 * time.Second,
	}
}

// Add registers a named dependency check.
func (rd *Readiness) Add(name string, c Check) *Readiness {
	rd.checks[name] = c
	return rd
}

// Handler serves the readiness probe: 200 with per-dependency status when
// everything answers, 503 otherwise.
func (rd *Readiness) Handler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rd.timeout)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(rd.checks))
	for name, check := range rd.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ready":        status == http.StatusOK,
		"dependencies": deps,
	})
}
