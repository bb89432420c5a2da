package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Probe is a named dependency check reported by the health endpoint.
type Probe struct {
	Name string
	Ping func(ctx context.Context) error
}

type probeResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler runs every probe with a shared timeout and reports 503 if any fails.
func HealthHandler(probes ...Probe) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]probeResult, len(probes))
		for _, p := range probes {
			if err := p.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[p.Name] = probeResult{Status: "unhealthy", Error: err.Error()}
				continue
			}
			results[p.Name] = probeResult{Status: "healthy"}
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		return c.JSON(status, map[string]interface{}{
			"status":       overall,
			"dependencies": results,
		})
	}
}
