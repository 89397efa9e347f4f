package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/imcatta/poselink/internal/actuator"
)

const healthPublishInterval = 30 * time.Second

// healthPublisher receives periodic health snapshots for the telemetry plane.
type healthPublisher interface {
	PublishHealth(payload []byte) error
}

// HealthStatus represents the health state of the pipeline
type HealthStatus struct {
	Status          string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64   `json:"uptime_seconds"`
	SourceRunning   bool    `json:"source_running"`
	ChannelUp       bool    `json:"channel_up"`
	ActuatorState   string  `json:"actuator_state"`
	Ticks           uint64  `json:"ticks"`
	Sends           uint64  `json:"sends"`
	Results         uint64  `json:"results"`
	SourceFPSReal   float64 `json:"source_fps_real"`
	SourceFPSTarget float64 `json:"source_fps_target"`
}

// HealthCheck returns the current health status
func (p *Pipeline) HealthCheck() HealthStatus {
	p.mu.RLock()
	isRunning := p.isRunning
	started := p.started
	p.mu.RUnlock()

	srcStats := p.src.Stats()
	govStats := p.gov.Stats()
	chStats := p.ch.Stats()

	channelUp := true
	select {
	case <-p.ch.Done():
		channelUp = false
	default:
	}

	status := HealthStatus{
		Status:          "healthy",
		UptimeSeconds:   int64(time.Since(started).Seconds()),
		SourceRunning:   srcStats.IsRunning,
		ChannelUp:       channelUp,
		ActuatorState:   p.session.State().String(),
		Ticks:           govStats.Ticks,
		Sends:           govStats.Sends,
		Results:         chStats.Received,
		SourceFPSReal:   srcStats.FPSReal,
		SourceFPSTarget: srcStats.FPSTarget,
	}

	if !isRunning {
		status.Status = "unhealthy"
	} else if !channelUp || !srcStats.IsRunning {
		status.Status = "degraded"
	} else if p.session.State() != actuator.StateReady {
		status.Status = "degraded"
	}

	return status
}

// runHealthLoop publishes a health snapshot on every tick until ctx ends.
func (p *Pipeline) runHealthLoop(ctx context.Context, pub healthPublisher, interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(p.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health snapshot", "error", err)
				continue
			}
			if err := pub.PublishHealth(payload); err != nil {
				slog.Debug("failed to publish health snapshot", "error", err)
			}
		}
	}
}

// LivenessHandler handles /health (simple liveness check)
func (p *Pipeline) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()

	response := map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness (detailed readiness check)
func (p *Pipeline) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := p.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StartHealthServer starts the HTTP health check server on the given port.
// Non-blocking.
func (p *Pipeline) StartHealthServer(port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.LivenessHandler)
	mux.HandleFunc("/readiness", p.ReadinessHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
