// Package health implements the service health monitor: a fixed-interval
// prober that records reachability and latency per backend service. The
// gateway consults it to fail fast on endpoints already known to be down,
// instead of burning a full timeout and breaker churn on every call.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diabetactic/orchestrator/internal/config"
)

// Service status values reported by the backend health endpoints.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Record is the last observed health of one endpoint.
type Record struct {
	// Endpoint is the service endpoint ID.
	Endpoint string

	// CheckedAt is when the probe ran.
	CheckedAt time.Time

	// Reachable reports whether the endpoint answered its health check.
	// A "down" status counts as unreachable even on HTTP 200.
	Reachable bool

	// Latency is the observed probe round-trip time.
	Latency time.Duration

	// Status is the status string reported by the service, if any.
	Status string
}

// MonitorConfig holds configuration for the health monitor.
type MonitorConfig struct {
	// Endpoints to probe.
	Endpoints []config.ServiceEndpoint

	// Interval between probe rounds. Default: 60 seconds.
	Interval time.Duration

	// ProbeTimeout is the per-probe timeout. Kept shorter than user-facing
	// call timeouts so a slow health check never blocks real traffic.
	// Default: 3 seconds.
	ProbeTimeout time.Duration

	// HTTPClient used for probes. Optional.
	HTTPClient *http.Client

	// Logger for probe outcomes.
	Logger zerolog.Logger
}

// Monitor probes each configured endpoint's health path on a fixed interval.
// Probe failures are logged, never returned: the monitor only ever updates
// its records. It does not open circuits; breaker transitions stay reactive
// to real call failures.
type Monitor struct {
	endpoints    []config.ServiceEndpoint
	interval     time.Duration
	probeTimeout time.Duration
	httpClient   *http.Client
	logger       zerolog.Logger

	mu        sync.RWMutex
	records   map[string]Record
	suspended bool
}

// NewMonitor creates a health monitor. Call Start to begin probing.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}

	return &Monitor{
		endpoints:    cfg.Endpoints,
		interval:     interval,
		probeTimeout: probeTimeout,
		httpClient:   httpClient,
		logger:       cfg.Logger,
		records:      make(map[string]Record),
	}
}

// Start runs the probe loop until ctx is cancelled. An initial round runs
// immediately so records are populated before the first interval elapses.
func (m *Monitor) Start(ctx context.Context) {
	m.ProbeAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.isSuspended() {
				continue
			}
			m.ProbeAll(ctx)
		}
	}
}

// Suspend pauses probing, e.g. when the app is backgrounded. Existing
// records are kept.
func (m *Monitor) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = true
}

// Resume re-enables probing after a Suspend.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = false
}

// ProbeAll probes every configured endpoint once.
func (m *Monitor) ProbeAll(ctx context.Context) {
	for _, ep := range m.endpoints {
		rec := m.probe(ctx, ep)

		m.mu.Lock()
		m.records[ep.ID] = rec
		m.mu.Unlock()

		if !rec.Reachable {
			m.logger.Warn().
				Str("endpoint", ep.ID).
				Str("status", rec.Status).
				Dur("latency", rec.Latency).
				Msg("health probe failed")
		} else {
			m.logger.Debug().
				Str("endpoint", ep.ID).
				Dur("latency", rec.Latency).
				Msg("health probe ok")
		}
	}
}

// Reachable reports whether an endpoint is known reachable. Endpoints that
// have never been probed are assumed reachable so the monitor never blocks
// first use.
func (m *Monitor) Reachable(endpoint string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[endpoint]
	if !ok {
		return true
	}
	return rec.Reachable
}

// Snapshot returns a copy of all current health records.
func (m *Monitor) Snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	return records
}

func (m *Monitor) isSuspended() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suspended
}

type healthResponse struct {
	Status string `json:"status"`
}

func (m *Monitor) probe(ctx context.Context, ep config.ServiceEndpoint) Record {
	rec := Record{
		Endpoint:  ep.ID,
		CheckedAt: time.Now(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	url := ep.BaseURL + ep.HealthPath
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return rec
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	rec.Latency = time.Since(start)
	if err != nil {
		return rec
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rec
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		rec.Status = body.Status
	}

	rec.Reachable = rec.Status != StatusDown
	return rec
}
