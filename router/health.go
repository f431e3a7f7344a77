package router

import (
	"context"
	"math/big"
	"time"

	"github.com/tarancss/xrouter/confirmation"
)

// HealthStatus is the aggregate health of a router.
type HealthStatus string

// Health statuses.
const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the health of a dependency.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// ProcessorHealth is the state of the confirmation processor.
type ProcessorHealth struct {
	Running    bool                    `json:"running"`
	Statistics confirmation.Statistics `json:"statistics"`
}

// Health reports a router and its dependencies. Reserved is the amount held by active reservations per asset, in
// whole units of the asset.
type Health struct {
	Status       HealthStatus               `json:"status"`
	RouterID     string                     `json:"routerId"`
	Running      bool                       `json:"running"`
	Store        ComponentHealth            `json:"store"`
	Ledgers      map[string]ComponentHealth `json:"ledgers"`
	Processor    ProcessorHealth            `json:"processor"`
	Peers        int                        `json:"peers"`
	Reservations int                        `json:"reservations"`
	Reserved     map[string]string          `json:"reserved"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// GetHealth checks the store, the ledger adapters and the confirmation processor. The router is unhealthy when it is
// not running or the store is unreachable, degraded when an adapter is disconnected or the processor is stopped.
func (r *Router) GetHealth(ctx context.Context) Health {
	h := Health{
		RouterID:  r.id,
		Running:   r.Running(),
		Ledgers:   make(map[string]ComponentHealth, len(r.ledgers)),
		Peers:     len(r.peers.list()),
		Reserved:  make(map[string]string),
		Timestamp: r.clock.Now().UTC(),
		Processor: ProcessorHealth{Running: r.proc.Running(), Statistics: r.proc.GetStatistics()},
	}

	h.Store.Healthy = true
	if err := r.kv.Ping(ctx); err != nil {
		h.Store = ComponentHealth{Error: err.Error()}
	}

	degraded := !h.Processor.Running

	for name, a := range r.ledgers {
		c := ComponentHealth{Healthy: a.IsConnected()}
		if !c.Healthy {
			c.Error = "not connected"
			degraded = true
		}

		h.Ledgers[name] = c
	}

	reserved := make(map[string]*big.Int)

	for _, res := range r.lm.GetActiveReservations() {
		h.Reservations++

		v, ok := reserved[res.AssetID]
		if !ok {
			v = new(big.Int)
			reserved[res.AssetID] = v
		}

		v.Add(v, res.Amount)
	}

	for a, v := range reserved {
		h.Reserved[a] = r.metrics.units(a, v)
	}

	switch {
	case !h.Running || !h.Store.Healthy:
		h.Status = StatusUnhealthy
	case degraded:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}

	return h
}
