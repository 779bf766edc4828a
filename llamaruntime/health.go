package llamaruntime

import (
	"time"

	"llamacore/metrics"
)

// HealthStatus describes the engine for readiness checks.
type HealthStatus struct {
	// Healthy is true when the engine can accept calls.
	Healthy bool

	// Status is "ok", "busy", "degraded" (breaker not closed) or "closed".
	Status string

	State        State
	Breaker      BreakerState
	Model        ModelInfo
	Stats        metrics.Stats
	Uptime       time.Duration
	CheckedAt    time.Time
	Capabilities map[string]bool
}

// Health reports the engine's state without touching the native layer.
func (e *Engine) Health() HealthStatus {
	now := time.Now()
	state := e.State()
	h := HealthStatus{
		State:     state,
		Breaker:   e.breaker.state(),
		Model:     e.info,
		Stats:     e.metrics.Snapshot(),
		CheckedAt: now,
	}
	if !e.info.LoadedAt.IsZero() {
		h.Uptime = now.Sub(e.info.LoadedAt)
	}

	caps := e.Capabilities()
	h.Capabilities = map[string]bool{
		"kv_seq_rm":   caps.SeqRemove,
		"kv_seq_cp":   caps.SeqCopy,
		"kv_seq_keep": caps.SeqKeep,
		"kv_seq_add":  caps.SeqAdd,
		"kv_seq_div":  caps.SeqDiv,
		"embeddings":  e.cfg.Embeddings,
	}

	switch {
	case state == StateClosed:
		h.Status = "closed"
	case h.Breaker != BreakerClosed:
		h.Status = "degraded"
	case state == StateGenerating || state == StateEmbedding:
		h.Status = "busy"
		h.Healthy = true
	default:
		h.Status = "ok"
		h.Healthy = true
	}
	return h
}
