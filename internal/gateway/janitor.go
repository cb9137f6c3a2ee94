package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/studyloop/pulse/internal/calls"
	"github.com/studyloop/pulse/internal/config"
	"github.com/studyloop/pulse/internal/registry"
)

// janitor runs the scheduled background sweeps: closing connections
// that stopped showing signs of life, and auditing the call table for
// ringing entries whose timer was lost. Both are backstops; the
// heartbeat contract and the ring timer resolve the common cases.
type janitor struct {
	cron        *cron.Cron
	logger      *slog.Logger
	registry    *registry.Registry
	calls       *calls.Service
	idleCeiling time.Duration
	ringCeiling time.Duration
}

func newJanitor(cfg config.JanitorConfig, callCfg config.CallsConfig, reg *registry.Registry, callSvc *calls.Service, logger *slog.Logger) (*janitor, error) {
	j := &janitor{
		cron:        cron.New(),
		logger:      logger,
		registry:    reg,
		calls:       callSvc,
		idleCeiling: cfg.IdleCeiling,
		// A ringing call is stuck once it has outlived its timer by a
		// full timeout again.
		ringCeiling: 2 * callCfg.RingTimeout,
	}
	if _, err := j.cron.AddFunc(cfg.StaleSchedule, j.sweepStale); err != nil {
		return nil, fmt.Errorf("janitor stale schedule %q: %w", cfg.StaleSchedule, err)
	}
	if _, err := j.cron.AddFunc(cfg.OrphanAudit, j.auditCalls); err != nil {
		return nil, fmt.Errorf("janitor orphan audit %q: %w", cfg.OrphanAudit, err)
	}
	return j, nil
}

func (j *janitor) start() {
	j.cron.Start()
}

func (j *janitor) stop() {
	<-j.cron.Stop().Done()
}

// sweepStale closes connections whose last activity exceeds the idle
// ceiling. Closing the transport makes the session's own teardown run
// the regular eviction path.
func (j *janitor) sweepStale() {
	cutoff := time.Now().Add(-j.idleCeiling)
	for identity, conn := range j.registry.Connections() {
		last := conn.LastActive()
		if last.After(cutoff) {
			continue
		}
		j.logger.Warn("closing idle connection",
			"identity", identity,
			"idle", time.Since(last).String())
		_ = conn.Close()
	}
}

func (j *janitor) auditCalls() {
	if j.calls == nil {
		return
	}
	if n := j.calls.SweepStuckRinging(j.ringCeiling); n > 0 {
		j.logger.Warn("orphan audit resolved stuck calls", "count", n)
	}
}
