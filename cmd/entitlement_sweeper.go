package main

import (
	"context"
	"log"
	"time"

	"nutrioBack/internal/services"
)

const (
	sweepInterval  = 1 * time.Hour
	sweepTimeout   = 5 * time.Minute
	sweepBatchSize = 200
)

// startEntitlementSweeper re-checks rows whose expiry has passed. Grace and
// billing-retry users keep access; silently renewed chains are re-granted;
// truly lapsed rows are revoked.
func startEntitlementSweeper(ctx context.Context, svc *services.EntitlementService, infoLog, errorLog *log.Logger) {
	if svc == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		runOnce := func() {
			runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			renewed, revoked, err := svc.SweepExpired(runCtx, sweepBatchSize)
			cancel()
			if err != nil {
				errorLog.Printf("sweeper: %v", err)
				return
			}
			if renewed > 0 || revoked > 0 {
				infoLog.Printf("sweeper: renewed %d, revoked %d", renewed, revoked)
			}
		}

		runOnce()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()
}
