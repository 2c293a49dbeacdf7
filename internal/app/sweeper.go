/**
 * @description
 * This file contains the claim finalizer sweep, the scheduled job that
 * repairs runs interrupted by a crash:
 *
 * 1. Transactions stuck in pending past the grace window are failed with a
 *    not-finalized reason. The deterministic gateway idempotency key makes
 *    this safe to retry later without double-charging.
 * 2. Claims still marked processing but with no recent transaction activity
 *    get their counters rebuilt from the ledger, which also settles their
 *    terminal status.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/umoja/collections-service/internal/store"
)

// Sweeper periodically finalizes stale claim runs.
type Sweeper struct {
	repo         store.Repository
	pendingGrace time.Duration
}

// NewSweeper creates a new finalizer sweep with the given pending grace
// window.
func NewSweeper(repo store.Repository, pendingGrace time.Duration) *Sweeper {
	return &Sweeper{repo: repo, pendingGrace: pendingGrace}
}

// Run executes one sweep pass. It is the cron entry point and therefore
// carries its own context and swallows its own errors.
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	expired, err := s.repo.ExpireStalePendingTransactions(ctx, s.pendingGrace)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"stale pending expiry failed\" err=%v", err)
		return
	}
	if expired > 0 {
		log.Printf("level=info component=sweeper expired=%d msg=\"stale pending transactions marked failed\"", expired)
	}

	claimIDs, err := s.repo.ListFinalizableClaimIDs(ctx, s.pendingGrace)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"finalizable claim lookup failed\" err=%v", err)
		return
	}

	for _, claimID := range claimIDs {
		claim, err := s.repo.RecomputeClaimAggregates(ctx, claimID)
		if err != nil {
			log.Printf("level=error component=sweeper claim_id=%s msg=\"aggregate recompute failed\" err=%v", claimID, err)
			continue
		}
		log.Printf("level=info component=sweeper claim_id=%s status=%s attempted=%d success=%d failed=%d msg=\"claim finalized\"",
			claim.ID, claim.Status, claim.TotalMembersAttempted, claim.TotalSuccess, claim.TotalFailed)
	}
}
