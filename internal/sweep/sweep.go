// Package sweep runs the background maintenance tasks that mutate
// message and agent state outside the request path (spec.md §4.6):
// lease reclaim, TTL expiry, expired-message cleanup, ephemeral purge,
// heartbeat timeout, and round-table expiry. Its Service{Store,Now}.Run
// shape mirrors the teacher's internal/reconcile.Service, generalized
// from a single report pass to several independent tasks run
// concurrently per tick via errgroup so one task's failure never blocks
// the others.
package sweep

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"admp/internal/roundtable"
	"admp/internal/store"
)

const defaultCleanupGrace = 24 * time.Hour

// Report tallies what each task did in one tick, for logging.
type Report struct {
	LeasesReclaimed     int
	MessagesExpired     int
	MessagesCleanedUp   int
	EphemeralPurged     int
	AgentsMarkedOffline int
	RoundTablesExpired  int
}

type Service struct {
	Repository   store.Repository
	RoundTable   *roundtable.Service
	Now          func() time.Time
	CleanupGrace time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) cleanupGrace() time.Duration {
	if s.CleanupGrace > 0 {
		return s.CleanupGrace
	}
	return defaultCleanupGrace
}

// Run executes every sweep task concurrently and returns once all have
// finished, aggregating their reports. A single task's error does not
// prevent the others from completing; the first error (if any) is
// still returned to the caller so it can be logged.
func (s *Service) Run(ctx context.Context) (Report, error) {
	var report Report
	var g errgroup.Group

	g.Go(func() error {
		n, err := s.Repository.ExpireLeases(ctx, s.now())
		report.LeasesReclaimed = n
		return err
	})
	g.Go(func() error {
		n, err := s.Repository.ExpireMessages(ctx, s.now())
		report.MessagesExpired = n
		return err
	})
	g.Go(func() error {
		n, err := s.Repository.CleanupExpiredMessages(ctx, s.now().Add(-s.cleanupGrace()))
		report.MessagesCleanedUp = n
		return err
	})
	g.Go(func() error {
		n, err := s.Repository.PurgeExpiredEphemeralMessages(ctx, s.now())
		report.EphemeralPurged = n
		return err
	})
	g.Go(func() error {
		n, err := s.sweepHeartbeats(ctx)
		report.AgentsMarkedOffline = n
		return err
	})
	g.Go(func() error {
		n, err := s.sweepRoundTables(ctx)
		report.RoundTablesExpired = n
		return err
	})

	err := g.Wait()
	return report, err
}

// sweepHeartbeats marks every online agent whose heartbeat has timed
// out as offline (spec.md §4.6).
func (s *Service) sweepHeartbeats(ctx context.Context) (int, error) {
	agents, err := s.Repository.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var marked int
	for _, a := range agents {
		hb := a.Heartbeat
		if hb.Status != store.HeartbeatOnline {
			continue
		}
		timeout := time.Duration(hb.TimeoutMS) * time.Millisecond
		if timeout <= 0 || !hb.LastHeartbeat.Add(timeout).Before(now) {
			continue
		}
		a.Heartbeat.Status = store.HeartbeatOffline
		a.UpdatedAt = now
		if err := s.Repository.UpdateAgent(ctx, a); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// sweepRoundTables expires every open round table past its ExpiresAt,
// delegating the expiry transition and notification fanout to
// roundtable.Service.ExpireOne (spec.md §4.4, §4.6).
func (s *Service) sweepRoundTables(ctx context.Context) (int, error) {
	if s.RoundTable == nil {
		return 0, nil
	}
	open, err := s.Repository.ListOpenRoundTables(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var expired int
	for _, rt := range open {
		if rt.ExpiresAt.After(now) {
			continue
		}
		ok, err := s.RoundTable.ExpireOne(ctx, rt)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}
