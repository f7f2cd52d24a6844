package worker

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"aggregate-dispatcher/internal/cache"
	"aggregate-dispatcher/internal/config"
	"aggregate-dispatcher/internal/event"
	"aggregate-dispatcher/internal/lock"
	"aggregate-dispatcher/internal/models"
	"aggregate-dispatcher/internal/repository"
	"aggregate-dispatcher/internal/services"
)

// idleSleepSeconds is how long the loop sleeps when there is nothing to
// schedule or a pass could not compute a wake time.
const idleSleepSeconds = 60

// Scheduler is the outer sleep/wake loop. Each pass it enumerates the
// supervised databases, evaluates every due policy, dispatches work for the
// dirty documents each policy touches, and sleeps until the earliest next
// run. One database failing never starves the others.
type Scheduler struct {
	store          repository.Store
	locker         lock.Locker
	cache          *cache.MetadataCache
	resolver       *services.PolicyResolver
	dirty          *services.DirtyFetcher
	builder        *services.WorkBuilder
	advanceOnEmpty bool

	// Locks held for the bucket currently being dispatched. Released by the
	// work builder on success; anything left over is released defensively at
	// the end of each pass.
	held []*lock.Lock

	// Injected for tests.
	now   func() int64
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewScheduler(store repository.Store, publisher event.Publisher, locker lock.Locker, cfg *config.DispatcherConfig) *Scheduler {
	c := cache.NewMetadataCache()
	return &Scheduler{
		store:          store,
		locker:         locker,
		cache:          c,
		resolver:       services.NewPolicyResolver(c),
		dirty:          services.NewDirtyFetcher(store, locker, cfg.LockTTLSeconds),
		builder:        services.NewWorkBuilder(store, publisher, locker),
		advanceOnEmpty: cfg.AdvanceOnEmpty,
		now:            func() int64 { return time.Now().Unix() },
		sleep:          sleepWithContext,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Aggregate dispatcher started")
	for {
		if ctx.Err() != nil {
			slog.Info("Aggregate dispatcher stopping")
			return
		}

		nextWake := s.RunPass(ctx)

		delay := nextWake - s.now()
		if delay < 0 {
			delay = 0
		}
		slog.Info("Pass complete", "next_wake", nextWake, "sleep_seconds", delay)
		if !s.sleep(ctx, time.Duration(delay)*time.Second) {
			slog.Info("Aggregate dispatcher stopping")
			return
		}
	}
}

// RunPass executes one scheduling pass and returns the wall-clock time the
// loop should wake next.
func (s *Scheduler) RunPass(ctx context.Context) int64 {
	now := s.now()

	// Anything still held after the pass means a failure path skipped its
	// cleanup; release before sleeping so writers are not blocked.
	defer func() {
		s.held = lock.ReleaseAll(ctx, s.locker, s.held)
	}()

	dbs, err := s.store.ListDatabases(ctx)
	if err != nil {
		slog.Warn("failed to list databases", "error", err)
		return now + idleSleepSeconds
	}

	policiesByDB := make(map[string][]models.AggregationPolicy)
	total := 0
	for _, db := range dbs {
		policies, err := s.store.ListPolicies(ctx, db)
		if err != nil {
			slog.Warn("failed to list policies", "db", db, "error", err)
			continue
		}
		if len(policies) == 0 {
			continue
		}
		policiesByDB[db] = policies
		total += len(policies)
	}

	if total == 0 {
		slog.Info("No aggregate policies found, sleeping", "seconds", idleSleepSeconds)
		return now + idleSleepSeconds
	}

	var nextWake int64
	for _, db := range dbs {
		policies, ok := policiesByDB[db]
		if !ok {
			continue
		}
		lowest, err := s.evaluateDatabase(ctx, now, db, policies)
		if err != nil {
			slog.Warn("failed to evaluate database", "db", db, "error", err)
			s.held = lock.ReleaseAll(ctx, s.locker, s.held)
			continue
		}
		if nextWake == 0 || lowest < nextWake {
			nextWake = lowest
		}
	}

	if nextWake == 0 {
		nextWake = now + idleSleepSeconds
	}
	return nextWake
}

// evaluateDatabase runs every policy of one database in evaluation order and
// returns the smallest next_run among them.
func (s *Scheduler) evaluateDatabase(ctx context.Context, now int64, db string, policies []models.AggregationPolicy) (int64, error) {
	md, err := s.store.FetchMetadata(ctx, db)
	if err != nil {
		return 0, err
	}
	s.cache.SetMetadata(db, md)

	services.SortForEvaluation(policies)

	var lowest int64
	for i := range policies {
		next := s.evaluatePolicy(ctx, now, db, policies[i], policies, md)
		if lowest == 0 || next < lowest {
			lowest = next
		}
	}
	return lowest, nil
}

// evaluatePolicy runs one policy if it is due and returns its next_run. A
// failed run leaves last_run untouched so the next pass retries.
func (s *Scheduler) evaluatePolicy(ctx context.Context, now int64, db string, policy models.AggregationPolicy, all []models.AggregationPolicy, md models.Metadata) int64 {
	if policy.LastRun+policy.Interval > now {
		return policy.LastRun + policy.Interval
	}

	// A policy that fails or holds back stays due; wake after the idle
	// interval rather than immediately so a persistent failure cannot spin
	// the loop.
	retryAt := now + idleSleepSeconds

	selector, err := policy.Selector()
	if err != nil {
		slog.Warn("skipping policy with malformed meta selector", "db", db, "policy", policy.Name, "error", err)
		return retryAt
	}

	measurements, err := s.store.FetchMeasurements(ctx, db, selector, md.Required)
	if err != nil {
		slog.Warn("failed to fetch measurements", "db", db, "policy", policy.Name, "error", err)
		return retryAt
	}
	s.cache.SetMeasurements(db, policy.Name, measurements)

	buckets := s.resolver.Resolve(db, policy, all, measurements)

	published := 0
	for _, interval := range sortedIntervals(buckets) {
		n, err := s.dispatchBucket(ctx, db, policy, interval, policy.Interval, buckets[interval], md)
		if err != nil {
			slog.Warn("abandoning policy pass", "db", db, "policy", policy.Name,
				"interval_from", interval, "error", err)
			s.held = lock.ReleaseAll(ctx, s.locker, s.held)
			return retryAt
		}
		published += n
	}

	if published == 0 && !s.advanceOnEmpty {
		return retryAt
	}

	// Floor to the bucket boundary so restart times stay predictable.
	floored := (now / policy.Interval) * policy.Interval
	if err := s.store.SetLastRun(ctx, db, policy.Name, floored); err != nil {
		// Advance in memory regardless; the marker is retried next pass.
		slog.Warn("failed to persist last_run", "db", db, "policy", policy.Name, "error", err)
	}
	return floored + policy.Interval
}

// dispatchBucket fetches, locks and re-reads one source interval's dirty
// documents, then hands them to the work builder.
func (s *Scheduler) dispatchBucket(ctx context.Context, db string, policy models.AggregationPolicy, intervalFrom, intervalTo int64, measurements map[string]models.Measurement, md models.Metadata) (int, error) {
	docs, ids, locks, err := s.dirty.Fetch(ctx, db, policy, intervalFrom, measurements)
	if err != nil {
		return 0, err
	}
	s.held = append(s.held, locks...)

	published, err := s.builder.Dispatch(ctx, db, policy, intervalFrom, intervalTo, docs, ids, locks, measurements, md)
	if err != nil {
		return published, err
	}

	// The builder released this bucket's locks, after clearing the dirty flags
	// when any documents survived the re-read.
	s.held = nil
	return published, nil
}

func sortedIntervals(buckets map[int64]map[string]models.Measurement) []int64 {
	intervals := make([]int64, 0, len(buckets))
	for interval := range buckets {
		intervals = append(intervals, interval)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	return intervals
}
