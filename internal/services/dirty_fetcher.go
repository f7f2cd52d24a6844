package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"aggregate-dispatcher/internal/lock"
	"aggregate-dispatcher/internal/models"
	"aggregate-dispatcher/internal/repository"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DirtyFetcher performs the two-phase dirty-document read: scan, lock every
// scanned document, then re-read by id under lock. The second read is
// authoritative; a writer may have committed between scan and lock, and the
// updated bounds handed to workers must match committed state.
type DirtyFetcher struct {
	store  repository.Store
	locker lock.Locker
	ttl    time.Duration
}

func NewDirtyFetcher(store repository.Store, locker lock.Locker, ttlSeconds int) *DirtyFetcher {
	if ttlSeconds <= 0 {
		ttlSeconds = 60
	}
	return &DirtyFetcher{
		store:  store,
		locker: locker,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}
}

// Fetch returns the locked, re-read dirty documents for one source interval
// along with their internal ids and the acquired lock handles. On any
// failure every lock acquired so far is released before returning.
func (f *DirtyFetcher) Fetch(ctx context.Context, db string, policy models.AggregationPolicy, interval int64, measurements map[string]models.Measurement) ([]models.DataDocument, []primitive.ObjectID, []*lock.Lock, error) {
	identifiers := make([]string, 0, len(measurements))
	for id := range measurements {
		identifiers = append(identifiers, id)
	}
	sort.Strings(identifiers)

	scanned, err := f.store.FetchDirty(ctx, db, interval, policy.LastRun, identifiers)
	if err != nil {
		return nil, nil, nil, err
	}
	sort.Slice(scanned, func(i, j int) bool {
		if scanned[i].Identifier != scanned[j].Identifier {
			return scanned[i].Identifier < scanned[j].Identifier
		}
		return scanned[i].Start < scanned[j].Start
	})

	collection := models.CollectionFor(interval)
	var locks []*lock.Lock
	ids := make([]primitive.ObjectID, 0, len(scanned))
	for _, doc := range scanned {
		l, err := f.locker.Acquire(ctx, lock.KeyFor(db, collection, doc), f.ttl)
		if err != nil {
			lock.ReleaseAll(ctx, f.locker, locks)
			return nil, nil, nil, fmt.Errorf("failed to lock %s: %w", doc.Identifier, err)
		}
		locks = append(locks, l)
		ids = append(ids, doc.ID)
	}

	if len(ids) == 0 {
		return nil, nil, nil, nil
	}

	docs, err := f.store.RefetchByIDs(ctx, db, interval, ids)
	if err != nil {
		lock.ReleaseAll(ctx, f.locker, locks)
		return nil, nil, nil, err
	}
	if len(docs) < len(ids) {
		slog.Warn("dirty documents disappeared between scan and locked re-read",
			"db", db, "collection", collection, "scanned", len(ids), "reread", len(docs))
	}
	return docs, ids, locks, nil
}
