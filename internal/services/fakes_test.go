package services

import (
	"context"
	"fmt"
	"time"

	"aggregate-dispatcher/internal/event"
	"aggregate-dispatcher/internal/lock"
	"aggregate-dispatcher/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeStore implements repository.Store over in-memory fixtures. Only the
// data-document operations matter to this package; the rest are inert.
type fakeStore struct {
	dirty     []models.DataDocument
	reread    []models.DataDocument
	rereadSet bool

	dirtyErr  error
	rereadErr error
	clearErr  error

	dirtySince      int64
	dirtyInterval   int64
	dirtyIDs        []string
	clearedIDs      []primitive.ObjectID
	clearedInterval int64
}

func (s *fakeStore) ListDatabases(ctx context.Context) ([]string, error) { return nil, nil }

func (s *fakeStore) ListPolicies(ctx context.Context, db string) ([]models.AggregationPolicy, error) {
	return nil, nil
}

func (s *fakeStore) FetchMetadata(ctx context.Context, db string) (models.Metadata, error) {
	return models.Metadata{}, nil
}

func (s *fakeStore) FetchMeasurements(ctx context.Context, db string, selector map[string]any, required []string) (map[string]models.Measurement, error) {
	return nil, nil
}

func (s *fakeStore) FetchDirty(ctx context.Context, db string, interval, since int64, ids []string) ([]models.DataDocument, error) {
	if s.dirtyErr != nil {
		return nil, s.dirtyErr
	}
	s.dirtySince = since
	s.dirtyInterval = interval
	s.dirtyIDs = ids

	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	var out []models.DataDocument
	for _, doc := range s.dirty {
		if doc.Updated >= since && allowed[doc.Identifier] {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *fakeStore) RefetchByIDs(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) ([]models.DataDocument, error) {
	if s.rereadErr != nil {
		return nil, s.rereadErr
	}
	if s.rereadSet {
		return s.reread, nil
	}
	wanted := make(map[primitive.ObjectID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []models.DataDocument
	for _, doc := range s.dirty {
		if wanted[doc.ID] {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *fakeStore) ClearDirty(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) error {
	if s.clearErr != nil {
		return s.clearErr
	}
	s.clearedInterval = interval
	s.clearedIDs = append(s.clearedIDs, ids...)
	return nil
}

func (s *fakeStore) SetLastRun(ctx context.Context, db, policy string, ts int64) error {
	return nil
}

// fakeLocker hands out locks immediately and records every key it sees.
type fakeLocker struct {
	acquired []string
	released []string
	failKey  string
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lock, error) {
	if l.failKey != "" && key == l.failKey {
		return nil, context.DeadlineExceeded
	}
	l.acquired = append(l.acquired, key)
	return &lock.Lock{Key: key, Token: "token", Deadline: time.Now().Add(ttl)}, nil
}

func (l *fakeLocker) Release(ctx context.Context, lk *lock.Lock) error {
	l.released = append(l.released, lk.Key)
	return nil
}

// fakePublisher records published work orders; failOn aborts the nth
// publish (1-based).
type fakePublisher struct {
	orders []event.WorkOrder
	failOn int
}

func (p *fakePublisher) Publish(ctx context.Context, order event.WorkOrder) error {
	if p.failOn > 0 && len(p.orders)+1 == p.failOn {
		return context.DeadlineExceeded
	}
	p.orders = append(p.orders, order)
	return nil
}

func doc(id, identifier string, start, end, updated, updatedStart, updatedEnd int64) models.DataDocument {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		panic(err)
	}
	return models.DataDocument{
		ID:           oid,
		Identifier:   identifier,
		Start:        start,
		End:          end,
		Updated:      updated,
		UpdatedStart: updatedStart,
		UpdatedEnd:   updatedEnd,
	}
}

func oid(n int) string {
	return fmt.Sprintf("%024x", n)
}
