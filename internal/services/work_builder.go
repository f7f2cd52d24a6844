package services

import (
	"context"
	"fmt"
	"sort"

	"aggregate-dispatcher/internal/event"
	"aggregate-dispatcher/internal/lock"
	"aggregate-dispatcher/internal/models"
	"aggregate-dispatcher/internal/repository"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WorkBuilder groups dirty documents into target-interval time windows,
// chunks each window into capped work orders, publishes them, and on full
// success clears the dirty flags and releases the held locks.
type WorkBuilder struct {
	store     repository.Store
	publisher event.Publisher
	locker    lock.Locker
}

func NewWorkBuilder(store repository.Store, publisher event.Publisher, locker lock.Locker) *WorkBuilder {
	return &WorkBuilder{
		store:     store,
		publisher: publisher,
		locker:    locker,
	}
}

// window is one (floor, ceil) group in the target interval.
type window struct {
	start int64
	end   int64
}

// Dispatch publishes the work orders for one (policy, source-interval)
// bucket and returns how many messages went out. Dirty flags are cleared and
// locks released only after every message published; any failure leaves both
// in place so the next pass retries, and lock release falls to the caller.
func (b *WorkBuilder) Dispatch(ctx context.Context, db string, policy models.AggregationPolicy, intervalFrom, intervalTo int64, docs []models.DataDocument, ids []primitive.ObjectID, locks []*lock.Lock, measurements map[string]models.Measurement, md models.Metadata) (int, error) {
	groups := groupByWindow(docs, intervalTo)

	windows := make([]window, 0, len(groups))
	for w := range groups {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].start != windows[j].start {
			return windows[i].start < windows[j].start
		}
		return windows[i].end < windows[j].end
	})

	directives := event.NewValueDirectives(md.Values, policy.Values)

	published := 0
	for _, w := range windows {
		envelope := event.WorkOrder{
			Type:         db,
			IntervalFrom: intervalFrom,
			IntervalTo:   intervalTo,
			Start:        w.start,
			End:          w.end,
			RequiredMeta: md.Required,
			Values:       directives,
		}

		var meta []event.MeasurementMeta
		for _, identifier := range groups[w] {
			m, ok := measurements[identifier]
			if !ok {
				continue
			}
			meta = append(meta, measurementMeta(m, md.Values))
			if len(meta) == event.MaxMetaEntries {
				order := envelope
				order.Meta = meta
				if err := b.publisher.Publish(ctx, order); err != nil {
					return published, err
				}
				published++
				meta = nil
			}
		}
		if len(meta) > 0 {
			order := envelope
			order.Meta = meta
			if err := b.publisher.Publish(ctx, order); err != nil {
				return published, err
			}
			published++
		}
	}

	if len(docs) == 0 {
		// Nothing survived the locked re-read; there are no flags worth
		// clearing on documents that no longer exist.
		lock.ReleaseAll(ctx, b.locker, locks)
		return published, nil
	}

	for _, l := range locks {
		if l.Expired() {
			return published, fmt.Errorf("lock %s expired before dirty flags could be cleared", l.Key)
		}
	}

	if err := b.store.ClearDirty(ctx, db, intervalFrom, ids); err != nil {
		return published, err
	}
	lock.ReleaseAll(ctx, b.locker, locks)
	return published, nil
}

// groupByWindow buckets documents by the floored/ceiled window their
// updated range touches in the target interval. Each window keeps a sorted,
// de-duplicated identifier list so output is invariant over observation
// order.
func groupByWindow(docs []models.DataDocument, intervalTo int64) map[window][]string {
	seen := make(map[window]map[string]bool)
	for _, doc := range docs {
		w := window{
			start: (doc.UpdatedStart / intervalTo) * intervalTo,
			end:   ((doc.UpdatedEnd + intervalTo - 1) / intervalTo) * intervalTo,
		}
		if seen[w] == nil {
			seen[w] = make(map[string]bool)
		}
		seen[w][doc.Identifier] = true
	}

	groups := make(map[window][]string, len(seen))
	for w, identifiers := range seen {
		list := make([]string, 0, len(identifiers))
		for id := range identifiers {
			list = append(list, id)
		}
		sort.Strings(list)
		groups[w] = list
	}
	return groups
}

// measurementMeta projects one measurement into its work-order form: the
// min/max per value field, in the database's value-field order, plus the
// required meta fields.
func measurementMeta(m models.Measurement, valueFields []string) event.MeasurementMeta {
	values := make([]event.MetaValue, 0, len(valueFields))
	for _, name := range valueFields {
		mv := event.MetaValue{Name: name}
		if v, ok := m.Values[name]; ok {
			mv.Min = v.Min
			mv.Max = v.Max
		}
		values = append(values, mv)
	}
	return event.MeasurementMeta{
		Values: values,
		Fields: m.Fields,
	}
}
