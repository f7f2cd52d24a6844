package models

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ValueSpec carries the optional histogram directives a policy declares for
// one value field. Both fields may be absent.
type ValueSpec struct {
	HistRes      *float64 `bson:"hist_res" json:"hist_res"`
	HistMinWidth *float64 `bson:"hist_min_width" json:"hist_min_width"`
}

// AggregationPolicy is one document of the per-database "aggregate"
// collection. Interval is the target bucket width in seconds; EvalPosition
// breaks ties between policies that share an interval (higher wins). Meta is
// the raw JSON selector matched against the measurements collection and is
// passed to the store verbatim, never interpreted here.
type AggregationPolicy struct {
	Name         string               `bson:"name"`
	Interval     int64                `bson:"interval"`
	EvalPosition int                  `bson:"eval_position"`
	Meta         string               `bson:"meta"`
	Values       map[string]ValueSpec `bson:"values"`
	LastRun      int64                `bson:"last_run"`
}

// Selector decodes the policy's meta document into a filter usable by the
// document store.
func (p *AggregationPolicy) Selector() (map[string]any, error) {
	if p.Meta == "" {
		return map[string]any{}, nil
	}
	var sel map[string]any
	if err := json.Unmarshal([]byte(p.Meta), &sel); err != nil {
		return nil, fmt.Errorf("failed to decode meta selector for policy %s: %w", p.Name, err)
	}
	return sel, nil
}

// Metadata holds the per-database field lists scheduling depends on.
// Both lists must be non-empty for the database to be evaluated.
type Metadata struct {
	Required []string
	Values   []string
}

// MeasurementValue is the observed min/max for one value field of a
// measurement.
type MeasurementValue struct {
	Min *float64 `bson:"min" json:"min"`
	Max *float64 `bson:"max" json:"max"`
}

// Measurement is the most recent instance of one time-series stream,
// selected by a policy's meta document. Fields holds the required meta
// fields; Start is the greatest start across instances of the identifier.
type Measurement struct {
	Identifier string                      `bson:"identifier"`
	Start      int64                       `bson:"start"`
	Fields     map[string]any              `bson:"-"`
	Values     map[string]MeasurementValue `bson:"values"`
}

// DataDocument is one (measurement, interval, window) bucket of the data or
// data_<interval> collections. Updated* fields are set by the writer process
// and removed here after the bucket's work has been dispatched.
type DataDocument struct {
	ID           primitive.ObjectID `bson:"_id"`
	Identifier   string             `bson:"identifier"`
	Start        int64              `bson:"start"`
	End          int64              `bson:"end"`
	Updated      int64              `bson:"updated"`
	UpdatedStart int64              `bson:"updated_start"`
	UpdatedEnd   int64              `bson:"updated_end"`
}

// CollectionFor maps an interval to its data collection name. Interval 1 is
// the raw high-resolution collection.
func CollectionFor(interval int64) string {
	if interval == 1 {
		return "data"
	}
	return fmt.Sprintf("data_%d", interval)
}
