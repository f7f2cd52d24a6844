package event

import "aggregate-dispatcher/internal/models"

// MaxMetaEntries caps how many measurements ride in a single work order.
const MaxMetaEntries = 50

// ValueDirective tells the worker how to aggregate one value field. HistRes
// and HistMinWidth are null unless the owning policy declared them.
type ValueDirective struct {
	Name         string   `json:"name"`
	HistRes      *float64 `json:"hist_res"`
	HistMinWidth *float64 `json:"hist_min_width"`
}

// MetaValue is the min/max of one value field for one included measurement.
type MetaValue struct {
	Name string   `json:"name"`
	Min  *float64 `json:"min"`
	Max  *float64 `json:"max"`
}

// MeasurementMeta describes one measurement included in a work order.
type MeasurementMeta struct {
	Values []MetaValue    `json:"values"`
	Fields map[string]any `json:"fields"`
}

// WorkOrder instructs a downstream worker to aggregate one time window of
// one or more measurements from interval_from buckets into interval_to
// buckets. Chunks split from the same window share every field but Meta.
type WorkOrder struct {
	Type         string            `json:"type"`
	IntervalFrom int64             `json:"interval_from"`
	IntervalTo   int64             `json:"interval_to"`
	Start        int64             `json:"start"`
	End          int64             `json:"end"`
	RequiredMeta []string          `json:"required_meta"`
	Values       []ValueDirective  `json:"values"`
	Meta         []MeasurementMeta `json:"meta"`
}

// NewValueDirectives builds the value directives for a work order from the
// database's value fields and the policy's per-value specs.
func NewValueDirectives(valueFields []string, specs map[string]models.ValueSpec) []ValueDirective {
	directives := make([]ValueDirective, 0, len(valueFields))
	for _, name := range valueFields {
		d := ValueDirective{Name: name}
		if vs, ok := specs[name]; ok {
			d.HistRes = vs.HistRes
			d.HistMinWidth = vs.HistMinWidth
		}
		directives = append(directives, d)
	}
	return directives
}
