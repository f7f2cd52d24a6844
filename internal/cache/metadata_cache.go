package cache

import "aggregate-dispatcher/internal/models"

// MetadataCache keeps, per scheduler instance, the latest metadata field
// lists per database and the measurement map produced by each policy's most
// recent evaluation. The measurement maps are what lets a later policy tell
// whether an earlier one already covered an identifier. Entries are
// overwritten in place; nothing is evicted.
type MetadataCache struct {
	metadata     map[string]models.Metadata
	measurements map[string]map[string]models.Measurement
}

func NewMetadataCache() *MetadataCache {
	return &MetadataCache{
		metadata:     make(map[string]models.Metadata),
		measurements: make(map[string]map[string]models.Measurement),
	}
}

// SetMetadata records the field lists for a database.
func (c *MetadataCache) SetMetadata(db string, md models.Metadata) {
	c.metadata[db] = md
}

// Metadata returns the cached field lists for a database.
func (c *MetadataCache) Metadata(db string) (models.Metadata, bool) {
	md, ok := c.metadata[db]
	return md, ok
}

// SetMeasurements records a policy's measurement map.
func (c *MetadataCache) SetMeasurements(db, policy string, m map[string]models.Measurement) {
	c.measurements[db+policy] = m
}

// Measurements returns a policy's most recent measurement map; nil if the
// policy has not been evaluated yet.
func (c *MetadataCache) Measurements(db, policy string) map[string]models.Measurement {
	return c.measurements[db+policy]
}
