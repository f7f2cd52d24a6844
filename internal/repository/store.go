package repository

import (
	"context"

	"aggregate-dispatcher/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store is the document-store surface the scheduler runs against.
type Store interface {
	// ListDatabases enumerates the databases under supervision.
	ListDatabases(ctx context.Context) ([]string, error)

	// ListPolicies returns a database's aggregation policies. Malformed
	// policies are skipped with a warning; an authorization failure yields an
	// empty result without error.
	ListPolicies(ctx context.Context, db string) ([]models.AggregationPolicy, error)

	// FetchMetadata returns the database's required meta fields and value
	// fields. Both lists are guaranteed non-empty on success.
	FetchMetadata(ctx context.Context, db string) (models.Metadata, error)

	// FetchMeasurements evaluates a policy's selector and returns the latest
	// measurement per identifier, carrying the listed required fields.
	FetchMeasurements(ctx context.Context, db string, selector map[string]any, required []string) (map[string]models.Measurement, error)

	// FetchDirty scans the interval's data collection for documents updated
	// at or after since whose identifier is in ids.
	FetchDirty(ctx context.Context, db string, interval, since int64, ids []string) ([]models.DataDocument, error)

	// RefetchByIDs re-reads documents by internal id. Documents deleted since
	// the first scan are simply absent from the result.
	RefetchByIDs(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) ([]models.DataDocument, error)

	// ClearDirty removes the updated, updated_start and updated_end fields
	// from the matched documents.
	ClearDirty(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) error

	// SetLastRun persists a policy's last_run marker.
	SetLastRun(ctx context.Context, db, policy string, ts int64) error
}
