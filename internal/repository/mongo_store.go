package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"aggregate-dispatcher/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	policyCollection      = "aggregate"
	metadataCollection    = "metadata"
	measurementCollection = "measurements"
)

// dataProjection limits dirty-document reads to the fields the dispatcher
// and the workers need.
var dataProjection = bson.M{
	"_id":           1,
	"identifier":    1,
	"start":         1,
	"end":           1,
	"updated":       1,
	"updated_start": 1,
	"updated_end":   1,
}

// internalDatabases are present on every deployment and never carry
// time-series collections.
var internalDatabases = map[string]bool{
	"admin":  true,
	"config": true,
	"local":  true,
}

// MongoStore implements Store over the MongoDB document store.
type MongoStore struct {
	client *mongo.Client
}

func NewMongoStore(client *mongo.Client) *MongoStore {
	return &MongoStore{client: client}
}

func (s *MongoStore) ListDatabases(ctx context.Context) ([]string, error) {
	names, err := s.client.ListDatabaseNames(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}

	dbs := make([]string, 0, len(names))
	for _, name := range names {
		if internalDatabases[name] {
			continue
		}
		dbs = append(dbs, name)
	}
	sort.Strings(dbs)
	return dbs, nil
}

// rawPolicy decodes a policy document leniently so malformed documents can
// be detected and skipped rather than failing the cursor.
type rawPolicy struct {
	Name         string                      `bson:"name"`
	Interval     *int64                      `bson:"interval"`
	EvalPosition *int                        `bson:"eval_position"`
	Meta         string                      `bson:"meta"`
	Values       map[string]models.ValueSpec `bson:"values"`
	LastRun      int64                       `bson:"last_run"`
}

// toPolicy validates well-formedness: interval and eval_position must both
// be present.
func (r rawPolicy) toPolicy() (models.AggregationPolicy, bool) {
	if r.Interval == nil || r.EvalPosition == nil {
		return models.AggregationPolicy{}, false
	}
	return models.AggregationPolicy{
		Name:         r.Name,
		Interval:     *r.Interval,
		EvalPosition: *r.EvalPosition,
		Meta:         r.Meta,
		Values:       r.Values,
		LastRun:      r.LastRun,
	}, true
}

func (s *MongoStore) ListPolicies(ctx context.Context, db string) ([]models.AggregationPolicy, error) {
	cursor, err := s.client.Database(db).Collection(policyCollection).Find(ctx, bson.M{})
	if err != nil {
		if isUnauthorized(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list policies for %s: %w", db, err)
	}
	defer cursor.Close(ctx)

	var policies []models.AggregationPolicy
	for cursor.Next(ctx) {
		var raw rawPolicy
		if err := cursor.Decode(&raw); err != nil {
			slog.Warn("skipping undecodable aggregate policy", "db", db, "error", err)
			continue
		}
		policy, ok := raw.toPolicy()
		if !ok {
			slog.Warn("skipping malformed aggregate policy", "db", db, "policy", raw.Name)
			continue
		}
		policies = append(policies, policy)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read policies for %s: %w", db, err)
	}
	return policies, nil
}

// metadataDoc is the single document of the metadata collection.
type metadataDoc struct {
	MetaFields map[string]struct {
		Required bool `bson:"required"`
	} `bson:"meta_fields"`
	Values map[string]bson.M `bson:"values"`
}

func (s *MongoStore) FetchMetadata(ctx context.Context, db string) (models.Metadata, error) {
	var doc metadataDoc
	err := s.client.Database(db).Collection(metadataCollection).FindOne(ctx, bson.M{}).Decode(&doc)
	if err != nil {
		return models.Metadata{}, fmt.Errorf("failed to fetch metadata for %s: %w", db, err)
	}

	md := deriveMetadata(doc)
	if len(md.Required) == 0 || len(md.Values) == 0 {
		return models.Metadata{}, fmt.Errorf("metadata for %s has no required fields or no value fields", db)
	}
	return md, nil
}

// deriveMetadata extracts the sorted required-field and value-field lists.
// The source document stores both as maps, so sorting is what makes the
// order stable across runs.
func deriveMetadata(doc metadataDoc) models.Metadata {
	var md models.Metadata
	for name, field := range doc.MetaFields {
		if field.Required {
			md.Required = append(md.Required, name)
		}
	}
	for name := range doc.Values {
		md.Values = append(md.Values, name)
	}
	sort.Strings(md.Required)
	sort.Strings(md.Values)
	return md
}

// measurementGroup is one row of the latest-instance-per-identifier
// aggregation.
type measurementGroup struct {
	ID  string `bson:"_id"`
	Doc bson.M `bson:"doc"`
}

func (s *MongoStore) FetchMeasurements(ctx context.Context, db string, selector map[string]any, required []string) (map[string]models.Measurement, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: selector}},
		{{Key: "$sort", Value: bson.D{{Key: "start", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$identifier"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
	}

	cursor, err := s.client.Database(db).Collection(measurementCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch measurements for %s: %w", db, err)
	}
	defer cursor.Close(ctx)

	measurements := make(map[string]models.Measurement)
	for cursor.Next(ctx) {
		var group measurementGroup
		if err := cursor.Decode(&group); err != nil {
			return nil, fmt.Errorf("failed to decode measurement for %s: %w", db, err)
		}
		measurements[group.ID] = measurementFromDoc(group.ID, group.Doc, required)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read measurements for %s: %w", db, err)
	}
	return measurements, nil
}

// measurementFromDoc projects the latest instance down to the required meta
// fields and the values sub-map.
func measurementFromDoc(identifier string, doc bson.M, required []string) models.Measurement {
	m := models.Measurement{
		Identifier: identifier,
		Fields:     make(map[string]any, len(required)),
		Values:     make(map[string]models.MeasurementValue),
	}
	if start, ok := toInt64(doc["start"]); ok {
		m.Start = start
	}
	for _, field := range required {
		if v, ok := doc[field]; ok {
			m.Fields[field] = v
		}
	}
	if values, ok := doc["values"].(bson.M); ok {
		for name, raw := range values {
			vdoc, ok := raw.(bson.M)
			if !ok {
				continue
			}
			m.Values[name] = models.MeasurementValue{
				Min: toFloat64(vdoc["min"]),
				Max: toFloat64(vdoc["max"]),
			}
		}
	}
	return m
}

func (s *MongoStore) FetchDirty(ctx context.Context, db string, interval, since int64, ids []string) ([]models.DataDocument, error) {
	filter := bson.M{
		"updated":    bson.M{"$gte": since},
		"identifier": bson.M{"$in": ids},
	}
	return s.findData(ctx, db, interval, filter)
}

func (s *MongoStore) RefetchByIDs(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) ([]models.DataDocument, error) {
	return s.findData(ctx, db, interval, bson.M{"_id": bson.M{"$in": ids}})
}

func (s *MongoStore) findData(ctx context.Context, db string, interval int64, filter bson.M) ([]models.DataDocument, error) {
	coll := models.CollectionFor(interval)
	cursor, err := s.client.Database(db).Collection(coll).Find(ctx, filter,
		options.Find().SetProjection(dataProjection))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s.%s: %w", db, coll, err)
	}
	defer cursor.Close(ctx)

	var docs []models.DataDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read %s.%s: %w", db, coll, err)
	}
	return docs, nil
}

func (s *MongoStore) ClearDirty(ctx context.Context, db string, interval int64, ids []primitive.ObjectID) error {
	coll := models.CollectionFor(interval)
	_, err := s.client.Database(db).Collection(coll).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$unset": bson.M{
			"updated":       "",
			"updated_start": "",
			"updated_end":   "",
		}})
	if err != nil {
		return fmt.Errorf("failed to clear dirty flags in %s.%s: %w", db, coll, err)
	}
	return nil
}

func (s *MongoStore) SetLastRun(ctx context.Context, db, policy string, ts int64) error {
	_, err := s.client.Database(db).Collection(policyCollection).UpdateOne(ctx,
		bson.M{"name": policy},
		bson.M{"$set": bson.M{"last_run": ts}})
	if err != nil {
		return fmt.Errorf("failed to set last_run for %s.%s: %w", db, policy, err)
	}
	return nil
}

// isUnauthorized matches the per-database authorization failure that gets a
// silent skip rather than a warning.
func isUnauthorized(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 13 || strings.Contains(cmdErr.Message, "not authorized")
	}
	return false
}

// toFloat64 converts the numeric BSON representations to *float64; nil when
// the value is absent or non-numeric.
func toFloat64(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return nil
	}
	return &f
}

// toInt64 converts the numeric BSON representations to int64.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
