// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package destination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/pipeline"
	"github.com/netSkope/batch-export/internal/runtime"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const mongoConnectTimeout = 10 * time.Second

// MongoConfig are the settings of a mongodb destination.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// mongoErrorCodes are server error codes a retry cannot fix.
var mongoErrorCodes = map[int]string{
	13: "Unauthorized",
	18: "AuthenticationFailed",
}

func classifyMongoError(err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) {
		for code, kind := range mongoErrorCodes {
			if se.HasErrorCode(code) {
				return export.NewNonRetryable(kind, err)
			}
		}
	}
	return err
}

type mongoDestination struct {
	cfg      MongoConfig
	source   export.Source
	pipeline pipeline.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newMongoDestination(raw map[string]any, deps Deps) (*mongoDestination, error) {
	var cfg MongoConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.URI == "" || cfg.Database == "" || cfg.Collection == "" {
		return nil, export.Errorf("InvalidConfig", "mongodb destination requires uri, database and collection")
	}
	return &mongoDestination{
		cfg:      cfg,
		source:   deps.Source,
		pipeline: deps.Pipeline,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(zap.String("destination", TypeMongoDB), zap.String("collection", cfg.Collection)),
	}, nil
}

func (d *mongoDestination) Type() string { return TypeMongoDB }

func (d *mongoDestination) NonRetryableErrorKinds() []string { return nil }

// documentKey is the column whose value becomes the document _id.
func documentKey(model export.Model) string {
	if model == export.ModelPersons {
		return "distinct_id"
	}
	return "uuid"
}

// Documents converts rec into upserts keyed on the model's unique column, so
// rows sent again by a retried attempt replace their earlier copy.
func Documents(rec arrow.Record, key string) ([]mongo.WriteModel, error) {
	names := batch.ColumnNames(rec)
	models := make([]mongo.WriteModel, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		values, err := batch.RowValues(rec, i)
		if err != nil {
			return nil, err
		}
		doc := make(bson.D, 0, len(names)+1)
		var id any
		for c, name := range names {
			if name == key {
				id = values[c]
			}
			doc = append(doc, bson.E{Key: name, Value: values[c]})
		}
		if id == nil {
			models = append(models, mongo.NewInsertOneModel().SetDocument(doc))
			continue
		}
		doc = append(bson.D{{Key: "_id", Value: id}}, doc...)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: id}}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	return models, nil
}

func (d *mongoDestination) connect(ctx context.Context) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(d.cfg.URI))
	if err != nil {
		return nil, export.NewNonRetryable("InvalidConfig", fmt.Errorf("failed to create MongoDB client: %w", err))
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", classifyMongoError(err))
	}
	return client, nil
}

// Insert bulk writes every batch, unordered, and heartbeats progress after
// each one.
func (d *mongoDestination) Insert(ctx context.Context, inputs export.Inputs) (int64, error) {
	logger := d.logger.With(zap.String("export_id", inputs.ExportID), zap.String("run_id", inputs.RunID))

	q, prev, err := resumeQuery(ctx, inputs, logger)
	if err != nil {
		return 0, err
	}
	done := prev.RecordsCompleted

	client, err := d.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer client.Disconnect(context.WithoutCancel(ctx))
	coll := client.Database(d.cfg.Database).Collection(d.cfg.Collection)
	key := documentKey(inputs.Model)

	sink := sinkFunc(func(ctx context.Context, rec arrow.Record, watermark time.Time) error {
		if rec.NumRows() == 0 {
			return nil
		}
		models, err := Documents(rec, key)
		if err != nil {
			return err
		}
		if _, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return fmt.Errorf("failed to write batch: %w", classifyMongoError(err))
		}
		done += rec.NumRows()
		d.metrics.Flushed(TypeMongoDB, rec.NumRows(), batch.EstimateSize(rec))
		return runtime.RecordHeartbeat(ctx, Progress{LastInsertedAt: watermark, RecordsCompleted: done})
	})

	cfg := d.pipeline
	cfg.Consumers = 1
	if _, err := pipeline.Run(ctx, d.source, q, cfg, []pipeline.Sink{sink}, logger); err != nil {
		return done, err
	}

	logger.Info("Exported interval to MongoDB", zap.Int64("records", done))
	return done, nil
}
