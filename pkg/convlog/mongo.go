package convlog

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/harunnryd/voca/pkg/errorsx"
	"github.com/harunnryd/voca/pkg/logging"
	"github.com/harunnryd/voca/pkg/resilience"
)

// MongoConfig contains document store settings.
type MongoConfig struct {
	URI            string `mapstructure:"uri"`
	Database       string `mapstructure:"database"`
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	Retries        int    `mapstructure:"retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
}

func (c MongoConfig) withDefaults() MongoConfig {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = "voca"
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 5000
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryBackoffMS <= 0 {
		c.RetryBackoffMS = 200
	}
	return c
}

// MongoWriter appends turns and call records to a document store. Writes are
// retried with backoff; a write that survives the retry budget is surfaced to
// the caller as an alert-worthy error, never a call abort.
type MongoWriter struct {
	cfg    MongoConfig
	turns  *mongo.Collection
	calls  *mongo.Collection
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func NewMongoWriter(ctx context.Context, cfg MongoConfig) (*MongoWriter, error) {
	cfg = cfg.withDefaults()
	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLogWrite)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLogWrite)
	}
	db := client.Database(cfg.Database)
	return &MongoWriter{
		cfg:    cfg,
		turns:  db.Collection("turns"),
		calls:  db.Collection("calls"),
		retry:  resilience.NewRetryPolicy(cfg.Retries, time.Duration(cfg.RetryBackoffMS)*time.Millisecond),
		logger: logging.NewComponentLogger(slog.Default(), "convlog"),
	}, nil
}

type turnDocument struct {
	CallID string `bson:"call_id"`
	Turn   `bson:",inline"`
}

func (w *MongoWriter) Append(ctx context.Context, callID string, turn Turn) error {
	err := w.retry.DoCtx(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
		_, err := w.turns.InsertOne(opCtx, turnDocument{CallID: callID, Turn: turn})
		return err
	})
	if err != nil {
		w.logger.Error("turn_append_failed",
			slog.String("call_id", callID),
			slog.Int("turn_id", turn.TurnID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonLogWrite)
	}
	return nil
}

func (w *MongoWriter) Finalize(ctx context.Context, callID string, meta CallMeta) error {
	meta.CallID = callID
	err := w.retry.DoCtx(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
		opts := options.Update().SetUpsert(true)
		_, err := w.calls.UpdateOne(opCtx,
			bson.M{"call_id": callID},
			bson.M{"$set": meta},
			opts)
		return err
	})
	if err != nil {
		w.logger.Error("call_finalize_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonLogWrite)
	}
	return nil
}

var _ Writer = (*MongoWriter)(nil)
