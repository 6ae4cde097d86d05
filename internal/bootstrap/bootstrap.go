// Package bootstrap turns a Config into the concrete stores, broker clients
// and services the binaries run.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"gorm.io/gorm"

	"github.com/example/parking-es/internal/command"
	"github.com/example/parking-es/internal/config"
	"github.com/example/parking-es/internal/domain/aggregate"
	"github.com/example/parking-es/internal/domain/reservation"
	"github.com/example/parking-es/internal/domain/slot"
	"github.com/example/parking-es/internal/domain/user"
	"github.com/example/parking-es/internal/email"
	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/kafka"
	"github.com/example/parking-es/internal/infrastructure/redisbus"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/logger"
	"github.com/example/parking-es/internal/metrics"
	"github.com/example/parking-es/internal/notification"
	"github.com/example/parking-es/internal/projection"
	"github.com/example/parking-es/internal/readmodel"
)

// snapshotCacheTTL bounds how long a cached snapshot is served without
// touching the backing store.
const snapshotCacheTTL = 300

// Closer collects cleanup functions and runs them in reverse order.
type Closer struct {
	fns []func() error
}

func (c *Closer) Add(fn func() error) {
	c.fns = append(c.fns, fn)
}

func (c *Closer) Close() error {
	var errs []error
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.fns = nil
	return errors.Join(errs...)
}

// Stores is the write side: the event log and its snapshot cache.
type Stores struct {
	Events    store.EventStore
	Snapshots store.SnapshotStore
	// Log is nil for stores without a global commit order (DynamoDB).
	Log store.EventLog
	// DB is the SQL handle for postgres and sqlite stores.
	DB *sql.DB
}

// OpenStores connects the configured event store. Postgres schemas are
// migrated on open.
func OpenStores(ctx context.Context, cfg config.Config, closer *Closer) (*Stores, error) {
	var s Stores
	switch cfg.Store.Driver {
	case config.StoreMemory:
		events := store.NewMemoryEventStore()
		s.Events, s.Log = events, events
		s.Snapshots = store.NewMemorySnapshotStore()

	case config.StorePostgres:
		db, err := store.ConnectPostgres(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		closer.Add(db.Close)
		if err := store.MigrateUp(db); err != nil {
			return nil, err
		}
		events := store.NewPostgresEventStore(db)
		s.Events, s.Log, s.DB = events, events, db
		s.Snapshots = store.NewSQLSnapshotStore(db, store.Postgres)

	case config.StoreSQLite:
		db, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		closer.Add(db.Close)
		events := store.NewSQLEventStore(db, store.SQLite)
		s.Events, s.Log, s.DB = events, events, db
		s.Snapshots = store.NewSQLSnapshotStore(db, store.SQLite)

	case config.StoreDynamoDB:
		client, err := NewDynamoClient(ctx)
		if err != nil {
			return nil, err
		}
		s.Events = store.NewDynamoEventStore(client, cfg.Store.DynamoEventsTable, cfg.Store.DynamoMarkersTable)
		s.Snapshots = store.NewDynamoSnapshotStore(client, cfg.Store.DynamoSnapshots)

	default:
		return nil, fmt.Errorf("unknown event store %q", cfg.Store.Driver)
	}

	if cfg.Store.SnapshotCacheBytes > 0 {
		s.Snapshots = store.NewCachedSnapshotStore(s.Snapshots, cfg.Store.SnapshotCacheBytes, snapshotCacheTTL)
	}
	return &s, nil
}

// NewDynamoClient loads AWS credentials and region from the environment.
// DYNAMODB_ENDPOINT points the client at a local emulator.
func NewDynamoClient(ctx context.Context) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var opts []func(*dynamodb.Options)
	if endpoint := os.Getenv("DYNAMODB_ENDPOINT"); endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	return dynamodb.NewFromConfig(awsCfg, opts...), nil
}

// OpenPublisher connects the configured broker's producer side. With the
// memory broker the returned bus is also the one subscribers attach to.
func OpenPublisher(cfg config.Config, closer *Closer) (bus.Publisher, *bus.MemoryBus, error) {
	switch cfg.Broker.Driver {
	case config.BrokerKafka:
		producer := kafka.NewProducer(cfg.Broker.KafkaBrokers, cfg.Broker.KafkaTopic)
		closer.Add(producer.Close)
		return producer, nil, nil

	case config.BrokerRedis:
		rdb, err := redisbus.Connect(cfg.Broker.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		closer.Add(rdb.Close)
		return redisbus.NewPublisher(rdb, cfg.Broker.RedisStream), nil, nil

	case config.BrokerMemory:
		mem := bus.NewMemoryBus(1024)
		closer.Add(mem.Close)
		return mem, mem, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker.Driver)
	}
}

// OpenSubscriber attaches this process's durable subscription and the
// dead-letter sink that goes with the broker. mem is required for the
// memory broker.
func OpenSubscriber(cfg config.Config, mem *bus.MemoryBus, consumerName string, log *logger.Logger, closer *Closer) (bus.Subscriber, bus.DeadLetterSink, error) {
	group := cfg.Broker.ConsumerGroup
	switch cfg.Broker.Driver {
	case config.BrokerKafka:
		consumer := kafka.NewConsumer(cfg.Broker.KafkaBrokers, cfg.Broker.KafkaTopic, group, log)
		closer.Add(consumer.Close)
		dlq, err := OpenDeadLetterSink(cfg, closer)
		return consumer, dlq, err

	case config.BrokerRedis:
		rdb, err := redisbus.Connect(cfg.Broker.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		closer.Add(rdb.Close)
		sub := redisbus.NewSubscriber(rdb, cfg.Broker.RedisStream, group, consumerName, log)
		return sub, redisbus.NewDeadLetterStream(rdb, cfg.Broker.RedisStream+deadLetterSuffix), nil

	case config.BrokerMemory:
		if mem == nil {
			return nil, nil, fmt.Errorf("memory broker only works inside a single process")
		}
		dlq, err := OpenDeadLetterSink(cfg, closer)
		return mem.Subscribe(group), dlq, err

	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker.Driver)
	}
}

// OpenDeadLetterSink returns where exhausted messages are parked: the DLQ
// topic for Kafka, a sibling stream for Redis, and process memory
// otherwise.
func OpenDeadLetterSink(cfg config.Config, closer *Closer) (bus.DeadLetterSink, error) {
	switch cfg.Broker.Driver {
	case config.BrokerKafka:
		w := kafka.NewDeadLetterWriter(cfg.Broker.KafkaBrokers, cfg.Broker.KafkaDLQTopic)
		closer.Add(w.Close)
		return w, nil
	case config.BrokerRedis:
		stream, err := OpenRedisDeadLetters(cfg, closer)
		if err != nil {
			return nil, err
		}
		return stream, nil
	default:
		return &bus.MemoryDeadLetters{}, nil
	}
}

// OpenRedisDeadLetters connects the dead-letter stream that sits next to
// the event stream.
func OpenRedisDeadLetters(cfg config.Config, closer *Closer) (*redisbus.DeadLetterStream, error) {
	rdb, err := redisbus.Connect(cfg.Broker.RedisAddr)
	if err != nil {
		return nil, err
	}
	closer.Add(rdb.Close)
	return redisbus.NewDeadLetterStream(rdb, cfg.Broker.RedisStream+deadLetterSuffix), nil
}

const deadLetterSuffix = "-dlq"

// OpenReadModel connects the read-model database and creates its tables.
// SQLite and in-memory event stores keep their read models in SQLite.
func OpenReadModel(cfg config.Config, closer *Closer) (*readmodel.Store, error) {
	var path string
	switch cfg.Store.Driver {
	case config.StoreMemory:
		path = ":memory:"
	case config.StoreSQLite:
		path = cfg.Store.SQLitePath + ".read"
	}

	var (
		db  *gorm.DB
		err error
	)
	if path != "" {
		db, err = readmodel.OpenSQLite(path)
	} else {
		db, err = readmodel.OpenPostgres(cfg.ReadDatabaseURL())
	}
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		closer.Add(sqlDB.Close)
	}

	rs := readmodel.NewStore(db)
	if err := rs.AutoMigrate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// NewProjectionConsumer builds the consumer with every read-model
// projection registered.
func NewProjectionConsumer(cfg config.Config, rs *readmodel.Store, dlq bus.DeadLetterSink, m *metrics.Metrics, log *logger.Logger) *projection.Consumer {
	return projection.NewConsumer(projection.Options{
		MaxAttempts:     cfg.Projection.MaxAttempts,
		InitialInterval: cfg.Projection.BackoffInitial,
		MaxInterval:     cfg.Projection.BackoffMax,
		DeadLetters:     dlq,
		Metrics:         m,
		Log:             log,
	},
		projection.NewReservations(rs),
		projection.NewSlots(rs),
		projection.NewUsers(rs),
		projection.NewActivity(rs),
	)
}

// NewNotificationConsumer builds the consumer for the email service. It
// reads users from the read model and records what it sent there.
func NewNotificationConsumer(cfg config.Config, rs *readmodel.Store, dlq bus.DeadLetterSink, m *metrics.Metrics, log *logger.Logger) *projection.Consumer {
	mailer := email.NewService(cfg.Notifier.SMTPHost, cfg.Notifier.SMTPPort, cfg.Notifier.SMTPFrom)
	return projection.NewConsumer(projection.Options{
		MaxAttempts:     cfg.Projection.MaxAttempts,
		InitialInterval: cfg.Projection.BackoffInitial,
		MaxInterval:     cfg.Projection.BackoffMax,
		DeadLetters:     dlq,
		Metrics:         m,
		Log:             log,
	}, notification.NewHandler(mailer, rs, log))
}

// Services holds one command service per aggregate type.
type Services struct {
	Reservations *reservation.Service
	Slots        *slot.Service
	Users        *user.Service
}

// NewServices wires the command services over the stores and publisher.
func NewServices(cfg config.Config, stores *Stores, pub bus.Publisher, m *metrics.Metrics, log *logger.Logger) (*Services, error) {
	policy, err := aggregate.ParsePolicy(cfg.Command.UnknownEventPolicy)
	if err != nil {
		return nil, err
	}
	opts := command.Options{
		MaxRetries:    cfg.Command.MaxRetries,
		SnapshotEvery: cfg.Store.SnapshotEvery,
		Rehydrator:    aggregate.Rehydrator{Policy: policy, Log: log},
		Publisher:     pub,
		Metrics:       m,
		Log:           log,
	}
	return &Services{
		Reservations: reservation.NewService(stores.Events, stores.Snapshots, opts),
		Slots:        slot.NewService(stores.Events, stores.Snapshots, opts),
		Users:        user.NewService(stores.Events, stores.Snapshots, opts),
	}, nil
}

// ConsumerName identifies this process within a consumer group.
func ConsumerName(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return prefix
	}
	return prefix + "-" + host
}

// ForceSnapshot rebuilds one aggregate from its full history and stores a
// fresh snapshot. aggregateType is matched case-insensitively.
func ForceSnapshot(ctx context.Context, cfg config.Config, stores *Stores, aggregateType, id string, log *logger.Logger) (store.Snapshot, error) {
	policy, err := aggregate.ParsePolicy(cfg.Command.UnknownEventPolicy)
	if err != nil {
		return store.Snapshot{}, err
	}
	r := aggregate.Rehydrator{Policy: policy, Log: log}
	switch strings.ToLower(aggregateType) {
	case strings.ToLower(reservation.AggregateType):
		return aggregate.ForceSnapshot(ctx, stores.Events, stores.Snapshots, r, id, reservation.New)
	case strings.ToLower(slot.AggregateType):
		return aggregate.ForceSnapshot(ctx, stores.Events, stores.Snapshots, r, id, slot.New)
	case strings.ToLower(user.AggregateType):
		return aggregate.ForceSnapshot(ctx, stores.Events, stores.Snapshots, r, id, user.New)
	default:
		return store.Snapshot{}, fmt.Errorf("unknown aggregate type %q", aggregateType)
	}
}
