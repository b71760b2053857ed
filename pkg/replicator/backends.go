package replicator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"

	"github.com/cohenjo/cdcsync/pkg/config"
	"github.com/cohenjo/cdcsync/pkg/connectors"
	"github.com/cohenjo/cdcsync/pkg/estuary"
	"github.com/cohenjo/cdcsync/pkg/sigcache"
	"github.com/cohenjo/cdcsync/pkg/store"
)

// closer releases one backend on shutdown
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// openStore creates the record store selected by the engine config
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Engine.StoreBackend {
	case config.BackendPostgres:
		return store.NewPostgresStore(ctx, cfg.Postgres)
	case config.BackendMemory, "":
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.Engine.StoreBackend)
}

// openCache creates the signature cache selected by the engine config
func openCache(ctx context.Context, cfg *config.Config) (sigcache.Cache, error) {
	switch cfg.Engine.CacheBackend {
	case config.BackendRedis:
		c, err := sigcache.NewRedisCache(cfg.Redis)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("redis signature cache: %w", err)
		}
		return c, nil
	case config.BackendMemory, "":
		return sigcache.NewMemoryCache(), nil
	}
	return nil, fmt.Errorf("unsupported cache backend %q", cfg.Engine.CacheBackend)
}

// registerSources adds the readers configured in cfg.Sources to reg. The
// returned closers release their connections.
func registerSources(ctx context.Context, cfg config.SourcesConfig, reg *connectors.Registry, logger *logrus.Logger) ([]closer, error) {
	var closers []closer

	if cfg.MySQL.DSN != "" {
		r, err := connectors.NewMySQLReader(cfg.MySQL.DSN)
		if err != nil {
			return closers, fmt.Errorf("mysql source: %w", err)
		}
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return closers, fmt.Errorf("mysql source: %w", err)
		}
		reg.RegisterBatchReader("mysql", r)
		closers = append(closers, closer{name: "mysql_source", fn: func(context.Context) error { return r.Close() }})
		logger.WithField("integration", "mysql").Info("Source reader registered")
	}

	if cfg.Mongo.URI != "" {
		r, err := connectors.NewMongoReader(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return closers, fmt.Errorf("mongodb source: %w", err)
		}
		reg.RegisterBatchReader("mongodb", r)
		closers = append(closers, closer{name: "mongodb_source", fn: r.Close})
		logger.WithFields(logrus.Fields{
			"integration": "mongodb",
			"database":    cfg.Mongo.Database,
		}).Info("Source reader registered")
	}

	return closers, nil
}

// registerLoaders adds the loaders configured in cfg.Destinations to reg.
// The stdout loader is always available.
func registerLoaders(ctx context.Context, cfg config.DestinationsConfig, reg *estuary.Registry, logger *logrus.Logger) ([]closer, error) {
	var closers []closer

	l := log.With().Str("component", "stdout_loader").Logger()
	reg.Register("stdout", estuary.StdoutLoader{Logger: &l})

	if len(cfg.Kafka.Brokers) > 0 {
		k, err := estuary.NewKafkaLoader(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
		if err != nil {
			return closers, fmt.Errorf("kafka destination: %w", err)
		}
		reg.Register("kafka", k)
		closers = append(closers, closer{name: "kafka_destination", fn: func(context.Context) error { return k.Close() }})
		logger.WithField("brokers", cfg.Kafka.Brokers).Info("Kafka loader registered")
	}

	if len(cfg.Elastic.Addresses) > 0 {
		e, err := estuary.NewElasticLoader(cfg.Elastic.Addresses, cfg.Elastic.IndexPrefix)
		if err != nil {
			return closers, fmt.Errorf("elasticsearch destination: %w", err)
		}
		reg.Register("elasticsearch", e)
		logger.WithField("addresses", cfg.Elastic.Addresses).Info("Elasticsearch loader registered")
	}

	if cfg.MySQL.DSN != "" {
		m, err := estuary.NewMySQLLoader(cfg.MySQL.DSN)
		if err != nil {
			return closers, fmt.Errorf("mysql destination: %w", err)
		}
		reg.Register("mysql", m)
		closers = append(closers, closer{name: "mysql_destination", fn: func(context.Context) error { return m.Close() }})
		logger.WithField("integration", "mysql").Info("MySQL loader registered")
	}

	if cfg.Mongo.URI != "" {
		m, err := estuary.NewMongoLoader(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return closers, fmt.Errorf("mongodb destination: %w", err)
		}
		reg.Register("mongodb", m)
		closers = append(closers, closer{name: "mongodb_destination", fn: m.Close})
		logger.WithField("database", cfg.Mongo.Database).Info("MongoDB loader registered")
	}

	return closers, nil
}
