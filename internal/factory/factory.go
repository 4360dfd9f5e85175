// Package factory manages the lifecycle of every application dependency:
// external clients, repositories, the policy loader and the pipeline
// itself. Construction is eager with health checks; accessors are lazy.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telemetry-service/internal/botfilter"
	"telemetry-service/internal/client"
	"telemetry-service/internal/config"
	"telemetry-service/internal/dedup"
	"telemetry-service/internal/directory"
	"telemetry-service/internal/fingerprint"
	"telemetry-service/internal/normalizer"
	"telemetry-service/internal/pipeline"
	"telemetry-service/internal/policy"
	"telemetry-service/internal/publisher"
	redisrepo "telemetry-service/internal/repository/redis"
	"telemetry-service/internal/repository/scylla"
	"telemetry-service/internal/scoring"
	"telemetry-service/internal/tls"
	"telemetry-service/internal/trigger"
	"telemetry-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Policy
	policyLoader *policy.Loader
	policyStop   func()

	// Repositories
	eventLog   *scylla.EventLog
	dedupStore *redisrepo.DedupStore
	scoreCache *redisrepo.ScoreCache
	rateLimits *redisrepo.RateLimitCache

	// Pipeline
	pipeline *pipeline.Pipeline
	engine   *scoring.Engine

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializePolicy(); err != nil {
		return nil, fmt.Errorf("failed to initialize policy: %w", err)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializePipeline()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("policy_path", cfg.Pipeline.PolicyPath),
	)

	return factory, nil
}

// initializePolicy loads the policy file and starts watching it.
func (f *Factory) initializePolicy() error {
	loader, err := policy.NewLoader(f.config.Pipeline.PolicyPath)
	if err != nil {
		return err
	}
	f.policyLoader = loader

	stop, err := loader.Watch()
	if err != nil {
		util.Warn("Policy hot-reload unavailable", util.ErrorField(err))
	} else {
		f.policyStop = stop
	}
	return nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		util.Warn("Elasticsearch initialization failed - audit trail disabled", util.ErrorField(err))
	} else {
		f.esClient = esClient
		util.Info("Elasticsearch client initialized")
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - analytical sink disabled", util.ErrorField(err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			util.Warn("ClickHouse health check failed", util.ErrorField(err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializePipeline wires the stages onto the clients.
func (f *Factory) initializePipeline() {
	pcfg := f.config.Pipeline
	policies := f.policyLoader.Current

	f.dedupStore = redisrepo.NewDedupStore(f.redisClient)
	f.scoreCache = redisrepo.NewScoreCache(f.redisClient)
	f.rateLimits = redisrepo.NewRateLimitCache(f.redisClient)
	f.eventLog = scylla.NewEventLog(f.scyllaClient, pcfg.UserBuckets)

	hasher := fingerprint.NewHasher(policies().Dedup.Bucket)
	admitter := dedup.NewAdmitter(f.dedupStore, hasher, policies, pcfg.PendingDepth, pcfg.PendingRetry)

	var reputation botfilter.ReputationProvider
	if pcfg.ReputationURL != "" {
		reputation = botfilter.NewHTTPReputationProvider(pcfg.ReputationURL)
	}
	filter := botfilter.NewFilter(policies, reputation, f.rateLimits, f.dedupStore, pcfg.LookupTimeout)

	f.engine = scoring.NewEngine(f.eventLog, f.scoreCache, policies)
	machine := trigger.NewMachine(f.scoreCache, policies)

	var producer publisher.MessageProducer
	if f.kafkaProducer != nil {
		producer = f.kafkaProducer
	}
	var sink publisher.BatchSink
	if f.clickhouseClient != nil {
		sink = f.clickhouseClient
	}
	var audit publisher.AuditIndexer
	if f.esClient != nil {
		audit = f.esClient
	}

	pub := publisher.New(producer, sink, audit, publisher.Options{
		EventTopic:     f.config.Kafka.EventTopic,
		DirectiveTopic: f.config.Kafka.DirectiveTopic,
		AuditIndex:     f.config.Elastic.AuditIndex,
		PublishTimeout: pcfg.PublishTimeout,
	})

	dir := directory.NewClient(&f.config.Directory, f.redisClient)

	f.pipeline = pipeline.New(pipeline.Deps{
		Normalizer: normalizer.New(),
		Admitter:   admitter,
		Filter:     filter,
		Engine:     f.engine,
		Machine:    machine,
		Publisher:  pub,
		EventLog:   f.eventLog,
		ScoreCache: f.scoreCache,
		DedupStore: f.dedupStore,
		Directory:  dir,
		Policies:   policies,
	}, pcfg)

	util.Info("Pipeline wired",
		util.Int("workers", pcfg.Workers),
		util.Int("user_buckets", pcfg.UserBuckets),
	)
}

func (f *Factory) Config() *config.Config            { return f.config }
func (f *Factory) TLSManager() *tls.TLSManager       { return f.tlsManager }
func (f *Factory) Pipeline() *pipeline.Pipeline      { return f.pipeline }
func (f *Factory) Engine() *scoring.Engine           { return f.engine }
func (f *Factory) ScoreCache() *redisrepo.ScoreCache { return f.scoreCache }
func (f *Factory) RateLimits() *redisrepo.RateLimitCache {
	return f.rateLimits
}

// HealthCheck probes every client and returns the failures.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy reports whether the core stores are reachable. Kafka,
// ClickHouse and Elasticsearch degrade gracefully and do not fail
// readiness.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	delete(healthErrors, "elasticsearch")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.pipeline != nil {
			f.pipeline.Stop()
		}

		if f.policyStop != nil {
			f.policyStop()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown complete")
		util.Sync()
	})
	return nil
}
