package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arcmq/arcmq/internal/archive"
	"github.com/arcmq/arcmq/internal/async"
	"github.com/arcmq/arcmq/internal/bridge"
	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/cluster"
	"github.com/arcmq/arcmq/internal/config"
	"github.com/arcmq/arcmq/internal/delivery"
	"github.com/arcmq/arcmq/internal/metrics"
	"github.com/arcmq/arcmq/internal/ops"
	"github.com/arcmq/arcmq/internal/retained"
	"github.com/arcmq/arcmq/internal/session"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/store/kafka"
	"github.com/arcmq/arcmq/internal/store/memory"
	"github.com/arcmq/arcmq/internal/store/mongostore"
	"github.com/arcmq/arcmq/internal/store/postgres"
	"github.com/arcmq/arcmq/internal/store/redisstore"
	"github.com/arcmq/arcmq/internal/transport"
)

const shutdownGrace = 15 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	doc, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("cluster") {
		doc.Cluster.Enabled, _ = cmd.Flags().GetBool("cluster")
	}
	if levelOverride, _ := cmd.Flags().GetString("log-level"); levelOverride != "" {
		doc.Log.Level = levelOverride
	}

	level, err := zerolog.ParseLevel(doc.Log.Level)
	if err != nil {
		return fmt.Errorf("unknown log level %q: %w", doc.Log.Level, err)
	}
	logger := log.Logger.Level(level).With().Str("node", doc.Node.ID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", version).Bool("cluster", doc.Cluster.Enabled).Msg("starting broker node")

	reg := metrics.NewRegistry()
	queueCfg := async.Config{
		Capacity:     doc.Queue.Capacity,
		BatchSize:    doc.Queue.BatchSize,
		Linger:       doc.Queue.Linger,
		RetryInitial: doc.Queue.RetryInitial,
		RetryMax:     doc.Queue.RetryMax,
	}

	back := newBackends(ctx, doc, logger)
	defer back.Close(context.Background())

	fabric, err := buildFabric(doc, back, logger)
	if err != nil {
		return err
	}

	sessions, err := back.SessionStore()
	if err != nil {
		return err
	}
	configs, err := back.ConfigStore()
	if err != nil {
		return err
	}
	devices, err := back.DeviceConfigStore()
	if err != nil {
		return err
	}
	metricsSink, err := back.MetricsStore()
	if err != nil {
		return err
	}
	if err := seedArchiveGroups(ctx, configs, doc.ArchiveGroups, logger); err != nil {
		return err
	}

	retainedStore, err := back.MessageStore(doc.Session.Persistence, "retained")
	if err != nil {
		return err
	}
	retainedHandler := retained.NewHandler(retainedStore, retained.Options{
		Queue:   queueCfg,
		Metrics: reg,
		Logger:  logger,
	})
	retainedHandler.Start(ctx)

	archives := archive.NewManager(configs, back, fabric.Bus(), archive.Options{
		Locks:   fabric,
		Queue:   queueCfg,
		Metrics: reg,
		Logger:  logger,
	})
	if err := archives.Start(ctx); err != nil {
		return err
	}

	uuids := broker.NewUUIDSource()
	handler := session.NewHandler(fabric, sessions, session.Options{
		Retained:   retainedHandler,
		Archives:   archives,
		Authorizer: broker.AllowAll(),
		UUIDs:      uuids,
		Queue:      queueCfg,
		Metrics:    reg,
		Logger:     logger,
	})
	dispatcher := delivery.NewDispatcher(sessions, delivery.Options{
		InFlightTimeout: doc.Session.InFlightTimeout,
		PurgeInterval:   doc.Session.PurgeInterval,
		Queue:           queueCfg,
		Metrics:         reg,
		Logger:          logger,
	})
	dispatcher.Start(ctx)
	handler.SetDispatcher(dispatcher)
	if err := handler.Start(ctx); err != nil {
		return err
	}

	devBridge := bridge.NewRegistry(fabric, devices, handler, bridge.Options{
		UUIDs:  uuids,
		Logger: logger,
	})
	if err := devBridge.Start(ctx); err != nil {
		return err
	}

	sampler := metrics.NewSampler(reg, metricsSink, doc.Node.ID, metrics.SamplerOptions{
		Interval:  doc.Metrics.SampleInterval,
		Retention: doc.Metrics.Retention,
		Logger:    logger,
	})
	sampler.Start(ctx)

	opsServer := ops.NewServer(doc.Ops, ops.Options{
		NodeID:  doc.Node.ID,
		Metrics: reg,
		Ready:   handler.Ready,
		Health:  append([]ops.HealthSource{sessions}, back.HealthSources()...),
		Logger:  logger,
	})
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("ops server stopped")
		}
	}()

	// The wire codec is a separate layer; it attaches to the listeners
	// through transport.ConnHandler. Until one is linked, client sockets
	// are refused while bus, bridge, and archive traffic keep flowing.
	connHandler := func(_ context.Context, conn net.Conn) {
		logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("no protocol codec attached, closing connection")
		conn.Close()
	}
	tcpListener := transport.NewTCPListener(doc.Listener.TCP, connHandler, logger)
	if err := tcpListener.Start(ctx); err != nil {
		return err
	}
	wsListener := transport.NewWSListener(doc.Listener.WebSocket, connHandler, logger)
	if err := wsListener.Start(ctx); err != nil {
		return err
	}

	logger.Info().Msg("broker node running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	tcpListener.Stop()
	wsListener.Stop(shutdownCtx)
	opsServer.Shutdown(shutdownCtx)
	sampler.Stop()
	devBridge.Stop()
	if err := handler.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("session handler shutdown incomplete")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("dispatcher shutdown incomplete")
	}
	if err := archives.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("archive groups shutdown incomplete")
	}
	if err := retainedHandler.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("retained handler shutdown incomplete")
	}
	if err := fabric.Leave(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("fabric leave failed")
	}
	return nil
}

func buildFabric(doc config.Document, back *backends, logger zerolog.Logger) (cluster.Fabric, error) {
	if !doc.Cluster.Enabled {
		return cluster.NewLocalFabric(doc.Node.ID), nil
	}

	bus, err := cluster.ConnectNATS(cluster.NATSConfig{URL: doc.Cluster.NATSURL}, logger)
	if err != nil {
		return nil, err
	}
	redisClient, err := back.Redis()
	if err != nil {
		return nil, err
	}
	locks := cluster.NewRedisLocks(redisClient.Raw(), "arcmq", doc.Cluster.LockTTL)
	maps := cluster.NewRedisMaps(redisClient.Raw(), "arcmq")
	return cluster.New(doc.Node.ID, bus, locks, maps, bus.Close), nil
}

// seedArchiveGroups writes file-configured definitions that the config
// store does not know yet. Existing definitions win: the store is the
// runtime source of truth.
func seedArchiveGroups(ctx context.Context, configs store.ConfigStore, defs []store.ArchiveGroupDef, logger zerolog.Logger) error {
	for _, def := range defs {
		existing, err := configs.GetArchiveGroup(ctx, def.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := configs.SaveArchiveGroup(ctx, def); err != nil {
			return err
		}
		logger.Info().Str("group", def.Name).Msg("seeded archive group from config file")
	}
	return nil
}

// backends lazily opens the durable store clients a configuration
// actually uses. Memory stores are cached per name so reloaded archive
// groups keep their data within the process.
type backends struct {
	ctx context.Context
	doc config.Document
	log zerolog.Logger

	mu            sync.Mutex
	pg            *postgres.DB
	redis         *redisstore.Client
	mongo         *mongostore.Client
	memoryStores  map[string]store.MessageStore
	memoryArchive map[string]store.MessageArchive
	kafkaSinks    map[string]*kafka.MessageArchive
}

func newBackends(ctx context.Context, doc config.Document, logger zerolog.Logger) *backends {
	return &backends{
		ctx:           ctx,
		doc:           doc,
		log:           logger,
		memoryStores:  make(map[string]store.MessageStore),
		memoryArchive: make(map[string]store.MessageArchive),
		kafkaSinks:    make(map[string]*kafka.MessageArchive),
	}
}

func (b *backends) Postgres() (*postgres.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pg != nil {
		return b.pg, nil
	}
	db, err := postgres.Connect(b.ctx, b.doc.Postgres, b.log)
	if err != nil {
		return nil, err
	}
	db.StartHealthLoop(b.ctx)
	b.pg = db
	return db, nil
}

func (b *backends) Redis() (*redisstore.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.redis != nil {
		return b.redis, nil
	}
	client, err := redisstore.Connect(b.ctx, b.doc.Redis, b.log)
	if err != nil {
		return nil, err
	}
	client.StartHealthLoop(b.ctx)
	b.redis = client
	return client, nil
}

func (b *backends) Mongo() (*mongostore.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mongo != nil {
		return b.mongo, nil
	}
	client, err := mongostore.Connect(b.ctx, b.doc.Mongo, b.log)
	if err != nil {
		return nil, err
	}
	client.StartHealthLoop(b.ctx)
	b.mongo = client
	return client, nil
}

func (b *backends) SessionStore() (store.SessionStore, error) {
	switch b.doc.Session.Persistence {
	case "postgres":
		db, err := b.Postgres()
		if err != nil {
			return nil, err
		}
		s := postgres.NewSessionStore(db, "sessions")
		if err := s.Migrate(b.ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return memory.NewSessionStore("sessions"), nil
	}
}

func (b *backends) ConfigStore() (store.ConfigStore, error) {
	switch b.doc.Session.Persistence {
	case "postgres":
		db, err := b.Postgres()
		if err != nil {
			return nil, err
		}
		s := postgres.NewConfigStore(db)
		if err := s.Migrate(b.ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return memory.NewConfigStore(), nil
	}
}

func (b *backends) DeviceConfigStore() (store.DeviceConfigStore, error) {
	switch b.doc.Session.Persistence {
	case "postgres":
		db, err := b.Postgres()
		if err != nil {
			return nil, err
		}
		s := postgres.NewDeviceConfigStore(db)
		if err := s.Migrate(b.ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return memory.NewDeviceConfigStore(), nil
	}
}

func (b *backends) MetricsStore() (store.MetricsStore, error) {
	switch b.doc.Session.Persistence {
	case "postgres":
		db, err := b.Postgres()
		if err != nil {
			return nil, err
		}
		s := postgres.NewMetricsStore(db)
		if err := s.Migrate(b.ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return memory.NewMetricsStore(), nil
	}
}

// MessageStore resolves a last-value store kind for archive groups and
// the retained handler.
func (b *backends) MessageStore(kind, group string) (store.MessageStore, error) {
	switch kind {
	case "memory":
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.memoryStores[group]; ok {
			return s, nil
		}
		s := memory.NewMessageStore(group)
		b.memoryStores[group] = s
		return s, nil
	case "postgres":
		db, err := b.Postgres()
		if err != nil {
			return nil, err
		}
		s := postgres.NewMessageStore(db, group)
		if err := s.Migrate(b.ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		client, err := b.Redis()
		if err != nil {
			return nil, err
		}
		return redisstore.NewMessageStore(client, group), nil
	default:
		return nil, fmt.Errorf("unknown last-value store kind %q", kind)
	}
}

// MessageArchive resolves an append-only store kind for archive groups.
func (b *backends) MessageArchive(kind, group string) (store.MessageArchive, error) {
	switch kind {
	case "memory":
		b.mu.Lock()
		defer b.mu.Unlock()
		if a, ok := b.memoryArchive[group]; ok {
			return a, nil
		}
		a := memory.NewMessageArchive(group)
		b.memoryArchive[group] = a
		return a, nil
	case "postgres":
		db, err := b.Postgres()
		if err != nil {
			return nil, err
		}
		a := postgres.NewMessageArchive(db, group)
		if err := ensureArchiveTable(b.ctx, a); err != nil {
			return nil, err
		}
		return a, nil
	case "mongo":
		client, err := b.Mongo()
		if err != nil {
			return nil, err
		}
		a := mongostore.NewMessageArchive(client, group)
		if err := ensureArchiveTable(b.ctx, a); err != nil {
			return nil, err
		}
		return a, nil
	case "kafka":
		b.mu.Lock()
		if a, ok := b.kafkaSinks[group]; ok {
			b.mu.Unlock()
			return a, nil
		}
		b.mu.Unlock()

		a, err := kafka.Connect(b.doc.Kafka, group, b.log)
		if err != nil {
			return nil, err
		}
		if err := ensureArchiveTable(b.ctx, a); err != nil {
			a.Close()
			return nil, err
		}
		b.mu.Lock()
		b.kafkaSinks[group] = a
		b.mu.Unlock()
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive store kind %q", kind)
	}
}

func ensureArchiveTable(ctx context.Context, a store.MessageArchive) error {
	exists, err := a.TableExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.CreateTable(ctx)
}

// HealthSources lists the durable clients opened so far for /healthz.
func (b *backends) HealthSources() []ops.HealthSource {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []ops.HealthSource
	if b.pg != nil {
		out = append(out, healthProbe{name: "postgres", up: b.pg.Up})
	}
	if b.redis != nil {
		out = append(out, healthProbe{name: "redis", up: b.redis.Up})
	}
	if b.mongo != nil {
		out = append(out, healthProbe{name: "mongo", up: b.mongo.Up})
	}
	for name, sink := range b.kafkaSinks {
		out = append(out, healthProbe{name: "kafka-" + name, up: sink.GetConnectionStatus})
	}
	return out
}

func (b *backends) Close(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sink := range b.kafkaSinks {
		sink.Close()
	}
	if b.pg != nil {
		b.pg.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
	if b.mongo != nil {
		b.mongo.Close(ctx)
	}
}

type healthProbe struct {
	name string
	up   func() bool
}

func (p healthProbe) Name() string              { return p.name }
func (p healthProbe) GetConnectionStatus() bool { return p.up() }
