package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"

	"github.com/cohenjo/cdcsync/pkg/activities"
	"github.com/cohenjo/cdcsync/pkg/api"
	"github.com/cohenjo/cdcsync/pkg/config"
	"github.com/cohenjo/cdcsync/pkg/connection"
	"github.com/cohenjo/cdcsync/pkg/connectors"
	"github.com/cohenjo/cdcsync/pkg/dedup"
	"github.com/cohenjo/cdcsync/pkg/deletion"
	"github.com/cohenjo/cdcsync/pkg/estuary"
	"github.com/cohenjo/cdcsync/pkg/extraction"
	"github.com/cohenjo/cdcsync/pkg/metrics"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/sigcache"
	"github.com/cohenjo/cdcsync/pkg/store"
	"github.com/cohenjo/cdcsync/pkg/syncrun"
	"github.com/cohenjo/cdcsync/pkg/transform"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

// ErrNotRunning is returned by operations that need a started service
var ErrNotRunning = errors.New("service is not running")

// Service hosts the workflow runtime, its activity workers and the
// backends they use, all in one process
type Service struct {
	config        *config.Config
	logger        *logrus.Logger
	store         store.Store
	cache         sigcache.Cache
	sources       *connectors.Registry
	loaders       *estuary.Registry
	staticPages   *connectors.StaticPageReader
	staticRows    *connectors.StaticBatchReader
	runtime       *workflow.Runtime
	telemetry     *metrics.TelemetryManager
	metricsServer *metrics.Server
	apiServer     *api.Server
	closers       []closer
	status        ServiceStatus
	startTime     time.Time
	wg            sync.WaitGroup
	mu            sync.RWMutex
}

// ServiceStatus represents the current status of the service
type ServiceStatus string

const (
	StatusStopped  ServiceStatus = "stopped"
	StatusStarting ServiceStatus = "starting"
	StatusRunning  ServiceStatus = "running"
	StatusStopping ServiceStatus = "stopping"
	StatusError    ServiceStatus = "error"
)

// ServiceOptions represents configuration options for the service. Store,
// Cache, Sources and Loaders override what the config would build.
type ServiceOptions struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Store      store.Store
	Cache      sigcache.Cache
	Sources    *connectors.Registry
	Loaders    *estuary.Registry
	Registerer prometheus.Registerer
}

// NewService creates a new service instance
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	var tmOpts []metrics.Option
	if opts.Registerer != nil {
		tmOpts = append(tmOpts, metrics.WithRegisterer(opts.Registerer))
	}
	telemetry, err := metrics.NewTelemetryManager(opts.Config.Telemetry, tmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry manager: %w", err)
	}

	s := &Service{
		config:    opts.Config,
		logger:    opts.Logger,
		store:     opts.Store,
		cache:     opts.Cache,
		sources:   opts.Sources,
		loaders:   opts.Loaders,
		telemetry: telemetry,
		status:    StatusStopped,
	}
	if s.sources == nil {
		s.sources = connectors.NewRegistry()
	}
	if s.loaders == nil {
		s.loaders = estuary.NewRegistry()
	}

	// catalog-defined rows are served under the "static" integration
	s.staticPages = connectors.NewStaticPageReader()
	s.staticRows = connectors.NewStaticBatchReader()
	s.sources.RegisterPageReader("static", s.staticPages)
	s.sources.RegisterBatchReader("static", s.staticRows)
	return s, nil
}

// Start opens the backends, registers the workflows and starts the workers
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusStopped {
		return fmt.Errorf("service is already running or starting")
	}
	s.status = StatusStarting
	s.startTime = time.Now()
	s.logger.Info("Starting cdcsync service")

	if err := s.telemetry.Start(ctx); err != nil {
		s.status = StatusError
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	if err := s.openBackends(ctx); err != nil {
		s.status = StatusError
		s.closeBackends(ctx)
		return err
	}

	s.runtime = workflow.NewRuntime(
		workflow.WithTelemetry(s.telemetry),
		workflow.WithLogger(log.Logger),
		workflow.WithRetention(s.config.Engine.InstanceRetention),
	)
	queues := s.registerWorkers()
	s.registerWorkflows()

	if s.config.Metrics.Enabled {
		s.metricsServer = metrics.NewServer(s.config.Metrics.Port, s.config.Metrics.Path)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsServer.Start(); err != nil {
				s.logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	if s.config.API.Enabled {
		s.apiServer = api.NewServer(s, api.ServerConfigFrom(s.config.API))
		if err := s.apiServer.Listen(); err != nil {
			s.status = StatusError
			_ = s.runtime.Close(ctx)
			s.closeBackends(ctx)
			return err
		}
		srv := s.apiServer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.Serve(); err != nil {
				s.logger.WithError(err).Error("API server failed")
			}
		}()
	}

	s.status = StatusRunning
	s.logger.WithFields(logrus.Fields{
		"store":        s.config.Engine.StoreBackend,
		"cache":        s.config.Engine.CacheBackend,
		"queues":       queues,
		"sources":      s.sources.Integrations(),
		"destinations": s.loaders.Integrations(),
	}).Info("cdcsync service started")
	return nil
}

func (s *Service) openBackends(ctx context.Context) error {
	if s.store == nil {
		st, err := openStore(ctx, s.config)
		if err != nil {
			return fmt.Errorf("failed to open record store: %w", err)
		}
		s.store = st
		s.closers = append(s.closers, closer{name: "record_store", fn: func(context.Context) error {
			st.Close()
			s.store = nil
			return nil
		}})
	}
	if s.cache == nil {
		c, err := openCache(ctx, s.config)
		if err != nil {
			return fmt.Errorf("failed to open signature cache: %w", err)
		}
		s.cache = c
		s.closers = append(s.closers, closer{name: "signature_cache", fn: func(context.Context) error {
			s.cache = nil
			return c.Close()
		}})
	}

	closers, err := registerSources(ctx, s.config.Sources, s.sources, s.logger)
	s.closers = append(s.closers, closers...)
	if err != nil {
		return err
	}
	closers, err = registerLoaders(ctx, s.config.Destinations, s.loaders, s.logger)
	s.closers = append(s.closers, closers...)
	return err
}

// registerWorkers attaches the engine worker and one connector worker per
// configured queue. It returns the served queues.
func (s *Service) registerWorkers() []string {
	cfg := s.config
	acts := &activities.Activities{
		Store:            s.store,
		Signals:          s.runtime,
		Sources:          s.sources,
		Loaders:          s.loaders,
		Mapper:           transform.NewMapper(),
		Dedup:            dedup.NewProcessor(s.store, s.cache, cfg.Engine.SignatureTTL),
		Deletion:         deletion.NewDetector(s.store, s.cache, cfg.Engine.DeletionBatchSize),
		ExtractBatchSize: cfg.Engine.ExtractBatchSize,
		LoadBatchSize:    cfg.Engine.LoadBatchSize,
	}
	wopts := workflow.WorkerOptions{MaxConcurrentActivities: cfg.Workers.MaxConcurrentActivities}

	engine := workflow.NewWorker(cfg.Workers.EngineQueue, wopts)
	acts.RegisterEngine(engine)
	s.runtime.AddWorker(engine)
	queues := []string{cfg.Workers.EngineQueue}

	seen := map[string]bool{cfg.Workers.EngineQueue: true}
	for _, q := range s.connectorQueues() {
		if seen[q] {
			continue
		}
		seen[q] = true
		w := workflow.NewWorker(q, wopts)
		acts.RegisterConnector(w)
		s.runtime.AddWorker(w)
		queues = append(queues, q)
	}
	return queues
}

// connectorQueues are the configured queues plus every routed queue
func (s *Service) connectorQueues() []string {
	queues := append([]string(nil), s.config.Workers.Queues...)
	return append(queues, workflow.NewRouter(s.config.TaskQueues).Queues()...)
}

func (s *Service) registerWorkflows() {
	cfg := s.config
	retry := workflow.RetryPolicyFrom(cfg.Retry)
	activity := workflow.ActivityOptionsFrom(cfg.Timeouts.Activity, retry)

	syncrun.New(syncrun.Options{
		Router:      workflow.NewRouter(cfg.TaskQueues),
		EngineQueue: cfg.Workers.EngineQueue,
		Activity:    activity,
		Extraction: extraction.Options{
			PageFetch: workflow.ActivityOptionsFrom(cfg.Timeouts.PageFetch, retry),
			Activity:  activity,
		},
		LoadTimeouts: workflow.TimeoutsFrom(cfg.Timeouts.Load),
	}).Register(s.runtime)

	connection.New(connection.Options{
		EngineQueue: cfg.Workers.EngineQueue,
		Activity:    activity,
		SyncRun:     workflow.TimeoutsFrom(cfg.Timeouts.Extraction),
	}).Register(s.runtime)
}

// Ready reports whether the service accepts work
func (s *Service) Ready() bool {
	return s.GetStatus() == StatusRunning
}

// APIAddr is the bound address of the control API, empty when disabled
func (s *Service) APIAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.apiServer == nil {
		return ""
	}
	return s.apiServer.Addr()
}

// Store returns the record store; nil before Start
func (s *Service) Store() store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Sources returns the source reader registry
func (s *Service) Sources() *connectors.Registry {
	return s.sources
}

// LoadCatalog saves the catalog's connections and syncs and serves its
// static rows
func (s *Service) LoadCatalog(ctx context.Context, cat *Catalog) error {
	if _, err := s.running(); err != nil {
		return err
	}
	if err := cat.Apply(ctx, s.Store(), s.staticPages, s.staticRows); err != nil {
		return err
	}
	s.logger.WithField("connections", len(cat.Connections)).Info("Catalog loaded")
	return nil
}

// StartConnection starts the connection workflow for id. When it is
// already running the existing handle is returned with
// workflow.ErrAlreadyStarted.
func (s *Service) StartConnection(ctx context.Context, connectionID string) (*workflow.Handle, error) {
	rt, err := s.running()
	if err != nil {
		return nil, err
	}
	opts := workflow.TimeoutsFrom(s.config.Timeouts.Connection).StartOptions(connection.WorkflowID(connectionID), s.config.Workers.EngineQueue)
	h, err := rt.Start(ctx, opts, connection.WorkflowName, connection.Input{ConnectionID: connectionID})
	if err == nil {
		s.logger.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"workflow_id":   h.ID,
			"run_id":        h.RunID,
		}).Info("Connection workflow started")
	}
	return h, err
}

// RunConnection starts the connection workflow, or joins the running one,
// and waits for its result
func (s *Service) RunConnection(ctx context.Context, connectionID string) (*connection.Result, error) {
	h, err := s.StartConnection(ctx, connectionID)
	if err != nil && !errors.Is(err, workflow.ErrAlreadyStarted) {
		return nil, err
	}
	var res connection.Result
	if err := h.Get(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// TerminateConnection sends the terminate signal to a running connection
func (s *Service) TerminateConnection(ctx context.Context, connectionID, reason string) error {
	rt, err := s.running()
	if err != nil {
		return err
	}
	return rt.Signal(ctx, connection.WorkflowID(connectionID), models.SignalTerminate, workflow.Payload{"reason": reason})
}

func (s *Service) running() (*workflow.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return nil, ErrNotRunning
	}
	return s.runtime, nil
}

// Stop drains the runtime and releases every backend
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.status = StatusStopping
	apiServer := s.apiServer
	s.mu.Unlock()
	s.logger.Info("Stopping cdcsync service")

	// handlers take the read lock, so the API drains before we lock
	if apiServer != nil {
		if err := apiServer.Stop(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to stop API server")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiServer = nil

	var firstErr error
	if err := s.runtime.Close(ctx); err != nil {
		s.logger.WithError(err).Error("Workflow runtime did not drain")
		firstErr = err
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to stop metrics server")
		}
	}
	if err := s.telemetry.Stop(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to stop telemetry")
	}
	s.closeBackends(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown context cancelled, some goroutines may not have stopped cleanly")
	}

	s.status = StatusStopped
	s.logger.WithField("uptime", time.Since(s.startTime)).Info("cdcsync service stopped")
	return firstErr
}

// closeBackends releases backends in reverse order of opening
func (s *Service) closeBackends(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.fn(ctx); err != nil {
			s.logger.WithError(err).WithField("backend", c.name).Error("Failed to close backend")
		}
	}
	s.closers = nil
}

// GetStatus returns the current service status
func (s *Service) GetStatus() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
