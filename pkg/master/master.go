package master

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/antcode/antcode/pkg/api"
	"github.com/antcode/antcode/pkg/cache"
	"github.com/antcode/antcode/pkg/checkpoint"
	"github.com/antcode/antcode/pkg/client"
	"github.com/antcode/antcode/pkg/config"
	"github.com/antcode/antcode/pkg/dispatcher"
	"github.com/antcode/antcode/pkg/ingestion"
	"github.com/antcode/antcode/pkg/installkey"
	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/projectsync"
	"github.com/antcode/antcode/pkg/queue"
	"github.com/antcode/antcode/pkg/registry"
	"github.com/antcode/antcode/pkg/resolver"
	"github.com/antcode/antcode/pkg/scheduler"
	"github.com/antcode/antcode/pkg/security"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

const clientTimeout = 10 * time.Second

// Master owns every collaborator package's instance and the two HTTP
// servers (the routed API and the liveness/readiness/metrics server), and
// brings them all up and down together.
type Master struct {
	cfg *config.Config

	store storage.Store
	cache cache.Cache
	queue queue.Queue

	registry   *registry.Registry
	resolver   *resolver.Resolver
	sync       *projectsync.Service
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	checkpoint *checkpoint.Service
	ingestion  *ingestion.Service
	installKey *installkey.Service
	secrets    *security.SecretsManager
	verifier   *security.Verifier
	keyWatcher *security.KeyWatcher

	apiServer    *api.Server
	healthServer *api.HealthServer
}

// New constructs every collaborator and wires the cross-package hooks, but
// does not start any background loop or listener yet — that's Run's job.
func New(cfg *config.Config) (*Master, error) {
	m := &Master{cfg: cfg}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	m.store = store

	if cfg.Redis.Addr != "" {
		rc := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		m.cache = cache.NewRedis(rc)
		m.queue = queue.NewRedis(rc)
	} else {
		m.cache = cache.NewMemory()
		m.queue = queue.NewMemory()
	}

	m.secrets, err = m.loadSecretsManager()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init secrets manager: %w", err)
	}
	if cfg.EncryptionKeyFile != "" {
		kw, err := security.WatchKeyFile(cfg.EncryptionKeyFile, m.secrets)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("watch encryption key file: %w", err)
		}
		m.keyWatcher = kw
	}
	m.verifier = security.NewVerifier()

	httpClient := client.New(clientTimeout)
	prober := &httpProber{client: httpClient}
	m.registry = registry.New(store, prober)

	m.resolver = resolver.New(
		func(id string) (*types.Node, error) { return store.GetNode(id) },
		func() ([]*types.Node, error) { return store.ListNodes() },
	)
	m.sync = projectsync.New(store)
	m.dispatcher = dispatcher.New(
		func(id string) (*types.Node, error) { return store.GetNode(id) },
		func() ([]*types.Node, error) { return store.ListNodes() },
		func(id int64) (*types.Project, error) { return store.GetProjectByID(id) },
		m.sync,
		httpClient,
		cfg.MasterURL,
		downloadURLFor(cfg.MasterURL),
	)
	m.scheduler = scheduler.New(store, m.resolver, m.dispatcher, cfg.Scheduler.MaxConcurrentExecutions)

	m.checkpoint = checkpoint.New(store, m.cache, m.triggerTaskByPublicID)

	fileSink := ingestion.NewFileSink(store)
	m.ingestion = ingestion.New(store, fileSink)
	m.ingestion.OnTerminal(m.scheduler.HandleDistributedTerminal)

	m.installKey = installkey.New(store, m.registry, m.secrets)
	m.installKey.OnNodeRegistered(m.verifier.RegisterNodeSecret)

	m.apiServer = api.NewServer(store, m.scheduler, m.dispatcher, m.registry, m.installKey, m.ingestion, m.verifier)
	m.healthServer = api.NewHealthServer(store)

	return m, nil
}

// loadSecretsManager builds the master's secrets manager from the
// configured key file, or derives a key from the master URL as a
// development fallback when no key file is configured.
func (m *Master) loadSecretsManager() (*security.SecretsManager, error) {
	if m.cfg.EncryptionKeyFile == "" {
		return security.NewSecretsManager(security.DeriveKeyFromMasterID(m.cfg.MasterURL))
	}
	data, err := readKeyFile(m.cfg.EncryptionKeyFile)
	if err != nil {
		return nil, err
	}
	return security.NewSecretsManager(data)
}

// triggerTaskByPublicID adapts checkpoint.TriggerFunc's public-id-string
// signature to scheduler.TriggerNow's numeric task id, so pkg/checkpoint
// doesn't need to depend on pkg/scheduler.
func (m *Master) triggerTaskByPublicID(_ context.Context, taskPublicID string) error {
	task, err := m.store.GetTask(taskPublicID)
	if err != nil {
		return err
	}
	return m.scheduler.TriggerNow(task.ID)
}

// downloadURLFor builds the URL a worker would GET to fetch a file/rule
// project's archive. Nothing in this repo serves that route yet (see
// DESIGN.md); the builder exists so projectsync.Plan's TransferOriginal
// path has a well-formed URL to hand a worker.
func downloadURLFor(masterURL string) func(*types.Project) string {
	return func(p *types.Project) string {
		return masterURL + "/projects/" + p.PublicID + "/archive"
	}
}

// Run starts every background collaborator and both HTTP servers, then
// blocks until ctx is cancelled, at which point it shuts everything down
// in reverse order and waits up to config.ShutdownGracePeriod for
// in-flight requests to drain.
func (m *Master) Run(ctx context.Context) error {
	logger := log.WithComponent("master")

	if stats, err := m.checkpoint.RecoverOnStartup(ctx); err != nil {
		logger.Error().Err(err).Msg("checkpoint recovery failed")
	} else {
		logger.Info().Int("recovered", stats.Recovered).Int("failed", stats.Failed).Msg("checkpoint recovery complete")
	}

	if err := m.loadActiveTasks(); err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}

	if err := m.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	m.registry.Start()
	if err := m.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	httpSrv := &http.Server{Addr: m.cfg.HTTPAddr, Handler: m.apiServer.Handler()}
	healthSrv := &http.Server{Addr: m.cfg.HealthAddr, Handler: m.healthServer.GetHandler()}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", m.cfg.HTTPAddr).Msg("api server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", m.cfg.HealthAddr).Msg("health server listening")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownGracePeriod())
	defer cancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	m.scheduler.Stop()
	m.registry.Stop()
	_ = m.queue.Stop(shutdownCtx)
	if m.keyWatcher != nil {
		_ = m.keyWatcher.Close()
	}
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	logger.Info().Msg("master stopped")
	return nil
}

// loadActiveTasks seeds the scheduler's trigger wheel from every task
// persisted as active, so a restart resumes firing schedules rather than
// requiring each task to be re-added by its owner.
func (m *Master) loadActiveTasks() error {
	tasks, err := m.store.ListActiveTasks()
	if err != nil {
		return err
	}
	logger := log.WithComponent("master")
	for _, task := range tasks {
		if err := m.scheduler.AddTask(task); err != nil {
			logger.Warn().Str("task", task.PublicID).Err(err).Msg("failed to load task into scheduler")
		}
	}
	return nil
}
