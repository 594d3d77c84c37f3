// Package cli provides the orchestrator daemon's command-line entry
// point and the full service wiring behind it: configuration loading,
// backend construction for every pluggable component (configuration
// source, object store, pipeline runner, secrets backend, optional
// side channels), HTTP server setup, the in-process cron ticker, and
// graceful shutdown handling.
package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"evalorchestrator.dev/api"
	"evalorchestrator.dev/backfill"
	"evalorchestrator.dev/common"
	"evalorchestrator.dev/config"
	"evalorchestrator.dev/configsource"
	"evalorchestrator.dev/evalqueue"
	"evalorchestrator.dev/invoke"
	"evalorchestrator.dev/live"
	"evalorchestrator.dev/modelgroup"
	"evalorchestrator.dev/notify"
	"evalorchestrator.dev/objectstore"
	"evalorchestrator.dev/pipeline"
	"evalorchestrator.dev/repository"
	"evalorchestrator.dev/scheduler"
	"evalorchestrator.dev/secrets"
	"evalorchestrator.dev/security"
	"evalorchestrator.dev/summary"
	"evalorchestrator.dev/version"
)

// cfgFile holds the path to an optional configuration file. Every
// actual setting is still read from ORCH_* environment variables via
// config.Load; the file, when present, is only a convenience for
// local development and is never required.
var cfgFile string

// RootCmd is the orchestrator daemon's entry point.
var RootCmd = &cobra.Command{
	Use:   "eval-orchestrator",
	Short: "runs the periodic evaluation orchestrator daemon",
	Long: `eval-orchestrator discovers periodic evaluation blueprints from a
Gitea or GitLab repository, resolves their symbolic model groups,
dispatches stale blueprints to a bounded-concurrency evaluation queue,
and serves the resulting fleet-wide and per-blueprint summaries over
an authenticated HTTP API.

All configuration is read from ORCH_* environment variables; see
config.Load for the full surface.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file, read by viper; its values are not used by config.Load, which reads only ORCH_* environment variables")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".eval-orchestrator")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("using config file:", viper.ConfigFileUsed())
	}
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	rawLogger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Service.LogLevel),
		Format:  cfg.Service.LogFormat,
		Service: cfg.Service.Name,
		Version: version.GetModuleVersion(),
	})
	ctxLog := common.NewContextLogger(rawLogger, map[string]interface{}{
		"service": cfg.Service.Name,
		"version": version.GetModuleVersion(),
	})

	ctx := context.Background()
	secretsProvider := buildSecretsProvider(ctx, cfg, ctxLog)
	resolveSecret(ctx, secretsProvider, "ORCH_CONFIG_SOURCE_TOKEN", &cfg.ConfigSource.Token, ctxLog)
	resolveSecret(ctx, secretsProvider, "ORCH_OBJECT_STORE_ACCESS_KEY", &cfg.ObjectStore.AccessKey, ctxLog)
	resolveSecret(ctx, secretsProvider, "ORCH_OBJECT_STORE_SECRET_KEY", &cfg.ObjectStore.SecretKey, ctxLog)
	resolveSecret(ctx, secretsProvider, "ORCH_SHARED_SECRET", &cfg.Auth.SharedSecret, ctxLog)
	resolveSecret(ctx, secretsProvider, "ORCH_JWT_SECRET", &cfg.Auth.JWTSecret, ctxLog)

	source, err := buildConfigSource(cfg.ConfigSource)
	if err != nil {
		ctxLog.Fatalf("building configuration source: %v", err)
	}
	ctxLog.Infof("configuration source: %s %s (token=%s)",
		cfg.ConfigSource.Kind, cfg.ConfigSource.URL, common.MaskSecret(cfg.ConfigSource.Token))

	store, err := buildObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		ctxLog.Fatalf("building object store: %v", err)
	}
	ctxLog.Infof("object store: %s (access key %s)",
		cfg.ObjectStore.Kind, common.MaskSecret(cfg.ObjectStore.AccessKey))

	var redisClient *redis.Client
	if cfg.Backing.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Backing.RedisURL)
		if err != nil {
			ctxLog.Fatalf("parsing redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
	}

	resolver := modelgroup.New(modelgroup.Config{
		Source: modelgroup.NewRepoCatalogueSource(source, cfg.ConfigSource.Branch, ""),
		Redis:  redisClient,
	})

	runner, err := buildPipelineRunner(cfg.PipelineRunner)
	if err != nil {
		ctxLog.Fatalf("building pipeline runner: %v", err)
	}

	updater := summary.New(store, ctxLog)

	repo := buildRepository(cfg.Backing, ctxLog)
	if repo != nil {
		defer repo.Close()
	}

	var notifier *notify.AMQPPublisher
	if cfg.Backing.AMQPURL != "" {
		notifier, err = notify.NewAMQPPublisher(cfg.Backing.AMQPURL, "eval-orchestrator.events", ctxLog)
		if err != nil {
			ctxLog.Fatalf("connecting to amqp: %v", err)
		}
		defer notifier.Close()
	}

	invoker := &invoke.Invoker{
		Runner:   runner,
		Store:    store,
		Updater:  updater,
		Notifier: notifier,
		Log:      ctxLog,
	}
	if repo != nil {
		invoker.Repository = repo
	}

	var discoveryCache *repository.Bolt
	if cfg.Backing.BoltPath != "" {
		discoveryCache, err = repository.NewBolt(cfg.Backing.BoltPath)
		if err != nil {
			ctxLog.Fatalf("opening discovery cache: %v", err)
		}
		defer discoveryCache.Close()
	}

	bf := backfill.New(backfill.Config{Store: store, Logger: ctxLog})

	// sched is declared before the queue because the queue's
	// continuation handler closes over it: the queue drives the
	// scheduler's next tick, and the scheduler enqueues the jobs the
	// queue runs. Both ends of that cycle are only fully wired once
	// scheduler.New(Config{Queue: q}) has run.
	var sched *scheduler.Scheduler

	q := evalqueue.New(evalqueue.Config{
		Concurrency: cfg.Scheduler.QueueConcurrency,
		DrainWait:   cfg.Scheduler.DrainWait,
		BackfillHandler: func(ctx context.Context) error {
			return bf.Run(ctx)
		},
		ContinuationHandler: func(ctx context.Context) {
			if _, err := sched.Tick(ctx, scheduler.Options{}); err != nil {
				ctxLog.Errorf("continuation tick failed: %v", err)
			}
		},
		Logger: ctxLog,
	})
	defer q.Close()

	schedCfg := scheduler.Config{
		Source:          source,
		Resolver:        resolver,
		Queue:           q,
		Store:           store,
		Invoker:         invoker,
		Branch:          cfg.ConfigSource.Branch,
		FreshnessWindow: cfg.Scheduler.FreshnessWindow,
		BatchLimit:      cfg.Scheduler.BatchLimit,
		ShardPrefix:     cfg.Scheduler.ShardPrefix,
		Logger:          ctxLog,
	}
	if discoveryCache != nil {
		schedCfg.DiscoveryCache = discoveryCache
	}
	sched = scheduler.New(schedCfg)

	jwtService := security.NewJWTService(cfg.Auth.JWTSecret)

	hub := live.NewHub(ctxLog)
	go hub.Run(q.Stats)
	defer hub.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORS.AllowedOrigins,
		AllowHeaders: cfg.CORS.AllowedHeaders,
	}))

	handlers := &api.Handlers{
		Scheduler:  sched,
		Queue:      q,
		Store:      store,
		Repository: repo,
		JWT:        jwtService,
	}
	api.SetupRoutes(e, handlers, cfg.Auth.SharedSecret)
	e.GET("/v1/live", func(c echo.Context) error {
		hub.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ctxLog.Infof("listening on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			ctxLog.Fatalf("server failed: %v", err)
		}
	}()

	stopCron := make(chan struct{})
	go runCron(sched, cfg.Scheduler.CronInterval, ctxLog, stopCron)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	close(stopCron)

	ctxLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		ctxLog.Errorf("server shutdown: %v", err)
	}
}

// runCron fires one scheduler tick 60 seconds after process start,
// then every interval, until stop is closed.
func runCron(sched *scheduler.Scheduler, interval time.Duration, log *common.ContextLogger, stop <-chan struct{}) {
	first := time.NewTimer(60 * time.Second)
	defer first.Stop()

	select {
	case <-stop:
		return
	case <-first.C:
		tick(sched, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tick(sched, log)
		}
	}
}

func tick(sched *scheduler.Scheduler, log *common.ContextLogger) {
	stats, err := sched.Tick(context.Background(), scheduler.Options{})
	if err != nil {
		log.Errorf("cron tick failed: %v", err)
		return
	}
	log.Infof("cron tick: discovered=%d scheduled=%d skippedFresh=%d skippedOther=%d errors=%d",
		stats.Discovered, stats.Scheduled, stats.SkippedFresh, stats.SkippedOther, stats.Errors)
}

func buildSecretsProvider(ctx context.Context, cfg *config.Config, log *common.ContextLogger) secrets.Provider {
	switch cfg.SecretsBackend {
	case "infisical":
		p, err := secrets.NewInfisicalProvider(ctx, secrets.InfisicalConfig{
			Host:         cfg.Secrets.InfisicalHost,
			ClientID:     cfg.Secrets.InfisicalClientID,
			ClientSecret: cfg.Secrets.InfisicalClientSecret,
			ProjectID:    cfg.Secrets.InfisicalProjectID,
			Environment:  cfg.Secrets.InfisicalEnvironment,
		})
		if err != nil {
			log.Fatalf("connecting to infisical: %v", err)
		}
		return p
	case "azure":
		p, err := secrets.NewAzureKeyVaultProvider(cfg.Secrets.AzureVaultURL)
		if err != nil {
			log.Fatalf("connecting to azure key vault: %v", err)
		}
		return p
	default:
		return secrets.EnvProvider{}
	}
}

// resolveSecret overwrites *dest with the named secret if the backend
// resolves a non-empty value, leaving the environment-derived default
// in place otherwise.
func resolveSecret(ctx context.Context, p secrets.Provider, name string, dest *string, log *common.ContextLogger) {
	value, err := p.Resolve(ctx, name)
	if err != nil {
		log.Errorf("resolving secret %s: %v", name, err)
		return
	}
	if value != "" {
		*dest = value
		log.Debugf("secret %s resolved (%s)", name, common.MaskSecret(value))
	}
}

func buildConfigSource(cfg config.ConfigSourceConfig) (configsource.Source, error) {
	switch cfg.Kind {
	case "gitlab":
		projectID := cfg.Repo
		if cfg.Owner != "" {
			projectID = cfg.Owner + "/" + cfg.Repo
		}
		return configsource.NewGitLabSource(cfg.URL, cfg.Token, projectID)
	default:
		return configsource.NewGiteaSource(cfg.URL, cfg.Token, cfg.Owner, cfg.Repo)
	}
}

func buildObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	switch cfg.Kind {
	case "couchdb":
		return objectstore.NewCouchDBStore(ctx, cfg.URL, cfg.Username, cfg.Password, cfg.Database)
	default:
		return objectstore.NewS3Store(ctx, objectstore.S3Config{
			URL:       cfg.URL,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
		})
	}
}

func buildPipelineRunner(cfg config.PipelineRunnerConfig) (pipeline.Runner, error) {
	switch cfg.Kind {
	case "docker":
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("creating docker client: %w", err)
		}
		return &pipeline.DockerRunner{Client: cli, Image: cfg.Image}, nil
	case "kubernetes":
		restCfg, err := kubernetesRestConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubernetes config: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		return &pipeline.KubernetesJobRunner{
			Client:       clientset,
			Namespace:    cfg.Namespace,
			Image:        cfg.Image,
			PollInterval: cfg.PollInterval,
		}, nil
	case "http":
		return &pipeline.HTTPRunner{BaseURL: cfg.BaseURL, PollInterval: cfg.PollInterval}, nil
	default:
		return &pipeline.CommandRunner{Binary: cfg.Binary, Args: cfg.Args}, nil
	}
}

// kubernetesRestConfig loads the in-cluster config when running as a
// pod, falling back to the operator's kubeconfig for local testing
// against a remote cluster.
func kubernetesRestConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func buildRepository(cfg config.BackingStoreConfig, log *common.ContextLogger) *repository.Composite {
	if cfg.PostgresDSN == "" && cfg.Neo4jURL == "" {
		return nil
	}

	repo := &repository.Composite{Log: log}

	if cfg.PostgresDSN != "" {
		pg, err := repository.NewPostgres(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connecting to postgres: %v", err)
		}
		repo.Runs = pg
	}

	if cfg.Neo4jURL != "" {
		neo, err := repository.NewNeo4jDrift(context.Background(), cfg.Neo4jURL, "", "")
		if err != nil {
			log.Fatalf("connecting to neo4j: %v", err)
		}
		var drift repository.DriftGraph = neo
		if cfg.RedisURL != "" {
			cached, err := repository.NewRedisDriftCache(cfg.RedisURL, neo, 5*time.Minute)
			if err != nil {
				log.Errorf("wrapping drift graph with redis cache: %v", err)
			} else {
				drift = cached
			}
		}
		repo.Drift = drift
	}

	return repo
}
