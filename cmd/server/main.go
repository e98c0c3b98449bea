// Command server starts the openvideo ingest API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"openvideo/internal/api"
	"openvideo/internal/auth"
	"openvideo/internal/blobstore"
	"openvideo/internal/notify"
	"openvideo/internal/observability/logging"
	"openvideo/internal/observability/metrics"
	"openvideo/internal/pipeline"
	"openvideo/internal/server"
	"openvideo/internal/serverutil"
	"openvideo/internal/storage"
	"openvideo/internal/transcode"
)

var envFiles = []string{".env", ".env.dev"}

// loadEnvFiles overlays local env files onto the process environment and
// reports which ones were read.
func loadEnvFiles(files ...string) ([]string, []error) {
	var (
		loaded []string
		errs   []error
	)
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", file, err))
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded, errs
}

func main() {
	loadedEnv, envErrs := loadEnvFiles(envFiles...)

	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for in-flight requests on shutdown")

	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	postgresMigrate := flag.Bool("postgres-migrate", false, "apply embedded schema migrations at startup")

	redisAddr := flag.String("redis-addr", "", "comma separated Redis addresses shared by sessions and notification dedupe")
	redisPassword := flag.String("redis-password", "", "Redis password")

	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory, postgres or redis)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute session lifetime")
	cookieSameSite := flag.String("session-cookie-samesite", "", "SameSite mode for the session cookie (strict, lax or none)")
	cookieDomain := flag.String("session-cookie-domain", "", "domain for the session cookie (host-only when empty)")
	sessionIdle := flag.Duration("session-idle-timeout", 0, "idle timeout after which a session expires")

	activeLimit := flag.Int("active-upload-limit", 0, "maximum in-flight uploads per owner")
	staleThreshold := flag.Duration("stale-threshold", 0, "age after which an INITIATED upload is abandoned")
	uploadExpiry := flag.Duration("upload-expiry", 0, "lifetime of an issued upload target")
	reapInterval := flag.Duration("reap-interval", 0, "interval between stale upload sweeps")
	publicBaseURL := flag.String("public-base-url", "", "base URL finished media is served from")

	awsRegion := flag.String("aws-region", "", "AWS region for object storage and transcoding")
	awsAccessKey := flag.String("aws-access-key", "", "static AWS access key (default credential chain when empty)")
	awsSecretKey := flag.String("aws-secret-key", "", "static AWS secret key")
	uploadBucket := flag.String("upload-bucket", "", "bucket raw uploads are written to")
	uploadPrefix := flag.String("upload-prefix", "", "key prefix applied to raw uploads")
	uploadEndpoint := flag.String("upload-endpoint", "", "S3-compatible endpoint override")
	uploadPathStyle := flag.Bool("upload-path-style", false, "force path-style bucket addressing")
	uploadBaseURL := flag.String("upload-base-url", "", "unsigned upload base URL used when no bucket is configured")

	transcodePipeline := flag.String("transcode-pipeline-id", "", "Elastic Transcoder pipeline id")
	transcodePreset := flag.String("transcode-preset-id", "", "Elastic Transcoder preset id")
	transcodeEndpoint := flag.String("transcode-endpoint", "", "Elastic Transcoder endpoint override")
	transcodeTimeout := flag.Duration("transcode-timeout", 0, "timeout for a single job submission")

	uploadTopic := flag.String("upload-topic-arn", "", "topic announcing raw upload completion")
	transcodeTopic := flag.String("transcode-topic-arn", "", "topic announcing transcode completion")
	dedupeDriver := flag.String("notify-dedupe", "", "notification dedupe driver (memory, redis or none)")
	dedupeTTL := flag.Duration("notify-dedupe-ttl", 0, "how long delivered message ids are remembered")
	certCacheSize := flag.Int("cert-cache-size", 0, "maximum signing certificates held in memory")
	certTTL := flag.Duration("cert-ttl", 0, "how long a fetched signing certificate is trusted")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum upload requests per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting upload requests")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API from a browser")
	corsMaxAge := flag.Duration("cors-max-age", 0, "how long browsers may cache a CORS preflight answer")
	hstsMaxAge := flag.Duration("hsts-max-age", 0, "Strict-Transport-Security max-age (defaults to a year when TLS is enabled)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("OPENVIDEO_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("OPENVIDEO_LOG_FORMAT")),
	})
	for _, err := range envErrs {
		logger.Warn("failed to load env file", "error", err)
	}
	if len(loadedEnv) > 0 {
		logger.Debug("loaded env files", "files", strings.Join(loadedEnv, ", "))
	}
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverMode := modeValue(*mode, os.Getenv("OPENVIDEO_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("OPENVIDEO_ADDR"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, _, err := resolveStorageDriver(*storageDriver, os.Getenv("OPENVIDEO_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN, os.Getenv("OPENVIDEO_POSTGRES_DSN")); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	var (
		store                   storage.Repository
		dataFile                string
		storagePostgresDSN      string
		datastoreAcquireTimeout time.Duration
	)
	switch driver {
	case "json":
		dataFile = resolveDataPath(*dataPath, os.Getenv("OPENVIDEO_DATA"))
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		storagePostgresDSN = postgresDefaultDSN
		if storagePostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "OPENVIDEO_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "OPENVIDEO_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "OPENVIDEO_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "OPENVIDEO_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "OPENVIDEO_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		datastoreAcquireTimeout = resolveDuration(*postgresAcquireTimeout, "OPENVIDEO_POSTGRES_ACQUIRE_TIMEOUT", 0)
		if datastoreAcquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(datastoreAcquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("OPENVIDEO_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		if resolveBool(*postgresMigrate, "OPENVIDEO_POSTGRES_MIGRATE") {
			pgOptions = append(pgOptions, storage.WithPostgresMigrations(true))
		}
		store, err = storage.NewPostgresRepository(storagePostgresDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sharedRedisAddr := firstNonEmpty(*redisAddr, os.Getenv("OPENVIDEO_REDIS_ADDR"))
	sharedRedisPassword := firstNonEmpty(*redisPassword, os.Getenv("OPENVIDEO_REDIS_PASSWORD"))
	var redisClient redis.UniversalClient
	sharedRedis := func() (redis.UniversalClient, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		client, err := newRedisClient(sharedRedisAddr, sharedRedisPassword)
		if err != nil {
			return nil, err
		}
		redisClient = client
		return client, nil
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("OPENVIDEO_SESSION_STORE"),
		driver,
		storagePostgresDSN,
		*sessionPostgresDSN,
		os.Getenv("OPENVIDEO_SESSION_POSTGRES_DSN"),
		serverMode == "production",
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var (
		sessionStore  auth.SessionStore
		sessionCloser func(context.Context) error
	)
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(sessionConfig.DSN, auth.WithTimeout(datastoreAcquireTimeout))
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
		sessionCloser = pgStore.Close
	case "redis":
		client, err := sharedRedis()
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = auth.NewRedisSessionStore(client, "")
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}

	sessionOpts := []auth.SessionOption{auth.WithStore(sessionStore)}
	if idle := resolveDuration(*sessionIdle, "OPENVIDEO_SESSION_IDLE_TIMEOUT", 0); idle > 0 {
		sessionOpts = append(sessionOpts, auth.WithIdleTimeout(idle))
	}
	sessions := auth.NewSessionManager(resolveDuration(*sessionTTL, "OPENVIDEO_SESSION_TTL", 24*time.Hour), sessionOpts...)

	pipelineCfg := pipeline.Config{
		ActiveLimit:    resolveInt(*activeLimit, "OPENVIDEO_ACTIVE_UPLOAD_LIMIT"),
		StaleThreshold: resolveDuration(*staleThreshold, "OPENVIDEO_STALE_THRESHOLD", pipeline.DefaultStaleThreshold),
		UploadExpiry:   resolveDuration(*uploadExpiry, "OPENVIDEO_UPLOAD_EXPIRY", pipeline.DefaultUploadExpiry),
	}

	region := firstNonEmpty(*awsRegion, os.Getenv("OPENVIDEO_AWS_REGION"), os.Getenv("AWS_REGION"))
	accessKey := firstNonEmpty(*awsAccessKey, os.Getenv("OPENVIDEO_AWS_ACCESS_KEY"))
	secretKey := firstNonEmpty(*awsSecretKey, os.Getenv("OPENVIDEO_AWS_SECRET_KEY"))

	blobCfg := blobstore.Config{
		Bucket:    firstNonEmpty(*uploadBucket, os.Getenv("OPENVIDEO_UPLOAD_BUCKET")),
		Prefix:    firstNonEmpty(*uploadPrefix, os.Getenv("OPENVIDEO_UPLOAD_PREFIX")),
		Region:    region,
		Endpoint:  firstNonEmpty(*uploadEndpoint, os.Getenv("OPENVIDEO_UPLOAD_ENDPOINT")),
		AccessKey: accessKey,
		SecretKey: secretKey,
		PathStyle: resolveBool(*uploadPathStyle, "OPENVIDEO_UPLOAD_PATH_STYLE"),
	}
	issuer, err := buildIssuer(ctx, blobCfg, firstNonEmpty(*uploadBaseURL, os.Getenv("OPENVIDEO_UPLOAD_BASE_URL")))
	if err != nil {
		logger.Error("failed to configure upload targets", "error", err)
		os.Exit(1)
	}

	transcodeCfg := transcode.Config{
		Region:     region,
		Endpoint:   firstNonEmpty(*transcodeEndpoint, os.Getenv("OPENVIDEO_TRANSCODE_ENDPOINT")),
		AccessKey:  accessKey,
		SecretKey:  secretKey,
		PipelineID: firstNonEmpty(*transcodePipeline, os.Getenv("OPENVIDEO_TRANSCODE_PIPELINE_ID")),
		PresetID:   firstNonEmpty(*transcodePreset, os.Getenv("OPENVIDEO_TRANSCODE_PRESET_ID")),
		Timeout:    resolveDuration(*transcodeTimeout, "OPENVIDEO_TRANSCODE_TIMEOUT", 0),
	}
	dispatcher, err := buildDispatcher(ctx, transcodeCfg, logger, recorder)
	if err != nil {
		logger.Error("failed to configure transcoder", "error", err)
		os.Exit(1)
	}

	admission := pipeline.NewAdmission(store, issuer, pipelineCfg, logger, recorder)
	stateDriver := pipeline.NewDriver(store, dispatcher, pipeline.DriverConfig{
		Config:        pipelineCfg,
		PublicBaseURL: firstNonEmpty(*publicBaseURL, os.Getenv("OPENVIDEO_PUBLIC_BASE_URL")),
		KeyPrefix:     blobCfg.Prefix,
	}, logger, recorder)
	reaper := pipeline.NewReaper(store, pipelineCfg, logger, recorder)

	resolvedDedupe := strings.ToLower(firstNonEmpty(*dedupeDriver, os.Getenv("OPENVIDEO_NOTIFY_DEDUPE"), "memory"))
	deduper, err := buildDeduper(resolvedDedupe, resolveDuration(*dedupeTTL, "OPENVIDEO_NOTIFY_DEDUPE_TTL", 0), sharedRedis)
	if err != nil {
		logger.Error("failed to configure notification dedupe", "error", err)
		os.Exit(1)
	}
	certs := notify.NewCertCache(
		resolveInt(*certCacheSize, "OPENVIDEO_CERT_CACHE_SIZE"),
		notify.WithCertTTL(resolveDuration(*certTTL, "OPENVIDEO_CERT_TTL", 0)),
		notify.WithCertMetrics(recorder),
	)
	notifyCfg := notify.RouterConfig{
		UploadTopicArn:    firstNonEmpty(*uploadTopic, os.Getenv("OPENVIDEO_UPLOAD_TOPIC_ARN")),
		TranscodeTopicArn: firstNonEmpty(*transcodeTopic, os.Getenv("OPENVIDEO_TRANSCODE_TOPIC_ARN")),
		Verifier:          notify.NewVerifier(certs, logger),
		Uploads:           stateDriver,
		Transcodes:        stateDriver,
		Dedupe:            deduper,
		Logger:            logger,
		Metrics:           recorder,
	}
	if notifyCfg.UploadTopicArn == "" || notifyCfg.TranscodeTopicArn == "" {
		logger.Warn("notification topics not fully configured; deliveries on unknown topics are ignored",
			"upload_topic", notifyCfg.UploadTopicArn, "transcode_topic", notifyCfg.TranscodeTopicArn)
	}

	handler := api.NewHandler(store, sessions)
	handler.Logger = logger
	handler.Admission = admission
	handler.Driver = stateDriver
	handler.Router = notify.NewRouter(notifyCfg)
	sameSite, err := api.ParseSameSite(firstNonEmpty(*cookieSameSite, os.Getenv("OPENVIDEO_SESSION_COOKIE_SAMESITE")))
	if err != nil {
		logger.Error("invalid session cookie configuration", "error", err)
		os.Exit(1)
	}
	handler.SessionCookiePolicy = api.SessionCookiePolicy{
		SameSite:   sameSite,
		SecureMode: resolveSessionCookieSecureMode(serverMode),
		Domain:     firstNonEmpty(*cookieDomain, os.Getenv("OPENVIDEO_SESSION_COOKIE_DOMAIN")),
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "OPENVIDEO_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "OPENVIDEO_RATE_GLOBAL_BURST"),
		UploadLimit:   resolveInt(*uploadLimit, "OPENVIDEO_RATE_UPLOAD_LIMIT"),
		UploadWindow:  resolveDuration(*uploadWindow, "OPENVIDEO_RATE_UPLOAD_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("OPENVIDEO_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("OPENVIDEO_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*rateRedisTimeout, "OPENVIDEO_RATE_REDIS_TIMEOUT", 2*time.Second),
	}
	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("OPENVIDEO_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("OPENVIDEO_TLS_KEY")),
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		RateLimit: rateCfg,
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("OPENVIDEO_CORS_ORIGINS"))),
			MaxAge:         resolveDuration(*corsMaxAge, "OPENVIDEO_CORS_MAX_AGE", 0),
		},
		Security:    server.SecurityConfig{HSTSMaxAge: resolveDuration(*hstsMaxAge, "OPENVIDEO_HSTS_MAX_AGE", 0)},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	summary := newStartupSummary(startupSummaryInput{
		Mode:          serverMode,
		StorageDriver: driver,
		StoragePath:   dataFile,
		StorageDSN:    storagePostgresDSN,
		SessionConfig: sessionConfig,
		RedisAddr:     sharedRedisAddr,
		RateLimit:     rateCfg,
		Blobstore:     blobCfg,
		Transcode:     transcodeCfg,
		Notify:        notifyCfg,
		DedupeDriver:  resolvedDedupe,
	})
	logger.Info("openvideo configuration", summary.LogArgs()...)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	reapStop := startReapWorker(workerCtx, logging.WithComponent(logger, "reaper"), reaper,
		resolveDuration(*reapInterval, "OPENVIDEO_REAP_INTERVAL", defaultReapInterval))
	defer reapStop()
	sessionPurgeStop := startSessionPurgeWorker(workerCtx, logging.WithComponent(logger, "session-purger"), sessions, recorder, defaultSessionPurgeInterval)
	defer sessionPurgeStop()

	hooks := []serverutil.Hook{
		{Name: "workers", Close: func(context.Context) error {
			workerCancel()
			reapStop()
			sessionPurgeStop()
			return nil
		}},
		{Name: "rate-limit", Close: func(context.Context) error { return srv.Close() }},
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		hooks = append(hooks, serverutil.Hook{Name: "datastore", Close: closer.Close})
	}
	if sessionCloser != nil {
		hooks = append(hooks, serverutil.Hook{Name: "session-store", Close: sessionCloser})
	}
	hooks = append(hooks, serverutil.Hook{Name: "redis", Close: func(context.Context) error {
		if redisClient == nil {
			return nil
		}
		return redisClient.Close()
	}})

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             tlsCfg,
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "OPENVIDEO_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
		Logger:          logging.WithComponent(logger, "http"),
		Hooks:           hooks,
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr, "mode", serverMode)
	}

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

// buildIssuer presigns against a bucket when one is configured. Without a
// bucket, targets point at baseURL unsigned, which suits local development
// against a permissive store.
func buildIssuer(ctx context.Context, cfg blobstore.Config, baseURL string) (blobstore.Issuer, error) {
	if cfg.Enabled() {
		return blobstore.NewS3Issuer(ctx, cfg)
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("configure OPENVIDEO_UPLOAD_BUCKET or OPENVIDEO_UPLOAD_BASE_URL")
	}
	return blobstore.UnsignedIssuer{BaseURL: baseURL, Prefix: cfg.Prefix}, nil
}

func buildDispatcher(ctx context.Context, cfg transcode.Config, logger *slog.Logger, recorder *metrics.Recorder) (transcode.Dispatcher, error) {
	if !cfg.Enabled() {
		return transcode.Noop{Logger: logging.WithComponent(logger, "transcode")}, nil
	}
	return transcode.NewElasticDispatcher(ctx, cfg, logger, recorder)
}

func buildDeduper(driver string, ttl time.Duration, redisClient func() (redis.UniversalClient, error)) (notify.Deduper, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return notify.NewMemoryDeduper(0, ttl), nil
	case "redis":
		client, err := redisClient()
		if err != nil {
			return nil, err
		}
		return notify.NewRedisDeduper(client, "", ttl), nil
	case "none", "off":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported dedupe driver %q", driver)
	}
}

func newRedisClient(addrs, password string) (redis.UniversalClient, error) {
	list := splitAndTrim(addrs)
	if len(list) == 0 {
		return nil, errors.New("redis address required: set OPENVIDEO_REDIS_ADDR or --redis-addr")
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    list,
		Password: password,
	}), nil
}

type sessionStoreConfig struct {
	Driver string
	DSN    string
}

func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string, requireDurable bool) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	sessionDSN := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN))
	if driver == "" {
		switch {
		case sessionDSN != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	var cfg sessionStoreConfig
	switch driver {
	case "memory":
		cfg = sessionStoreConfig{Driver: "memory"}
	case "postgres":
		if sessionDSN == "" {
			sessionDSN = strings.TrimSpace(storageDSN)
		}
		if sessionDSN == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		cfg = sessionStoreConfig{Driver: "postgres", DSN: sessionDSN}
	case "redis":
		cfg = sessionStoreConfig{Driver: "redis"}
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
	if requireDurable && cfg.Driver == "memory" {
		return sessionStoreConfig{}, fmt.Errorf("production mode requires a postgres or redis session store")
	}
	return cfg, nil
}

func resolveSessionCookieSecureMode(mode string) api.SessionCookieSecureMode {
	if strings.EqualFold(strings.TrimSpace(mode), "production") {
		return api.SessionCookieSecureAlways
	}
	return api.SessionCookieSecureAuto
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, bool, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, true, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, true, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", false, nil
	}
	return "", false, fmt.Errorf("no datastore configured: provide --storage-driver json or configure Postgres via OPENVIDEO_POSTGRES_DSN, DATABASE_URL, or --postgres-dsn")
}

func validateProductionDatastore(driver, resolvedPostgresDSN, envPostgresDSN string) error {
	if driver != "postgres" {
		if driver == "" {
			return fmt.Errorf("production mode requires the postgres datastore driver")
		}
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(envPostgresDSN) == "" {
		return fmt.Errorf("production mode requires OPENVIDEO_POSTGRES_DSN to be set")
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("OPENVIDEO_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
