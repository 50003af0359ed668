package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"gorm.io/gorm"

	"shipnotes/internal"
	"shipnotes/pkg/api"
	"shipnotes/pkg/cache"
	"shipnotes/pkg/generate"
	"shipnotes/pkg/intake"
	"shipnotes/pkg/processor"
	"shipnotes/pkg/providers/github"
	"shipnotes/pkg/quota"
	"shipnotes/pkg/storage"
	"shipnotes/pkg/storage/events"
	"shipnotes/pkg/storage/installations"
	"shipnotes/pkg/storage/posts"
	"shipnotes/pkg/stream"
	"shipnotes/pkg/webhook"
	"shipnotes/pkg/worker"
)

const (
	modeServer = "server"
	modeWorker = "worker"
	modeAll    = "all"

	shutdownTimeout = 10 * time.Second
)

type app struct {
	cfg    internal.Config
	mode   string
	logger *log.Logger

	cache         cache.Store
	redis         *redis.Client
	db            *gorm.DB
	installations *installations.Store
	events        *events.Store
	posts         *posts.Store
	credentials   *github.Credentials
	hub           *stream.Hub
	processor     *processor.Processor

	queue       intake.Queue
	memoryQueue *intake.MemoryQueue
	sharedGo    *gochannel.GoChannel
	riverPool   *pgxpool.Pool
	riverClient *river.Client[pgx.Tx]

	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg internal.Config, mode string) (*app, error) {
	a := &app{cfg: cfg, mode: mode, logger: internal.NewLogger("main")}
	steps := []func(context.Context) error{a.openCache, a.openStorage, a.buildPipeline, a.openQueue}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) serves() bool { return a.mode == modeServer || a.mode == modeAll }
func (a *app) works() bool  { return a.mode == modeWorker || a.mode == modeAll }

func (a *app) openCache(ctx context.Context) error {
	switch a.cfg.Cache.Driver {
	case "memory":
		a.cache = cache.NewMemory()
	case "redis":
		client, err := cache.NewRedisClient(ctx, a.cfg.Cache.Redis)
		if err != nil {
			return err
		}
		a.redis = client
		a.cache = cache.NewRedis(client, a.cfg.Cache.Redis.Prefix)
	default:
		return fmt.Errorf("unsupported cache driver: %s", a.cfg.Cache.Driver)
	}
	a.logger.Printf("cache driver=%s", a.cfg.Cache.Driver)
	return nil
}

func (a *app) openStorage(context.Context) error {
	cfg := a.cfg.Storage
	db, err := storage.OpenDB(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.db = db
	if a.installations, err = installations.New(db, cfg.TablePrefix+"installations", cfg.AutoMigrate); err != nil {
		return fmt.Errorf("installations store: %w", err)
	}
	if a.events, err = events.New(db, cfg.TablePrefix+"events", cfg.AutoMigrate); err != nil {
		return fmt.Errorf("events store: %w", err)
	}
	if a.posts, err = posts.New(db, cfg.TablePrefix+"posts", cfg.AutoMigrate); err != nil {
		return fmt.Errorf("posts store: %w", err)
	}
	return nil
}

func (a *app) buildPipeline(context.Context) error {
	if !a.cfg.GitHub.HasAppCredentials() {
		a.logger.Printf("github app credentials missing; push and pull_request jobs will fail until app_id and private_key are set")
	}
	a.credentials = github.NewCredentials(a.cfg.GitHub, a.cache)
	a.hub = stream.NewHub(
		stream.StoreSource{Events: a.events, Posts: a.posts, Limit: a.cfg.Stream.RecentLimit},
		stream.WithInterval(a.cfg.Stream.RefreshInterval()),
		stream.WithBuffer(a.cfg.Stream.Buffer),
	)

	// a separate worker process reaches the server's hub through redis
	var announcer processor.Announcer = a.hub
	if a.redis != nil {
		announcer = stream.NewRedisAnnouncer(a.redis, a.cfg.Stream.RedisChannel)
	}
	a.processor = processor.New(a.events, a.installations, a.posts, a.credentials,
		processor.WithAnnouncer(announcer),
		processor.WithRemoteTimeout(millis(a.cfg.Worker.RemoteTimeoutMS)),
	)
	return nil
}

func (a *app) openQueue(ctx context.Context) error {
	switch a.cfg.Queue.Driver {
	case "memory":
		if a.mode != modeAll {
			return errors.New("memory queue requires -mode=all")
		}
		a.memoryQueue = intake.NewMemoryQueue(a.cfg.Worker.Concurrency * 16)
		a.queue = a.memoryQueue
	case "watermill":
		return a.openWatermill()
	case "river":
		return a.openRiver(ctx)
	default:
		return fmt.Errorf("unsupported queue driver: %s", a.cfg.Queue.Driver)
	}
	return nil
}

func (a *app) openWatermill() error {
	wm := a.cfg.Queue.Watermill
	if err := wm.CheckProcessMode(a.mode == modeAll); err != nil {
		return err
	}
	drivers := internal.Drivers(wm.Driver, wm.Drivers)
	if a.mode == modeAll && slices.Contains(drivers, "gochannel") {
		// publisher and worker must share the in-process channel
		a.sharedGo = internal.NewSharedGoChannel(wm.GoChannel)
		shared := a.sharedGo
		internal.RegisterPublisherDriver("gochannel", func(internal.WatermillConfig, watermill.LoggerAdapter) (message.Publisher, func() error, error) {
			return shared, nil, nil
		})
		worker.RegisterSubscriberDriver("gochannel", func(internal.WatermillConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return shared, nil
		})
	}
	if !a.serves() {
		return nil
	}
	publisher, err := internal.NewPublisher(wm)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	queue, err := intake.NewWatermillQueue(publisher, a.cache, a.cfg.Queue.Topic, wm)
	if err != nil {
		_ = publisher.Close()
		return err
	}
	a.queue = queue
	return nil
}

func (a *app) openRiver(ctx context.Context) error {
	pool, err := internal.OpenRiverPool(ctx, a.cfg.Queue.River)
	if err != nil {
		return err
	}
	a.riverPool = pool
	if a.cfg.Queue.River.Migrate {
		if err := internal.MigrateRiver(ctx, pool); err != nil {
			return err
		}
	}

	var client *river.Client[pgx.Tx]
	if a.works() {
		client, err = worker.NewRiverClient(pool, a.processor, worker.RiverOptions{
			Queue:       a.cfg.Queue.River.Queue,
			Concurrency: a.cfg.Worker.Concurrency,
			MaxAttempts: a.cfg.Queue.River.MaxAttempts,
			JobTimeout:  millis(a.cfg.Worker.JobTimeoutMS),
		})
		a.riverClient = client
	} else {
		client, err = intake.NewRiverInsertClient(pool)
	}
	if err != nil {
		return fmt.Errorf("river client: %w", err)
	}
	if a.serves() {
		queue, err := intake.NewRiverQueue(client, a.cfg.Queue.River, false)
		if err != nil {
			return err
		}
		a.queue = queue
	}
	return nil
}

func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 4)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if a.works() {
		start("worker", a.runWorker)
	}
	if a.serves() {
		start("hub", a.hub.Run)
		if a.redis != nil {
			start("relay", stream.NewRedisRelay(a.redis, a.cfg.Stream.RedisChannel, a.hub).Run)
		}
		start("http", a.runServer)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errs:
	}
	cancel()
	wg.Wait()
	return err
}

func (a *app) runWorker(ctx context.Context) error {
	switch {
	case a.memoryQueue != nil:
		return a.drainMemory(ctx)
	case a.riverClient != nil:
		if err := a.riverClient.Start(ctx); err != nil {
			return err
		}
		a.logger.Printf("river worker started queue=%s", a.cfg.Queue.River.Queue)
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.riverClient.Stop(stopCtx)
	default:
		w, err := a.watermillWorker()
		if err != nil {
			return err
		}
		defer w.Close()
		a.logger.Printf("watermill worker started topic=%s", a.cfg.Queue.Topic)
		return w.Run(ctx)
	}
}

func (a *app) watermillWorker() (*worker.Worker, error) {
	wc := a.cfg.Worker
	logger := internal.NewLogger("worker")
	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithTopics(a.cfg.Queue.Topic),
		worker.WithConcurrency(wc.Concurrency),
		worker.WithMiddleware(worker.Recoverer(), worker.Timeout(millis(wc.JobTimeoutMS))),
		worker.WithRetry(worker.BackoffRetry{
			MaxAttempts: wc.MaxAttempts,
			Base:        millis(wc.RetryBaseMS),
			Max:         millis(wc.RetryMaxMS),
			Permanent:   processor.IsPermanent,
		}),
		worker.WithListener(worker.MetricsListener(logger)),
	}
	w, err := worker.NewFromConfig(a.cfg.Queue.Watermill, opts...)
	if err != nil {
		return nil, fmt.Errorf("subscriber: %w", err)
	}
	w.HandleTopic(a.cfg.Queue.Topic, worker.ProcessHandler(a.processor))
	return w, nil
}

// drainMemory processes in-process jobs without retries.
func (a *app) drainMemory(ctx context.Context) error {
	timeout := millis(a.cfg.Worker.JobTimeoutMS)
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-a.memoryQueue.C:
			jobCtx, cancel := context.WithTimeout(ctx, timeout)
			if err := a.processor.Process(jobCtx, job.DeliveryID); err != nil {
				internal.IncJob("failed")
				a.logger.Printf("job failed delivery_id=%s: %v", job.DeliveryID, err)
			}
			cancel()
		}
	}
}

func (a *app) runServer(ctx context.Context) error {
	handler, err := a.routes()
	if err != nil {
		return err
	}
	srv := a.cfg.Server
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(srv.Port),
		Handler:           internal.NewRateLimitHandler(handler, srv.RateLimitRPS, srv.RateLimitBurst, 0, a.cfg.GitHub.Path),
		ReadTimeout:       millis(srv.ReadTimeoutMS),
		WriteTimeout:      millis(srv.WriteTimeoutMS),
		IdleTimeout:       millis(srv.IdleTimeoutMS),
		ReadHeaderTimeout: millis(srv.ReadHeaderMS),
	}

	errs := make(chan error, 1)
	go func() {
		a.logger.Printf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Printf("shutdown: %v", err)
	}
	return nil
}

func (a *app) routes() (http.Handler, error) {
	rules, err := internal.NewRuleEngine(a.cfg.RulesConfig())
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	in := intake.New(a.events, a.queue, intake.WithFilter(rules))
	gh, err := webhook.NewGitHubHandler(webhook.Options{
		Secret:      a.cfg.GitHub.Secret,
		MaxBody:     a.cfg.Server.MaxBodyBytes,
		DebugEvents: a.cfg.GitHub.DebugEvents,
	}, a.installations, in, a.credentials)
	if err != nil {
		return nil, fmt.Errorf("github handler: %w", err)
	}

	gate := quota.NewGate(a.cache, a.cfg.Quota.DailyLimit)
	var generator api.Generator
	completer, err := generate.NewOpenAICompleter(a.cfg.Generator)
	if err != nil {
		a.logger.Printf("generation disabled: %v", err)
	} else {
		generator = generate.NewService(gate, completer, a.posts)
	}

	apiLogger := internal.NewLogger("api")
	userHeader := a.cfg.Server.UserHeader
	mux := http.NewServeMux()
	mux.Handle(a.cfg.GitHub.Path, gh)
	mux.Handle("/api/generate", &api.GenerateHandler{Generator: generator, UserHeader: userHeader, Logger: apiLogger})
	mux.Handle("/api/quota", &api.QuotaHandler{Gate: gate, UserHeader: userHeader, Logger: apiLogger})
	mux.Handle("/api/stream", stream.Handler(a.hub))
	mux.Handle("/api/events", &api.EventsHandler{Store: a.events, Logger: apiLogger})
	mux.Handle("/api/installations", &api.InstallationsHandler{Store: a.installations, Logger: apiLogger})
	mux.Handle("/api/installations/sync", &api.SyncInstallationHandler{Store: a.installations, Source: a.credentials, Logger: apiLogger})
	if a.cfg.Server.MetricsEnabled {
		mux.Handle(a.cfg.Server.MetricsPath, expvar.Handler())
	}
	a.logger.Printf("github webhook enabled on %s", a.cfg.GitHub.Path)
	return mux, nil
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		// the watermill queue owns its publisher
		if a.queue != nil {
			_ = a.queue.Close()
		}
		if a.sharedGo != nil {
			_ = a.sharedGo.Close()
		}
		if a.riverPool != nil {
			a.riverPool.Close()
		}
		if a.db != nil {
			_ = storage.CloseDB(a.db)
		}
		if a.redis != nil {
			_ = a.redis.Close()
		}
	})
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
