// ingestd is the marketplace data-ingestion daemon: it pulls seller
// data from Wildberries and Ozon, detects state changes, loads facts
// into ClickHouse and serves the operator REST and websocket facade.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/sellerpulse/sellerpulse/ingestd/breaker"
	"github.com/sellerpulse/sellerpulse/ingestd/config"
	"github.com/sellerpulse/sellerpulse/ingestd/credentials"
	"github.com/sellerpulse/sellerpulse/ingestd/dispatcher"
	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/ingest"
	"github.com/sellerpulse/sellerpulse/ingestd/loader"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/marketplace"
	"github.com/sellerpulse/sellerpulse/ingestd/orchestrator"
	"github.com/sellerpulse/sellerpulse/ingestd/proxypool"
	"github.com/sellerpulse/sellerpulse/ingestd/ratelimit"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
	"github.com/sellerpulse/sellerpulse/ingestd/store"
	"github.com/sellerpulse/sellerpulse/ingestd/tasks"
)

const proxyRefreshEvery = 5 * time.Minute

// credsHandle defers the credential store reference: the ingestion
// service needs credentials and the credential store needs the
// ingestion service as its prober. The handle is passed first and
// pointed at the store once it exists.
type credsHandle struct {
	store *credentials.Store
}

func (h *credsHandle) Get(ctx context.Context, shopID int64) (*domain.Credentials, error) {
	return h.store.Get(ctx, shopID)
}

func main() {
	level := zapcore.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	logger := log.New(level)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ingestd exited", zap.Error(err))
	}
	logger.Info("ingestd stopped")
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	st, err := state.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer st.Close()

	cipher, err := credentials.NewCipher(cfg.Secret)
	if err != nil {
		return err
	}

	oltp, err := store.NewPostgres(ctx, cfg.PostgresDSN, cipher)
	if err != nil {
		return err
	}
	defer oltp.Close()

	olap, err := loader.Connect(ctx, loader.Options{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
	})
	if err != nil {
		return err
	}
	defer olap.Close()

	limiter := ratelimit.New(st, limiterOverrides(ctx, cfg, oltp, logger)...)

	proxies := proxypool.New(oltp, st, logger)
	if err := proxies.Refresh(ctx); err != nil {
		logger.Warn("initial proxy refresh failed", zap.Error(err))
	}

	brk := breaker.New(st, oltp, logger)
	client := marketplace.New(brk, limiter, proxies, oltp, logger)
	tokens := marketplace.NewTokenCache(client, st)

	hub := NewEventsHub(logger)
	detector := events.NewDetector(st)
	recorder := events.NewRecorder(oltp, hub, logger)

	handle := &credsHandle{}
	svc := ingest.New(client, handle, tokens, oltp, olap, detector, recorder, logger)
	creds := credentials.New(cipher, oltp, svc, brk)
	handle.store = creds

	broker := tasks.NewBroker(st.Client())
	registry := tasks.NewRegistry()
	limits := queueLimits(cfg)

	disp := dispatcher.New(oltp, st, broker, registry, limits, logger)
	orch := orchestrator.New(st, oltp, svc.BackfillChains(), logger)
	svc.RegisterTasks(registry, disp, oltp, orch)

	runner := tasks.NewRunner(broker, registry, limits, logger)
	beat := tasks.NewBeat(broker, registry, ingest.DefaultBeatEntries(), logger)

	api := NewAPI(oltp, olap, st, creds, orch, broker, registry, hub, proxies, logger)
	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: api.Routes()}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return beat.Run(ctx) })
	g.Go(func() error {
		recorder.Run(ctx)
		return nil
	})
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(proxyRefreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := proxies.Refresh(ctx); err != nil {
					logger.Warn("proxy refresh failed", zap.Error(err))
				}
			}
		}
	})
	g.Go(func() error { return serve(ctx, apiServer, "api", logger) })
	g.Go(func() error { return serve(ctx, metricsServer, "metrics", logger) })

	logger.Info("ingestd started",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Int("fast_workers", cfg.Queues.Fast),
		zap.Int("sync_workers", cfg.Queues.Sync),
		zap.Int("backfill_workers", cfg.Queues.Backfill))

	return g.Wait()
}

// serve runs an HTTP server until the context ends, then drains it
// within the shutdown budget.
func serve(ctx context.Context, srv *http.Server, name string, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.String("server", name), zap.Error(err))
	}
	return <-errCh
}

// limiterOverrides merges file and database overrides, database last.
func limiterOverrides(ctx context.Context, cfg config.Config, oltp *store.Postgres, logger *log.Logger) []ratelimit.Option {
	var opts []ratelimit.Option
	for scope, o := range cfg.RateOverrides {
		opts = append(opts, ratelimit.WithOverride(ratelimit.Scope(scope), ratelimit.Config{
			Window:      time.Duration(o.WindowSeconds) * time.Second,
			MaxRequests: o.MaxRequests,
		}))
	}
	dbOverrides, err := oltp.ListRateOverrides(ctx)
	if err != nil {
		logger.Warn("rate override load failed", zap.Error(err))
		return opts
	}
	for _, o := range dbOverrides {
		opts = append(opts, ratelimit.WithOverride(ratelimit.Scope(o.Scope), ratelimit.Config{
			Window:      time.Duration(o.WindowSeconds) * time.Second,
			MaxRequests: o.MaxRequests,
		}))
	}
	return opts
}

func queueLimits(cfg config.Config) map[string]tasks.Limits {
	limits := tasks.DefaultLimits()
	for queue, n := range map[string]int{
		tasks.QueueFast:     cfg.Queues.Fast,
		tasks.QueueSync:     cfg.Queues.Sync,
		tasks.QueueBackfill: cfg.Queues.Backfill,
	} {
		lim := limits[queue]
		lim.Concurrency = n
		limits[queue] = lim
	}
	return limits
}
