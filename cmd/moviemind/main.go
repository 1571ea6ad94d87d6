package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lukaszzychal/moviemind-api-public-sub001/internal"
)

type cli struct {
	Verbose bool `short:"v" help:"Enable debug logging."`

	DatabaseURL string `env:"DATABASE_URL" required:"" help:"Postgres connection string."`
	RedisAddr   string `env:"REDIS_ADDR" default:"localhost:6379" help:"Redis address for the job store and queue."`

	OpenAIKey   string `env:"OPENAI_API_KEY" default:"" help:"OpenAI API key; required by the worker."`
	OpenAIModel string `env:"OPENAI_MODEL" default:"" help:"Override the generation model."`
	TMDBKey     string `env:"TMDB_API_KEY" default:"" help:"TMDb API key; verification is skipped when unset."`

	AIGeneration    bool `env:"AI_GENERATION_ENABLED" default:"true" negatable:"" help:"Enqueue generation on lookup misses."`
	BaselineUpdates bool `env:"BASELINE_LOCKED_UPDATES" default:"false" negatable:"" help:"Allow baseline-locked in-place variant updates."`

	Serve  serveCmd  `cmd:"" default:"1" help:"Run the HTTP API."`
	Worker workerCmd `cmd:"" help:"Run a generation worker."`
}

type serveCmd struct {
	Port int `env:"PORT" default:"8080" help:"Port to listen on."`
}

type workerCmd struct {
	Concurrency int `env:"WORKER_CONCURRENCY" default:"4" help:"Concurrent jobs per worker process."`
}

// deps is everything both subcommands share.
type deps struct {
	store   internal.Store
	queue   internal.Queue
	repo    internal.EntityRepository
	ledger  *internal.Ledger
	flags   internal.StaticFlags
	metrics *internal.PrometheusMetrics
	reg     *prometheus.Registry
}

func main() {
	// A missing .env is fine; real deployments use the environment directly.
	_ = godotenv.Load()

	args := &cli{}
	ctx := kong.Parse(args)

	if args.Verbose {
		internal.SetLogLevel(log.DebugLevel)
	}

	if err := run(context.Background(), args, ctx.Command()); err != nil {
		log.Fatal("exiting", "err", err)
	}
}

func run(ctx context.Context, args *cli, command string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, args)
	if err != nil {
		return err
	}

	switch command {
	case "worker":
		return runWorker(ctx, args, d)
	default:
		return runServe(ctx, args, d)
	}
}

func setup(ctx context.Context, args *cli) (*deps, error) {
	store, err := internal.NewRedisStore(ctx, args.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting job store: %w", err)
	}
	queue, err := internal.NewRedisQueue(ctx, args.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting queue: %w", err)
	}
	repo, err := internal.NewPGRepository(ctx, args.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &deps{
		store:  store,
		queue:  queue,
		repo:   repo,
		ledger: internal.NewLedger(store),
		flags: internal.StaticFlags{
			internal.FlagGeneration:      args.AIGeneration,
			internal.FlagBaselineUpdates: args.BaselineUpdates,
		},
		metrics: internal.NewPrometheusMetrics(reg),
		reg:     reg,
	}, nil
}

func runServe(ctx context.Context, args *cli, d *deps) error {
	ctrl := internal.NewController(d.repo, d.ledger, d.queue, d.store, d.flags, d.metrics, d.metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	mux.Handle("/", d.metrics.Middleware(internal.NewHandler(ctrl)))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", args.Serve.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", server.Addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, args *cli, d *deps) error {
	provider, err := internal.NewOpenAIProvider(args.OpenAIKey, args.OpenAIModel)
	if err != nil {
		return fmt.Errorf("configuring generation provider: %w", err)
	}

	var verifier internal.Verifier
	if args.TMDBKey != "" {
		verifier = internal.NewTMDBVerifier(args.TMDBKey)
	}

	engine := internal.NewEngine(
		d.repo, d.ledger, d.store,
		provider, verifier, internal.NewTextValidator(),
		d.flags, d.metrics,
	)
	worker := internal.NewWorker(d.queue, engine, d.ledger, d.metrics)

	group, ctx := errgroup.WithContext(ctx)
	for range args.Worker.Concurrency {
		group.Go(func() error {
			return worker.Run(ctx)
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
