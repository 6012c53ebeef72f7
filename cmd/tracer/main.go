package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/cache"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/dispatch"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/endpoint"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/explorer"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/paginate"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/service"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/trace"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/transport"
)

type config struct {
	Addr           string        `long:"addr" env:"TRACER_ADDR" description:"HTTP listen address" default:":8080"`
	Endpoints      []string      `long:"endpoint" env:"TRACER_ENDPOINTS" env-delim:"," description:"upstream endpoint as url|tier|schema" default:"https://blockstream.info/api|public|esplora" default:"https://mempool.space/api|public|esplora"`
	RedisURL       string        `long:"redis-url" env:"TRACER_REDIS_URL" description:"Redis URL for the response cache, empty disables caching"`
	GlobalCap      int           `long:"global-cap" env:"TRACER_GLOBAL_CAP" description:"global upstream in-flight cap" default:"50"`
	RequestTimeout time.Duration `long:"request-timeout" env:"TRACER_REQUEST_TIMEOUT" description:"per upstream request timeout" default:"1500ms"`
	EndpointRPS    int           `long:"endpoint-rps" env:"TRACER_ENDPOINT_RPS" description:"per-endpoint request rate" default:"10"`
	PageSize       int           `long:"page-size" env:"TRACER_PAGE_SIZE" description:"history page size" default:"50"`
	MaxPages       int           `long:"max-pages" env:"TRACER_MAX_PAGES" description:"max history pages per address" default:"40"`
	FetchWorkers   int           `long:"fetch-workers" env:"TRACER_FETCH_WORKERS" description:"trace detail fetch workers" default:"8"`
}

func main() {
	cfg := config{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("can't initialize zap logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync()
	}()

	if _, err := flags.ParseArgs(&cfg, os.Args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		logger.Fatal("failed to parse flags", zap.Error(err))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("tracer failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	endpoints, err := parseEndpoints(cfg.Endpoints)
	if err != nil {
		return err
	}

	registry := endpoint.NewRegistry(logger, endpoints)
	client := explorer.NewClient(logger)
	dispatcher := dispatch.New(logger, registry, client, dispatch.Options{
		GlobalCap:      cfg.GlobalCap,
		RequestTimeout: cfg.RequestTimeout,
		EndpointRPS:    cfg.EndpointRPS,
	})
	paginator := paginate.New(logger, dispatcher, cfg.PageSize, cfg.MaxPages)

	responseCache, err := newCache(cfg.RedisURL, logger)
	if err != nil {
		return err
	}

	reader := &chainSource{dispatcher: dispatcher, paginator: paginator}
	svc, err := service.NewTracerService(reader, dispatcher, nil, registry, responseCache, logger)
	if err != nil {
		return fmt.Errorf("init tracer service: %w", err)
	}
	// The orchestrator reads through the service so trace fetches share the
	// response cache.
	orchestrator := trace.New(logger, svc, nil, cfg.FetchWorkers)
	svc.SetTracer(orchestrator)

	handler := transport.NewHandler(svc, logger)

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cors.Default().Handler(handler.Router()),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down the http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown http server", zap.Error(err))
		}
	}()

	logger.Info("Starting HTTP server",
		zap.String("addr", cfg.Addr),
		zap.Int("endpoints", len(endpoints)))
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// chainSource glues the dispatcher and the pagination controller into the
// address reader the service expects.
type chainSource struct {
	dispatcher *dispatch.Dispatcher
	paginator  *paginate.Paginator
}

func (s *chainSource) AddressSummary(ctx context.Context, addr string) (model.AddressSummary, error) {
	return s.dispatcher.AddressSummary(ctx, addr)
}

func (s *chainSource) AddressTxIDs(ctx context.Context, addr string, knownTotal *int) ([]string, error) {
	return s.paginator.FetchAllTxIDs(ctx, addr, knownTotal)
}

// parseEndpoints parses "url|tier|schema" endpoint specs. Tier and schema
// default to public esplora when omitted.
func parseEndpoints(specs []string) ([]endpoint.Config, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one upstream endpoint is required")
	}
	cfgs := make([]endpoint.Config, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, "|")
		cfg := endpoint.Config{
			BaseURL: strings.TrimRight(parts[0], "/"),
			Tier:    endpoint.TierPublic,
			Schema:  endpoint.SchemaEsplora,
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("endpoint spec %q missing url", spec)
		}
		if len(parts) > 1 && parts[1] != "" {
			tier, err := endpoint.ParseTier(parts[1])
			if err != nil {
				return nil, fmt.Errorf("endpoint spec %q: %w", spec, err)
			}
			cfg.Tier = tier
		}
		if len(parts) > 2 && parts[2] != "" {
			schema, err := endpoint.ParseSchema(parts[2])
			if err != nil {
				return nil, fmt.Errorf("endpoint spec %q: %w", spec, err)
			}
			cfg.Schema = schema
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

func newCache(redisURL string, logger *zap.Logger) (cache.Cache, error) {
	if redisURL == "" {
		logger.Info("Response cache disabled, no Redis URL configured")
		return cache.Noop{}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return cache.NewRedisCache(redis.NewClient(opts)), nil
}
