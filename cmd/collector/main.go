package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fregster/hangar-assistant/internal/api"
	"github.com/fregster/hangar-assistant/internal/collector"
	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/internal/publish"
	"github.com/fregster/hangar-assistant/internal/sources"
	"github.com/fregster/hangar-assistant/pkg/aggregator"
	"github.com/fregster/hangar-assistant/pkg/config"
	"github.com/fregster/hangar-assistant/pkg/coordinates"
)

// Collector runs the aggregation manager as a service: it polls every
// configured source around the observer, publishes merged snapshots, and
// serves the merged view over HTTP.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "config", *configPath, "error", err)
	}

	if err := run(cfg, log); err != nil {
		log.Error("collector failed", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting collector",
		"observer", cfg.Observer.Name,
		"lat", cfg.Observer.Latitude,
		"lon", cfg.Observer.Longitude,
		"sources", len(cfg.EnabledSources()),
	)

	manager, err := aggregator.NewManager(aggregator.Config{
		CacheSize:     cfg.Aggregator.CacheSize,
		CacheTTL:      cfg.Aggregator.CacheTTL(),
		SourceTimeout: cfg.Aggregator.SourceTimeout(),
		DefaultRadius: cfg.Aggregator.DefaultRadiusNM,
	}, log)
	if err != nil {
		return err
	}
	defer manager.Close()

	entries, err := sources.Build(cfg.Sources, log)
	if err != nil {
		return fmt.Errorf("build sources: %w", err)
	}
	if err := sources.Register(manager, entries); err != nil {
		return fmt.Errorf("register sources: %w", err)
	}

	if enabled := manager.Initialize(ctx); enabled == 0 {
		log.Warn("no sources passed their connection test; queries will return nothing until one is re-enabled")
	}

	var pub publish.Publisher = publish.NewLogPublisher(log)
	if cfg.AMQP.Enabled {
		amqpPub, err := publish.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			return err
		}
		pub = amqpPub
		log.Info("publishing snapshots", "exchange", cfg.AMQP.Exchange)
	}
	defer pub.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		handler := api.NewServer(manager, api.Options{
			Home: coordinates.Geographic{
				Latitude:  cfg.Observer.Latitude,
				Longitude: cfg.Observer.Longitude,
			},
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, log)

		httpServer := &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		g.Go(func() error {
			log.Info("API listening", "addr", httpServer.Addr, "tls", cfg.Server.TLSEnabled)
			var err error
			if cfg.Server.TLSEnabled {
				err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			} else {
				err = httpServer.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("API forced to shut down", "error", err)
			}
			return nil
		})
	}

	if cfg.Collector.Enabled {
		c := collector.New(collector.Config{
			Latitude:      cfg.Observer.Latitude,
			Longitude:     cfg.Observer.Longitude,
			RadiusNM:      cfg.Collector.RadiusNM,
			Interval:      time.Duration(cfg.Collector.IntervalSeconds) * time.Second,
			StatsInterval: time.Duration(cfg.Collector.StatsIntervalSeconds) * time.Second,
		}, manager, pub, log)
		g.Go(func() error {
			c.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info("shutdown signal received")
		}
		return nil
	})

	runErr := g.Wait()
	log.Info("collector stopped")
	return runErr
}
