package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/position.report/internal/api"
	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/bus"
	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/locator"
	"github.com/banshee-data/position.report/internal/pgo"
	"github.com/banshee-data/position.report/internal/timeutil"
)

var (
	configPath = flag.String("config", "config/position.json", "Path to the JSON configuration file")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	noDB       = flag.Bool("no-db", false, "Disable the position history store")
	noPublish  = flag.Bool("no-publish", false, "Disable outbound position publishing on the bus")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Bad anchor geometry is fatal: the pipeline must not start without a
	// usable reference frame.
	geo, err := geom.New(cfg.AnchorConfigs())
	if err != nil {
		log.Fatalf("failed to build anchor geometry: %v", err)
	}
	// The gauge fix pins every solve to these two anchors.
	for _, id := range []geom.AnchorID{pgo.GaugeOriginAnchor, pgo.GaugeScaleAnchor} {
		if !geo.Has(id) {
			log.Fatalf("failed to build anchor geometry: reference anchor %d missing", id)
		}
	}

	coordinator := locator.New(geo, locator.Config{
		Binner: binner.Config{
			WindowSeconds:             cfg.GetWindowSeconds(),
			OutlierSigma:              cfg.GetOutlierSigma(),
			MinSamplesForOutlierCheck: cfg.GetMinSamplesForOutlierCheck(),
			MaxAnchorVariance:         cfg.GetMaxAnchorVariance(),
		},
		Solver: pgo.SolverConfig{
			IterationCap: cfg.GetIterationCap(),
			GradientTol:  cfg.GetGradientTolerance(),
			StepTol:      cfg.GetStepTolerance(),
		},
		TickInterval: cfg.GetTickInterval(),
	}, timeutil.RealClock{})

	var store *db.DB
	if !*noDB {
		store, err = db.New(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("failed to open history store: %v", err)
		}
		defer store.Close()
		coordinator.SetRecorder(store)
	}

	busCfg := bus.Config{
		Host:      cfg.GetBusHost(),
		Port:      cfg.GetBusPort(),
		BaseTopic: cfg.GetBaseTopic(),
		ClientID:  cfg.GetClientID(),
		TagID:     binner.TagID(cfg.GetTagID()),
	}

	var publisher *bus.Publisher
	if !*noPublish {
		publisher = bus.NewPublisher(busCfg)
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start position publisher: %v", err)
		}
		defer publisher.Stop()
		coordinator.SetPublisher(publisher)
	}

	ingest := bus.NewIngest(busCfg, geo, coordinator)
	// An unreachable bus at startup is fatal; transport drops afterwards are
	// handled by the client's reconnect.
	if err := ingest.Start(); err != nil {
		log.Fatalf("failed to start measurement ingest: %v", err)
	}
	defer ingest.Stop()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the solve tick loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coordinator.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("coordinator terminated: %v", err)
		}
		log.Print("coordinator routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		apiMux := api.NewServer(coordinator, store, cfg).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
