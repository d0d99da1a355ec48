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

	"github.com/stokedbloke/giggles-cli-sub001/api"
	"github.com/stokedbloke/giggles-cli-sub001/internal/classifier"
	"github.com/stokedbloke/giggles-cli-sub001/internal/config"
	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
	"github.com/stokedbloke/giggles-cli-sub001/internal/pipeline"
	"github.com/stokedbloke/giggles-cli-sub001/internal/provider"
	"github.com/stokedbloke/giggles-cli-sub001/internal/version"
)

var (
	configPath = flag.String("config", "config.json", "Path to JSON config file (optional)")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	noSchedule = flag.Bool("no-schedule", false, "Disable the nightly sweep")
)

func main() {
	flag.Parse()
	log.Printf("giggles %s (%s)", version.Version, version.GitSHA)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	addr := cfg.GetListen()
	if *listen != "" {
		addr = *listen
	}

	database, err := db.OpenDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	oracle := classifier.New(cfg.GetOracleURL(), cfg.GetThreshold())
	defer oracle.Close()

	runner := &pipeline.Runner{
		DB: database,
		ProviderFor: func(u *db.User) pipeline.AudioProvider {
			return &provider.Client{
				BaseURL:    cfg.GetProviderURL(),
				Token:      u.ProviderToken,
				MaxRetries: cfg.GetRetryMax(),
				BaseDelay:  cfg.GetRetryBaseDelay(),
			}
		},
		Analyzer:  oracle,
		AudioRoot: cfg.GetAudioRoot(),
		ClipRoot:  cfg.GetClipRoot(),
		Window:    cfg.GetChunkWindow(),
	}
	ctrl := pipeline.NewController(runner, cfg.GetRunTimeout())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Run(ctx); err != nil {
			log.Printf("controller error: %v", err)
		}
		log.Print("controller routine terminated")
	}()

	if !*noSchedule {
		sched, err := pipeline.NewScheduler(ctrl, cfg.GetScheduleAt(), time.Local)
		if err != nil {
			log.Fatalf("bad schedule config: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil {
				log.Printf("scheduler error: %v", err)
			}
			log.Print("scheduler routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    addr,
			Handler: api.NewServer(database, ctrl, cfg.GetClipRoot()).Router(),
		}

		go func() {
			log.Printf("listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("graceful shutdown complete")
}
