// Command backfill reprocesses a user's historical date range from the
// command line, without going through the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/stokedbloke/giggles-cli-sub001/internal/classifier"
	"github.com/stokedbloke/giggles-cli-sub001/internal/config"
	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
	"github.com/stokedbloke/giggles-cli-sub001/internal/pipeline"
	"github.com/stokedbloke/giggles-cli-sub001/internal/provider"
)

func main() {
	var configPath string
	var userID string
	var fromDate string
	var toDate string

	flag.StringVar(&configPath, "config", "config.json", "path to JSON config file")
	flag.StringVar(&userID, "user", "", "user id to backfill")
	flag.StringVar(&fromDate, "from", "", "first date (YYYY-MM-DD, user-local)")
	flag.StringVar(&toDate, "to", "", "last date inclusive (defaults to from)")
	flag.Parse()

	if userID == "" || fromDate == "" {
		log.Fatalf("user and from must be provided")
	}
	if toDate == "" {
		toDate = fromDate
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	database, err := db.OpenDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()

	user, err := database.GetUser(userID)
	if err != nil {
		log.Fatalf("lookup user: %v", err)
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recs, err := runner.ProcessRange(ctx, user, fromDate, toDate, db.TriggerManual)
	for _, rec := range recs {
		fmt.Printf("%s  %-9s  downloaded=%d found=%d skipped=%d  %.1fs\n",
			rec.CalendarDate, rec.Status, rec.AudioFilesDownloaded,
			rec.LaughterEventsFound, rec.DuplicatesSkipped, rec.DurationSeconds)
	}
	if err != nil {
		log.Fatalf("backfill aborted: %v", err)
	}
}
