package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ledgergate/ledgergate/internal/account"
	"github.com/ledgergate/ledgergate/internal/accountstore/postgres"
	"github.com/ledgergate/ledgergate/internal/accountstore/sqlite"
	"github.com/ledgergate/ledgergate/internal/backend"
	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/engine"
	"github.com/ledgergate/ledgergate/internal/httpserver"
	"github.com/ledgergate/ledgergate/internal/journal"
	journalasync "github.com/ledgergate/ledgergate/internal/journal/async"
	journalsql "github.com/ledgergate/ledgergate/internal/journal/sqlite"
	"github.com/ledgergate/ledgergate/internal/logging"
	"github.com/ledgergate/ledgergate/internal/pricing"
	"github.com/ledgergate/ledgergate/internal/version"
)

func main() {
	cfg, err := config.LoadServerConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logTarget := strings.TrimSpace(cfg.LogFile)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[ledgergated] ")
	log.Printf("ledgergated %s", version.FullInfo())

	var store account.Store
	if cfg.PostgresDSN() {
		store, err = postgres.New(cfg.AccountDSN, cfg.StoreMaxOpenConns, cfg.StoreMaxIdleConns)
	} else {
		store, err = sqlite.New(cfg.AccountDSN)
	}
	if err != nil {
		log.Fatalf("open account store: %v", err)
	}
	defer store.Close()

	var usageJournal journal.Store
	if strings.TrimSpace(cfg.JournalPath) != "" {
		base, err := journalsql.New(cfg.JournalPath)
		if err != nil {
			log.Fatalf("open usage journal: %v", err)
		}
		usageJournal = base
		if cfg.JournalAsync {
			usageJournal = journalasync.New(base, journalasync.Config{
				BatchSize:     cfg.JournalBatchSize,
				FlushInterval: cfg.JournalFlushInterval,
				Logger:        logging.NewLogger(log.Writer(), "ledgergated/journal"),
			})
		}
		defer usageJournal.Close()
	} else {
		log.Printf("usage journal disabled by configuration")
	}

	prices := pricing.Default()
	if strings.TrimSpace(cfg.PriceFile) != "" {
		n, err := prices.LoadFile(cfg.PriceFile)
		if err != nil {
			log.Fatalf("load price file: %v", err)
		}
		log.Printf("loaded %d model prices from %s", n, cfg.PriceFile)
	}

	eng := engine.New(engine.Config{
		Store:        store,
		Journal:      usageJournal,
		Prices:       prices,
		Logger:       logging.NewLogger(log.Writer(), "ledgergated/engine"),
		StoreTimeout: cfg.StoreTimeout,
	})

	ctx := context.Background()
	if n, err := eng.LoadAll(ctx); err != nil {
		log.Fatalf("load accounts: %v", err)
	} else {
		log.Printf("engine ready with %d account records", n)
	}

	var client *backend.Client
	if strings.TrimSpace(cfg.BackendAPIKey) != "" {
		client, err = backend.New(backend.Config{
			APIKey:  cfg.BackendAPIKey,
			BaseURL: cfg.BackendBaseURL,
		})
		if err != nil {
			log.Fatalf("backend client init: %v", err)
		}
	} else {
		log.Printf("no backend api key configured; chat completions disabled")
	}

	httpSrv := httpserver.New(eng, client, logging.NewLogger(log.Writer(), "ledgergated/http"))
	httpSrv.SetLogger(cfg.LogLevel, logging.NewLogger(log.Writer(), "ledgergated/http"))
	if cfg.AdminToken != "" {
		httpSrv.SetAdminToken(cfg.AdminToken)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("ledger server listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if n, err := eng.FlushAll(shutdownCtx); err != nil {
		log.Printf("final flush failed: %v", err)
	} else {
		log.Printf("flushed %d account records", n)
	}
}
