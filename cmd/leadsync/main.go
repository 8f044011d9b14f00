package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"leadsync/pkg/banner"
	"leadsync/pkg/classifier"
	"leadsync/pkg/config"
	"leadsync/pkg/ingest"
	"leadsync/pkg/logger"
	"leadsync/pkg/orchestrator"
	"leadsync/pkg/schema"
	"leadsync/pkg/sheets"
	"leadsync/pkg/store"
	"leadsync/pkg/threads"
)

func main() {
	// build metadata - set via ldflags during build/release
	var (
		version = "dev"
		commit  = "none"
	)
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	// Config path: flag wins over env.
	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])

	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Flags win over env/config for addr and db path.
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dbPath := cfg.Storage.DBPath
	if dbPath == "" || setFlags["db"] {
		dbPath = dbVal
	}

	logger.Init(cfg.Logging.Level)

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open pebble at %s: %v", dbPath, err)
	}

	// Field catalogue for the classifier. Config-supplied fields override the
	// hardcoded fallback; the gateway degrades on its own when this is empty.
	fields := make([]schema.Field, 0, len(cfg.Schema.Fields))
	for _, f := range cfg.Schema.Fields {
		fields = append(fields, schema.Field{
			Name:        f.Name,
			Type:        f.Type,
			Required:    f.Required,
			Order:       f.Order,
			Description: f.Description,
			EnumValues:  append([]string{}, f.EnumValues...),
		})
	}
	provider := schema.NewStaticProvider(fields)

	gateway, err := classifier.NewGateway(cfg.Classifier.APIKey, cfg.Classifier.Model, provider)
	if err != nil {
		log.Fatalf("classifier not configured: %v", err)
	}

	ctx := context.Background()
	client, err := sheets.NewClient(ctx, sheets.ClientOptions{
		SpreadsheetID:   cfg.Sheets.SpreadsheetID,
		CredentialsFile: cfg.Sheets.CredentialsFile,
		RPS:             cfg.Sheets.RPS,
		Burst:           cfg.Sheets.Burst,
		MaxRetries:      cfg.Sheets.MaxRetries,
		HeaderTTL:       cfg.HeaderTTL(),
	})
	if err != nil {
		log.Fatalf("sheets client not configured: %v", err)
	}
	batcher := sheets.NewBatcher(client, cfg.Sheets.BatchSize, cfg.FlushIdle())
	syncer := sheets.NewSyncer(st, batcher, cfg.Sheets.SheetName)

	resolver := threads.NewResolver(st)
	proc := orchestrator.NewProcessor(st, gateway, resolver, cfg.Classifier.HistoryLimit)
	orch := orchestrator.New(cfg.CronExpr(), proc, syncer)
	cancelOrch, err := orch.Start(ctx)
	if err != nil {
		log.Fatalf("failed to start orchestrator: %v", err)
	}

	// Graceful shutdown: stop ticking, flush queued sheet writes, close db.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String())
		cancelOrch()
		batcher.Close()
		if err := st.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
		os.Exit(0)
	}()

	srcs := []string{}
	if len(setFlags) > 0 {
		srcs = append(srcs, "flags")
	}
	if envUsed {
		srcs = append(srcs, "env")
	}
	if _, err := config.Load(cfgPath); err == nil {
		srcs = append(srcs, "config")
	}
	verStr := version
	if commit != "none" {
		verStr = verStr + " (" + commit + ")"
	}
	banner.Print(cfg, addr, dbPath, strings.Join(srcs, ", "), verStr)

	r := mux.NewRouter()
	handler := ingest.NewHandler(st, func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		orch.Tick(tctx)
	})
	handler.Routes(r)

	// Swagger UI at /docs, spec at /openapi.yaml, metrics for scraping.
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	r.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	r.Handle("/metrics", promhttp.Handler())

	logger.Info("http_listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal(err)
	}
}
