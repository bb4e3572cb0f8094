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

	"countersign/api/internal/app"
	"countersign/api/internal/archive"
	"countersign/api/internal/artifact"
	"countersign/api/internal/config"
	"countersign/api/internal/dispatch"
	"countersign/api/internal/export"
	"countersign/api/internal/search"
	"countersign/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	archiveService := archive.New(cfg.ArchiveDir)

	artifacts, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("artifact store connection failed: %v", err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)

	engine := export.NewChromeEngine(cfg.RenderTimeout)

	service := app.New(cfg, dataStore, engine, archiveService, artifacts, searchService)

	// The dispatcher feeds render jobs back into the service, so it is
	// wired after construction.
	var dispatcher dispatch.Dispatcher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis render queue")
		dispatcher, err = dispatch.NewRedisDispatcher(cfg.RedisURL, service, cfg.WorkerCount)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
	} else {
		log.Printf("Using in-process render queue")
		dispatcher = dispatch.NewPool(service, cfg.WorkerCount)
	}
	service.SetDispatcher(dispatcher)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Countersign API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := dispatcher.Close(); err != nil {
		log.Printf("dispatcher close error: %v", err)
	}
}
