package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coedit/relay/internal/config"
	"github.com/coedit/relay/internal/frontend"
	"github.com/coedit/relay/internal/httpapi"
	"github.com/coedit/relay/internal/metrics"
	"github.com/coedit/relay/internal/session"
	"github.com/coedit/relay/internal/store"
	"github.com/coedit/relay/internal/ws"
)

func main() {
	devMode := flag.Bool("dev", false, "Development mode (serve frontend from filesystem)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	httpPort := flag.Int("port", 0, "Override HTTP port")
	wsPort := flag.Int("ws-port", 0, "Override relay socket port")
	frontendDir := flag.String("frontend", "frontend", "Frontend directory for dev mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpPort > 0 {
		cfg.Server.HTTPPort = *httpPort
	}
	if *wsPort > 0 {
		cfg.Server.WSPort = *wsPort
	}

	st, err := store.New(cfg.Store.Root)
	if err != nil {
		log.Fatalf("Failed to open file store: %v", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	registry := session.NewRegistry()
	broadcaster := ws.NewBroadcaster(registry, m)
	relay := ws.NewServer(registry, broadcaster, m)

	var static http.Handler
	if *devMode {
		log.Printf("Serving frontend from filesystem: %s", *frontendDir)
		static = http.FileServer(http.Dir(*frontendDir))
	} else if static = frontend.Handler(); static != nil {
		log.Println("Serving embedded frontend")
	}

	api := httpapi.NewServer(st, promReg, static)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WSPort)
		if err := relay.ListenAndServe(ctx, addr); err != nil {
			log.Fatalf("Relay error: %v", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: api.Router(),
	}
	go func() {
		<-ctx.Done()
		httpSrv.Shutdown(context.Background())
	}()

	log.Printf("HTTP server listening on %s", httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server error: %v", err)
	}

	// Let the relay listener finish closing before the process exits.
	<-relayDone
	log.Println("Shutdown complete")
}
