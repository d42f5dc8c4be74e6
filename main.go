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
	"time"

	"pawnsim-server/internal/sim"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) == 3 && os.Args[1] == "hash-key" {
		hash, err := HashControlKey(os.Args[2])
		if err != nil {
			log.Fatalf("hash key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg Config) error {
	shutdownTracing, err := SetupTelemetry(ctx, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	var db *DB
	if cfg.DBPath != "" {
		db, err = OpenDB(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
	}
	journal := NewJournal(db)
	defer journal.Stop()

	auth, err := NewControlAuth(db, cfg.ControlSecret, cfg.ControlKeyHash)
	if err != nil {
		return err
	}
	sup, err := NewSupervisor(cfg, db, journal)
	if err != nil {
		return err
	}

	// Everything below stops when the supervisor finishes its last run.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := NewHub(sup, auth, journal)
	go hub.Run(ctx)

	rpcDone := make(chan error, 1)
	if cfg.GRPCAddr != "" {
		rpc, err := NewRPCServer(cfg.GRPCAddr, NewSimulationService(sup, auth, journal))
		if err != nil {
			return err
		}
		go func() { rpcDone <- rpc.Serve(ctx) }()
	} else {
		rpcDone <- nil
	}

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: SetupRoutes(hub, cfg.ClientDir)}
	go func() {
		log.Printf("Server starting on %s", cfg.HTTPAddr)
		if cfg.ClientDir != "" {
			log.Printf("Serving client files from %s", cfg.ClientDir)
		}
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("ListenAndServe: %v", err)
			cancel()
		}
	}()

	simErr := sup.Run(ctx)
	log.Println("Shutting down...")
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := server.Shutdown(sctx); err != nil {
		server.Close()
	}
	if err := <-rpcDone; err != nil {
		log.Printf("[rpc] %v", err)
	}
	if errors.Is(simErr, sim.ErrNoSubscribers) {
		return nil
	}
	return simErr
}
