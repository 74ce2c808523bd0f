// Command icefarm-control runs the control process: the client-facing
// HTTP API, the reservation engine's periodic scans, and the
// LISTEN/NOTIFY fan-out onto the event bus.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/config"
	"github.com/evolvablehardware/iCEFARM/internal/control/api"
	"github.com/evolvablehardware/iCEFARM/internal/control/engine"
	"github.com/evolvablehardware/iCEFARM/internal/control/store"
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
)

func main() {
	cfg, err := config.LoadControl(os.Args[1:])
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open control database: %v", err)
	}
	defer db.Close()

	hub := eventbus.NewHub()
	eng := engine.New(engine.Config{
		Lease:            cfg.DefaultLease,
		ReservationWarn:  cfg.ReservationWarn,
		WorkerStaleAfter: cfg.WorkerStaleAfter,
		ScanInterval:     cfg.ScanInterval,
	}, db, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eng.Run(ctx)

	stop := make(chan struct{})
	go func() {
		if err := eng.RunNotifications(cfg.DatabaseDSN, stop); err != nil {
			log.Printf("notification listener stopped: %v", err)
		}
	}()

	busLn, err := net.Listen("tcp", cfg.EventBusAddr)
	if err != nil {
		log.Fatalf("listen on event bus address %s: %v", cfg.EventBusAddr, err)
	}
	reg := &eventbus.Registry{}
	go acceptClients(busLn, hub, reg)

	router := api.Router(eng, time.Now())
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	go func() {
		log.Printf("control API listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve control API: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down control")
	close(stop)
	cancel()
	busLn.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown control API: %v", err)
	}
}

// acceptClients runs the event bus hub's accept loop: one goroutine per
// client connection, handshaking on client_id and dispatching frames
// through reg until the listener closes.
func acceptClients(ln net.Listener, hub *eventbus.Hub, reg *eventbus.Registry) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("event bus accept loop stopped: %v", err)
			return
		}
		go func() {
			if err := hub.Accept(conn, reg); err != nil {
				log.Printf("event bus accept: %v", err)
			}
		}()
	}
}
