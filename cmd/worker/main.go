// Command icefarm-worker runs one worker process: the device state
// machines, the USB/IP export layer, the internal reserve/unreserve
// HTTP endpoint control dispatches to, and the worker's own event bus
// socket that clients connect to once reserved.
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
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	workerapi "github.com/evolvablehardware/iCEFARM/internal/worker/api"
	"github.com/evolvablehardware/iCEFARM/internal/worker/manager"
	"github.com/evolvablehardware/iCEFARM/internal/worker/store"
	"github.com/evolvablehardware/iCEFARM/internal/worker/usbip"
)

func main() {
	cfg, err := config.LoadWorker(os.Args[1:])
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Name == "" {
		log.Fatal("--name is required")
	}

	db, err := store.Open(cfg.DatabaseDSN, cfg.Name, cfg.IP, cfg.Port, cfg.Version, cfg.Reservables)
	if err != nil {
		log.Fatalf("open worker database: %v", err)
	}

	hub := eventbus.NewHub()
	mgr := manager.New(manager.Config{
		DefaultFirmware: cfg.DefaultFirmware,
		FlashTimeout:    cfg.FlashTimeout,
		FirmwareDir:     cfg.FirmwareDir,
		MountBase:       cfg.MountBase,
	}, db, &usbip.CLIBinder{}, hub)

	reg := &eventbus.Registry{}
	mgr.RegisterBusHandlers(reg)

	busLn, err := net.Listen("tcp", cfg.EventBusAddr)
	if err != nil {
		log.Fatalf("listen on event bus address %s: %v", cfg.EventBusAddr, err)
	}
	go acceptClients(busLn, hub, reg)

	router := workerapi.Router(mgr, cfg.MountBase)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		log.Printf("worker %s reserve/unreserve API listening on %s", cfg.Name, cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve worker API: %v", err)
		}
	}()

	heartbeatStop := make(chan struct{})
	go heartbeatLoop(db, cfg.HeartbeatEvery, heartbeatStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("worker %s shutting down: draining reservations", cfg.Name)
	close(heartbeatStop)
	mgr.Shutdown()
	if err := db.EnableShutdown(); err != nil {
		log.Printf("enable shutdown: %v", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer drainCancel()
	if err := db.WaitUntilDrained(drainCtx, time.Second); err != nil {
		log.Printf("wait until drained: %v", err)
	}

	busLn.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown worker API: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("close worker database: %v", err)
	}
}

// heartbeatLoop calls Heartbeat on cfg.HeartbeatEvery until stop is
// closed, renewing this worker's liveness row so control's
// scanWorkerTimeouts never treats it as stale.
func heartbeatLoop(db *store.Store, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := db.Heartbeat(); err != nil {
				log.Printf("heartbeat: %v", err)
			}
		}
	}
}

// acceptClients runs the event bus hub's accept loop for this worker's
// client-facing socket.
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
