package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"

	"github.com/evolvablehardware/iCEFARM/internal/client"
	"github.com/evolvablehardware/iCEFARM/internal/client/scheduler"
	"github.com/evolvablehardware/iCEFARM/internal/config"
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	subcommand := os.Args[1]

	cfg, err := config.LoadClient(os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	cc := client.NewControlClient(cfg.ControlAddr)

	switch subcommand {
	case "reserve":
		reservations, err := cc.Reserve(clientID, cfg.Kind, cfg.Amount)
		exitOn(err)
		printJSON(reservations)
	case "reservespecific":
		reservations, err := cc.ReserveSpecific(clientID, cfg.Serials, cfg.Kind)
		exitOn(err)
		printJSON(reservations)
	case "extend":
		exitOn(requireOneSerial(cfg))
		exitOn(cc.Extend(clientID, cfg.Serials[0]))
		fmt.Println("ok")
	case "extendall":
		exitOn(cc.ExtendAll(clientID))
		fmt.Println("ok")
	case "end":
		exitOn(requireOneSerial(cfg))
		exitOn(cc.End(clientID, cfg.Serials[0]))
		fmt.Println("ok")
	case "endall":
		exitOn(cc.EndAll(clientID))
		fmt.Println("ok")
	case "available":
		devices, err := cc.Available()
		exitOn(err)
		printJSON(devices)
	case "workers":
		workers, err := cc.Workers()
		exitOn(err)
		printJSON(workers)
	case "run":
		exitOn(runBatch(cfg, clientID, cc))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: client <reserve|reservespecific|extend|extendall|end|endall|available|workers|run> [flags]")
}

func requireOneSerial(cfg *config.Client) error {
	if len(cfg.Serials) != 1 {
		return fmt.Errorf("--serials must name exactly one serial for this subcommand")
	}
	return nil
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// runBatch reserves devices, packs every firmware file under
// cfg.FirmwareDir into one evaluation targeting the whole reserved set, and
// drains the resulting bundle through a Scheduler until every result is in.
func runBatch(cfg *config.Client, clientID string, cc *client.ControlClient) error {
	if cfg.FirmwareDir == "" {
		return fmt.Errorf("--firmware-dir is required for run")
	}

	var reservations []model.Reservation
	var err error
	if len(cfg.Serials) > 0 {
		reservations, err = cc.ReserveSpecific(clientID, cfg.Serials, cfg.Kind)
	} else {
		reservations, err = cc.Reserve(clientID, cfg.Kind, cfg.Amount)
	}
	if err != nil {
		return fmt.Errorf("reserve devices: %w", err)
	}
	if len(reservations) == 0 {
		return fmt.Errorf("no devices reserved")
	}

	serials := make([]string, 0, len(reservations))
	for _, r := range reservations {
		serials = append(serials, r.Serial)
	}
	sort.Strings(serials)
	defer func() {
		if err := cc.EndAll(clientID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: endall on exit: %v\n", err)
		}
	}()

	files, err := firmwareFiles(cfg.FirmwareDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no firmware files found under %s", cfg.FirmwareDir)
	}

	devices, err := cc.Available()
	if err != nil {
		return fmt.Errorf("list available devices: %w", err)
	}
	workers, err := cc.Workers()
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	addrOf := client.WorkerAddrIndex(devices, workers)

	bundle := scheduler.NewBundle(4)
	for _, f := range files {
		payload, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read firmware file %s: %w", f, err)
		}
		bundle.Add(model.Evaluation{ID: uuid.NewString(), Serials: serials, Payload: payload})
	}
	bundle.Close()

	reg := &eventbus.Registry{}
	bus := client.NewBusManager(clientID, reg)
	sched := scheduler.New(bundle, scheduler.NewBalanced(), bus, addrOf)
	reg.Register(model.EventResults, []string{"batch_id", "results"}, sched.HandleResults)

	autoExtend := client.NewAutoExtender(clientID, cc)
	autoExtend.Register(reg)
	if _, err := bus.Connect(cfg.ControlBusAddr); err != nil {
		return fmt.Errorf("connect to control event bus: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go sched.Run(ctx)

	if cfg.Watch {
		return watchResults(sched, len(files)*len(serials))
	}
	for result := range sched.Results() {
		fmt.Printf("%s: evaluation %s pulses=%d failed=%v\n", result.Serial, result.Evaluation.ID, result.Result.Pulses, result.Result.Failed)
	}
	return nil
}

func firmwareFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read firmware dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
