// Package config binds each binary's flags, environment variables and an
// optional config file into a typed Config struct via pflag+viper, the
// same layered-configuration idiom the pack's other USB/IP project uses
// for its device-plugin daemon.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// newViper builds a viper instance that reads envPrefix-prefixed
// environment variables and, if --config was given, a config file.
func newViper(flags *pflag.FlagSet, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// Control is cmd/control's process configuration.
type Control struct {
	ListenAddr        string
	EventBusAddr      string
	DatabaseDSN       string
	DefaultLease      time.Duration
	ReservationWarn   time.Duration
	WorkerStaleAfter  time.Duration
	ScanInterval      time.Duration
}

// LoadControl parses args (normally os.Args[1:]) into a Control config,
// layering ICEFARM_CONTROL_-prefixed environment variables and an
// optional --config file over the flag defaults.
func LoadControl(args []string) (*Control, error) {
	flags := pflag.NewFlagSet("control", pflag.ContinueOnError)
	flags.String("config", "", "optional config file (TOML/YAML)")
	flags.String("listen-addr", ":8080", "control API listen address")
	flags.String("event-bus-addr", ":8081", "control event bus listen address")
	flags.String("database-dsn", "", "Postgres connection string")
	flags.Duration("default-lease", 10*time.Minute, "reservation lease length granted by reserve/reservespecific/extend")
	flags.Duration("reservation-warn", 2*time.Minute, "reservation ending-soon warning window")
	flags.Duration("worker-stale-after", 90*time.Second, "worker heartbeat staleness threshold")
	flags.Duration("scan-interval", 15*time.Second, "periodic expiry/timeout scan interval")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse control flags: %w", err)
	}

	v, err := newViper(flags, "ICEFARM_CONTROL")
	if err != nil {
		return nil, err
	}

	return &Control{
		ListenAddr:       v.GetString("listen-addr"),
		EventBusAddr:     v.GetString("event-bus-addr"),
		DatabaseDSN:      v.GetString("database-dsn"),
		DefaultLease:     v.GetDuration("default-lease"),
		ReservationWarn:  v.GetDuration("reservation-warn"),
		WorkerStaleAfter: v.GetDuration("worker-stale-after"),
		ScanInterval:     v.GetDuration("scan-interval"),
	}, nil
}

// Worker is cmd/worker's process configuration.
type Worker struct {
	Name             string
	IP               string
	Port             int
	Version          string
	Reservables      []string
	ListenAddr       string
	EventBusAddr     string
	DatabaseDSN      string
	FirmwareDir      string
	MountBase        string
	DefaultFirmware  string
	FlashTimeout     time.Duration
	HeartbeatEvery   time.Duration
}

// LoadWorker parses args into a Worker config, layering
// ICEFARM_WORKER_-prefixed environment variables and an optional
// --config file over the flag defaults.
func LoadWorker(args []string) (*Worker, error) {
	flags := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	flags.String("config", "", "optional config file (TOML/YAML)")
	flags.String("name", "", "unique worker name")
	flags.String("ip", "127.0.0.1", "address other workers/control reach this worker on")
	flags.Int("port", 9090, "this worker's own reserve/unreserve HTTP port")
	flags.String("version", "dev", "worker build version, published to the database")
	flags.StringSlice("reservables", []string{"pulsecount"}, "reservable kinds this worker supports")
	flags.String("listen-addr", ":9090", "worker reserve/unreserve HTTP listen address")
	flags.String("event-bus-addr", ":9091", "worker event bus listen address")
	flags.String("database-dsn", "", "Postgres connection string")
	flags.String("firmware-dir", "/var/lib/icefarm/firmware", "directory of named .uf2 firmware images")
	flags.String("mount-base", "/mnt/icefarm", "base directory under which bootloader partitions are mounted")
	flags.String("default-firmware", "default", "firmware image flashed when a device is not reserved")
	flags.Duration("flash-timeout", 30*time.Second, "time allowed for a flash to complete before marking the device broken")
	flags.Duration("heartbeat-every", 20*time.Second, "interval between heartbeat_worker calls")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse worker flags: %w", err)
	}

	v, err := newViper(flags, "ICEFARM_WORKER")
	if err != nil {
		return nil, err
	}

	return &Worker{
		Name:            v.GetString("name"),
		IP:              v.GetString("ip"),
		Port:            v.GetInt("port"),
		Version:         v.GetString("version"),
		Reservables:     v.GetStringSlice("reservables"),
		ListenAddr:      v.GetString("listen-addr"),
		EventBusAddr:    v.GetString("event-bus-addr"),
		DatabaseDSN:     v.GetString("database-dsn"),
		FirmwareDir:     v.GetString("firmware-dir"),
		MountBase:       v.GetString("mount-base"),
		DefaultFirmware: v.GetString("default-firmware"),
		FlashTimeout:    v.GetDuration("flash-timeout"),
		HeartbeatEvery:  v.GetDuration("heartbeat-every"),
	}, nil
}

// Client is cmd/client's process configuration.
type Client struct {
	ControlAddr    string
	ControlBusAddr string
	ClientID       string
	Watch          bool
	Kind           string
	Amount         int
	Serials        []string
	FirmwareDir    string
}

// LoadClient parses args into a Client config, layering
// ICEFARM_CLIENT_-prefixed environment variables and an optional
// --config file over the flag defaults. Kind/Amount/Serials/FirmwareDir
// are only meaningful to the reserve/reservespecific/run subcommands.
func LoadClient(args []string) (*Client, error) {
	flags := pflag.NewFlagSet("client", pflag.ContinueOnError)
	flags.String("config", "", "optional config file (TOML/YAML)")
	flags.String("control-addr", "http://127.0.0.1:8080/api/v1", "control API base URL")
	flags.String("control-bus-addr", "127.0.0.1:8081", "control event bus address, for reservation ending-soon/end/failure notifications")
	flags.String("client-id", "", "this client's id, used to address its event bus socket")
	flags.Bool("watch", false, "show a live terminal dashboard of in-flight batches")
	flags.String("kind", "pulsecount", "reservable kind to reserve")
	flags.Int("amount", 1, "number of devices to reserve")
	flags.StringSlice("serials", nil, "explicit serials for reservespecific/end/extend")
	flags.String("firmware-dir", "", "directory of bitstream files to run in batch mode")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse client flags: %w", err)
	}

	v, err := newViper(flags, "ICEFARM_CLIENT")
	if err != nil {
		return nil, err
	}

	return &Client{
		ControlAddr:    v.GetString("control-addr"),
		ControlBusAddr: v.GetString("control-bus-addr"),
		ClientID:       v.GetString("client-id"),
		Watch:          v.GetBool("watch"),
		Kind:           v.GetString("kind"),
		Amount:         v.GetInt("amount"),
		Serials:        v.GetStringSlice("serials"),
		FirmwareDir:    v.GetString("firmware-dir"),
	}, nil
}
