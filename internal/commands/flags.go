package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/hay-kot/mom/internal/broker/memory"
	"github.com/hay-kot/mom/internal/broker/rabbitmq"
	"github.com/hay-kot/mom/internal/core/broker"
	"github.com/hay-kot/mom/internal/core/config"
	"github.com/hay-kot/mom/internal/core/directory"
	"github.com/hay-kot/mom/internal/core/messaging"
	"github.com/hay-kot/mom/internal/core/subscription"
	"github.com/hay-kot/mom/internal/store/jsonfile"
)

// Broker backends selectable with --broker.
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerMemory   = "memory"
)

type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	DataDir    string
	Broker     string

	// Config is loaded in the Before hook and available to all commands
	Config *config.Config

	// Wired by Setup.
	Log           zerolog.Logger
	Dialer        broker.Dialer
	Admin         broker.Admin
	Directory     *directory.Directory
	Activity      messaging.ActivityStore
	Dispatcher    *messaging.Dispatcher
	Subscriptions *subscription.Manager
}

// Setup builds the broker backend and the services every command shares.
func (f *Flags) Setup(log zerolog.Logger) error {
	cfg := f.Config
	f.Log = log

	switch f.Broker {
	case "", BrokerRabbitMQ:
		admin, err := rabbitmq.NewAdmin(cfg.Broker.ManagementURL, cfg.Broker.Username, cfg.Broker.Password, cfg.Broker.Vhost, cfg.Broker.Timeout)
		if err != nil {
			return err
		}
		f.Dialer = rabbitmq.Dialer{URL: cfg.Broker.URL, Timeout: cfg.Broker.Timeout}
		f.Admin = admin
	case BrokerMemory:
		// process local; only useful for trying commands out
		b := memory.New()
		f.Dialer = b
		f.Admin = b
	default:
		return fmt.Errorf("unknown broker %q (want %s or %s)", f.Broker, BrokerRabbitMQ, BrokerMemory)
	}

	timeout := cfg.Broker.Timeout
	f.Activity = jsonfile.NewActivityStore(cfg.ActivityFile())
	f.Directory = directory.New(log.With().Str("component", "directory").Logger(), f.Admin, f.Dialer, timeout)
	f.Dispatcher = messaging.NewDispatcher(log.With().Str("component", "dispatch").Logger(), f.Dialer, f.Directory, f.Activity, timeout)
	f.Subscriptions = subscription.NewManager(log.With().Str("component", "subscription").Logger(), f.Directory, f.Dialer, f.Activity, timeout)
	return nil
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "mom", "config.yaml")
}

// DefaultDataDir returns the default data directory using XDG_DATA_HOME.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "mom")
}
