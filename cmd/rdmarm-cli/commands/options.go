package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmarm/internal/config"
	"github.com/piwi3910/rdmarm/internal/rdma"
)

// GlobalOptions are flags shared by every command
type GlobalOptions struct {
	ConfigPath string
	Backend    string
	Device     string
	Debug      bool
}

// Bind registers the shared flags
func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", "", "Path to configuration file")
	fs.StringVar(&o.Backend, "backend", "", "Verbs backend (simulated, hardware)")
	fs.StringVar(&o.Device, "device", "", "RDMA device name")
	fs.BoolVar(&o.Debug, "debug", false, "Enable debug logging")
}

// SetupLogging sends logs to stderr, quiet unless --debug is set
func (o *GlobalOptions) SetupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if o.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

// LoadConfig resolves the configuration with the flag overrides applied
func (o *GlobalOptions) LoadConfig() (*config.Config, error) {
	return config.Load(o.ConfigPath, config.Options{
		Backend: o.Backend,
		Device:  o.Device,
	})
}

// openBackend creates and initializes the configured verbs backend
func openBackend(cfg *config.Config) (rdma.Backend, error) {
	backend, err := rdma.NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", cfg.Backend, err)
	}

	return backend, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	return enc.Close()
}
