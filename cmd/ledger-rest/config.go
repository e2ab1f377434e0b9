package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"ledgerrest/internal/interface/repository/logger"
	"ledgerrest/internal/usecase"
)

const (
	defaultPrefix        = "ledger_rest"
	defaultPort          = 80
	defaultAddress       = "0.0.0.0"
	defaultLevel         = 5
	defaultCacheSize     = 32 * 1024 * 1024
	defaultEngineTimeout = 30 * time.Second
)

// config は serve と check の設定. YAML ファイルのキーはフラグ名と同じ.
type config struct {
	File            string        `yaml:"file"`
	Prefix          string        `yaml:"prefix"`
	Port            int           `yaml:"port"`
	Address         string        `yaml:"address"`
	Key             string        `yaml:"key"`
	Cert            string        `yaml:"cert"`
	ClientCert      string        `yaml:"client-cert"`
	KeyPasswordFile string        `yaml:"key-password-file"`
	Pass            string        `yaml:"pass"`
	Level           int           `yaml:"level"`
	LogDir          string        `yaml:"log-dir"`
	MetricsAddress  string        `yaml:"metrics-address"`
	MetricsFile     string        `yaml:"metrics-file"`
	MetricsInterval time.Duration `yaml:"metrics-interval"`
	CacheSize       int64         `yaml:"cache-size"`
	Rounding        string        `yaml:"rounding"`
	LedgerBin       string        `yaml:"ledger-bin"`
	EngineTimeout   time.Duration `yaml:"engine-timeout"`

	// ConfigFile はフラグでのみ指定する
	ConfigFile string `yaml:"-"`
}

func defaultConfig() config {
	return config{
		Prefix:          defaultPrefix,
		Port:            defaultPort,
		Address:         defaultAddress,
		Level:           defaultLevel,
		MetricsInterval: time.Minute,
		CacheSize:       defaultCacheSize,
		Rounding:        string(usecase.RoundHalfUp),
		LedgerBin:       "ledger",
		EngineTimeout:   defaultEngineTimeout,
	}
}

// bindFlags はフラグを c に結び付ける. 既定値は c の現在の値.
func bindFlags(fs *pflag.FlagSet, c *config) {
	fs.StringVarP(&c.File, "file", "f", c.File, "ledger file to serve (required)")
	fs.StringVarP(&c.Prefix, "prefix", "e", c.Prefix, "URL path prefix of every route")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "port to listen on")
	fs.StringVarP(&c.Address, "address", "a", c.Address, "address to listen on")
	fs.StringVarP(&c.Key, "key", "k", c.Key, "TLS private key file (PEM)")
	fs.StringVarP(&c.Cert, "cert", "c", c.Cert, "TLS certificate file (PEM)")
	fs.StringVarP(&c.ClientCert, "client-cert", "t", c.ClientCert, "CA certificates that sign accepted client certificates (PEM)")
	fs.StringVar(&c.KeyPasswordFile, "key-password-file", c.KeyPasswordFile, "file holding the password of an encrypted key")
	fs.StringVarP(&c.Pass, "pass", "u", c.Pass, "user:password file for basic authentication")
	fs.IntVarP(&c.Level, "level", "l", c.Level, "log verbosity 0-9, higher logs more")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "write rotated logs to this directory instead of stderr")
	fs.StringVar(&c.MetricsAddress, "metrics-address", c.MetricsAddress, "serve /metrics, /stats and /health on this address")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "save metrics snapshots to this JSON file")
	fs.DurationVar(&c.MetricsInterval, "metrics-interval", c.MetricsInterval, "interval between metrics snapshots")
	fs.Int64Var(&c.CacheSize, "cache-size", c.CacheSize, "report cache size in bytes, 0 disables the cache")
	fs.StringVar(&c.Rounding, "rounding", c.Rounding, "amount rounding: half_up or half_even")
	fs.StringVar(&c.LedgerBin, "ledger-bin", c.LedgerBin, "ledger executable")
	fs.DurationVar(&c.EngineTimeout, "engine-timeout", c.EngineTimeout, "limit on one engine invocation, 0 for none")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML configuration file")
}

// resolveConfig は既定値、YAML ファイル、明示されたフラグの順に重ねる.
func resolveConfig(fs *pflag.FlagSet, flags config) (config, error) {
	c := defaultConfig()
	if flags.ConfigFile != "" {
		data, err := os.ReadFile(flags.ConfigFile)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", flags.ConfigFile, err)
		}
	}

	merged := pflag.NewFlagSet("merged", pflag.ContinueOnError)
	bindFlags(merged, &c)

	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil || merged.Lookup(f.Name) == nil {
			return
		}
		if setErr := merged.Set(f.Name, f.Value.String()); setErr != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, setErr)
		}
	})
	if err != nil {
		return config{}, err
	}
	return c, nil
}

func (c config) validateLedger() error {
	if c.File == "" {
		return errors.New("a ledger file is required (--file)")
	}
	if c.EngineTimeout < 0 {
		return fmt.Errorf("invalid engine timeout %s", c.EngineTimeout)
	}
	return nil
}

func (c config) validate() error {
	if err := c.validateLedger(); err != nil {
		return err
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.Port)
	}
	if (c.Key == "") != (c.Cert == "") {
		return errors.New("--key and --cert must be given together")
	}
	if c.ClientCert != "" && c.Key == "" {
		return errors.New("--client-cert requires --key and --cert")
	}
	if _, err := logger.LevelFromVerbosity(c.Level); err != nil {
		return err
	}
	if _, err := usecase.ParseRounding(c.Rounding); err != nil {
		return err
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("invalid cache size %d", c.CacheSize)
	}
	return nil
}

func (c config) tlsEnabled() bool {
	return c.Key != "" && c.Cert != ""
}
